package graph

import (
	"container/heap"
	"slices"
)

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// requiresAdj returns the requires adjacency restricted to existing nodes,
// with sorted neighbour lists.
func (g *Graph) requiresAdj() map[int][]int {
	adj := make(map[int][]int, len(g.ids))
	for _, id := range g.ids {
		var next []int
		for _, e := range g.out[id] {
			if e.Kind != EdgeRequires {
				continue
			}
			if _, ok := g.nodes[e.To]; ok && !slices.Contains(next, e.To) {
				next = append(next, e.To)
			}
		}
		slices.Sort(next)
		adj[id] = next
	}
	return adj
}

// TopoOrder returns the node ids ordered so that every proposal comes after
// the ones it requires, ties broken by id. Nodes on a requires cycle are
// left out.
func (g *Graph) TopoOrder() []int {
	adj := g.requiresAdj()
	// Edges run dependency -> dependent for the ordering.
	indeg := make(map[int]int, len(g.ids))
	rev := make(map[int][]int, len(g.ids))
	for _, id := range g.ids {
		for _, dep := range adj[id] {
			indeg[id]++
			rev[dep] = append(rev[dep], id)
		}
	}

	ready := &intMinHeap{}
	for _, id := range g.ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}
	out := make([]int, 0, len(g.ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range rev[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// CycleFrom returns the requires cycle whose smallest member is id. Each
// strongly connected component contributes one minimal cycle, rotated to
// start at its smallest id, so a cycle is found from exactly one member.
func (g *Graph) CycleFrom(id int) ([]int, bool) {
	c, ok := g.cycleAt[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(c), true
}

// findCycles runs once per graph, from Build. The result is ordered by each
// cycle's first id.
func (g *Graph) findCycles() [][]int {
	if len(g.TopoOrder()) == len(g.ids) {
		return nil
	}
	adj := g.requiresAdj()

	var cycles [][]int
	for _, scc := range g.components(adj) {
		start := scc[0]
		if len(scc) == 1 && !slices.Contains(adj[start], start) {
			continue
		}
		cycles = append(cycles, shortestCycle(adj, start, scc))
	}
	slices.SortFunc(cycles, func(a, b []int) int { return a[0] - b[0] })
	return cycles
}

// components runs Tarjan's algorithm in id order; each component comes back
// sorted.
func (g *Graph) components(adj map[int][]int) [][]int {
	index := 0
	indices := make(map[int]int, len(g.ids))
	low := make(map[int]int, len(g.ids))
	onStack := make(map[int]bool, len(g.ids))
	var stack []int
	var out [][]int

	var visit func(v int)
	visit = func(v int) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], indices[w])
			}
		}

		if low[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			out = append(out, scc)
		}
	}

	for _, id := range g.ids {
		if _, seen := indices[id]; !seen {
			visit(id)
		}
	}
	return out
}

// shortestCycle finds the shortest path start -> ... -> start inside the
// component by breadth-first search over sorted neighbours.
func shortestCycle(adj map[int][]int, start int, scc []int) []int {
	if slices.Contains(adj[start], start) {
		return []int{start}
	}
	parent := map[int]int{start: start}
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !slices.Contains(scc, next) {
				continue
			}
			if next == start {
				path := []int{cur}
				for p := cur; p != start; {
					p = parent[p]
					path = append(path, p)
				}
				slices.Reverse(path)
				return path
			}
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return scc
}
