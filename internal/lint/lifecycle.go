package lint

import "github.com/starford/eipsmith/internal/models"

// transitions is the direct-successor table of the status lifecycle.
var transitions = map[models.Status][]models.Status{
	models.StatusDraft:    {models.StatusReview, models.StatusWithdrawn, models.StatusStagnant},
	models.StatusReview:   {models.StatusDraft, models.StatusLastCall, models.StatusWithdrawn, models.StatusStagnant},
	models.StatusLastCall: {models.StatusReview, models.StatusFinal, models.StatusLiving, models.StatusWithdrawn, models.StatusStagnant},
	models.StatusStagnant: {models.StatusDraft, models.StatusReview, models.StatusWithdrawn},
}

// Reachable reports whether a proposal may move from one status to another:
// staying put, or following the lifecycle through any number of steps.
func Reachable(from, to models.Status) bool {
	if from == to {
		return true
	}
	seen := map[models.Status]bool{from: true}
	queue := []models.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
