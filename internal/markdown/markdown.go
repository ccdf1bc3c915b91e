// Package markdown scans proposal bodies into a lightweight document tree
// (headings, links, citation markers, fenced blocks) and rewrites them.
//
// Only the constructs the pipeline needs are recognised. Fenced code blocks
// and inline code spans are never scanned or rewritten.
package markdown

import (
	"regexp"
	"sort"
	"strings"
)

var (
	fenceRe   = regexp.MustCompile("^( {0,3})(`{3,}|~{3,})[ \\t]*([^`\\s]*)")
	headingRe = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*?))?(?:[ \t]+#+)?[ \t]*$`)
	linkRe    = regexp.MustCompile(`(!?)\[([^\[\]]*)\]\(\s*(<[^<>]*>|[^\s()]*)(?:\s+"([^"]*)")?\s*\)`)
	refDefRe  = regexp.MustCompile(`^ {0,3}\[([^\[\]]+)\]:[ \t]*(<[^<>]*>|\S+)(?:[ \t]+"([^"]*)")?[ \t]*$`)
	citeRe    = regexp.MustCompile(`\[(@[^\[\]]+)\]`)
	citeKeyRe = regexp.MustCompile(`^@([A-Za-z0-9_][A-Za-z0-9_:.#$%&+?<>~/-]*)$`)
)

// Heading is an ATX heading.
type Heading struct {
	Level int
	Text  string
	Line  int
}

// Link is an inline link, image, or reference definition.
type Link struct {
	Image  bool
	RefDef bool
	Text   string
	Dest   string
	Title  string
	Line   int
	Column int
}

// Citation is a pandoc-style citation marker such as [@a; @b].
type Citation struct {
	Keys   []string
	Raw    string
	Line   int
	Column int
}

// Fence is a fenced code block.
type Fence struct {
	Info      string
	Content   string
	StartLine int
	EndLine   int
}

// Section is a node of the heading outline.
type Section struct {
	Heading  Heading
	Children []*Section
}

// Document is the scanned structure of a markdown body.
type Document struct {
	Headings  []Heading
	Links     []Link
	Citations []Citation
	Fences    []Fence
}

// Parse scans body. firstLine is the file line number of the body's first
// line so that positions refer to the original file.
func Parse(body string, firstLine int) *Document {
	doc := &Document{}
	v := Visitor{
		Heading:  func(h Heading) { doc.Headings = append(doc.Headings, h) },
		Link:     func(l Link) (string, bool) { doc.Links = append(doc.Links, l); return "", false },
		Citation: func(c Citation) (string, bool) { doc.Citations = append(doc.Citations, c); return "", false },
		Fence:    func(f Fence) (string, bool) { doc.Fences = append(doc.Fences, f); return "", false },
	}
	v.Walk(body, firstLine)
	return doc
}

// Outline arranges the headings into a tree. Top-level nodes are the
// shallowest headings encountered.
func (d *Document) Outline() []*Section {
	var roots []*Section
	var stack []*Section
	for _, h := range d.Headings {
		s := &Section{Heading: h}
		for len(stack) > 0 && stack[len(stack)-1].Heading.Level >= h.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, s)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, s)
		}
		stack = append(stack, s)
	}
	return roots
}

// CitationGroups returns the keys of every citation marker, in document
// order.
func (d *Document) CitationGroups() [][]string {
	out := make([][]string, 0, len(d.Citations))
	for _, c := range d.Citations {
		out = append(out, c.Keys)
	}
	return out
}

// Visitor receives the constructs found while walking a body. Link,
// Citation and Fence may return a replacement for the matched text.
// For links the replacement is the whole link markup.
type Visitor struct {
	Heading  func(Heading)
	Link     func(Link) (string, bool)
	Citation func(Citation) (string, bool)
	Fence    func(Fence) (string, bool)
}

// Walk scans body and returns it with any replacements applied.
func (v Visitor) Walk(body string, firstLine int) string {
	if firstLine < 1 {
		firstLine = 1
	}
	lines := strings.SplitAfter(body, "\n")
	var out strings.Builder
	out.Grow(len(body))

	var (
		inFence    bool
		fenceMark  string
		fenceStart int
		fenceInfo  string
		fenceBuf   []string
	)

	for i, raw := range lines {
		if raw == "" {
			continue
		}
		lineNo := firstLine + i
		text := strings.TrimRight(raw, "\r\n")

		if inFence {
			fenceBuf = append(fenceBuf, raw)
			if isClosingFence(text, fenceMark) {
				inFence = false
				f := Fence{
					Info:      fenceInfo,
					Content:   strings.Join(fenceBuf[1:len(fenceBuf)-1], ""),
					StartLine: fenceStart,
					EndLine:   lineNo,
				}
				if repl, ok := v.fence(f); ok {
					out.WriteString(repl)
				} else {
					out.WriteString(strings.Join(fenceBuf, ""))
				}
				fenceBuf = nil
			}
			continue
		}

		if m := fenceRe.FindStringSubmatch(text); m != nil {
			inFence = true
			fenceMark = m[2]
			fenceStart = lineNo
			fenceInfo = m[3]
			fenceBuf = []string{raw}
			continue
		}

		if m := headingRe.FindStringSubmatch(text); m != nil && v.Heading != nil {
			v.Heading(Heading{Level: len(m[1]), Text: strings.TrimSpace(m[2]), Line: lineNo})
		}

		if m := refDefRe.FindStringSubmatchIndex(text); m != nil && !strings.HasPrefix(text[m[2]:m[3]], "@") {
			l := Link{
				RefDef: true,
				Text:   text[m[2]:m[3]],
				Dest:   unbracket(text[m[4]:m[5]]),
				Line:   lineNo,
				Column: m[2],
			}
			if m[6] >= 0 {
				l.Title = text[m[6]:m[7]]
			}
			if repl, ok := v.link(l); ok {
				out.WriteString(repl)
				out.WriteString(raw[len(text):])
			} else {
				out.WriteString(raw)
			}
			continue
		}

		out.WriteString(v.inline(raw, lineNo))
	}

	// An unterminated fence runs to the end of the document.
	if inFence {
		out.WriteString(strings.Join(fenceBuf, ""))
	}
	return out.String()
}

func (v Visitor) fence(f Fence) (string, bool) {
	if v.Fence == nil {
		return "", false
	}
	return v.Fence(f)
}

func (v Visitor) link(l Link) (string, bool) {
	if v.Link == nil {
		return "", false
	}
	return v.Link(l)
}

// inline processes one line outside fenced code, skipping code spans.
func (v Visitor) inline(line string, lineNo int) string {
	var out strings.Builder
	pos := 0
	for pos < len(line) {
		start := strings.IndexByte(line[pos:], '`')
		if start < 0 {
			out.WriteString(v.segment(line[pos:], lineNo, pos))
			break
		}
		start += pos
		out.WriteString(v.segment(line[pos:start], lineNo, pos))

		n := 0
		for start+n < len(line) && line[start+n] == '`' {
			n++
		}
		ticks := line[start : start+n]
		end := strings.Index(line[start+n:], ticks)
		if end < 0 {
			// Unmatched backticks are literal text.
			out.WriteString(ticks)
			pos = start + n
			continue
		}
		end += start + n + n
		out.WriteString(line[start:end])
		pos = end
	}
	return out.String()
}

// segment scans a code-free slice of a line. offset is the byte offset of
// segment within its line.
func (v Visitor) segment(seg string, lineNo, offset int) string {
	if seg == "" {
		return seg
	}
	type match struct {
		start, end int
		repl       string
	}
	var matches []match

	for _, m := range linkRe.FindAllStringSubmatchIndex(seg, -1) {
		l := Link{
			Image:  m[3] > m[2],
			Text:   seg[m[4]:m[5]],
			Dest:   unbracket(seg[m[6]:m[7]]),
			Line:   lineNo,
			Column: offset + m[0] + 1,
		}
		if m[8] >= 0 {
			l.Title = seg[m[8]:m[9]]
		}
		if repl, ok := v.link(l); ok {
			matches = append(matches, match{m[0], m[1], repl})
		}
	}

	for _, m := range citeRe.FindAllStringSubmatchIndex(seg, -1) {
		// [@key](url) is a link, not a citation.
		if m[1] < len(seg) && seg[m[1]] == '(' {
			continue
		}
		keys, ok := citationKeys(seg[m[2]:m[3]])
		if !ok {
			continue
		}
		c := Citation{Keys: keys, Raw: seg[m[0]:m[1]], Line: lineNo, Column: offset + m[0] + 1}
		if v.Citation == nil {
			continue
		}
		if repl, ok := v.Citation(c); ok {
			matches = append(matches, match{m[0], m[1], repl})
		}
	}

	if len(matches) == 0 {
		return seg
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	var out strings.Builder
	last := 0
	for _, m := range matches {
		if m.start < last {
			continue
		}
		out.WriteString(seg[last:m.start])
		out.WriteString(m.repl)
		last = m.end
	}
	out.WriteString(seg[last:])
	return out.String()
}

// citationKeys splits "@a; @b" into keys. All parts must be valid keys.
func citationKeys(inner string) ([]string, bool) {
	parts := strings.Split(inner, ";")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		m := citeKeyRe.FindStringSubmatch(strings.TrimSpace(p))
		if m == nil {
			return nil, false
		}
		keys = append(keys, m[1])
	}
	return keys, true
}

func isClosingFence(text, mark string) bool {
	t := strings.TrimLeft(text, " ")
	if len(text)-len(t) > 3 {
		return false
	}
	if !strings.HasPrefix(t, mark[:1]) {
		return false
	}
	n := 0
	for n < len(t) && t[n] == mark[0] {
		n++
	}
	return n >= len(mark) && strings.TrimSpace(t[n:]) == ""
}

func unbracket(dest string) string {
	if strings.HasPrefix(dest, "<") && strings.HasSuffix(dest, ">") {
		return dest[1 : len(dest)-1]
	}
	return dest
}

// FormatLink renders link markup.
func FormatLink(l Link) string {
	var b strings.Builder
	if l.RefDef {
		b.WriteString("[" + l.Text + "]: " + l.Dest)
		if l.Title != "" {
			b.WriteString(` "` + l.Title + `"`)
		}
		return b.String()
	}
	if l.Image {
		b.WriteByte('!')
	}
	b.WriteString("[" + l.Text + "](" + l.Dest)
	if l.Title != "" {
		b.WriteString(` "` + strings.ReplaceAll(l.Title, `"`, `'`) + `"`)
	}
	b.WriteByte(')')
	return b.String()
}
