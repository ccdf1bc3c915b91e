package citation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Reference renders one bibliography entry in the style, as markdown.
func (s *Style) Reference(e *Entry) string {
	if s.Format == FormatAuthorDate {
		return apaReference(e)
	}
	return ieeeReference(e)
}

// inText renders the in-text form of a single entry.
func (s *Style) inText(e *Entry, number int) string {
	if s.Format == FormatAuthorDate {
		year := e.Issued.Year()
		if year == "" {
			year = "n.d."
		}
		who := shortNames(e.Author)
		if who == "" {
			who = e.Title
		}
		return who + ", " + year
	}
	return fmt.Sprint(number)
}

func shortNames(names []Name) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0].family()
	case 2:
		return names[0].family() + " & " + names[1].family()
	default:
		return names[0].family() + " et al."
	}
}

func (n Name) family() string {
	if n.Family != "" {
		return n.Family
	}
	return n.Literal
}

func initials(given string) string {
	var parts []string
	for _, g := range strings.Fields(given) {
		var sub []string
		for _, h := range strings.Split(g, "-") {
			if r, _ := utf8.DecodeRuneInString(h); r != utf8.RuneError {
				sub = append(sub, string(r)+".")
			}
		}
		parts = append(parts, strings.Join(sub, "-"))
	}
	return strings.Join(parts, " ")
}

func ieeeName(n Name) string {
	if n.Family == "" {
		return n.Literal
	}
	if i := initials(n.Given); i != "" {
		return i + " " + n.Family
	}
	return n.Family
}

func apaName(n Name) string {
	if n.Family == "" {
		return n.Literal
	}
	if i := initials(n.Given); i != "" {
		return n.Family + ", " + i
	}
	return n.Family
}

func ieeeNames(names []Name) string {
	if len(names) > 6 {
		return ieeeName(names[0]) + " et al."
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ieeeName(n)
	}
	switch len(out) {
	case 0:
		return ""
	case 1:
		return out[0]
	case 2:
		return out[0] + " and " + out[1]
	default:
		return strings.Join(out[:len(out)-1], ", ") + ", and " + out[len(out)-1]
	}
}

func apaNames(names []Name) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = apaName(n)
	}
	switch len(out) {
	case 0:
		return ""
	case 1:
		return out[0]
	default:
		return strings.Join(out[:len(out)-1], ", ") + ", & " + out[len(out)-1]
	}
}

func ieeeReference(e *Entry) string {
	var b strings.Builder
	if names := ieeeNames(e.Author); names != "" {
		b.WriteString(names)
		b.WriteString(", ")
	}

	var tail []string
	if e.ContainerTitle != "" {
		tail = append(tail, "*"+e.ContainerTitle+"*")
	}
	if e.Volume != "" {
		tail = append(tail, "vol. "+string(e.Volume))
	}
	if e.Issue != "" {
		tail = append(tail, "no. "+string(e.Issue))
	}
	if e.Page != "" {
		tail = append(tail, "pp. "+string(e.Page))
	}
	if e.Publisher != "" {
		tail = append(tail, e.Publisher)
	}
	if y := e.Issued.Year(); y != "" {
		tail = append(tail, y)
	}

	switch {
	case e.Title != "" && len(tail) > 0:
		fmt.Fprintf(&b, "\"%s,\" %s.", e.Title, strings.Join(tail, ", "))
	case e.Title != "":
		fmt.Fprintf(&b, "\"%s.\"", e.Title)
	case len(tail) > 0:
		b.WriteString(strings.Join(tail, ", ") + ".")
	default:
		b.WriteString(e.ID + ".")
	}

	if e.DOI != "" {
		b.WriteString(" doi: " + e.DOI + ".")
	}
	if e.URL != "" {
		b.WriteString(" [Online]. Available: " + e.URL)
	}
	return strings.TrimSpace(b.String())
}

func apaReference(e *Entry) string {
	year := e.Issued.Year()
	if year == "" {
		year = "n.d."
	}
	title := e.Title
	if title == "" {
		title = e.ID
	}
	// Titles of standalone works are italic; articles in a container are not.
	if e.ContainerTitle == "" {
		title = "*" + title + "*"
	}

	var b strings.Builder
	if names := apaNames(e.Author); names != "" {
		fmt.Fprintf(&b, "%s (%s). %s.", names, year, title)
	} else {
		fmt.Fprintf(&b, "%s. (%s).", title, year)
	}

	if e.ContainerTitle != "" {
		b.WriteString(" *" + e.ContainerTitle + "*")
		if e.Volume != "" {
			b.WriteString(", *" + string(e.Volume) + "*")
			if e.Issue != "" {
				b.WriteString("(" + string(e.Issue) + ")")
			}
		}
		if e.Page != "" {
			b.WriteString(", " + string(e.Page))
		}
		b.WriteString(".")
	}
	if e.Publisher != "" {
		b.WriteString(" " + e.Publisher + ".")
	}
	switch {
	case e.DOI != "":
		b.WriteString(" https://doi.org/" + e.DOI)
	case e.URL != "":
		b.WriteString(" " + e.URL)
	}
	return b.String()
}
