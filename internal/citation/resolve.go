package citation

import (
	"strconv"
	"strings"
)

// Resolver binds a store to a style. Either may be shared across goroutines.
type Resolver struct {
	store *Store
	style *Style
}

// NewResolver returns a resolver. A nil store resolves nothing; a nil style
// defaults to IEEE.
func NewResolver(store *Store, style *Style) *Resolver {
	if style == nil {
		style, _ = Builtin(StyleIEEE)
	}
	return &Resolver{store: store, style: style}
}

// Store returns the underlying bibliography, possibly nil.
func (r *Resolver) Store() *Store { return r.store }

// Style returns the active style.
func (r *Resolver) Style() *Style { return r.style }

// Bibliography is the resolved set of references for one proposal.
type Bibliography struct {
	style   *Style
	entries []*Entry
	numbers map[string]int
	missing []string
}

// Resolve builds the bibliography for the citation markers of one document,
// each given as its keys, in document order. Unknown keys are collected in
// Missing. A marker with an unknown key is left as written, so its other
// keys are only numbered when another marker cites them successfully.
func (r *Resolver) Resolve(markers [][]string) *Bibliography {
	b := &Bibliography{style: r.style, numbers: make(map[string]int)}
	missing := make(map[string]bool)
	for _, keys := range markers {
		found := make([]*Entry, len(keys))
		complete := true
		for i, k := range keys {
			e, ok := r.store.Lookup(k)
			if !ok {
				complete = false
				if !missing[k] {
					missing[k] = true
					b.missing = append(b.missing, k)
				}
				continue
			}
			found[i] = e
		}
		if !complete {
			continue
		}
		for i, k := range keys {
			if _, ok := b.numbers[k]; ok {
				continue
			}
			b.entries = append(b.entries, found[i])
			b.numbers[k] = len(b.entries)
		}
	}
	return b
}

// RenderBlock formats the content of a csl-json fenced block as a single
// reference.
func (r *Resolver) RenderBlock(content string) (string, error) {
	e, err := ParseEntry([]byte(content))
	if err != nil {
		return "", err
	}
	return r.style.Reference(e), nil
}

// Entries returns the entries that are actually rendered, in citation order.
func (b *Bibliography) Entries() []*Entry { return b.entries }

// Missing returns keys absent from the store.
func (b *Bibliography) Missing() []string { return b.missing }

// Marker renders the in-text form of a citation marker. It reports false
// when any key is unresolved; such markers are left untouched.
func (b *Bibliography) Marker(keys []string) (string, bool) {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		n, ok := b.numbers[k]
		if !ok {
			return "", false
		}
		parts = append(parts, b.style.inText(b.entries[n-1], n))
	}
	return b.style.Prefix + strings.Join(parts, b.style.Delimiter) + b.style.Suffix, true
}

// Section renders the bibliography as a markdown section, or "" when
// nothing was cited.
func (b *Bibliography) Section() string {
	if len(b.entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Bibliography\n\n")
	for i, e := range b.entries {
		if b.style.Format == FormatNumeric {
			sb.WriteString(strconv.Itoa(i+1) + ". ")
		} else {
			sb.WriteString("- ")
		}
		sb.WriteString(b.style.Reference(e))
		sb.WriteByte('\n')
	}
	return sb.String()
}
