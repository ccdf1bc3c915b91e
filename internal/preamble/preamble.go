// Package preamble splits a proposal's front matter from its body and decodes
// it into a models.Proposal, reporting schema problems as diagnostics keyed to
// the offending field.
package preamble

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/eipsmith/internal/models"
)

// Rule is the diagnostic rule id for schema problems.
const Rule = "preamble-schema"

const (
	delim      = "---"
	dateLayout = "2006-01-02"
)

// Field names of the preamble schema.
const (
	FieldEIP           = "eip"
	FieldNumber        = "number"
	FieldTitle         = "title"
	FieldDescription   = "description"
	FieldAuthor        = "author"
	FieldDiscussionsTo = "discussions-to"
	FieldStatus        = "status"
	FieldKind          = "kind"
	FieldCategory      = "category"
	FieldCreated       = "created"
	FieldRequires      = "requires"
)

var required = []string{FieldEIP, FieldTitle, FieldAuthor, FieldStatus, FieldKind, FieldCreated}

// rawField is a preamble entry before typing.
type rawField struct {
	name  string
	value string
	list  []string
	isSeq bool
	pos   models.Position
}

// Parser decodes preambles. It is safe for concurrent use.
type Parser struct {
	reBoth   *regexp.Regexp
	reEmail  *regexp.Regexp
	reGitHub *regexp.Regexp
	reName   *regexp.Regexp
}

// NewParser compiles the author patterns.
func NewParser() *Parser {
	return &Parser{
		reBoth:   regexp.MustCompile(`^([^()<>,@]+) \(@([a-zA-Z\d-]+)\) <([^@][^>]*@[^>]+\.[^>]+)>$`),
		reEmail:  regexp.MustCompile(`^([^()<>,@]+) <([^@][^>]*@[^>]+\.[^>]+)>$`),
		reGitHub: regexp.MustCompile(`^([^()<>,@]+) \(@([a-zA-Z\d-]+)\)$`),
		reName:   regexp.MustCompile(`^([^()<>,@]+)$`),
	}
}

// Parse decodes the document at path (repository-relative). fileID is the
// number taken from the file name, used to cross-check the preamble.
// Parsing never stops at the first problem; the returned proposal is always
// non-nil and SchemaFailed is set when any field failed validation, which
// keeps the document out of the build.
func (p *Parser) Parse(path string, fileID int, data []byte) (*models.Proposal, []models.Diagnostic) {
	prop := &models.Proposal{
		ID:     fileID,
		Path:   path,
		Raw:    data,
		Fields: make(map[string]models.Position),
	}
	d := &diags{path: path, id: fileID}

	block, body, bodyLine, offset, ok := Split(data)
	if !ok {
		d.add(models.Position{Line: 1, Column: 1}, "missing preamble (expected a leading `---` block)")
		prop.Body = string(data)
		prop.BodyLine = 1
		prop.SchemaFailed = true
		return prop, d.out
	}
	prop.Body = body
	prop.BodyLine = bodyLine

	fields, err := decode(block, offset)
	if err != nil {
		d.add(models.Position{Line: offset + 1, Column: 1}, "preamble is not valid: %v", err)
		prop.SchemaFailed = true
		return prop, d.out
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.name] {
			d.add(f.pos, "field `%s` is defined more than once", f.name)
			continue
		}
		seen[f.name] = true
		prop.Fields[f.name] = f.pos
		p.apply(prop, f, d)
	}

	if !seen[FieldEIP] && seen[FieldNumber] {
		seen[FieldEIP] = true
		prop.Fields[FieldEIP] = prop.Fields[FieldNumber]
	}
	for _, name := range required {
		if !seen[name] {
			d.add(models.Position{Line: offset, Column: 1}, "preamble is missing required field `%s`", name)
		}
	}
	if prop.ID <= 0 || len(d.out) > 0 {
		prop.SchemaFailed = true
	}
	return prop, d.out
}

// Split separates the preamble block from the body. offset is the file line
// of the opening delimiter, bodyLine the file line the body starts on.
func Split(data []byte) (block []byte, body string, bodyLine, offset int, ok bool) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	offset = 1 + bytes.Count(data[:len(data)-len(trimmed)], []byte("\n"))

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, "", 0, 0, false
	}
	rest := trimmed[len(delim):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || strings.TrimSpace(string(rest[:nl])) != "" {
		return nil, "", 0, 0, false
	}
	rest = rest[nl+1:]

	var end int
	if bytes.HasPrefix(rest, []byte(delim)) {
		end = 0
	} else {
		idx := bytes.Index(rest, []byte("\n"+delim))
		if idx < 0 {
			return nil, "", 0, 0, false
		}
		end = idx + 1
	}
	block = rest[:end]
	after := rest[end+len(delim):]
	if i := bytes.IndexByte(after, '\n'); i >= 0 {
		after = after[i+1:]
	} else {
		after = nil
	}
	bodyLine = offset + 1 + bytes.Count(block, []byte("\n")) + 1
	return block, string(after), bodyLine, offset, true
}

// decode reads the block as YAML, falling back to plain `key: value` lines
// for preambles that are not strict YAML (e.g. titles containing ": ").
func decode(block []byte, offset int) ([]rawField, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(block, &root); err == nil {
		if fields, ok := fromNode(&root, offset); ok {
			return fields, nil
		}
	}
	return fromLines(block, offset)
}

func fromNode(root *yaml.Node, offset int) ([]rawField, bool) {
	if root.Kind == 0 {
		return nil, true
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, false
	}
	m := root.Content[0]
	out := make([]rawField, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		f := rawField{
			name: strings.TrimSpace(k.Value),
			pos:  models.Position{Line: k.Line + offset, Column: k.Column},
		}
		switch v.Kind {
		case yaml.ScalarNode:
			f.value = strings.TrimSpace(v.Value)
		case yaml.SequenceNode:
			f.isSeq = true
			for _, item := range v.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, false
				}
				f.list = append(f.list, strings.TrimSpace(item.Value))
			}
		default:
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func fromLines(block []byte, offset int) ([]rawField, error) {
	var out []rawField
	sc := bufio.NewScanner(bytes.NewReader(block))
	line := offset
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		name, value, ok := strings.Cut(text, ":")
		if !ok || strings.TrimSpace(name) == "" || strings.HasPrefix(name, " ") {
			return nil, fmt.Errorf("line %d: expected `name: value`", line)
		}
		out = append(out, rawField{
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(value),
			pos:   models.Position{Line: line, Column: 1},
		})
	}
	return out, sc.Err()
}

func (p *Parser) apply(prop *models.Proposal, f rawField, d *diags) {
	scalar := func() (string, bool) {
		if f.isSeq {
			d.add(f.pos, "field `%s` must be a single value, not a list", f.name)
			return "", false
		}
		if f.value == "" {
			d.add(f.pos, "field `%s` must not be empty", f.name)
			return "", false
		}
		return f.value, true
	}

	switch f.name {
	case FieldEIP, FieldNumber:
		v, ok := scalar()
		if !ok {
			prop.SchemaFailed = true
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			d.add(f.pos, "field `%s` must be a positive integer, got %q", f.name, v)
			prop.SchemaFailed = true
			return
		}
		if d.id > 0 && n != d.id {
			d.add(f.pos, "field `%s` is %d but the file is numbered %d", f.name, n, d.id)
			prop.SchemaFailed = true
			return
		}
		prop.ID = n
	case FieldTitle:
		if v, ok := scalar(); ok {
			prop.Title = v
		}
	case FieldDescription:
		if v, ok := scalar(); ok {
			prop.Description = v
		}
	case FieldAuthor:
		items := f.list
		if !f.isSeq {
			items = splitList(f.value)
		}
		if len(items) == 0 {
			d.add(f.pos, "field `author` must list at least one author")
			return
		}
		for _, item := range items {
			a, ok := p.author(item)
			if !ok {
				d.add(f.pos, "invalid author %q (expected `Name`, `Name (@handle)`, `Name <email>` or both)", item)
				continue
			}
			prop.Authors = append(prop.Authors, a)
		}
	case FieldDiscussionsTo:
		if v, ok := scalar(); ok {
			prop.DiscussionsTo = v
		}
	case FieldStatus:
		v, ok := scalar()
		if !ok {
			return
		}
		s := models.Status(v)
		if !s.Valid() {
			d.add(f.pos, "unknown status %q", v)
			return
		}
		prop.Status = s
	case FieldKind:
		v, ok := scalar()
		if !ok {
			return
		}
		k := models.Kind(strings.TrimSuffix(strings.ToLower(v), " track"))
		if !k.Valid() {
			d.add(f.pos, "unknown kind %q (expected `primary` or `application`)", v)
			return
		}
		prop.Kind = k
	case FieldCategory:
		v, ok := scalar()
		if !ok {
			return
		}
		c := models.Category(v)
		if !c.Valid() {
			d.add(f.pos, "unknown category %q", v)
			return
		}
		prop.Category = c
	case FieldCreated:
		v, ok := scalar()
		if !ok {
			return
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			d.add(f.pos, "field `created` must be a date in YYYY-MM-DD form, got %q", v)
			return
		}
		prop.Created = t
	case FieldRequires:
		items := f.list
		if !f.isSeq {
			items = splitList(f.value)
		}
		seen := make(map[int]bool, len(items))
		for _, item := range items {
			n, err := strconv.Atoi(item)
			if err != nil || n <= 0 {
				d.add(f.pos, "field `requires` must list proposal numbers, got %q", item)
				continue
			}
			if seen[n] {
				d.add(f.pos, "field `requires` lists %d more than once", n)
				continue
			}
			seen[n] = true
			prop.Requires = append(prop.Requires, n)
		}
	default:
		value := f.value
		if f.isSeq {
			value = strings.Join(f.list, ", ")
		}
		prop.Extra = append(prop.Extra, models.Field{Name: f.name, Value: value, Pos: f.pos})
	}
}

func (p *Parser) author(s string) (models.Author, bool) {
	s = strings.TrimSpace(s)
	if m := p.reBoth.FindStringSubmatch(s); m != nil {
		return models.Author{Name: m[1], GitHub: m[2], Email: m[3]}, true
	}
	if m := p.reEmail.FindStringSubmatch(s); m != nil {
		return models.Author{Name: m[1], Email: m[2]}, true
	}
	if m := p.reGitHub.FindStringSubmatch(s); m != nil {
		return models.Author{Name: m[1], GitHub: m[2]}, true
	}
	if m := p.reName.FindStringSubmatch(s); m != nil {
		return models.Author{Name: m[1]}, true
	}
	return models.Author{}, false
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

type diags struct {
	path string
	id   int
	out  []models.Diagnostic
}

func (d *diags) add(pos models.Position, format string, args ...any) {
	d.out = append(d.out, models.Diagnostic{
		Severity: models.SeverityError,
		Rule:     Rule,
		Kind:     models.KindSchema,
		Message:  fmt.Sprintf(format, args...),
		Location: models.Location{Path: d.path, ProposalID: d.id, Line: pos.Line, Column: pos.Column},
	})
}
