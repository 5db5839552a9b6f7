package reconstruct

import (
	"strings"

	"github.com/essql/essql/internal/schema"
)

// pathIndex maps a parent path to the heading of the fields read below it. An accept-all
// heading means every field below the path is read.
type pathIndex map[string]*schema.Heading

func buildPathIndex(heading *schema.Heading) pathIndex {
	idx := pathIndex{}
	for _, col := range heading.Columns() {
		if !readsSource(col) {
			continue
		}
		parts := strings.Split(col.Name, ".")
		for depth := 0; depth <= len(parts); depth++ {
			parent := strings.Join(parts[:depth], ".")
			if idx.subsumed(parent) {
				break
			}
			if depth == len(parts) {
				idx[parent] = schema.NewWildcardHeading()
				break
			}
			h, ok := idx[parent]
			if !ok {
				h = schema.NewHeading()
				idx[parent] = h
			}
			if !h.Wildcard() && !h.HasLabel(parts[depth]) {
				h.Add(schema.NewColumn(parts[depth]))
			}
		}
	}
	if _, ok := idx[""]; !ok {
		idx[""] = schema.NewWildcardHeading()
	}
	if heading.Wildcard() {
		idx[""].SetWildcard(true)
	}
	return idx
}

// subsumed reports whether path lies below a registered accept-all path.
func (idx pathIndex) subsumed(path string) bool {
	for parent, h := range idx {
		if parent == "" || !h.Wildcard() {
			continue
		}
		if path == parent || strings.HasPrefix(path, parent+".") {
			return true
		}
	}
	return false
}

// resolve returns the canonical path for fullKey, tolerating case and surrounding whitespace.
func (idx pathIndex) resolve(fullKey string) (string, bool) {
	if _, ok := idx[fullKey]; ok {
		return fullKey, true
	}
	want := strings.ToLower(strings.TrimSpace(fullKey))
	for path := range idx {
		if path != "" && strings.ToLower(strings.TrimSpace(path)) == want {
			return path, true
		}
	}
	return "", false
}

// heading returns the sub-heading for path, adding an accept-all one when it is missing.
func (idx pathIndex) heading(path string) *schema.Heading {
	h, ok := idx[path]
	if !ok {
		h = schema.NewWildcardHeading()
		idx[path] = h
	}
	return h
}

func readsSource(col *schema.Column) bool {
	if col.Op != schema.OpPlain || col.Calc != nil || col.Structural() || col.Name == "" || col.Name == "*" {
		return false
	}
	switch col.Name {
	case schema.LabelID, schema.LabelIndex, schema.LabelType, schema.LabelScore:
		return false
	}
	return true
}
