package schema

import "strings"

// Labels of the document identity columns.
const (
	LabelID    = "_id"
	LabelIndex = "_index"
	LabelType  = "_type"
	LabelScore = "_score"
)

// Heading is the ordered set of columns of a result. Column indices are dense and never change once assigned.
// A wildcard heading accepts every field it is offered and grows while results are reconstructed.
type Heading struct {
	columns  []*Column
	byLabel  map[string]*Column
	wildcard bool
	frozen   bool
}

func NewHeading(columns ...*Column) *Heading {
	h := &Heading{byLabel: map[string]*Column{}}
	for _, col := range columns {
		h.Add(col)
	}
	return h
}

// NewWildcardHeading returns a heading that accepts all columns.
func NewWildcardHeading(columns ...*Column) *Heading {
	return NewHeading(columns...).SetWildcard(true)
}

func (h *Heading) Wildcard() bool {
	return h.wildcard
}

func (h *Heading) SetWildcard(wildcard bool) *Heading {
	h.wildcard = wildcard
	return h
}

// Add appends col and assigns its index. The first column registered under a label owns the label.
func (h *Heading) Add(col *Column) *Column {
	if h.frozen {
		panic("schema: add to frozen heading")
	}
	col.index = len(h.columns)
	h.columns = append(h.columns, col)
	if _, exists := h.byLabel[col.Label()]; !exists {
		h.byLabel[col.Label()] = col
	}
	return col
}

// Ensure returns the column labelled label, appending a new column of type t when it is absent.
func (h *Heading) Ensure(label string, t Type) *Column {
	if col, ok := h.byLabel[label]; ok {
		return col
	}
	return h.Add(NewColumn(label).WithType(t))
}

func (h *Heading) Len() int {
	return len(h.columns)
}

func (h *Heading) Column(index int) *Column {
	return h.columns[index]
}

// Columns returns the columns in output order.
func (h *Heading) Columns() []*Column {
	out := make([]*Column, len(h.columns))
	copy(out, h.columns)
	return out
}

func (h *Heading) ByLabel(label string) (*Column, bool) {
	col, ok := h.byLabel[label]
	return col, ok
}

func (h *Heading) HasLabel(label string) bool {
	_, ok := h.byLabel[label]
	return ok
}

// HasLabelPrefix reports whether any column label starts with prefix.
func (h *Heading) HasLabelPrefix(prefix string) bool {
	for label := range h.byLabel {
		if strings.HasPrefix(label, prefix) {
			return true
		}
	}
	return false
}

func (h *Heading) ByNameAndOp(name string, op Operation) (*Column, bool) {
	for _, col := range h.columns {
		if col.Name == name && col.Op == op {
			return col, true
		}
	}
	return nil, false
}

// LastWithOp returns the last column computing op.
func (h *Heading) LastWithOp(op Operation) (*Column, bool) {
	for i := len(h.columns) - 1; i >= 0; i-- {
		if h.columns[i].Op == op {
			return h.columns[i], true
		}
	}
	return nil, false
}

// MarkPlaceholder hides col because its data lives in flattened child columns.
func (h *Heading) MarkPlaceholder(col *Column) {
	col.placeholder = true
	col.Visible = false
}

// Visible returns the columns that are returned to callers.
func (h *Heading) Visible() []*Column {
	out := make([]*Column, 0, len(h.columns))
	for _, col := range h.columns {
		if col.Visible {
			out = append(out, col)
		}
	}
	return out
}

// Freeze returns an immutable copy of the heading.
func (h *Heading) Freeze() *Heading {
	cp := &Heading{
		columns:  make([]*Column, len(h.columns)),
		byLabel:  make(map[string]*Column, len(h.byLabel)),
		wildcard: h.wildcard,
		frozen:   true,
	}
	for i, col := range h.columns {
		cp.columns[i] = col.clone()
	}
	for label, col := range h.byLabel {
		cp.byLabel[label] = cp.columns[col.index]
	}
	return cp
}

func (h *Heading) Frozen() bool {
	return h.frozen
}
