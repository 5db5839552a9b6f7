package schema

import "strings"

// Operation is what a projected column computes.
type Operation string

const (
	OpPlain         Operation = "plain"
	OpCount         Operation = "count"
	OpCountDistinct Operation = "count_distinct"
	OpSum           Operation = "sum"
	OpAvg           Operation = "avg"
	OpMin           Operation = "min"
	OpMax           Operation = "max"
	OpHighlight     Operation = "highlight"
)

// Column describes one projected field. Name is the dotted document path, Alias the SELECT alias.
type Column struct {
	Name    string
	Alias   string
	Type    Type
	Op      Operation
	Visible bool
	// Calc computes the column from other columns of the same row.
	Calc Calculation

	index       int
	placeholder bool
	structural  bool
}

func NewColumn(name string) *Column {
	return &Column{Name: name, Op: OpPlain, Visible: true, index: -1}
}

func (c *Column) WithAlias(alias string) *Column {
	c.Alias = alias
	return c
}

func (c *Column) WithType(t Type) *Column {
	c.Type = t
	return c
}

func (c *Column) WithOp(op Operation) *Column {
	c.Op = op
	return c
}

func (c *Column) WithVisible(visible bool) *Column {
	c.Visible = visible
	return c
}

// Label is the name the column is addressed by: the alias when set, otherwise the path.
func (c *Column) Label() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// Index is the position of the column within its heading, -1 before it is added.
func (c *Column) Index() int {
	return c.index
}

// Placeholder reports whether the column only holds nested data that was flattened into child columns.
func (c *Column) Placeholder() bool {
	return c.placeholder
}

// WithStructural marks a holder column added for nested data that was not itself selected.
func (c *Column) WithStructural() *Column {
	c.structural = true
	return c
}

// Structural reports whether the column was added to hold nested data rather than selected.
func (c *Column) Structural() bool {
	return c.structural
}

// Nested reports whether the column addresses a path below the document root.
func (c *Column) Nested() bool {
	return strings.Contains(c.Name, ".")
}

func (c *Column) clone() *Column {
	cp := *c
	return &cp
}
