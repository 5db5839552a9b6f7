// Package having compiles HAVING expressions against a result heading and evaluates them on aggregated rows.
package having

import "fmt"

// Expr is a node of a parsed HAVING clause, as handed over by the SQL parser.
type Expr interface {
	fmt.Stringer
	expr()
}

type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "<>"
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
)

// ParseOperator accepts the SQL spelling of a comparison operator.
func ParseOperator(raw string) (Operator, bool) {
	switch raw {
	case "=", "==":
		return OpEqual, true
	case "<>", "!=":
		return OpNotEqual, true
	case "<":
		return OpLess, true
	case "<=":
		return OpLessEqual, true
	case ">":
		return OpGreater, true
	case ">=":
		return OpGreaterEqual, true
	}
	return "", false
}

type Logical struct {
	And   bool
	Left  Expr
	Right Expr
}

type Not struct {
	Expr Expr
}

type Comparison struct {
	Op    Operator
	Left  Expr
	Right Expr
}

// ColumnRef names a column of the SELECT clause by its label.
type ColumnRef struct {
	Name string
}

// Literal is a constant: int64, float64, string or bool.
type Literal struct {
	Value any
}

func (Logical) expr()    {}
func (Not) expr()        {}
func (Comparison) expr() {}
func (ColumnRef) expr()  {}
func (Literal) expr()    {}

func (l Logical) String() string {
	op := "OR"
	if l.And {
		op = "AND"
	}
	return fmt.Sprintf("(%s %s %s)", l.Left, op, l.Right)
}

func (n Not) String() string {
	return fmt.Sprintf("NOT %s", n.Expr)
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

func (c ColumnRef) String() string {
	return c.Name
}

func (l Literal) String() string {
	if s, ok := l.Value.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprint(l.Value)
}
