package having

import (
	"fmt"

	"github.com/essql/essql/internal/qerr"
	"github.com/essql/essql/internal/schema"
)

// Condition is a compiled HAVING clause bound to column indices.
type Condition interface {
	Matches(row []any) bool
	fmt.Stringer
}

type booleanCondition struct {
	and   bool
	left  Condition
	right Condition
}

func (b booleanCondition) Matches(row []any) bool {
	if b.and {
		return b.left.Matches(row) && b.right.Matches(row)
	}
	return b.left.Matches(row) || b.right.Matches(row)
}

func (b booleanCondition) String() string {
	op := "OR"
	if b.and {
		op = "AND"
	}
	return fmt.Sprintf("(%s %s %s)", b.left, op, b.right)
}

type simpleCondition struct {
	column *schema.Column
	op     Operator
	value  any
	other  *schema.Column
}

func (s simpleCondition) Matches(row []any) bool {
	left := cell(row, s.column)
	right := s.value
	if s.other != nil {
		right = cell(row, s.other)
	}
	if left == nil || right == nil {
		return false
	}
	cmp := schema.Compare(left, right)
	switch s.op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

func (s simpleCondition) String() string {
	if s.other != nil {
		return fmt.Sprintf("%s %s %s", s.column.Label(), s.op, s.other.Label())
	}
	return fmt.Sprintf("%s %s %v", s.column.Label(), s.op, s.value)
}

func cell(row []any, col *schema.Column) any {
	if col.Index() < 0 || col.Index() >= len(row) {
		return nil
	}
	return row[col.Index()]
}

// Compile resolves every column reference of expr against heading.
func Compile(expr Expr, heading *schema.Heading) (Condition, error) {
	switch node := expr.(type) {
	case Logical:
		left, err := Compile(node.Left, heading)
		if err != nil {
			return nil, err
		}
		right, err := Compile(node.Right, heading)
		if err != nil {
			return nil, err
		}
		return booleanCondition{and: node.And, left: left, right: right}, nil
	case Comparison:
		return compileComparison(node, heading)
	case Not:
		return nil, qerr.Compile(node.String(), "NOT is currently not supported, use '<>' instead")
	case nil:
		return nil, qerr.Compile("", "empty having expression")
	default:
		return nil, qerr.Compile(expr.String(), "unsupported having expression")
	}
}

func compileComparison(node Comparison, heading *schema.Heading) (Condition, error) {
	if node.Op == "" {
		return nil, qerr.Compile(node.String(), "missing comparison operator")
	}
	ref, ok := node.Left.(ColumnRef)
	if !ok {
		return nil, qerr.Compile(fmt.Sprint(node.Left), "left side of a having comparison must be a column")
	}
	leftCol, ok := heading.ByLabel(ref.Name)
	if !ok {
		return nil, qerr.Compile(ref.Name, "having reference not found in SELECT clause")
	}

	switch right := node.Right.(type) {
	case Literal:
		switch right.Value.(type) {
		case int64, float64, string, bool:
		case int:
			right.Value = int64(right.Value.(int))
		default:
			return nil, qerr.Compile(right.String(), "unable to get value from literal")
		}
		return simpleCondition{column: leftCol, op: node.Op, value: right.Value}, nil
	case ColumnRef:
		rightCol, ok := heading.ByLabel(right.Name)
		if !ok {
			return nil, qerr.Compile(right.Name, "having reference not found in SELECT clause")
		}
		return simpleCondition{column: leftCol, op: node.Op, other: rightCol}, nil
	default:
		return nil, qerr.Compile(fmt.Sprint(node.Right), "unable to get value from expression")
	}
}
