package schema

import (
	"encoding/json"
	"fmt"
	"math"
)

// Calculation computes a column value from the other values of a row.
type Calculation interface {
	Evaluate(row []any) (float64, bool)
	fmt.Stringer
}

// Value is a numeric literal.
type Value float64

func (v Value) Evaluate([]any) (float64, bool) {
	return float64(v), true
}

func (v Value) String() string {
	return fmt.Sprintf("%v", float64(v))
}

// Ref reads another column of the same row.
type Ref struct {
	Column *Column
	Negate bool
}

func (r Ref) Evaluate(row []any) (float64, bool) {
	idx := r.Column.Index()
	if idx < 0 || idx >= len(row) {
		return 0, false
	}
	f, ok := ToFloat(row[idx])
	if !ok {
		return 0, false
	}
	if r.Negate {
		f = -f
	}
	return f, true
}

func (r Ref) String() string {
	if r.Negate {
		return "-" + r.Column.Label()
	}
	return r.Column.Label()
}

// Arithmetic combines two calculations with one of + - * /.
type Arithmetic struct {
	Op    byte
	Left  Calculation
	Right Calculation
}

func (a Arithmetic) Evaluate(row []any) (float64, bool) {
	left, ok := a.Left.Evaluate(row)
	if !ok {
		return 0, false
	}
	right, ok := a.Right.Evaluate(row)
	if !ok {
		return 0, false
	}
	var out float64
	switch a.Op {
	case '+':
		out = left + right
	case '-':
		out = left - right
	case '*':
		out = left * right
	case '/':
		if right == 0 {
			return 0, false
		}
		out = left / right
	default:
		return 0, false
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, false
	}
	return out, true
}

func (a Arithmetic) String() string {
	return fmt.Sprintf("(%s %c %s)", a.Left, a.Op, a.Right)
}

// ToFloat converts a numeric cell value to float64.
func ToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
