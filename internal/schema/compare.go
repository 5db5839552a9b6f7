package schema

import (
	"fmt"
	"strings"
	"time"
)

// Compare orders two cell values relationally: nulls first, numbers numerically, strings lexicographically,
// timestamps chronologically and false before true. Values of unrelated types compare by their text form.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return strings.Compare(va, vb)
		}
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0
			case !va:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
