package reconstruct

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var sourceJSON = jsoniter.Config{UseNumber: true}.Froze()

// field is one member of a decoded document object. Objects keep document order so wildcard
// columns are appended in the order the store returns them.
type field struct {
	key   string
	value any
}

type object []field

// decodeSource decodes a hit's _source. Nested objects decode to object, arrays to []any
// and numbers to json.Number.
func decodeSource(raw json.RawMessage) (object, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	iter := jsoniter.ParseBytes(sourceJSON, raw)
	if iter.WhatIsNext() == jsoniter.NilValue {
		return nil, nil
	}
	v := readValue(iter)
	if iter.Error != nil {
		return nil, fmt.Errorf("decode document source: %w", iter.Error)
	}
	obj, ok := v.(object)
	if !ok {
		return nil, fmt.Errorf("decode document source: not an object")
	}
	return obj, nil
}

func readValue(iter *jsoniter.Iterator) any {
	switch iter.WhatIsNext() {
	case jsoniter.ObjectValue:
		obj := object{}
		iter.ReadMapCB(func(it *jsoniter.Iterator, key string) bool {
			obj = append(obj, field{key: key, value: readValue(it)})
			return it.Error == nil
		})
		return obj
	case jsoniter.ArrayValue:
		list := []any{}
		iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			list = append(list, readValue(it))
			return it.Error == nil
		})
		return list
	case jsoniter.StringValue:
		return iter.ReadString()
	case jsoniter.NumberValue:
		return iter.ReadNumber()
	case jsoniter.BoolValue:
		return iter.ReadBool()
	case jsoniter.NilValue:
		iter.ReadNil()
		return nil
	default:
		iter.Skip()
		return nil
	}
}

// plain converts decoded values to maps and slices for cells that are not flattened.
func plain(v any) any {
	switch t := v.(type) {
	case object:
		out := make(map[string]any, len(t))
		for _, f := range t {
			out[f.key] = plain(f.value)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	case json.Number:
		return number(t)
	}
	return v
}

func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
