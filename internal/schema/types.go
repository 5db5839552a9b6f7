package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is the relational value type of a column.
type Type string

const (
	TypeUnknown   Type = ""
	TypeNull      Type = "null"
	TypeVarchar   Type = "varchar"
	TypeBoolean   Type = "boolean"
	TypeInteger   Type = "integer"
	TypeBigint    Type = "bigint"
	TypeFloat     Type = "float"
	TypeDouble    Type = "double"
	TypeTimestamp Type = "timestamp"
	TypeArray     Type = "array"
	TypeObject    Type = "object"
)

// ParseType accepts a relational type name or an Elasticsearch mapping type.
func ParseType(raw string) Type {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "varchar", "string", "text", "keyword", "wildcard", "constant_keyword", "ip", "version":
		return TypeVarchar
	case "boolean", "bool":
		return TypeBoolean
	case "integer", "int", "short", "byte":
		return TypeInteger
	case "bigint", "long", "unsigned_long":
		return TypeBigint
	case "float", "half_float", "scaled_float":
		return TypeFloat
	case "double":
		return TypeDouble
	case "timestamp", "date", "date_nanos":
		return TypeTimestamp
	case "array":
		return TypeArray
	case "object", "nested", "flattened":
		return TypeObject
	case "null":
		return TypeNull
	default:
		return TypeUnknown
	}
}

// TypeOf infers the column type for a decoded document value.
func TypeOf(value any) Type {
	switch v := value.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeVarchar
	case bool:
		return TypeBoolean
	case int, int8, int16, int32:
		return TypeInteger
	case int64, uint, uint32, uint64:
		return TypeBigint
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return TypeBigint
		}
		return TypeDouble
	case time.Time:
		return TypeTimestamp
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	default:
		return TypeObject
	}
}

func (t Type) Numeric() bool {
	switch t {
	case TypeInteger, TypeBigint, TypeFloat, TypeDouble:
		return true
	}
	return false
}
