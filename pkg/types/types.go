// Package types implements the type system of the expression engine: classification of raw
// values, casting into canonical in-memory representations and a total order per type.
//
// Canonical representations:
//   - null: nil
//   - Boolean: bool
//   - Number: int64 for integral inputs, float64 otherwise
//   - String: string
//   - Date: time.Time, the zero time.Time being the invalid date
//   - ObjectId: bson.ObjectID
//   - Array: []any
//   - Object: map[string]any
package types

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CastOptions parametrize a cast or a comparison.
type CastOptions struct {
	// Path is the dotted path of the value, reported in cast faults.
	Path string
	// AllowInvalid makes Date.Cast map unparsable date strings and non-finite numbers to the
	// invalid date instead of failing.
	AllowInvalid bool
}

// Type is a type descriptor.
type Type interface {
	// Name returns the canonical type tag.
	Name() string
	// Cast coerces a raw value into the canonical representation of the type or fails with a
	// castError fault.
	Cast(v any, opts CastOptions) (any, error)
	// Compare casts both arguments and returns a negative number, zero or a positive number
	// if a is less than, equal to or greater than b.
	Compare(a, b any, opts CastOptions) (int, error)
}

var (
	Null     Type = nullType{}
	Boolean  Type = booleanType{}
	Number   Type = numberType{}
	String   Type = stringType{}
	Date     Type = dateType{}
	ObjectId Type = objectIdType{}
	Array    Type = arrayType{}
	Object   Type = objectType{}
	Any      Type = anyType{}
)

var registry = map[string]Type{}

func init() {
	for _, t := range []Type{Null, Boolean, Number, String, Date, ObjectId, Array, Object, Any} {
		registry[t.Name()] = t
	}
}

// Lookup returns the type descriptor registered under the given tag.
func Lookup(name string) (Type, bool) {
	t, ok := registry[name]
	return t, ok
}

// Of returns the runtime type descriptor of a value.
func Of(v any) Type {
	switch v.(type) {
	case nil:
		return Null
	case bool:
		return Boolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return Number
	case string:
		return String
	case time.Time, bson.DateTime:
		return Date
	case bson.ObjectID:
		return ObjectId
	case []any:
		return Array
	case map[string]any:
		return Object
	}
	return Any
}

// TypeName returns the $type-style name of a value, "missing" for the sentinels.
func TypeName(v any) string {
	if !Contributes(v) {
		return "missing"
	}
	switch Of(v) {
	case Null:
		return "null"
	case Boolean:
		return "bool"
	case Number:
		if _, ok := v.(float64); ok {
			return "double"
		}
		if _, ok := v.(float32); ok {
			return "double"
		}
		return "long"
	case String:
		return "string"
	case Date:
		return "date"
	case ObjectId:
		return "objectId"
	case Array:
		return "array"
	case Object:
		return "object"
	}
	return "unknown"
}
