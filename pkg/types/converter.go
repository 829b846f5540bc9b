package types

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/l7mp/docexpr/pkg/util"
)

// IsList reports whether d is a slice or an array.
func IsList(d any) bool {
	if d == nil {
		return false
	}
	dv := reflect.ValueOf(d)
	return dv.Kind() == reflect.Slice || dv.Kind() == reflect.Array
}

// AsList converts d into a []any.
func AsList(d any) ([]any, error) {
	if ret, ok := d.([]any); ok {
		return ret, nil
	}

	if !IsList(d) {
		return nil, fmt.Errorf("argument is not a list: %s", util.Stringify(d))
	}

	dv := reflect.ValueOf(d)
	ret := make([]any, dv.Len())
	for i := 0; i < dv.Len(); i++ {
		ret[i] = dv.Index(i).Interface()
	}
	return ret, nil
}

// AsMap converts d into a map[string]any.
func AsMap(d any) (map[string]any, error) {
	ret, ok := d.(map[string]any)
	if !ok || ret == nil {
		return nil, fmt.Errorf("argument is not an object: %s", util.Stringify(d))
	}
	return ret, nil
}

// AsString returns the string value of d.
func AsString(d any) (string, error) {
	if d == nil {
		return "", errors.New("argument is nil")
	}

	if s, ok := d.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("argument is not a string: %s", util.Stringify(d))
}

// Truthy implements the truthiness rule of conditional operators: false, nil, zero and the
// sentinels are false, everything else is true.
func Truthy(d any) bool {
	switch x := d.(type) {
	case nil:
		return false
	case bool:
		return x
	}
	if !Contributes(d) {
		return false
	}
	if Of(d) == Number {
		f, err := AsFloat(d)
		return err == nil && f != 0
	}
	return true
}

// Clone returns a deep copy of the maps and slices in v.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		ret := make(map[string]any, len(x))
		for k, e := range x {
			ret[k] = Clone(e)
		}
		return ret
	case []any:
		ret := make([]any, len(x))
		for i, e := range x {
			ret[i] = Clone(e)
		}
		return ret
	}
	return v
}
