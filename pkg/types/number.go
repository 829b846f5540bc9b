package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/util"
)

type numberType struct{}

func (numberType) Name() string { return "Number" }

func (numberType) Cast(v any, opts CastOptions) (any, error) {
	n, ok := toNumber(v)
	if !ok {
		return nil, fault.NewCastError(opts.Path,
			fmt.Sprintf("cannot cast %s to Number", util.Stringify(v)), nil)
	}
	return n, nil
}

func (t numberType) Compare(a, b any, opts CastOptions) (int, error) {
	x, err := t.Cast(a, opts)
	if err != nil {
		return 0, err
	}
	y, err := t.Cast(b, opts)
	if err != nil {
		return 0, err
	}
	return compareNumbers(x, y), nil
}

// IsNumeric reports whether v is a finite number or a string that parses as one.
func IsNumeric(v any) bool {
	n, ok := toNumber(v)
	if !ok {
		return false
	}
	if f, isFloat := n.(float64); isFloat {
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return true
}

// IsInteger reports whether v is a number with no fractional part.
func IsInteger(v any) bool {
	n, ok := toNumber(v)
	if !ok {
		return false
	}
	switch x := n.(type) {
	case int64:
		return true
	case float64:
		return !math.IsInf(x, 0) && x == math.Trunc(x)
	}
	return false
}

// AsInt returns v as an int64 if it is an integral number.
func AsInt(v any) (int64, error) {
	n, ok := toNumber(v)
	if !ok {
		return 0, fmt.Errorf("argument is not a number: %s", util.Stringify(v))
	}
	switch x := n.(type) {
	case int64:
		return x, nil
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
			return int64(x), nil
		}
	}
	return 0, fmt.Errorf("argument is not an integer: %s", util.Stringify(v))
}

// AsFloat returns v as a float64.
func AsFloat(v any) (float64, error) {
	n, ok := toNumber(v)
	if !ok {
		return 0, fmt.Errorf("argument is not a number: %s", util.Stringify(v))
	}
	return toFloat(n), nil
}

// toNumber returns the canonical numeric representation of v.
func toNumber(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return uintToNumber(uint64(x)), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return uintToNumber(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, false
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return nil, false
}

func uintToNumber(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func toFloat(n any) float64 {
	switch x := n.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

func compareNumbers(a, b any) int {
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	x, y := toFloat(a), toFloat(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	case x == y:
		return 0
	}
	// NaN sorts before every other number
	switch {
	case math.IsNaN(x) && math.IsNaN(y):
		return 0
	case math.IsNaN(x):
		return -1
	}
	return 1
}

// ErrDivisionByZero is returned by Divide and Mod.
var ErrDivisionByZero = errors.New("division by zero")

type arith struct {
	ints   func(a, b int64) (int64, bool)
	floats func(a, b float64) float64
}

func (op arith) apply(a, b any) (any, error) {
	x, ok := toNumber(a)
	if !ok {
		return nil, fmt.Errorf("argument is not a number: %s", util.Stringify(a))
	}
	y, ok := toNumber(b)
	if !ok {
		return nil, fmt.Errorf("argument is not a number: %s", util.Stringify(b))
	}
	if i, ok := x.(int64); ok && op.ints != nil {
		if j, ok := y.(int64); ok {
			if r, ok := op.ints(i, j); ok {
				return r, nil
			}
		}
	}
	return op.floats(toFloat(x), toFloat(y)), nil
}

var (
	addOp = arith{
		ints: func(a, b int64) (int64, bool) {
			r := a + b
			return r, (r > a) == (b > 0)
		},
		floats: func(a, b float64) float64 { return a + b },
	}
	subOp = arith{
		ints: func(a, b int64) (int64, bool) {
			r := a - b
			return r, (r < a) == (b > 0)
		},
		floats: func(a, b float64) float64 { return a - b },
	}
	mulOp = arith{
		ints: func(a, b int64) (int64, bool) {
			if a == 0 || b == 0 {
				return 0, true
			}
			r := a * b
			return r, r/b == a && !(a == -1 && b == math.MinInt64) && !(b == -1 && a == math.MinInt64)
		},
		floats: func(a, b float64) float64 { return a * b },
	}
	divOp = arith{floats: func(a, b float64) float64 { return a / b }}
	modOp = arith{
		ints:   func(a, b int64) (int64, bool) { return a % b, true },
		floats: math.Mod,
	}
)

// Add adds two numbers, keeping int64 unless the result overflows or an operand is a float.
func Add(a, b any) (any, error) { return addOp.apply(a, b) }

// Subtract subtracts b from a.
func Subtract(a, b any) (any, error) { return subOp.apply(a, b) }

// Multiply multiplies two numbers.
func Multiply(a, b any) (any, error) { return mulOp.apply(a, b) }

// Divide divides a by b, always producing a float64.
func Divide(a, b any) (any, error) {
	if isZero(b) {
		return nil, ErrDivisionByZero
	}
	return divOp.apply(a, b)
}

// Mod returns the remainder of a divided by b.
func Mod(a, b any) (any, error) {
	if isZero(b) {
		return nil, ErrDivisionByZero
	}
	return modOp.apply(a, b)
}

func isZero(v any) bool {
	n, ok := toNumber(v)
	return ok && toFloat(n) == 0
}
