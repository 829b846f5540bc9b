package expression

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
	"github.com/l7mp/docexpr/pkg/util"
)

// implFunc computes the result of an operator from its evaluated arguments.
type implFunc func(op *function, args []any) (any, error)

// function is an operator that evaluates all of its arguments in order and then applies impl.
type function struct {
	base
	tag    string
	args   []Expression
	single bool // the operand was given as a bare value rather than a list
	impl   implFunc
}

// nary creates an operator taking between min and max arguments, max < 0 meaning unbounded.
func nary(min, max int, impl implFunc) OperatorFunc {
	return func(f *Factory, tag, path string, operand any) (Expression, error) {
		args, single, err := f.GuessAll(operand, path)
		if err != nil {
			return nil, err
		}
		if err := checkArity(tag, path, len(args), min, max); err != nil {
			return nil, err
		}
		return &function{
			base:   base{name: tagName(tag), path: path},
			tag:    tag,
			args:   args,
			single: single,
			impl:   impl,
		}, nil
	}
}

func unary(impl func(op *function, arg any) (any, error)) OperatorFunc {
	return nary(1, 1, func(op *function, args []any) (any, error) { return impl(op, args[0]) })
}

func comparison(result func(c int) any) OperatorFunc {
	return nary(2, 2, func(_ *function, args []any) (any, error) {
		return result(types.CompareValues(args[0], args[1])), nil
	})
}

func sign(c int) int64 {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

// cast creates a conversion operator; null and missing inputs convert to null.
func cast(t types.Type) OperatorFunc {
	return unary(func(op *function, arg any) (any, error) {
		if !types.IsSet(arg) {
			return nil, nil
		}
		return t.Cast(arg, types.CastOptions{Path: op.path})
	})
}

func checkArity(tag, path string, n, min, max int) error {
	switch {
	case min == max && n != min:
		return fault.NewInvalidArgument(path, fmt.Sprintf("%s requires exactly %d argument(s), got %d", tag, min, n))
	case n < min:
		return fault.NewInvalidArgument(path, fmt.Sprintf("%s requires at least %d argument(s), got %d", tag, min, n))
	case max >= 0 && n > max:
		return fault.NewInvalidArgument(path, fmt.Sprintf("%s accepts at most %d argument(s), got %d", tag, max, n))
	}
	return nil
}

func (op *function) Evaluate(ec EvalCtx) (any, error) {
	args, err := evalAll(ec, op.args)
	if err != nil {
		return nil, err
	}

	v, err := op.impl(op, args)
	if err != nil {
		if _, ok := fault.As(err); ok {
			return nil, err
		}
		return nil, fault.NewCastError(op.path, fmt.Sprintf("%s failed", op.tag), err)
	}

	ec.Log.V(8).Info("eval ready", "expression", op.tag, "path", op.path, "args", args, "result", v)

	return v, nil
}

func (op *function) ToJSON() any {
	if op.single {
		return map[string]any{op.tag: op.args[0].ToJSON()}
	}
	args := make([]any, len(op.args))
	for i, a := range op.args {
		args[i] = a.ToJSON()
	}
	return map[string]any{op.tag: args}
}

func anyUnset(args []any) bool {
	for _, a := range args {
		if !types.IsSet(a) {
			return true
		}
	}
	return false
}

// arithmetic

func opAdd(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}

	var date *time.Time
	var sum any = int64(0)
	for _, a := range args {
		if t, ok := a.(time.Time); ok {
			if date != nil {
				return nil, errors.New("only one date allowed")
			}
			date = &t
			continue
		}
		s, err := types.Add(sum, a)
		if err != nil {
			return nil, err
		}
		sum = s
	}

	if date != nil {
		ms, err := types.AsFloat(sum)
		if err != nil {
			return nil, err
		}
		return date.Add(time.Duration(ms * float64(time.Millisecond))), nil
	}
	return sum, nil
}

func opSubtract(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}

	if t, ok := args[0].(time.Time); ok {
		if u, ok := args[1].(time.Time); ok {
			return t.Sub(u).Milliseconds(), nil
		}
		ms, err := types.AsFloat(args[1])
		if err != nil {
			return nil, err
		}
		return t.Add(-time.Duration(ms * float64(time.Millisecond))), nil
	}

	return types.Subtract(args[0], args[1])
}

func opMultiply(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	var prod any = int64(1)
	for _, a := range args {
		p, err := types.Multiply(prod, a)
		if err != nil {
			return nil, err
		}
		prod = p
	}
	return prod, nil
}

func opDivide(op *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	v, err := types.Divide(args[0], args[1])
	if errors.Is(err, types.ErrDivisionByZero) {
		return nil, fault.NewInvalidArgument(op.path, "$divide by zero")
	}
	return v, err
}

func opMod(op *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	v, err := types.Mod(args[0], args[1])
	if errors.Is(err, types.ErrDivisionByZero) {
		return nil, fault.NewInvalidArgument(op.path, "$mod by zero")
	}
	return v, err
}

func numeric(op *function, arg any, fi func(int64) any, ff func(float64) any) (any, error) {
	if !types.IsSet(arg) {
		return nil, nil
	}
	n, err := types.Number.Cast(arg, types.CastOptions{Path: op.path})
	if err != nil {
		return nil, err
	}
	if i, ok := n.(int64); ok {
		return fi(i), nil
	}
	return ff(n.(float64)), nil
}

func opAbs(op *function, arg any) (any, error) {
	return numeric(op, arg, func(i int64) any {
		switch {
		case i == math.MinInt64:
			return -float64(i)
		case i < 0:
			return -i
		}
		return i
	}, func(f float64) any { return math.Abs(f) })
}

func opCeil(op *function, arg any) (any, error) {
	return numeric(op, arg, func(i int64) any { return i }, func(f float64) any { return math.Ceil(f) })
}

func opFloor(op *function, arg any) (any, error) {
	return numeric(op, arg, func(i int64) any { return i }, func(f float64) any { return math.Floor(f) })
}

// boolean and type

func opNot(_ *function, arg any) (any, error) {
	return !types.Truthy(arg), nil
}

func opType(_ *function, arg any) (any, error) {
	return types.TypeName(arg), nil
}

// string

func asString(op *function, arg any) (string, error) {
	s, err := types.String.Cast(arg, types.CastOptions{Path: op.path})
	if err != nil {
		return "", err
	}
	return s.(string), nil
}

func opConcat(op *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	var b strings.Builder
	for _, a := range args {
		s, err := asString(op, a)
		if err != nil {
			return nil, err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func opToLower(op *function, arg any) (any, error) {
	s, err := asString(op, types.Strip(arg))
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func opToUpper(op *function, arg any) (any, error) {
	s, err := asString(op, types.Strip(arg))
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func opTrim(op *function, arg any) (any, error) {
	if !types.IsSet(arg) {
		return nil, nil
	}
	s, err := asString(op, arg)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func opSplit(op *function, args []any) (any, error) {
	if !types.IsSet(args[0]) {
		return nil, nil
	}
	s, err := types.AsString(args[0])
	if err != nil {
		return nil, err
	}
	sep, err := types.AsString(args[1])
	if err != nil {
		return nil, err
	}
	if sep == "" {
		return nil, fault.NewInvalidArgument(op.path, "$split requires a non-empty delimiter")
	}
	parts := strings.Split(s, sep)
	ret := make([]any, len(parts))
	for i, p := range parts {
		ret[i] = p
	}
	return ret, nil
}

func opStrLenCP(_ *function, arg any) (any, error) {
	s, err := types.AsString(arg)
	if err != nil {
		return nil, err
	}
	return int64(utf8.RuneCountInString(s)), nil
}

// array

func opSize(_ *function, arg any) (any, error) {
	l, err := types.AsList(arg)
	if err != nil {
		return nil, err
	}
	return int64(len(l)), nil
}

func opArrayElemAt(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	l, err := types.AsList(args[0])
	if err != nil {
		return nil, err
	}
	idx, err := types.AsInt(args[1])
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		idx += int64(len(l))
	}
	if idx < 0 || idx >= int64(len(l)) {
		return types.Undefined, nil
	}
	return l[idx], nil
}

func opIn(_ *function, args []any) (any, error) {
	l, err := types.AsList(args[1])
	if err != nil {
		return nil, err
	}
	for _, e := range l {
		if types.CompareValues(args[0], e) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func opIsArray(_ *function, arg any) (any, error) {
	_, ok := arg.([]any)
	return ok, nil
}

// set

type hashSet struct {
	keys  map[string]bool
	elems []any
}

func newHashSet() *hashSet { return &hashSet{keys: map[string]bool{}, elems: []any{}} }

func (s *hashSet) add(v any) (bool, error) {
	h, err := types.Hash(v)
	if err != nil {
		return false, err
	}
	if s.keys[h] {
		return false, nil
	}
	s.keys[h] = true
	s.elems = append(s.elems, v)
	return true, nil
}

func (s *hashSet) has(v any) (bool, error) {
	h, err := types.Hash(v)
	if err != nil {
		return false, err
	}
	return s.keys[h], nil
}

func toSet(arg any) (*hashSet, error) {
	l, err := types.AsList(arg)
	if err != nil {
		return nil, err
	}
	s := newHashSet()
	for _, e := range l {
		if _, err := s.add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func opSetUnion(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	ret := newHashSet()
	for _, a := range args {
		l, err := types.AsList(a)
		if err != nil {
			return nil, err
		}
		for _, e := range l {
			if _, err := ret.add(e); err != nil {
				return nil, err
			}
		}
	}
	return ret.elems, nil
}

func opSetIntersection(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	if len(args) == 0 {
		return []any{}, nil
	}

	sets := make([]*hashSet, len(args))
	for i, a := range args {
		s, err := toSet(a)
		if err != nil {
			return nil, err
		}
		sets[i] = s
	}

	ret := []any{}
	for _, e := range sets[0].elems {
		in := true
		for _, s := range sets[1:] {
			ok, err := s.has(e)
			if err != nil {
				return nil, err
			}
			if !ok {
				in = false
				break
			}
		}
		if in {
			ret = append(ret, e)
		}
	}
	return ret, nil
}

func opSetDifference(_ *function, args []any) (any, error) {
	if anyUnset(args) {
		return nil, nil
	}
	a, err := toSet(args[0])
	if err != nil {
		return nil, err
	}
	b, err := toSet(args[1])
	if err != nil {
		return nil, err
	}
	ret := []any{}
	for _, e := range a.elems {
		ok, err := b.has(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			ret = append(ret, e)
		}
	}
	return ret, nil
}

func opSetIsSubset(_ *function, args []any) (any, error) {
	a, err := toSet(args[0])
	if err != nil {
		return nil, err
	}
	b, err := toSet(args[1])
	if err != nil {
		return nil, err
	}
	for _, e := range a.elems {
		ok, err := b.has(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// object

func opMergeObjects(_ *function, args []any) (any, error) {
	ret := map[string]any{}
	for _, a := range args {
		if !types.IsSet(a) {
			continue
		}
		m, err := types.AsMap(a)
		if err != nil {
			return nil, fmt.Errorf("$mergeObjects requires objects: %s", util.Stringify(a))
		}
		for k, v := range m {
			ret[k] = v
		}
	}
	return ret, nil
}
