// Package accumulator implements the accumulators of the $group stage. An accumulator folds the
// stream of values produced by its operand expression, one per input document, into a running
// state and exposes a final value at the end of the stream.
//
// States are opaque to the caller and owned by a single group: a nil state means that the
// accumulator has not seen any input yet. Zero values such as 0, false or "" are valid states.
package accumulator

import (
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// Accumulator is a common interface for the accumulation operators.
type Accumulator interface {
	// Accumulate evaluates the operand in the given context and folds the result into state,
	// returning the next state. Operand errors are returned as is.
	Accumulate(ec expression.EvalCtx, state any) (any, error)
	// Update folds an already evaluated input into state.
	Update(state, input any) (any, error)
	// Value returns the final value for a state.
	Value(state any) any
	// Name returns the accumulator tag without the "$" prefix.
	Name() string
	// Path returns the path of the accumulator in the stage definition.
	Path() string
	// ToJSON returns the accumulator definition.
	ToJSON() any
}

// newAccumulatorFunc is a type for a function that creates an accumulation operator.
type newAccumulatorFunc func(tag, path string, operand expression.Expression) Accumulator

// Accumulators maps all accumulation operators.
var Accumulators = map[string]newAccumulatorFunc{
	// sorted alphabetically
	"$addToSet":     newAddToSet,
	"$avg":          newAvg,
	"$count":        newCount,
	"$first":        newFirst,
	"$last":         newLast,
	"$max":          newExtremum(1),
	"$mergeObjects": newMergeObjects,
	"$min":          newExtremum(-1),
	"$push":         newPush,
	"$sum":          newSum,
	// please keep sorted alphabetically
}

// New parses a single-key accumulator definition like {"$sum": "$amount"}. A nil factory means
// expression.DefaultFactory.
func New(def any, path string, f *expression.Factory) (Accumulator, error) {
	if f == nil {
		f = expression.DefaultFactory
	}

	m, ok := def.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, fault.NewInvalidArgument(path, "value must be an accumulator object")
	}
	if len(m) > 1 {
		return nil, fault.NewInvalidArgument(path, "value must specify exactly one accumulator")
	}

	var tag string
	var operand any
	for k, v := range m {
		tag, operand = k, v
	}

	fn, ok := Accumulators[tag]
	if !ok {
		return nil, fault.NewUnknownOperator(fault.Join(path, tag), tag)
	}

	apath := fault.Join(path, tag)
	e, err := f.Guess(operand, apath)
	if err != nil {
		return nil, err
	}

	return fn(tag, apath, e), nil
}

// accumulator holds the parts shared by all accumulators: the operand and the update rule.
type accumulator struct {
	tag     string
	path    string
	operand expression.Expression
	update  func(a *accumulator, state, input any) (any, error)
	value   func(state any) any
}

func (a *accumulator) Accumulate(ec expression.EvalCtx, state any) (any, error) {
	if ec.Context != nil && ec.Context.Err() != nil {
		return nil, fault.NewCancelled(a.path, ec.Context.Err())
	}

	v, err := a.operand.Evaluate(ec)
	if err != nil {
		return nil, err
	}

	next, err := a.update(a, state, v)
	if err != nil {
		return nil, err
	}

	ec.Log.V(8).Info("accumulate", "accumulator", a.tag, "path", a.path, "input", v)

	return next, nil
}

func (a *accumulator) Update(state, input any) (any, error) { return a.update(a, state, input) }

func (a *accumulator) Value(state any) any {
	if a.value == nil {
		return state
	}
	return a.value(state)
}

func (a *accumulator) Name() string { return a.tag[1:] }
func (a *accumulator) Path() string { return a.path }
func (a *accumulator) ToJSON() any  { return map[string]any{a.tag: a.operand.ToJSON()} }

// sum

type sumState struct{ value any }

func newSum(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(a *accumulator, state, input any) (any, error) {
			s, _ := state.(*sumState)
			if s == nil {
				s = &sumState{}
			}
			if !isNumber(input) {
				return s, nil
			}
			if s.value == nil {
				s.value = int64(0)
			}
			v, err := types.Add(s.value, input)
			if err != nil {
				return nil, fault.NewCastError(a.path, "$sum failed", err)
			}
			s.value = v
			return s, nil
		},
		value: func(state any) any {
			if s, ok := state.(*sumState); ok {
				return s.value
			}
			return nil
		},
	}
}

// isNumber reports whether an input counts for the numeric accumulators: numbers and numeric
// strings do, booleans and everything else do not.
func isNumber(v any) bool {
	if !types.IsSet(v) {
		return false
	}
	switch types.Of(v) {
	case types.Number, types.String:
		return types.IsNumeric(v)
	}
	return false
}

// avg

type avgState struct {
	total any
	count int64
	value any
}

func newAvg(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(a *accumulator, state, input any) (any, error) {
			s, _ := state.(*avgState)
			if s == nil {
				s = &avgState{total: int64(0)}
			}
			if !isNumber(input) {
				return s, nil
			}
			t, err := types.Add(s.total, input)
			if err != nil {
				return nil, fault.NewCastError(a.path, "$avg failed", err)
			}
			s.total, s.count = t, s.count+1
			if s.value, err = types.Divide(s.total, s.count); err != nil {
				return nil, fault.NewCastError(a.path, "$avg failed", err)
			}
			return s, nil
		},
		value: func(state any) any {
			if s, ok := state.(*avgState); ok {
				return s.value
			}
			return nil
		},
	}
}

// count

func newCount(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(_ *accumulator, state, input any) (any, error) {
			n, _ := state.(int64)
			if types.Contributes(input) {
				n++
			}
			return n, nil
		},
		value: func(state any) any {
			n, _ := state.(int64)
			return n
		},
	}
}

// push

func newPush(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(_ *accumulator, state, input any) (any, error) {
			l, _ := state.([]any)
			if l == nil {
				l = []any{}
			}
			if types.Contributes(input) {
				l = append(l, input)
			}
			return l, nil
		},
		value: func(state any) any {
			if l, ok := state.([]any); ok {
				return l
			}
			return []any{}
		},
	}
}

// addToSet

type setState struct {
	keys  map[string]bool
	elems []any
}

func newAddToSet(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(a *accumulator, state, input any) (any, error) {
			s, _ := state.(*setState)
			if s == nil {
				s = &setState{keys: map[string]bool{}, elems: []any{}}
			}
			if !types.Contributes(input) {
				return s, nil
			}
			h, err := types.Hash(input)
			if err != nil {
				return nil, fault.NewCastError(a.path, "$addToSet cannot hash value", err)
			}
			if !s.keys[h] {
				s.keys[h] = true
				s.elems = append(s.elems, input)
			}
			return s, nil
		},
		value: func(state any) any {
			if s, ok := state.(*setState); ok {
				return s.elems
			}
			return []any{}
		},
	}
}

// first and last

type holder struct {
	value any
	set   bool
}

func newFirst(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(_ *accumulator, state, input any) (any, error) {
			h, _ := state.(*holder)
			if h == nil {
				h = &holder{value: types.Undefined}
			}
			if !h.set && types.Contributes(input) {
				h.value, h.set = input, true
			}
			return h, nil
		},
		value: holderValue,
	}
}

func newLast(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(_ *accumulator, state, input any) (any, error) {
			h, _ := state.(*holder)
			if h == nil {
				h = &holder{value: types.Undefined}
			}
			if types.Contributes(input) {
				h.value, h.set = input, true
			}
			return h, nil
		},
		value: holderValue,
	}
}

func holderValue(state any) any {
	if h, ok := state.(*holder); ok {
		return h.value
	}
	return types.Undefined
}

// max and min

type extremumState struct {
	t     types.Type
	value any
}

// newExtremum creates $max (sign 1) or $min (sign -1). The type of the first qualifying input
// is captured and used for all later comparisons; equal values keep the first one seen.
func newExtremum(sign int) newAccumulatorFunc {
	return func(tag, path string, operand expression.Expression) Accumulator {
		return &accumulator{tag: tag, path: path, operand: operand,
			update: func(a *accumulator, state, input any) (any, error) {
				s, _ := state.(*extremumState)
				if s == nil {
					s = &extremumState{}
				}
				if !types.IsSet(input) {
					return s, nil
				}
				if s.t == nil {
					s.t, s.value = types.Of(input), input
					return s, nil
				}
				c, err := s.t.Compare(input, s.value, types.CastOptions{Path: a.path})
				if err != nil {
					// outside the captured type's domain: fall back to the cross-type order
					c = types.CompareValues(input, s.value)
				}
				if c*sign > 0 {
					s.value = input
				}
				return s, nil
			},
			value: func(state any) any {
				if s, ok := state.(*extremumState); ok {
					return s.value
				}
				return nil
			},
		}
	}
}

// mergeObjects

func newMergeObjects(tag, path string, operand expression.Expression) Accumulator {
	return &accumulator{tag: tag, path: path, operand: operand,
		update: func(_ *accumulator, state, input any) (any, error) {
			m, _ := state.(map[string]any)
			if m == nil {
				m = map[string]any{}
			}
			obj, ok := input.(map[string]any)
			if !ok {
				return m, nil
			}
			for k, v := range obj {
				m[k] = v
			}
			return m, nil
		},
		value: func(state any) any {
			if m, ok := state.(map[string]any); ok {
				return m
			}
			return map[string]any{}
		},
	}
}
