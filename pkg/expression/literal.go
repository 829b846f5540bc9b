package expression

import (
	"sort"
	"strings"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// literal evaluates to itself.
type literal struct {
	base
	value any
	// explicit marks a value given through $literal, which must round-trip as such.
	explicit bool
}

func newLiteral(value any, path string) *literal {
	return &literal{base: base{name: "literal", path: path}, value: value}
}

func newLiteralOperator(_ *Factory, tag, path string, operand any) (Expression, error) {
	return &literal{base: base{name: tagName(tag), path: path}, value: operand, explicit: true}, nil
}

func (l *literal) Evaluate(ec EvalCtx) (any, error) {
	if l.explicit {
		// literal objects and arrays must not be shared with the caller
		return types.Clone(l.value), nil
	}
	return l.value, nil
}

func (l *literal) ToJSON() any {
	if l.explicit {
		return map[string]any{"$literal": l.value}
	}
	return l.value
}

// IsLiteral reports whether an expression is a literal and returns its value.
func IsLiteral(e Expression) (any, bool) {
	l, ok := e.(*literal)
	if !ok {
		return nil, false
	}
	return l.value, true
}

// reference reads a field path from $$CURRENT or from a variable.
type reference struct {
	base
	raw      string
	variable string // empty for field paths
	segments []string
}

func newReference(raw, path string) (Expression, error) {
	r := &reference{base: base{name: "reference", path: path}, raw: raw}

	if strings.HasPrefix(raw, "$$") {
		name, rest, _ := strings.Cut(raw[2:], ".")
		if name == "" {
			return nil, fault.NewInvalidArgument(path, "empty variable name in "+raw)
		}
		r.variable = name
		if rest != "" {
			r.segments = strings.Split(rest, ".")
		}
	} else {
		field := raw[1:]
		if field == "" {
			return nil, fault.NewInvalidArgument(path, "empty field path")
		}
		r.segments = strings.Split(field, ".")
	}

	for _, s := range r.segments {
		if s == "" {
			return nil, fault.NewInvalidArgument(path, "empty path segment in "+raw)
		}
	}

	return r, nil
}

func (r *reference) Evaluate(ec EvalCtx) (any, error) {
	start := ec.Current
	if r.variable != "" {
		v, ok := ec.Lookup(r.variable)
		if !ok {
			return nil, fault.NewUndefinedVariable(r.path, r.variable)
		}
		start = v
	}

	ret := Resolve(start, r.segments)

	ec.Log.V(8).Info("eval ready", "expression", r.raw, "result", ret)

	return ret, nil
}

func (r *reference) ToJSON() any { return r.raw }

// FieldPath returns the dotted field path of a "$field" reference, or false for anything else.
func FieldPath(e Expression) (string, bool) {
	r, ok := e.(*reference)
	if !ok || r.variable != "" {
		return "", false
	}
	return strings.Join(r.segments, "."), true
}

// object is a structured literal with embedded expressions.
type object struct {
	base
	keys   []string
	fields map[string]Expression
}

func (f *Factory) newObject(raw map[string]any, path string) (Expression, error) {
	o := &object{
		base:   base{name: "object", path: path},
		keys:   make([]string, 0, len(raw)),
		fields: make(map[string]Expression, len(raw)),
	}
	for k := range raw {
		o.keys = append(o.keys, k)
	}
	sort.Strings(o.keys)

	for _, k := range o.keys {
		e, err := f.Guess(raw[k], fault.Join(path, k))
		if err != nil {
			return nil, err
		}
		o.fields[k] = e
	}
	return o, nil
}

func (o *object) Evaluate(ec EvalCtx) (any, error) {
	ret := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		v, err := eval(ec, o.fields[k])
		if err != nil {
			return nil, err
		}
		// missing and removed values are omitted
		if !types.Contributes(v) {
			continue
		}
		ret[k] = v
	}
	return ret, nil
}

func (o *object) ToJSON() any {
	ret := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		ret[k] = o.fields[k].ToJSON()
	}
	return ret
}

// array is a structured literal list with embedded expressions.
type array struct {
	base
	elems []Expression
}

func (f *Factory) newArray(raw []any, path string) (Expression, error) {
	a := &array{base: base{name: "array", path: path}, elems: make([]Expression, len(raw))}
	for i, r := range raw {
		e, err := f.Guess(r, fault.Join(path, i))
		if err != nil {
			return nil, err
		}
		a.elems[i] = e
	}
	return a, nil
}

func (a *array) Evaluate(ec EvalCtx) (any, error) {
	vs, err := evalAll(ec, a.elems)
	if err != nil {
		return nil, err
	}
	// missing values become null in lists
	for i := range vs {
		vs[i] = types.Strip(vs[i])
	}
	return vs, nil
}

func (a *array) ToJSON() any {
	ret := make([]any, len(a.elems))
	for i, e := range a.elems {
		ret[i] = e.ToJSON()
	}
	return ret
}

// Resolve reads a dotted path from a value. Integer segments index arrays, other segments
// applied to an array are mapped over its elements. Missing paths resolve to types.Undefined.
func Resolve(v any, segments []string) any {
	cur := v
	for i, seg := range segments {
		switch x := cur.(type) {
		case map[string]any:
			next, ok := x[seg]
			if !ok {
				return types.Undefined
			}
			cur = next

		case []any:
			if idx, ok := arrayIndex(seg); ok {
				if idx >= len(x) {
					return types.Undefined
				}
				cur = x[idx]
				continue
			}
			ret := []any{}
			for _, elem := range x {
				r := Resolve(elem, segments[i:])
				if !types.Contributes(r) {
					continue
				}
				ret = append(ret, r)
			}
			return ret

		default:
			return types.Undefined
		}
	}
	return cur
}

func arrayIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n := 0
	for _, c := range seg {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > 1<<30 {
			return 0, false
		}
	}
	return n, true
}
