package pipeline

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// fieldPath is a parsed dotted output field, like "a.b.c". Reads and writes descend into each
// element of an array met along the path, the same way a "$field" reference does.
type fieldPath struct {
	raw      string
	segments []string
}

func newFieldPath(raw, path string) (fieldPath, error) {
	if raw == "" {
		return fieldPath{}, fault.NewInvalidArgument(path, "empty field name")
	}
	if strings.HasPrefix(raw, "$") {
		return fieldPath{}, fault.NewInvalidArgument(path, fmt.Sprintf("field name %q must not start with '$'", raw))
	}

	segs := strings.Split(raw, ".")
	for _, s := range segs {
		if s == "" {
			return fieldPath{}, fault.NewInvalidArgument(path, fmt.Sprintf("empty path segment in field %q", raw))
		}
	}
	return fieldPath{raw: raw, segments: segs}, nil
}

// Get reads the field with the same semantics as a "$field" reference.
func (f fieldPath) Get(doc any) any {
	return expression.Resolve(doc, f.segments)
}

// Set writes the field into doc. Missing or scalar intermediates are replaced with objects, and
// the rest of the path is applied to each element of an intermediate array.
func (f fieldPath) Set(doc map[string]any, value any) error {
	xs := []jp.Expr{}
	f.expand(doc, jp.R(), 0, true, &xs)

	for i, x := range xs {
		v := value
		if i > 0 {
			v = types.Clone(value)
		}
		if err := x.Set(doc, v); err != nil {
			return fmt.Errorf("JSONPath expression error: cannot set key %q: %w", f.raw, err)
		}
	}
	return nil
}

// Del removes the field from doc, from each element of an intermediate array. Missing fields are
// ignored.
func (f fieldPath) Del(doc map[string]any) error {
	xs := []jp.Expr{}
	f.expand(doc, jp.R(), 0, false, &xs)

	for _, x := range xs {
		if err := x.Del(doc); err != nil {
			return fmt.Errorf("JSONPath expression error: cannot delete key %q: %w", f.raw, err)
		}
	}
	return nil
}

// expand collects the concrete JSONPath of every leaf the field addresses in the object m,
// found at x. With create set, missing and non-object intermediates are made into objects and
// every leaf is returned; otherwise only existing leaves are.
func (f fieldPath) expand(m map[string]any, x jp.Expr, i int, create bool, xs *[]jp.Expr) {
	s := f.segments[i]
	x = child(x, jp.Child(s))

	if i == len(f.segments)-1 {
		if _, ok := m[s]; create || ok {
			*xs = append(*xs, x)
		}
		return
	}

	switch next := m[s].(type) {
	case map[string]any:
		f.expand(next, x, i+1, create, xs)
	case []any:
		for j, e := range next {
			em, ok := e.(map[string]any)
			if !ok {
				if !create {
					continue
				}
				em = map[string]any{}
				next[j] = em
			}
			f.expand(em, child(x, jp.Nth(j)), i+1, create, xs)
		}
	default:
		if !create {
			return
		}
		nm := map[string]any{}
		m[s] = nm
		f.expand(nm, x, i+1, create, xs)
	}
}

// child extends x without sharing its backing array with sibling paths.
func child(x jp.Expr, frag jp.Frag) jp.Expr {
	ret := make(jp.Expr, len(x), len(x)+1)
	copy(ret, x)
	return append(ret, frag)
}
