package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// query is a compiled $match filter.
type query interface {
	match(ec expression.EvalCtx, doc cursor.Document) (bool, error)
}

type allOf []query

func (q allOf) match(ec expression.EvalCtx, doc cursor.Document) (bool, error) {
	for _, s := range q {
		ok, err := s.match(ec, doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type anyOf []query

func (q anyOf) match(ec expression.EvalCtx, doc cursor.Document) (bool, error) {
	for _, s := range q {
		ok, err := s.match(ec, doc)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

type noneOf []query

func (q noneOf) match(ec expression.EvalCtx, doc cursor.Document) (bool, error) {
	ok, err := anyOf(q).match(ec, doc)
	return !ok && err == nil, err
}

// exprQuery is the $expr escape hatch to aggregation expressions.
type exprQuery struct{ expr expression.Expression }

func (q exprQuery) match(ec expression.EvalCtx, _ cursor.Document) (bool, error) {
	v, err := q.expr.Evaluate(ec)
	if err != nil {
		return false, err
	}
	return types.Truthy(v), nil
}

// fieldCond is one comparison on a field, like {$gt: 5}.
type fieldCond struct {
	op  string
	arg any
}

type fieldQuery struct {
	field fieldPath
	conds []fieldCond
}

func (q fieldQuery) match(_ expression.EvalCtx, doc cursor.Document) (bool, error) {
	v := q.field.Get(doc)
	for _, c := range q.conds {
		if !c.test(v) {
			return false, nil
		}
	}
	return true, nil
}

func (c fieldCond) test(v any) bool {
	switch c.op {
	case "$eq":
		return equals(v, c.arg)
	case "$ne":
		return !equals(v, c.arg)
	case "$in":
		return in(v, c.arg.([]any))
	case "$nin":
		return !in(v, c.arg.([]any))
	case "$exists":
		return types.Truthy(c.arg) == types.Contributes(v)
	}

	for _, x := range candidates(v) {
		x = types.Strip(x)
		if types.Of(x) != types.Of(c.arg) {
			continue
		}
		cmp := types.CompareValues(x, c.arg)
		var ok bool
		switch c.op {
		case "$gt":
			ok = cmp > 0
		case "$gte":
			ok = cmp >= 0
		case "$lt":
			ok = cmp < 0
		case "$lte":
			ok = cmp <= 0
		}
		if ok {
			return true
		}
	}
	return false
}

// candidates returns the values a condition is tested against: the value itself and, for
// arrays, each of the elements.
func candidates(v any) []any {
	l, ok := v.([]any)
	if !ok {
		return []any{v}
	}
	return append([]any{v}, l...)
}

func equals(v, arg any) bool {
	for _, x := range candidates(v) {
		if types.CompareValues(x, arg) == 0 {
			return true
		}
	}
	return false
}

func in(v any, args []any) bool {
	for _, a := range args {
		if equals(v, a) {
			return true
		}
	}
	return false
}

var fieldOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true,
}

func parseQuery(f *expression.Factory, raw any, path string) (query, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fault.NewInvalidArgument(path, "query must be an object")
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ret := allOf{}
	for _, k := range keys {
		kpath := fault.Join(path, k)
		switch k {
		case "$and", "$or", "$nor":
			l, ok := m[k].([]any)
			if !ok || len(l) == 0 {
				return nil, fault.NewInvalidArgument(kpath, fmt.Sprintf("%s must be a non-empty array", k))
			}
			subs := make([]query, len(l))
			for i, s := range l {
				q, err := parseQuery(f, s, fault.Join(kpath, i))
				if err != nil {
					return nil, err
				}
				subs[i] = q
			}
			switch k {
			case "$and":
				ret = append(ret, allOf(subs))
			case "$or":
				ret = append(ret, anyOf(subs))
			default:
				ret = append(ret, noneOf(subs))
			}

		case "$expr":
			e, err := f.Guess(m[k], kpath)
			if err != nil {
				return nil, err
			}
			ret = append(ret, exprQuery{expr: e})

		default:
			if strings.HasPrefix(k, "$") {
				return nil, fault.NewUnknownOperator(kpath, k)
			}
			q, err := parseFieldQuery(k, m[k], kpath)
			if err != nil {
				return nil, err
			}
			ret = append(ret, q)
		}
	}

	if len(ret) == 1 {
		return ret[0], nil
	}
	return ret, nil
}

func parseFieldQuery(field string, raw any, path string) (query, error) {
	fp, err := newFieldPath(field, path)
	if err != nil {
		return nil, err
	}
	q := fieldQuery{field: fp}

	m, isMap := raw.(map[string]any)
	if !isMap || len(m) == 0 || !isOperatorMap(m) {
		q.conds = []fieldCond{{op: "$eq", arg: raw}}
		return q, nil
	}

	ops := make([]string, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		if !fieldOps[op] {
			return nil, fault.NewUnknownOperator(fault.Join(path, op), op)
		}
		arg := m[op]
		if op == "$in" || op == "$nin" {
			l, ok := arg.([]any)
			if !ok {
				return nil, fault.NewInvalidArgument(fault.Join(path, op), fmt.Sprintf("%s needs an array", op))
			}
			arg = l
		}
		q.conds = append(q.conds, fieldCond{op: op, arg: arg})
	}
	return q, nil
}

func isOperatorMap(m map[string]any) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// matchStage filters documents with a query.
type matchStage struct {
	stageBase
	def   any
	query query
}

func newMatch(f *expression.Factory, tag, path string, arg any) (Stage, error) {
	q, err := parseQuery(f, arg, path)
	if err != nil {
		return nil, err
	}
	return &matchStage{stageBase: stageBase{tag: tag, path: path}, def: arg, query: q}, nil
}

func (s *matchStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return stream(e, s, in, func(ec expression.EvalCtx, doc cursor.Document) ([]cursor.Document, error) {
		ok, err := s.query.match(ec, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []cursor.Document{doc}, nil
	})
}

func (s *matchStage) ToJSON() any { return map[string]any{s.tag: s.def} }
