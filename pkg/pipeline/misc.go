package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// positiveInt validates the argument of $skip and $limit.
func positiveInt(tag, path string, arg any) (int64, error) {
	reason := fmt.Sprintf("Stage %s requires a positive integer.", tag)
	if types.Of(arg) != types.Number || !types.IsInteger(arg) {
		return 0, fault.NewInvalidArgument(path, reason)
	}
	n, err := types.AsInt(arg)
	if err != nil || n <= 0 {
		return 0, fault.NewInvalidArgument(path, reason)
	}
	return n, nil
}

// skipStage drops the first n documents.
type skipStage struct {
	stageBase
	n int64
}

func newSkip(_ *expression.Factory, tag, path string, arg any) (Stage, error) {
	n, err := positiveInt(tag, path, arg)
	if err != nil {
		return nil, err
	}
	return &skipStage{stageBase: stageBase{tag: tag, path: path}, n: n}, nil
}

func (s *skipStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	skipped := int64(0)
	return cursor.FromFunc(func(ctx context.Context) (cursor.Document, error) {
		for skipped < s.n {
			if _, err := in.Next(ctx); err != nil {
				return nil, err
			}
			skipped++
		}
		return in.Next(ctx)
	}, in.Close)
}

func (s *skipStage) ToJSON() any { return map[string]any{s.tag: s.n} }

// limitStage passes through the first n documents. It does not pull from its input after that.
type limitStage struct {
	stageBase
	n int64
}

func newLimit(_ *expression.Factory, tag, path string, arg any) (Stage, error) {
	n, err := positiveInt(tag, path, arg)
	if err != nil {
		return nil, err
	}
	return &limitStage{stageBase: stageBase{tag: tag, path: path}, n: n}, nil
}

func (s *limitStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	seen := int64(0)
	return cursor.FromFunc(func(ctx context.Context) (cursor.Document, error) {
		if seen >= s.n {
			return nil, cursor.ErrExhausted
		}
		d, err := in.Next(ctx)
		if err != nil {
			return nil, err
		}
		seen++
		return d, nil
	}, in.Close)
}

func (s *limitStage) ToJSON() any { return map[string]any{s.tag: s.n} }

// unwindStage emits one document per element of an array field.
type unwindStage struct {
	stageBase
	field      fieldPath
	indexField *fieldPath
	preserve   bool
	short      bool
}

func newUnwind(_ *expression.Factory, tag, path string, arg any) (Stage, error) {
	s := &unwindStage{stageBase: stageBase{tag: tag, path: path}}

	var raw any
	switch v := arg.(type) {
	case string:
		raw, s.short = v, true
	case map[string]any:
		for k := range v {
			switch k {
			case "path", "includeArrayIndex", "preserveNullAndEmptyArrays":
			default:
				return nil, fault.NewInvalidArgument(fault.Join(path, k), fmt.Sprintf("%s: unknown argument %q", tag, k))
			}
		}
		raw = v["path"]

		if idx, ok := v["includeArrayIndex"]; ok {
			name, ok := idx.(string)
			if !ok {
				return nil, fault.NewInvalidArgument(fault.Join(path, "includeArrayIndex"), "includeArrayIndex must be a string")
			}
			fp, err := newFieldPath(name, fault.Join(path, "includeArrayIndex"))
			if err != nil {
				return nil, err
			}
			s.indexField = &fp
		}

		if p, ok := v["preserveNullAndEmptyArrays"]; ok {
			b, ok := p.(bool)
			if !ok {
				return nil, fault.NewInvalidArgument(fault.Join(path, "preserveNullAndEmptyArrays"),
					"preserveNullAndEmptyArrays must be a boolean")
			}
			s.preserve = b
		}
	default:
		return nil, fault.NewInvalidArgument(path, tag+" requires a field path or an object")
	}

	name, ok := raw.(string)
	if !ok || !strings.HasPrefix(name, "$") || strings.HasPrefix(name, "$$") {
		return nil, fault.NewInvalidArgument(path, tag+" path must be a field path starting with '$'")
	}
	fp, err := newFieldPath(name[1:], path)
	if err != nil {
		return nil, err
	}
	s.field = fp

	return s, nil
}

func (s *unwindStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return stream(e, s, in, func(_ expression.EvalCtx, doc cursor.Document) ([]cursor.Document, error) {
		v := s.field.Get(doc)

		l, isList := v.([]any)
		if !isList && types.IsSet(v) {
			// a scalar is treated as a single-element array
			l = []any{v}
		}

		if len(l) == 0 {
			if !s.preserve {
				return nil, nil
			}
			out := types.Clone(doc).(map[string]any)
			if s.indexField != nil {
				if err := s.indexField.Set(out, nil); err != nil {
					return nil, err
				}
			}
			return []cursor.Document{out}, nil
		}

		ret := make([]cursor.Document, 0, len(l))
		for i, elem := range l {
			out := types.Clone(doc).(map[string]any)
			if err := s.field.Set(out, types.Clone(elem)); err != nil {
				return nil, err
			}
			if s.indexField != nil {
				var idx any = int64(i)
				if !isList {
					idx = nil
				}
				if err := s.indexField.Set(out, idx); err != nil {
					return nil, err
				}
			}
			ret = append(ret, out)
		}
		return ret, nil
	})
}

func (s *unwindStage) ToJSON() any {
	if s.short {
		return map[string]any{s.tag: "$" + s.field.raw}
	}
	m := map[string]any{"path": "$" + s.field.raw, "preserveNullAndEmptyArrays": s.preserve}
	if s.indexField != nil {
		m["includeArrayIndex"] = s.indexField.raw
	}
	return map[string]any{s.tag: m}
}

type sortKey struct {
	field fieldPath
	dir   int
}

// sortStage orders the documents by the sort keys, keeping the input order of ties. Keys given
// in a single object are applied in lexicographic order of the field names; use the list form,
// [{field: dir}, ...], for an explicit priority.
type sortStage struct {
	stageBase
	keys []sortKey
	list bool
}

func newSort(_ *expression.Factory, tag, path string, arg any) (Stage, error) {
	s := &sortStage{stageBase: stageBase{tag: tag, path: path}}

	var keyMaps []map[string]any
	var paths []string
	switch v := arg.(type) {
	case map[string]any:
		keyMaps, paths = []map[string]any{v}, []string{path}
	case []any:
		s.list = true
		for i, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fault.NewInvalidArgument(fault.Join(path, i), tag+" keys must be objects")
			}
			keyMaps, paths = append(keyMaps, m), append(paths, fault.Join(path, i))
		}
	default:
		return nil, fault.NewInvalidArgument(path, tag+" requires an object")
	}

	for i, m := range keyMaps {
		fields := make([]string, 0, len(m))
		for k := range m {
			fields = append(fields, k)
		}
		sort.Strings(fields)

		for _, k := range fields {
			kpath := fault.Join(paths[i], k)
			fp, err := newFieldPath(k, kpath)
			if err != nil {
				return nil, err
			}
			d, err := types.AsInt(m[k])
			if err != nil || (d != 1 && d != -1) || types.Of(m[k]) != types.Number {
				return nil, fault.NewInvalidArgument(kpath, tag+" direction must be 1 or -1")
			}
			s.keys = append(s.keys, sortKey{field: fp, dir: int(d)})
		}
	}

	if len(s.keys) == 0 {
		return nil, fault.NewInvalidArgument(path, tag+" requires at least one sort key")
	}
	return s, nil
}

func (s *sortStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return blocking(e, s, in, func(ctx context.Context, in cursor.Cursor) ([]cursor.Document, error) {
		docs, err := drain(ctx, in)
		if err != nil {
			return nil, err
		}

		sort.SliceStable(docs, func(i, j int) bool {
			for _, k := range s.keys {
				c := types.CompareValues(k.field.Get(docs[i]), k.field.Get(docs[j]))
				if c != 0 {
					return c*k.dir < 0
				}
			}
			return false
		})
		return docs, nil
	})
}

func (s *sortStage) ToJSON() any {
	if !s.list {
		m := map[string]any{}
		for _, k := range s.keys {
			m[k.field.raw] = int64(k.dir)
		}
		return map[string]any{s.tag: m}
	}
	l := make([]any, len(s.keys))
	for i, k := range s.keys {
		l[i] = map[string]any{k.field.raw: int64(k.dir)}
	}
	return map[string]any{s.tag: l}
}

// countStage emits a single document holding the number of input documents, or nothing for
// an empty input.
type countStage struct {
	stageBase
	field string
}

func newCount(_ *expression.Factory, tag, path string, arg any) (Stage, error) {
	name, ok := arg.(string)
	if !ok || name == "" || strings.HasPrefix(name, "$") || strings.Contains(name, ".") {
		return nil, fault.NewInvalidArgument(path, tag+" requires a non-empty field name without '$' and '.'")
	}
	return &countStage{stageBase: stageBase{tag: tag, path: path}, field: name}, nil
}

func (s *countStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return blocking(e, s, in, func(ctx context.Context, in cursor.Cursor) ([]cursor.Document, error) {
		n := int64(0)
		if err := each(ctx, in, func(_ int, _ cursor.Document) error {
			n++
			return nil
		}); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return []cursor.Document{{s.field: n}}, nil
	})
}

func (s *countStage) ToJSON() any { return map[string]any{s.tag: s.field} }

// drain reads all remaining documents of a cursor.
func drain(ctx context.Context, in cursor.Cursor) ([]cursor.Document, error) {
	ret := []cursor.Document{}
	err := each(ctx, in, func(_ int, doc cursor.Document) error {
		ret = append(ret, doc)
		return nil
	})
	return ret, err
}
