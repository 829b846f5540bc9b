package pipeline

import (
	"fmt"
	"sort"

	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// computedField is an output field set from an expression.
type computedField struct {
	field fieldPath
	expr  expression.Expression
}

// parseFields flattens a nested field list into dotted paths. Nested plain objects are
// descended into, everything else is handed to leaf.
func parseFields(raw map[string]any, prefix, path string, leaf func(field, path string, v any) error) error {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		field := k
		if prefix != "" {
			field = prefix + "." + k
		}
		kpath := fault.Join(path, k)

		if sub, ok := raw[k].(map[string]any); ok && len(sub) > 0 && !isOperatorMap(sub) {
			if err := parseFields(sub, field, kpath, leaf); err != nil {
				return err
			}
			continue
		}
		if err := leaf(field, kpath, raw[k]); err != nil {
			return err
		}
	}
	return nil
}

// projectStage reshapes documents: it either keeps the listed fields and adds computed ones
// (inclusion mode) or drops the listed fields (exclusion mode). _id is kept unless excluded
// explicitly.
type projectStage struct {
	stageBase
	def       any
	exclusion bool
	excludeID bool
	include   []fieldPath
	exclude   []fieldPath
	computed  []computedField
}

func newProject(f *expression.Factory, tag, path string, arg any) (Stage, error) {
	m, ok := arg.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires a non-empty object", tag))
	}

	s := &projectStage{stageBase: stageBase{tag: tag, path: path}, def: arg}
	includeID := false
	err := parseFields(m, "", path, func(field, fpath string, v any) error {
		fp, err := newFieldPath(field, fpath)
		if err != nil {
			return err
		}

		flag, isFlag := projectionFlag(v)
		switch {
		case isFlag && field == "_id" && !flag:
			s.excludeID = true
		case isFlag && field == "_id":
			includeID = true
		case isFlag && flag:
			s.include = append(s.include, fp)
		case isFlag:
			s.exclude = append(s.exclude, fp)
		default:
			e, err := f.Guess(v, fpath)
			if err != nil {
				return err
			}
			s.computed = append(s.computed, computedField{field: fp, expr: e})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(s.exclude) > 0 && (len(s.include) > 0 || len(s.computed) > 0) {
		return nil, fault.NewInvalidArgument(path, "cannot mix inclusion and exclusion in "+tag)
	}
	s.exclusion = len(s.include) == 0 && len(s.computed) == 0 && !includeID

	return s, nil
}

// projectionFlag reports whether v is an inclusion (1, true) or exclusion (0, false) flag.
func projectionFlag(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	}
	if types.Of(v) == types.Number {
		f, err := types.AsFloat(v)
		if err != nil {
			return false, false
		}
		return f != 0, true
	}
	return false, false
}

func (s *projectStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return stream(e, s, in, func(ec expression.EvalCtx, doc cursor.Document) ([]cursor.Document, error) {
		out, err := s.project(ec, doc)
		if err != nil {
			return nil, err
		}
		return []cursor.Document{out}, nil
	})
}

func (s *projectStage) project(ec expression.EvalCtx, doc cursor.Document) (cursor.Document, error) {
	if s.exclusion {
		out := types.Clone(doc).(map[string]any)
		for _, fp := range s.exclude {
			if err := fp.Del(out); err != nil {
				return nil, err
			}
		}
		if s.excludeID {
			delete(out, "_id")
		}
		return out, nil
	}

	out := cursor.Document{}
	if id, ok := doc["_id"]; ok && !s.excludeID {
		out["_id"] = id
	}
	for _, fp := range s.include {
		v := fp.Get(doc)
		if !types.Contributes(v) {
			continue
		}
		if err := fp.Set(out, types.Clone(v)); err != nil {
			return nil, err
		}
	}
	for _, c := range s.computed {
		v, err := c.expr.Evaluate(ec)
		if err != nil {
			return nil, err
		}
		if !types.Contributes(v) {
			continue
		}
		if err := c.field.Set(out, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *projectStage) ToJSON() any { return map[string]any{s.tag: s.def} }

// addFieldsStage sets computed fields on a copy of the document. Fields evaluating to $$REMOVE
// or to a missing value are removed. All fields are computed from the input document.
type addFieldsStage struct {
	stageBase
	fields []computedField
}

func newAddFields(f *expression.Factory, tag, path string, arg any) (Stage, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires an object", tag))
	}

	s := &addFieldsStage{stageBase: stageBase{tag: tag, path: path}}
	err := parseFields(m, "", path, func(field, fpath string, v any) error {
		fp, err := newFieldPath(field, fpath)
		if err != nil {
			return err
		}
		e, err := f.Guess(v, fpath)
		if err != nil {
			return err
		}
		s.fields = append(s.fields, computedField{field: fp, expr: e})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *addFieldsStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return stream(e, s, in, func(ec expression.EvalCtx, doc cursor.Document) ([]cursor.Document, error) {
		vs := make([]any, len(s.fields))
		for i, c := range s.fields {
			v, err := c.expr.Evaluate(ec)
			if err != nil {
				return nil, err
			}
			vs[i] = v
		}

		out := types.Clone(doc).(map[string]any)
		for i, c := range s.fields {
			var err error
			if types.Contributes(vs[i]) {
				err = c.field.Set(out, vs[i])
			} else {
				err = c.field.Del(out)
			}
			if err != nil {
				return nil, err
			}
		}
		return []cursor.Document{out}, nil
	})
}

func (s *addFieldsStage) ToJSON() any {
	m := map[string]any{}
	for _, c := range s.fields {
		m[c.field.raw] = c.expr.ToJSON()
	}
	return map[string]any{s.tag: m}
}

// unsetStage removes fields.
type unsetStage struct {
	stageBase
	fields []fieldPath
	single bool
}

func newUnset(_ *expression.Factory, tag, path string, arg any) (Stage, error) {
	s := &unsetStage{stageBase: stageBase{tag: tag, path: path}}

	var names []any
	switch v := arg.(type) {
	case string:
		names, s.single = []any{v}, true
	case []any:
		names = v
	default:
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires a field name or a list of field names", tag))
	}
	if len(names) == 0 {
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires at least one field name", tag))
	}

	for i, n := range names {
		name, ok := n.(string)
		if !ok {
			return nil, fault.NewInvalidArgument(fault.Join(path, i), "field name must be a string")
		}
		fp, err := newFieldPath(name, fault.Join(path, i))
		if err != nil {
			return nil, err
		}
		s.fields = append(s.fields, fp)
	}
	return s, nil
}

func (s *unsetStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return stream(e, s, in, func(_ expression.EvalCtx, doc cursor.Document) ([]cursor.Document, error) {
		out := types.Clone(doc).(map[string]any)
		for _, fp := range s.fields {
			if err := fp.Del(out); err != nil {
				return nil, err
			}
		}
		return []cursor.Document{out}, nil
	})
}

func (s *unsetStage) ToJSON() any {
	if s.single {
		return map[string]any{s.tag: s.fields[0].raw}
	}
	names := make([]any, len(s.fields))
	for i, fp := range s.fields {
		names[i] = fp.raw
	}
	return map[string]any{s.tag: names}
}

// replaceRootStage replaces each document with the value of an expression, which must be an
// object. $replaceWith takes the expression directly, $replaceRoot as {newRoot: <expr>}.
type replaceRootStage struct {
	stageBase
	newRoot expression.Expression
}

func newReplaceRoot(f *expression.Factory, tag, path string, arg any) (Stage, error) {
	raw, epath := arg, path
	if tag == "$replaceRoot" {
		m, ok := arg.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, fault.NewInvalidArgument(path, tag+" requires an object with a single newRoot field")
		}
		if raw, ok = m["newRoot"]; !ok {
			return nil, fault.NewInvalidArgument(path, tag+" requires a newRoot field")
		}
		epath = fault.Join(path, "newRoot")
	}

	e, err := f.Guess(raw, epath)
	if err != nil {
		return nil, err
	}
	return &replaceRootStage{stageBase: stageBase{tag: tag, path: path}, newRoot: e}, nil
}

func (s *replaceRootStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return stream(e, s, in, func(ec expression.EvalCtx, _ cursor.Document) ([]cursor.Document, error) {
		v, err := s.newRoot.Evaluate(ec)
		if err != nil {
			return nil, err
		}
		out, err := asDocument(s.newRoot.Path(), v)
		if err != nil {
			return nil, err
		}
		return []cursor.Document{out}, nil
	})
}

func (s *replaceRootStage) ToJSON() any {
	if s.tag == "$replaceRoot" {
		return map[string]any{s.tag: map[string]any{"newRoot": s.newRoot.ToJSON()}}
	}
	return map[string]any{s.tag: s.newRoot.ToJSON()}
}
