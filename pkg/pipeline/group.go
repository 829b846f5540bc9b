package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/l7mp/docexpr/pkg/accumulator"
	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// groupStage partitions documents by the value of the _id expression and folds each partition
// with the accumulators. Groups are emitted in the order their key was first seen.
type groupStage struct {
	stageBase
	id     expression.Expression
	fields []string
	accs   map[string]accumulator.Accumulator
}

func newGroup(f *expression.Factory, tag, path string, arg any) (Stage, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return nil, fault.NewInvalidArgument(path, tag+" requires an object")
	}
	raw, ok := m["_id"]
	if !ok {
		return nil, fault.NewInvalidArgument(path, tag+" requires an _id field")
	}

	id, err := f.Guess(raw, fault.Join(path, "_id"))
	if err != nil {
		return nil, err
	}

	s := &groupStage{stageBase: stageBase{tag: tag, path: path}, id: id, accs: map[string]accumulator.Accumulator{}}
	for k := range m {
		if k != "_id" {
			s.fields = append(s.fields, k)
		}
	}
	sort.Strings(s.fields)

	for _, k := range s.fields {
		if _, err := newFieldPath(k, fault.Join(path, k)); err != nil {
			return nil, err
		}
		a, err := accumulator.New(m[k], fault.Join(path, k), f)
		if err != nil {
			return nil, err
		}
		s.accs[k] = a
	}
	return s, nil
}

type group struct {
	id     any
	states map[string]any
}

func (s *groupStage) Run(e *env, in cursor.Cursor) cursor.Cursor {
	return blocking(e, s, in, func(ctx context.Context, in cursor.Cursor) ([]cursor.Document, error) {
		keys := []string{}
		groups := map[string]*group{}

		err := each(ctx, in, func(idx int, doc cursor.Document) error {
			ec := e.docCtx(ctx, doc)

			id, err := s.id.Evaluate(ec)
			if err != nil {
				return NewStageError(s.path, idx, err)
			}
			id = types.Strip(id)

			key, err := types.Hash(id)
			if err != nil {
				return NewStageError(s.path, idx, fault.NewCastError(s.id.Path(),
					fmt.Sprintf("cannot hash group key: %s", err), err))
			}

			g, ok := groups[key]
			if !ok {
				g = &group{id: id, states: map[string]any{}}
				groups[key] = g
				keys = append(keys, key)
			}

			for _, k := range s.fields {
				next, err := s.accs[k].Accumulate(ec, g.states[k])
				if err != nil {
					return NewStageError(s.path, idx, err)
				}
				g.states[k] = next
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		ret := make([]cursor.Document, 0, len(keys))
		for _, key := range keys {
			g := groups[key]
			out := cursor.Document{"_id": g.id}
			for _, k := range s.fields {
				out[k] = types.Strip(s.accs[k].Value(g.states[k]))
			}
			ret = append(ret, out)
		}
		return ret, nil
	})
}

func (s *groupStage) ToJSON() any {
	m := map[string]any{"_id": s.id.ToJSON()}
	for _, k := range s.fields {
		m[k] = s.accs[k].ToJSON()
	}
	return map[string]any{s.tag: m}
}
