package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/util"
)

// Stage is a single step of a pipeline.
type Stage interface {
	// Name returns the stage tag, e.g., "$match".
	Name() string
	// Path returns the path of the stage definition, e.g., "pipeline.2.$match".
	Path() string
	// Run chains the stage on top of an input cursor.
	Run(e *env, in cursor.Cursor) cursor.Cursor
	// ToJSON returns the stage definition.
	ToJSON() any
}

// newStageFunc parses the argument of a stage. The path already includes the stage tag.
type newStageFunc func(f *expression.Factory, tag, path string, arg any) (Stage, error)

// stages maps the stage tags to constructors.
var stages = map[string]newStageFunc{
	// sorted alphabetically
	"$addFields":   newAddFields,
	"$count":       newCount,
	"$group":       newGroup,
	"$limit":       newLimit,
	"$match":       newMatch,
	"$project":     newProject,
	"$replaceRoot": newReplaceRoot,
	"$replaceWith": newReplaceRoot,
	"$set":         newAddFields,
	"$skip":        newSkip,
	"$sort":        newSort,
	"$unset":       newUnset,
	"$unwind":      newUnwind,
	// please keep sorted alphabetically
}

// StageNames returns the supported stage tags.
func StageNames() []string {
	ret := make([]string, 0, len(stages))
	for k := range stages {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

func newStage(f *expression.Factory, raw any, path string) (Stage, error) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, fault.NewInvalidArgument(path, "a pipeline stage must be an object with exactly one field")
	}

	var tag string
	var arg any
	for k, v := range m {
		tag, arg = k, v
	}

	fn, ok := stages[tag]
	if !ok {
		return nil, fault.NewUnknownOperator(fault.Join(path, tag), tag)
	}
	return fn(f, tag, fault.Join(path, tag), arg)
}

// env is the run-time environment shared by the stages of one pipeline evaluation.
type env struct {
	base expression.EvalCtx
	log  logr.Logger
}

// docCtx returns the evaluation context for a document.
func (e *env) docCtx(ctx context.Context, doc cursor.Document) expression.EvalCtx {
	ec := e.base
	ec.Context = ctx
	ec.Root, ec.Current = doc, doc
	return ec
}

type stageBase struct {
	tag  string
	path string
}

func (s *stageBase) Name() string { return s.tag }
func (s *stageBase) Path() string { return s.path }

// docFunc maps one input document to zero or more output documents.
type docFunc func(ec expression.EvalCtx, doc cursor.Document) ([]cursor.Document, error)

// stream creates a non-blocking stage cursor calling fn on each input document as it is pulled.
func stream(e *env, s Stage, in cursor.Cursor, fn docFunc) cursor.Cursor {
	idx := -1
	var buf []cursor.Document

	return cursor.FromFunc(func(ctx context.Context) (cursor.Document, error) {
		for len(buf) == 0 {
			doc, err := in.Next(ctx)
			if err != nil {
				return nil, err
			}
			idx++

			e.log.V(2).Info("processing document", "stage", s.Path(), "index", idx)

			out, err := fn(e.docCtx(ctx, doc), doc)
			if err != nil {
				return nil, NewStageError(s.Path(), idx, err)
			}

			e.log.V(4).Info("stage ready", "stage", s.Path(), "index", idx, "result", util.Stringify(out))

			buf = out
		}

		d := buf[0]
		buf = buf[1:]
		return d, nil
	}, in.Close)
}

// drainFunc consumes the entire input and returns the output of a blocking stage.
type drainFunc func(ctx context.Context, in cursor.Cursor) ([]cursor.Document, error)

// blocking creates a stage cursor that drains its input on the first pull.
func blocking(e *env, s Stage, in cursor.Cursor, fn drainFunc) cursor.Cursor {
	var out []cursor.Document
	drained := false

	return cursor.FromFunc(func(ctx context.Context) (cursor.Document, error) {
		if !drained {
			res, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			out, drained = res, true

			e.log.V(4).Info("stage ready", "stage", s.Path(), "result-size", len(out))
		}

		if len(out) == 0 {
			return nil, cursor.ErrExhausted
		}
		d := out[0]
		out = out[1:]
		return d, nil
	}, in.Close)
}

// each calls fn on every document of a cursor, in order.
func each(ctx context.Context, in cursor.Cursor, fn func(idx int, doc cursor.Document) error) error {
	for idx := 0; ; idx++ {
		doc, err := in.Next(ctx)
		if errors.Is(err, cursor.ErrExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(idx, doc); err != nil {
			return err
		}
	}
}

// asDocument checks that a stage produced an object.
func asDocument(path string, v any) (cursor.Document, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fault.NewCastError(path, fmt.Sprintf("expected an object, got %s", util.Stringify(v)), nil)
	}
	return m, nil
}
