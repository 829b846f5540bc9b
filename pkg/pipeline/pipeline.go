// Package pipeline implements aggregation pipelines: an ordered list of stages, each consuming
// the lazy document sequence produced by the previous one.
package pipeline

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/l7mp/docexpr/pkg/cursor"
	"github.com/l7mp/docexpr/pkg/expression"
	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/util"
)

// Option configures a pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger of the pipeline.
func WithLogger(log logr.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithFactory sets the operator factory used to parse stage expressions.
func WithFactory(f *expression.Factory) Option {
	return func(p *Pipeline) { p.factory = f }
}

// Pipeline is a parsed aggregation pipeline. A pipeline is immutable once created and can be
// evaluated concurrently on distinct inputs.
type Pipeline struct {
	ac      *expression.AccessContext
	stages  []Stage
	factory *expression.Factory
	log     logr.Logger
}

// New parses a list of single-key stage definitions. Stage faults are attributed to the path
// "pipeline.<index>.$<stage>".
func New(ac *expression.AccessContext, def []any, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{ac: ac, factory: expression.DefaultFactory, log: logr.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithName("pipeline")

	for i, raw := range def {
		s, err := newStage(p.factory, raw, fault.Join("pipeline", i))
		if err != nil {
			return nil, err
		}
		p.stages = append(p.stages, s)
	}

	p.log.V(4).Info("pipeline setup ready", "pipeline", util.Stringify(p.ToJSON()))

	return p, nil
}

// Evaluate chains the stages on top of the input cursor. The returned cursor is lazy: documents
// are pulled through the stages as the caller consumes it, except for blocking stages which
// drain their input on the first pull. Closing the returned cursor closes the input.
func (p *Pipeline) Evaluate(ctx context.Context, input cursor.Cursor) (cursor.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPipelineError(fault.NewCancelled("pipeline", err))
	}

	e := &env{
		base: expression.NewEvalCtx(ctx, p.ac, nil, p.log),
		log:  p.log,
	}

	c := input
	for _, s := range p.stages {
		c = s.Run(e, c)
	}

	return c, nil
}

// EvaluateSlice runs the pipeline on a slice of documents and collects the result.
func (p *Pipeline) EvaluateSlice(ctx context.Context, docs []cursor.Document) ([]cursor.Document, error) {
	c, err := p.Evaluate(ctx, cursor.FromSlice(docs))
	if err != nil {
		return nil, err
	}

	ret, err := cursor.Collect(ctx, c)
	if err != nil {
		return nil, NewPipelineError(err)
	}

	p.log.V(2).Info("eval ready", "input-size", len(docs), "result-size", len(ret))

	return ret, nil
}

// ToJSON returns the stage definitions.
func (p *Pipeline) ToJSON() []any {
	ret := make([]any, len(p.stages))
	for i, s := range p.stages {
		ret[i] = s.ToJSON()
	}
	return ret
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline:%s", util.Stringify(p.ToJSON()))
}
