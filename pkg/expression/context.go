package expression

import (
	"context"
	"sort"

	"github.com/go-logr/logr"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// Option configures a Context.
type Option func(*options)

type options struct {
	log     logr.Logger
	factory *Factory
}

// WithLogger sets the logger used during evaluation.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithFactory sets the operator factory used to parse the definition.
func WithFactory(f *Factory) Option {
	return func(o *options) { o.factory = f }
}

// Context is a parsed expression bound to a set of variables, ready to be evaluated many times.
type Context struct {
	ac       *AccessContext
	def      any
	expr     Expression
	bindings map[string]any
	log      logr.Logger
}

// NewContext parses an expression definition. The bindings may contain "ROOT", the document
// Evaluate runs against; every other binding is made available as a user variable.
func NewContext(ac *AccessContext, def any, bindings map[string]any, opts ...Option) (*Context, error) {
	o := options{log: logr.Discard(), factory: DefaultFactory}
	for _, opt := range opts {
		opt(&o)
	}

	for k := range bindings {
		if k != "ROOT" && systemVars[k] {
			return nil, fault.NewInvalidArgument(fault.Join("variables", k), "cannot bind system variable "+k)
		}
	}

	expr, err := o.factory.Guess(def, "")
	if err != nil {
		return nil, err
	}

	return &Context{
		ac:       ac,
		def:      def,
		expr:     expr,
		bindings: bindings,
		log:      o.log.WithName("expression"),
	}, nil
}

// Expression returns the parsed expression tree.
func (c *Context) Expression() Expression { return c.expr }

// Evaluate evaluates the expression against the "ROOT" binding.
func (c *Context) Evaluate(ctx context.Context) (any, error) {
	return c.EvaluateDocument(ctx, c.bindings["ROOT"])
}

// EvaluateDocument evaluates the expression against a document.
func (c *Context) EvaluateDocument(ctx context.Context, doc any) (any, error) {
	ec := NewEvalCtx(ctx, c.ac, doc, c.log)

	vars := map[string]any{}
	for k, v := range c.bindings {
		if k != "ROOT" {
			vars[k] = v
		}
	}
	ec = ec.WithVars(vars)

	v, err := eval(ec, c.expr)
	if err != nil {
		c.log.V(4).Info("evaluation failed", "expression", c.expr.ToJSON(), "error", err)
		return nil, err
	}

	c.log.V(4).Info("evaluation ready", "expression", c.expr.ToJSON(), "result", types.Strip(v))
	return v, nil
}

// ToJSON returns a diagnostic rendering of the context: the canonical definition and the names
// of the bound variables.
func (c *Context) ToJSON() any {
	vars := make([]any, 0, len(c.bindings))
	names := make([]string, 0, len(c.bindings))
	for k := range c.bindings {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		vars = append(vars, k)
	}
	return map[string]any{"expression": c.expr.ToJSON(), "variables": vars}
}
