// Package expression implements the expression tree of the engine: a raw JSON-like definition is
// parsed once into a tree of nodes by a Factory, and the tree is then evaluated many times
// against an evaluation context carrying the current document and the variable bindings.
package expression

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// Expression is a parsed, evaluable node of an expression tree. Nodes are immutable after
// parsing and can be evaluated concurrently.
type Expression interface {
	// Evaluate computes the value of the node. A node may return types.Undefined or
	// types.Empty to indicate that no value was produced.
	Evaluate(ec EvalCtx) (any, error)
	// Name returns the canonical operator tag without the "$" prefix.
	Name() string
	// Path returns the dotted path of the node in the definition, used for fault attribution.
	Path() string
	// ToJSON returns a definition that parses back into an equivalent node.
	ToJSON() any
}

// AccessContext carries the calling principal through evaluation.
type AccessContext struct {
	Principal string `json:"principal,omitempty"`
	Org       string `json:"org,omitempty"`
}

// EvalCtx is the runtime environment of an evaluation.
type EvalCtx struct {
	// Context signals cancellation.
	Context context.Context
	// AC is the access context of the caller.
	AC *AccessContext
	// Root is the document bound to $$ROOT.
	Root any
	// Current is the document field paths are resolved against ($$CURRENT).
	Current any
	// Vars holds user variables and NOW. Never mutated after creation.
	Vars map[string]any
	// Log is the logger.
	Log logr.Logger
}

// NewEvalCtx creates an evaluation context rooted at the given document.
func NewEvalCtx(ctx context.Context, ac *AccessContext, root any, log logr.Logger) EvalCtx {
	if ctx == nil {
		ctx = context.Background()
	}
	return EvalCtx{
		Context: ctx,
		AC:      ac,
		Root:    root,
		Current: root,
		Vars:    map[string]any{"NOW": time.Now().UTC()},
		Log:     log,
	}
}

// WithVars returns a child context with the given variables bound on top of the existing ones.
// The parent's bindings are left intact.
func (ec EvalCtx) WithVars(vars map[string]any) EvalCtx {
	merged := make(map[string]any, len(ec.Vars)+len(vars))
	for k, v := range ec.Vars {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	ec.Vars = merged
	return ec
}

// WithCurrent returns a child context with $$CURRENT rebound.
func (ec EvalCtx) WithCurrent(doc any) EvalCtx {
	ec.Current = doc
	return ec
}

// Lookup resolves a variable name.
func (ec EvalCtx) Lookup(name string) (any, bool) {
	switch name {
	case "ROOT":
		return ec.Root, true
	case "CURRENT":
		return ec.Current, true
	case "REMOVE":
		return types.Empty, true
	case "PRINCIPAL":
		if ec.AC == nil {
			return nil, true
		}
		return ec.AC.Principal, true
	case "NOW":
		if v, ok := ec.Vars["NOW"]; ok {
			return v, true
		}
		return time.Now().UTC(), true
	}
	v, ok := ec.Vars[name]
	return v, ok
}

// check fails with a cancelled fault once the surrounding context is done.
func (ec EvalCtx) check(path string) error {
	if ec.Context == nil {
		return nil
	}
	if err := ec.Context.Err(); err != nil {
		return fault.NewCancelled(path, err)
	}
	return nil
}

// systemVars cannot be rebound by $let, $map or $filter.
var systemVars = map[string]bool{
	"ROOT": true, "CURRENT": true, "REMOVE": true, "NOW": true, "PRINCIPAL": true,
}

// base holds the fields shared by every node.
type base struct {
	name string
	path string
}

func (b *base) Name() string { return b.name }
func (b *base) Path() string { return b.path }

// eval evaluates a child node after checking for cancellation.
func eval(ec EvalCtx, e Expression) (any, error) {
	if err := ec.check(e.Path()); err != nil {
		return nil, err
	}
	return e.Evaluate(ec)
}

// evalAll evaluates a list of children in order.
func evalAll(ec EvalCtx, es []Expression) ([]any, error) {
	ret := make([]any, len(es))
	for i, e := range es {
		v, err := eval(ec, e)
		if err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}
