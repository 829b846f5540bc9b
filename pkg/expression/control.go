package expression

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// operandMap checks that an operand is an object with all of the required keys and no keys
// other than the required and optional ones.
func operandMap(tag, path string, operand any, required []string, optional ...string) (map[string]any, error) {
	m, ok := operand.(map[string]any)
	if !ok {
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s: value must be object", tag))
	}

	allowed := map[string]bool{}
	for _, k := range append(append([]string{}, required...), optional...) {
		allowed[k] = true
	}
	for k := range m {
		if !allowed[k] {
			return nil, fault.NewInvalidArgument(fault.Join(path, k), fmt.Sprintf("%s: unknown argument %q", tag, k))
		}
	}
	for _, k := range required {
		if _, ok := m[k]; !ok {
			return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s: missing required argument %q", tag, k))
		}
	}
	return m, nil
}

// varName validates the name of a user variable.
func varName(tag, path string, raw any) (string, error) {
	name, ok := raw.(string)
	if !ok || name == "" {
		return "", fault.NewInvalidArgument(path, fmt.Sprintf("%s: variable name must be a non-empty string", tag))
	}
	if systemVars[name] {
		return "", fault.NewInvalidArgument(path, fmt.Sprintf("%s: cannot rebind system variable %q", tag, name))
	}
	if strings.ContainsAny(name, ".$") {
		return "", fault.NewInvalidArgument(path, fmt.Sprintf("%s: invalid variable name %q", tag, name))
	}
	return name, nil
}

// logical implements the short-circuiting $and and $or.
type logical struct {
	base
	tag    string
	and    bool
	args   []Expression
	single bool
}

func newLogical(f *Factory, tag, path string, operand any) (Expression, error) {
	args, single, err := f.GuessAll(operand, path)
	if err != nil {
		return nil, err
	}
	return &logical{base: base{name: tagName(tag), path: path}, tag: tag, and: tag == "$and", args: args, single: single}, nil
}

func (l *logical) Evaluate(ec EvalCtx) (any, error) {
	for _, a := range l.args {
		v, err := eval(ec, a)
		if err != nil {
			return nil, err
		}
		if t := types.Truthy(v); t != l.and {
			ec.Log.V(8).Info("eval ready", "expression", l.tag, "path", l.path, "result", t)
			return t, nil
		}
	}
	return l.and, nil
}

func (l *logical) ToJSON() any {
	if l.single {
		return map[string]any{l.tag: l.args[0].ToJSON()}
	}
	args := make([]any, len(l.args))
	for i, a := range l.args {
		args[i] = a.ToJSON()
	}
	return map[string]any{l.tag: args}
}

// cond evaluates only the selected branch.
type cond struct {
	base
	ifE, thenE, elseE Expression
	object            bool
}

func newCond(f *Factory, tag, path string, operand any) (Expression, error) {
	c := &cond{base: base{name: tagName(tag), path: path}}

	var raw [3]any
	var paths [3]string
	switch v := operand.(type) {
	case []any:
		if len(v) != 3 {
			return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires exactly 3 arguments, got %d", tag, len(v)))
		}
		for i := range v {
			raw[i], paths[i] = v[i], fault.Join(path, i)
		}
	case map[string]any:
		m, err := operandMap(tag, path, v, []string{"if", "then", "else"})
		if err != nil {
			return nil, err
		}
		c.object = true
		for i, k := range []string{"if", "then", "else"} {
			raw[i], paths[i] = m[k], fault.Join(path, k)
		}
	default:
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires an array or an object", tag))
	}

	var es [3]Expression
	for i := range raw {
		e, err := f.Guess(raw[i], paths[i])
		if err != nil {
			return nil, err
		}
		es[i] = e
	}
	c.ifE, c.thenE, c.elseE = es[0], es[1], es[2]
	return c, nil
}

func (c *cond) Evaluate(ec EvalCtx) (any, error) {
	v, err := eval(ec, c.ifE)
	if err != nil {
		return nil, err
	}
	if types.Truthy(v) {
		return eval(ec, c.thenE)
	}
	return eval(ec, c.elseE)
}

func (c *cond) ToJSON() any {
	if c.object {
		return map[string]any{"$cond": map[string]any{
			"if": c.ifE.ToJSON(), "then": c.thenE.ToJSON(), "else": c.elseE.ToJSON(),
		}}
	}
	return map[string]any{"$cond": []any{c.ifE.ToJSON(), c.thenE.ToJSON(), c.elseE.ToJSON()}}
}

// ifNull returns the first argument that is neither null nor missing, or the last argument.
type ifNull struct {
	base
	args []Expression
}

func newIfNull(f *Factory, tag, path string, operand any) (Expression, error) {
	l, ok := operand.([]any)
	if !ok || len(l) < 2 {
		return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s requires an array of at least 2 arguments", tag))
	}
	args, _, err := f.GuessAll(l, path)
	if err != nil {
		return nil, err
	}
	return &ifNull{base: base{name: tagName(tag), path: path}, args: args}, nil
}

func (n *ifNull) Evaluate(ec EvalCtx) (any, error) {
	last := len(n.args) - 1
	for _, a := range n.args[:last] {
		v, err := eval(ec, a)
		if err != nil {
			return nil, err
		}
		if types.IsSet(v) {
			return v, nil
		}
	}
	return eval(ec, n.args[last])
}

func (n *ifNull) ToJSON() any {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		args[i] = a.ToJSON()
	}
	return map[string]any{"$ifNull": args}
}

type branch struct {
	caseE, thenE Expression
}

// switchOp evaluates the branches in order and returns the value of the first matching one.
type switchOp struct {
	base
	branches []branch
	def      Expression
}

func newSwitch(f *Factory, tag, path string, operand any) (Expression, error) {
	m, err := operandMap(tag, path, operand, []string{"branches"}, "default")
	if err != nil {
		return nil, err
	}

	bpath := fault.Join(path, "branches")
	bs, ok := m["branches"].([]any)
	if !ok {
		return nil, fault.NewInvalidArgument(bpath, fmt.Sprintf("%s: branches must be an array", tag))
	}

	s := &switchOp{base: base{name: tagName(tag), path: path}}
	for i, b := range bs {
		p := fault.Join(bpath, i)
		bm, err := operandMap(tag, p, b, []string{"case", "then"})
		if err != nil {
			return nil, err
		}
		c, err := f.Guess(bm["case"], fault.Join(p, "case"))
		if err != nil {
			return nil, err
		}
		t, err := f.Guess(bm["then"], fault.Join(p, "then"))
		if err != nil {
			return nil, err
		}
		s.branches = append(s.branches, branch{caseE: c, thenE: t})
	}

	if d, ok := m["default"]; ok {
		s.def, err = f.Guess(d, fault.Join(path, "default"))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *switchOp) Evaluate(ec EvalCtx) (any, error) {
	for _, b := range s.branches {
		v, err := eval(ec, b.caseE)
		if err != nil {
			return nil, err
		}
		if types.Truthy(v) {
			return eval(ec, b.thenE)
		}
	}
	if s.def == nil {
		return nil, fault.NewInvalidArgument(s.path, "$switch could not find a matching branch and no default is given")
	}
	return eval(ec, s.def)
}

func (s *switchOp) ToJSON() any {
	bs := make([]any, len(s.branches))
	for i, b := range s.branches {
		bs[i] = map[string]any{"case": b.caseE.ToJSON(), "then": b.thenE.ToJSON()}
	}
	ret := map[string]any{"branches": bs}
	if s.def != nil {
		ret["default"] = s.def.ToJSON()
	}
	return map[string]any{"$switch": ret}
}

// let binds variables for the evaluation of a sub-expression. The bindings are evaluated in the
// enclosing scope.
type let struct {
	base
	names []string
	vars  map[string]Expression
	in    Expression
}

func newLet(f *Factory, tag, path string, operand any) (Expression, error) {
	m, err := operandMap(tag, path, operand, []string{"vars", "in"})
	if err != nil {
		return nil, err
	}

	vpath := fault.Join(path, "vars")
	vm, ok := m["vars"].(map[string]any)
	if !ok {
		return nil, fault.NewInvalidArgument(vpath, fmt.Sprintf("%s: vars must be an object", tag))
	}

	l := &let{base: base{name: tagName(tag), path: path}, vars: make(map[string]Expression, len(vm))}
	for k := range vm {
		l.names = append(l.names, k)
	}
	sort.Strings(l.names)

	for _, k := range l.names {
		if _, err := varName(tag, fault.Join(vpath, k), k); err != nil {
			return nil, err
		}
		e, err := f.Guess(vm[k], fault.Join(vpath, k))
		if err != nil {
			return nil, err
		}
		l.vars[k] = e
	}

	l.in, err = f.Guess(m["in"], fault.Join(path, "in"))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *let) Evaluate(ec EvalCtx) (any, error) {
	vars := make(map[string]any, len(l.names))
	for _, k := range l.names {
		v, err := eval(ec, l.vars[k])
		if err != nil {
			return nil, err
		}
		vars[k] = v
	}
	return eval(ec.WithVars(vars), l.in)
}

func (l *let) ToJSON() any {
	vars := make(map[string]any, len(l.names))
	for _, k := range l.names {
		vars[k] = l.vars[k].ToJSON()
	}
	return map[string]any{"$let": map[string]any{"vars": vars, "in": l.in.ToJSON()}}
}

// iterator is the shared base of $map and $filter: it binds each element of input to a
// variable and evaluates body.
type iterator struct {
	base
	tag     string
	input   Expression
	as      string
	asGiven bool
	body    Expression
	bodyKey string
}

const defaultIteratorVar = "this"

func newIterator(f *Factory, tag, path string, operand any, bodyKey string) (*iterator, error) {
	m, err := operandMap(tag, path, operand, []string{"input", bodyKey}, "as")
	if err != nil {
		return nil, err
	}

	it := &iterator{base: base{name: tagName(tag), path: path}, tag: tag, as: defaultIteratorVar, bodyKey: bodyKey}
	if raw, ok := m["as"]; ok {
		it.asGiven = true
		it.as, err = varName(tag, fault.Join(path, "as"), raw)
		if err != nil {
			return nil, err
		}
	}

	it.input, err = f.Guess(m["input"], fault.Join(path, "input"))
	if err != nil {
		return nil, err
	}
	it.body, err = f.Guess(m[bodyKey], fault.Join(path, bodyKey))
	if err != nil {
		return nil, err
	}
	return it, nil
}

// each calls fn with the value of body for each element. A null or missing input yields false.
func (it *iterator) each(ec EvalCtx, fn func(elem, v any)) (bool, error) {
	in, err := eval(ec, it.input)
	if err != nil {
		return false, err
	}
	if !types.IsSet(in) {
		return false, nil
	}
	l, err := types.AsList(in)
	if err != nil {
		return false, fault.NewCastError(fault.Join(it.path, "input"), fmt.Sprintf("%s: input must be an array", it.tag), err)
	}

	for _, elem := range l {
		v, err := eval(ec.WithVars(map[string]any{it.as: elem}), it.body)
		if err != nil {
			return false, err
		}
		fn(elem, v)
	}
	return true, nil
}

func (it *iterator) ToJSON() any {
	m := map[string]any{"input": it.input.ToJSON(), it.bodyKey: it.body.ToJSON()}
	if it.asGiven {
		m["as"] = it.as
	}
	return map[string]any{it.tag: m}
}

type mapOp struct{ *iterator }

func newMap(f *Factory, tag, path string, operand any) (Expression, error) {
	it, err := newIterator(f, tag, path, operand, "in")
	if err != nil {
		return nil, err
	}
	return &mapOp{it}, nil
}

func (m *mapOp) Evaluate(ec EvalCtx) (any, error) {
	ret := []any{}
	ok, err := m.each(ec, func(_, v any) { ret = append(ret, types.Strip(v)) })
	if err != nil || !ok {
		return nil, err
	}
	return ret, nil
}

type filterOp struct{ *iterator }

func newFilter(f *Factory, tag, path string, operand any) (Expression, error) {
	it, err := newIterator(f, tag, path, operand, "cond")
	if err != nil {
		return nil, err
	}
	return &filterOp{it}, nil
}

func (m *filterOp) Evaluate(ec EvalCtx) (any, error) {
	ret := []any{}
	ok, err := m.each(ec, func(elem, v any) {
		if types.Truthy(v) {
			ret = append(ret, elem)
		}
	})
	if err != nil || !ok {
		return nil, err
	}
	return ret, nil
}
