package expression

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// OperatorFunc parses the operand of an operator into a node. The path is the path of the node
// itself, i.e., it already ends with the operator tag.
type OperatorFunc func(f *Factory, tag, path string, operand any) (Expression, error)

// Factory maps operator tags to constructors and turns raw definitions into expression trees.
type Factory struct {
	operators map[string]OperatorFunc
}

// NewFactory creates a factory with the built-in operators registered.
func NewFactory() *Factory {
	f := &Factory{operators: make(map[string]OperatorFunc, len(builtins))}
	for tag, fn := range builtins {
		f.operators[tag] = fn
	}
	return f
}

// DefaultFactory is the factory used when none is given.
var DefaultFactory = NewFactory()

// Register adds or replaces an operator. Tags must start with "$".
func (f *Factory) Register(tag string, fn OperatorFunc) {
	f.operators[tag] = fn
}

// Lookup returns the constructor registered for a tag.
func (f *Factory) Lookup(tag string) (OperatorFunc, bool) {
	fn, ok := f.operators[tag]
	return fn, ok
}

// Operators returns the registered tags in sorted order.
func (f *Factory) Operators() []string {
	ret := make([]string, 0, len(f.operators))
	for tag := range f.operators {
		ret = append(ret, tag)
	}
	sort.Strings(ret)
	return ret
}

// Guess parses a raw value: operator invocations (single-key objects with a registered "$" key)
// are dispatched to the operator, "$path" and "$$VAR.path" strings become references, plain
// objects and arrays become structured literals with embedded expressions and everything else
// is a literal.
func (f *Factory) Guess(raw any, path string) (Expression, error) {
	switch v := raw.(type) {
	case string:
		if strings.HasPrefix(v, "$") {
			return newReference(v, path)
		}
		return newLiteral(v, path), nil

	case map[string]any:
		if tag, operand, ok := operatorKey(v); ok {
			fn, ok := f.operators[tag]
			if !ok {
				return nil, fault.NewUnknownOperator(fault.Join(path, tag), tag)
			}
			return fn(f, tag, fault.Join(path, tag), operand)
		}
		for k := range v {
			if strings.HasPrefix(k, "$") {
				return nil, fault.NewInvalidArgument(fault.Join(path, k),
					fmt.Sprintf("operator %s must be the only key of its object", k))
			}
		}
		return f.newObject(v, path)

	case []any:
		return f.newArray(v, path)

	case nil, bool, time.Time, bson.ObjectID, bson.DateTime:
		return newLiteral(v, path), nil
	}

	if types.Of(raw) == types.Number {
		n, err := types.Number.Cast(raw, types.CastOptions{Path: path})
		if err != nil {
			return nil, err
		}
		return newLiteral(n, path), nil
	}

	if types.IsList(raw) {
		l, err := types.AsList(raw)
		if err != nil {
			return nil, fault.NewInvalidArgument(path, err.Error())
		}
		return f.newArray(l, path)
	}

	return nil, fault.NewInvalidArgument(path, fmt.Sprintf("unsupported value of type %T", raw))
}

// GuessAll parses each element of a list; a non-list operand is parsed as a single element.
func (f *Factory) GuessAll(raw any, path string) ([]Expression, bool, error) {
	l, ok := raw.([]any)
	if !ok {
		e, err := f.Guess(raw, path)
		if err != nil {
			return nil, false, err
		}
		return []Expression{e}, true, nil
	}

	ret := make([]Expression, len(l))
	for i, r := range l {
		e, err := f.Guess(r, fault.Join(path, i))
		if err != nil {
			return nil, false, err
		}
		ret[i] = e
	}
	return ret, false, nil
}

// operatorKey returns the tag and operand of an operator invocation.
func operatorKey(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		if strings.HasPrefix(k, "$") {
			return k, v, true
		}
	}
	return "", nil, false
}

// tagName strips the "$" prefix from an operator tag.
func tagName(tag string) string {
	return strings.TrimPrefix(tag, "$")
}

// builtins lists the built-in operators.
var builtins = map[string]OperatorFunc{
	// sorted alphabetically
	"$abs":             unary(opAbs),
	"$add":             nary(0, -1, opAdd),
	"$and":             newLogical,
	"$arrayElemAt":     nary(2, 2, opArrayElemAt),
	"$ceil":            unary(opCeil),
	"$cmp":             comparison(func(c int) any { return sign(c) }),
	"$concat":          nary(0, -1, opConcat),
	"$cond":            newCond,
	"$dayOfMonth":      newDateOperator(extractDayOfMonth),
	"$dayOfWeek":       newDateOperator(extractDayOfWeek),
	"$dayOfYear":       newDateOperator(extractDayOfYear),
	"$divide":          nary(2, 2, opDivide),
	"$eq":              comparison(func(c int) any { return c == 0 }),
	"$filter":          newFilter,
	"$floor":           unary(opFloor),
	"$gt":              comparison(func(c int) any { return c > 0 }),
	"$gte":             comparison(func(c int) any { return c >= 0 }),
	"$hour":            newDateOperator(extractHour),
	"$ifNull":          newIfNull,
	"$in":              nary(2, 2, opIn),
	"$isArray":         unary(opIsArray),
	"$isoWeek":         newDateOperator(extractISOWeek),
	"$isoWeekYear":     newDateOperator(extractISOWeekYear),
	"$let":             newLet,
	"$literal":         newLiteralOperator,
	"$lt":              comparison(func(c int) any { return c < 0 }),
	"$lte":             comparison(func(c int) any { return c <= 0 }),
	"$map":             newMap,
	"$mergeObjects":    nary(0, -1, opMergeObjects),
	"$millisecond":     newDateOperator(extractMillisecond),
	"$minute":          newDateOperator(extractMinute),
	"$mod":             nary(2, 2, opMod),
	"$month":           newDateOperator(extractMonth),
	"$multiply":        nary(0, -1, opMultiply),
	"$ne":              comparison(func(c int) any { return c != 0 }),
	"$not":             unary(opNot),
	"$or":              newLogical,
	"$second":          newDateOperator(extractSecond),
	"$setDifference":   nary(2, 2, opSetDifference),
	"$setIntersection": nary(0, -1, opSetIntersection),
	"$setIsSubset":     nary(2, 2, opSetIsSubset),
	"$setUnion":        nary(0, -1, opSetUnion),
	"$size":            unary(opSize),
	"$split":           nary(2, 2, opSplit),
	"$strLenCP":        unary(opStrLenCP),
	"$subtract":        nary(2, 2, opSubtract),
	"$switch":          newSwitch,
	"$toBool":          cast(types.Boolean),
	"$toDate":          cast(types.Date),
	"$toLower":         unary(opToLower),
	"$toNumber":        cast(types.Number),
	"$toObjectId":      cast(types.ObjectId),
	"$toString":        cast(types.String),
	"$toUpper":         unary(opToUpper),
	"$trim":            unary(opTrim),
	"$type":            unary(opType),
	"$year":            newDateOperator(extractYear),
	// please keep sorted alphabetically
}
