package types

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/util"
)

func castError(opts CastOptions, v any, t Type) error {
	return fault.NewCastError(opts.Path, fmt.Sprintf("cannot cast %s to %s", util.Stringify(v), t.Name()), nil)
}

func compareWith(t Type, a, b any, opts CastOptions, cmp func(x, y any) int) (int, error) {
	x, err := t.Cast(a, opts)
	if err != nil {
		return 0, err
	}
	y, err := t.Cast(b, opts)
	if err != nil {
		return 0, err
	}
	return cmp(x, y), nil
}

type nullType struct{}

func (nullType) Name() string { return "Null" }

func (t nullType) Cast(v any, opts CastOptions) (any, error) {
	if v == nil || !Contributes(v) {
		return nil, nil
	}
	return nil, castError(opts, v, t)
}

func (t nullType) Compare(a, b any, opts CastOptions) (int, error) {
	return compareWith(t, a, b, opts, func(_, _ any) int { return 0 })
}

type booleanType struct{}

func (booleanType) Name() string { return "Boolean" }

func (t booleanType) Cast(v any, opts CastOptions) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "y", "yes":
			return true, nil
		case "false", "0", "n", "no", "":
			return false, nil
		}
	case nil:
		return false, nil
	}
	if n, ok := toNumber(v); ok && Of(v) == Number {
		return toFloat(n) != 0, nil
	}
	return nil, castError(opts, v, t)
}

func (t booleanType) Compare(a, b any, opts CastOptions) (int, error) {
	return compareWith(t, a, b, opts, func(x, y any) int {
		bx, by := x.(bool), y.(bool)
		switch {
		case bx == by:
			return 0
		case !bx:
			return -1
		}
		return 1
	})
}

type stringType struct{}

func (stringType) Name() string { return "String" }

func (t stringType) Cast(v any, opts CastOptions) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case nil:
		return "", nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case bson.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano), nil
	case bson.ObjectID:
		return x.Hex(), nil
	}
	if n, ok := toNumber(v); ok {
		switch x := n.(type) {
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		}
	}
	return nil, castError(opts, v, t)
}

func (t stringType) Compare(a, b any, opts CastOptions) (int, error) {
	return compareWith(t, a, b, opts, func(x, y any) int {
		return strings.Compare(x.(string), y.(string))
	})
}

type objectIdType struct{}

func (objectIdType) Name() string { return "ObjectId" }

func (t objectIdType) Cast(v any, opts CastOptions) (any, error) {
	switch x := v.(type) {
	case bson.ObjectID:
		return x, nil
	case string:
		id, err := bson.ObjectIDFromHex(strings.TrimSpace(x))
		if err != nil {
			return nil, fault.NewCastError(opts.Path, fmt.Sprintf("invalid ObjectId %q", x), err)
		}
		return id, nil
	}
	return nil, castError(opts, v, t)
}

func (t objectIdType) Compare(a, b any, opts CastOptions) (int, error) {
	return compareWith(t, a, b, opts, func(x, y any) int {
		ix, iy := x.(bson.ObjectID), y.(bson.ObjectID)
		return bytes.Compare(ix[:], iy[:])
	})
}

type arrayType struct{}

func (arrayType) Name() string { return "Array" }

func (t arrayType) Cast(v any, opts CastOptions) (any, error) {
	if l, err := AsList(v); err == nil {
		return l, nil
	}
	return nil, castError(opts, v, t)
}

func (t arrayType) Compare(a, b any, opts CastOptions) (int, error) {
	return compareWith(t, a, b, opts, func(x, y any) int {
		lx, ly := x.([]any), y.([]any)
		for i := 0; i < len(lx) && i < len(ly); i++ {
			if c := CompareValues(lx[i], ly[i]); c != 0 {
				return c
			}
		}
		return len(lx) - len(ly)
	})
}

type objectType struct{}

func (objectType) Name() string { return "Object" }

func (t objectType) Cast(v any, opts CastOptions) (any, error) {
	if m, err := AsMap(v); err == nil {
		return m, nil
	}
	return nil, castError(opts, v, t)
}

func (t objectType) Compare(a, b any, opts CastOptions) (int, error) {
	return compareWith(t, a, b, opts, func(x, y any) int {
		kx, _ := canonicalJSON(x)
		ky, _ := canonicalJSON(y)
		return bytes.Compare(kx, ky)
	})
}

type anyType struct{}

func (anyType) Name() string { return "Any" }

func (anyType) Cast(v any, _ CastOptions) (any, error) { return v, nil }

func (anyType) Compare(a, b any, _ CastOptions) (int, error) {
	return CompareValues(a, b), nil
}

// typeOrder is the cross-type sort order.
var typeOrder = map[Type]int{
	Null:     1,
	Number:   2,
	String:   3,
	Object:   4,
	Array:    5,
	ObjectId: 6,
	Boolean:  7,
	Date:     8,
	Any:      9,
}

// CompareValues orders arbitrary values: first by type order, then within the type. Sentinels
// sort with null.
func CompareValues(a, b any) int {
	a, b = Strip(a), Strip(b)
	ta, tb := Of(a), Of(b)
	if oa, ob := typeOrder[ta], typeOrder[tb]; oa != ob {
		return oa - ob
	}
	if ta == Any {
		return strings.Compare(util.Stringify(a), util.Stringify(b))
	}
	c, err := ta.Compare(a, b, CastOptions{})
	if err != nil {
		return strings.Compare(util.Stringify(a), util.Stringify(b))
	}
	return c
}
