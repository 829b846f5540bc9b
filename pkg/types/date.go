package types

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/util"
)

// dateLayouts are tried in order when casting a string to a Date.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// invalidDate is what Date.Cast yields with AllowInvalid for a value that names no instant.
var invalidDate any = &sentinel{name: "invalidDate"}

type dateType struct{}

func (dateType) Name() string { return "Date" }

// Cast converts time.Time, bson.DateTime, Unix milliseconds and date strings into a time.Time.
// With AllowInvalid an unparsable string or a non-finite number yields the invalid date marker
// instead of a fault.
func (dateType) Cast(v any, opts CastOptions) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case bson.DateTime:
		return x.Time().UTC(), nil
	case string:
		if t, ok := ParseDate(x); ok {
			return t, nil
		}
		if opts.AllowInvalid {
			return invalidDate, nil
		}
		return nil, fault.NewCastError(opts.Path, fmt.Sprintf("cannot parse date %q", x), nil)
	}

	if IsNumeric(v) && Of(v) == Number {
		f, _ := AsFloat(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			if opts.AllowInvalid {
				return invalidDate, nil
			}
			return nil, fault.NewCastError(opts.Path,
				fmt.Sprintf("cannot cast %s to Date", util.Stringify(v)), nil)
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}

	return nil, fault.NewCastError(opts.Path,
		fmt.Sprintf("cannot cast %s to Date", util.Stringify(v)), nil)
}

func (t dateType) Compare(a, b any, opts CastOptions) (int, error) {
	x, err := t.Cast(a, opts)
	if err != nil {
		return 0, err
	}
	y, err := t.Cast(b, opts)
	if err != nil {
		return 0, err
	}
	// the invalid date sorts before every instant
	tx, okx := x.(time.Time)
	ty, oky := y.(time.Time)
	switch {
	case !okx && !oky:
		return 0, nil
	case !okx:
		return -1, nil
	case !oky:
		return 1, nil
	}
	return tx.Compare(ty), nil
}

// ParseDate parses a date string in one of the accepted layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsValidDate reports whether v is a usable date instant, as opposed to the invalid date.
func IsValidDate(v any) bool {
	_, ok := v.(time.Time)
	return ok
}
