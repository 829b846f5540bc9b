package expression

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"golang.org/x/sync/errgroup"

	"github.com/l7mp/docexpr/pkg/fault"
	"github.com/l7mp/docexpr/pkg/types"
)

// extractFunc returns one integer component of a zoned date.
type extractFunc func(t time.Time) int64

// dateOperator is the shared base of the date component extraction operators. Unusable inputs,
// i.e., a missing or invalid date or an unknown timezone, produce types.Undefined instead of a
// fault.
type dateOperator struct {
	base
	tag       string
	date      Expression
	timezone  Expression // nil means UTC
	shorthand bool
	wrapped   bool // shorthand given as a one-element array
	extract   extractFunc
}

func newDateOperator(extract extractFunc) OperatorFunc {
	return func(f *Factory, tag, path string, operand any) (Expression, error) {
		d := &dateOperator{base: base{name: tagName(tag), path: path}, tag: tag, extract: extract}

		switch v := operand.(type) {
		case map[string]any:
			if _, ok := v["date"]; !ok {
				// an operator invocation or a plain object used as the date itself
				if _, _, isOp := operatorKey(v); !isOp {
					return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s: missing required argument \"date\"", tag))
				}
				d.shorthand = true
				break
			}
			m, err := operandMap(tag, path, v, []string{"date"}, "timezone")
			if err != nil {
				return nil, err
			}
			if d.date, err = f.Guess(m["date"], fault.Join(path, "date")); err != nil {
				return nil, err
			}
			if tz, ok := m["timezone"]; ok {
				if d.timezone, err = f.Guess(tz, fault.Join(path, "timezone")); err != nil {
					return nil, err
				}
			}
			return d, nil

		case []any:
			if len(v) != 1 {
				return nil, fault.NewInvalidArgument(path, fmt.Sprintf("%s: value must be object", tag))
			}
			e, err := f.Guess(v[0], fault.Join(path, 0))
			if err != nil {
				return nil, err
			}
			d.date, d.shorthand, d.wrapped = e, true, true
			return d, nil

		default:
			d.shorthand = true
		}

		e, err := f.Guess(operand, path)
		if err != nil {
			return nil, err
		}
		d.date = e
		return d, nil
	}
}

// zoned evaluates the date and timezone operands and returns the date in the given zone.
func (d *dateOperator) zoned(ec EvalCtx) (any, error) {
	var date, tz any

	ctx := ec.Context
	if ctx == nil {
		ctx = context.Background()
	}
	g, gctx := errgroup.WithContext(ctx)
	gec := ec
	gec.Context = gctx
	g.Go(func() error {
		v, err := eval(gec, d.date)
		date = v
		return err
	})
	if d.timezone != nil {
		g.Go(func() error {
			v, err := eval(gec, d.timezone)
			tz = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !types.IsSet(date) {
		return types.Undefined, nil
	}

	c, err := types.Date.Cast(date, types.CastOptions{Path: d.path, AllowInvalid: true})
	if err != nil {
		return nil, err
	}
	if !types.IsValidDate(c) {
		return types.Undefined, nil
	}
	t := c.(time.Time)

	loc := time.UTC
	if d.timezone != nil {
		name, ok := tz.(string)
		if !ok {
			return types.Undefined, nil
		}
		if loc, ok = LoadZone(name); !ok {
			return types.Undefined, nil
		}
	}

	return t.In(loc), nil
}

func (d *dateOperator) Evaluate(ec EvalCtx) (any, error) {
	z, err := d.zoned(ec)
	if err != nil {
		return nil, err
	}

	t, ok := z.(time.Time)
	if !ok {
		ec.Log.V(8).Info("eval: unusable date", "expression", d.tag, "path", d.path)
		return types.Undefined, nil
	}

	ret := d.extract(t)
	ec.Log.V(8).Info("eval ready", "expression", d.tag, "path", d.path, "date", t, "result", ret)
	return ret, nil
}

func (d *dateOperator) ToJSON() any {
	switch {
	case d.wrapped:
		return map[string]any{d.tag: []any{d.date.ToJSON()}}
	case d.shorthand:
		return map[string]any{d.tag: d.date.ToJSON()}
	}
	args := map[string]any{"date": d.date.ToJSON()}
	if d.timezone != nil {
		args["timezone"] = d.timezone.ToJSON()
	}
	return map[string]any{d.tag: args}
}

var offsetRe = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})?$`)

// LoadZone resolves an IANA zone name or a UTC offset of the form +HH, +HH:MM or +HHMM.
func LoadZone(name string) (*time.Location, bool) {
	if name == "" {
		return nil, false
	}

	if m := offsetRe.FindStringSubmatch(name); m != nil {
		h, _ := strconv.Atoi(m[2])
		mm := 0
		if m[3] != "" {
			mm, _ = strconv.Atoi(m[3])
		}
		if h > 23 || mm > 59 {
			return nil, false
		}
		secs := h*3600 + mm*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(name, secs), true
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

func extractYear(t time.Time) int64        { return int64(t.Year()) }
func extractMonth(t time.Time) int64       { return int64(t.Month()) }
func extractDayOfMonth(t time.Time) int64  { return int64(t.Day()) }
func extractDayOfYear(t time.Time) int64   { return int64(t.YearDay()) }
func extractHour(t time.Time) int64        { return int64(t.Hour()) }
func extractMinute(t time.Time) int64      { return int64(t.Minute()) }
func extractSecond(t time.Time) int64      { return int64(t.Second()) }
func extractMillisecond(t time.Time) int64 { return int64(t.Nanosecond() / int(time.Millisecond)) }

// extractDayOfWeek numbers weekdays from 0 (Sunday) to 6 (Saturday).
func extractDayOfWeek(t time.Time) int64 { return int64(t.Weekday()) }

func extractISOWeek(t time.Time) int64 {
	_, w := t.ISOWeek()
	return int64(w)
}

func extractISOWeekYear(t time.Time) int64 {
	y, _ := t.ISOWeek()
	return int64(y)
}
