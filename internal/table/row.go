package table

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one record of a venue table. The schema is dynamic: values are the
// JSON kinds produced by a UseNumber decoder (string, json.Number, bool, nil,
// nested maps and slices).
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the field as a string, formatting numbers if needed.
func (r Row) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Decimal returns the field as a decimal. ok is false when the field is
// missing, null or not numeric.
func (r Row) Decimal(field string) (d decimal.Decimal, ok bool) {
	switch v := r[field].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Zero, false
	}
}

// Time returns the field as a timestamp. Numbers are read as unix
// milliseconds, strings as RFC3339.
func (r Row) Time(field string) (time.Time, error) {
	switch v := r[field].(type) {
	case json.Number:
		ms, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return time.Time{}, fmt.Errorf("field %s: %w", field, err)
			}
			ms = int64(f)
		}
		return time.UnixMilli(ms), nil
	case int64:
		return time.UnixMilli(v), nil
	case int:
		return time.UnixMilli(int64(v)), nil
	case float64:
		return time.UnixMilli(int64(v)), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %s: %w", field, err)
		}
		return ts, nil
	case time.Time:
		return v, nil
	default:
		return time.Time{}, fmt.Errorf("field %s: unsupported timestamp %T", field, v)
	}
}

// matches reports whether every key field of r equals the same field of other.
// A key missing from either side never matches.
func (r Row) matches(keys []string, other Row) bool {
	for _, k := range keys {
		a, ok := r[k]
		if !ok {
			return false
		}
		b, ok := other[k]
		if !ok || !valueEqual(a, b) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || tb == nil {
		return ta == tb
	}
	if ta == tb && ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
