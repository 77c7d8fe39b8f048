package domain

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"
)

// Record is one row of a dataset, keyed by column name.
//
// Values are restricted to nil, string, int64, float64, bool, time.Time and
// []byte. Store adapters normalize driver types into this set before a
// record leaves the store package.
type Record map[string]any

// Dataset is an ordered sequence of records returned by one fetch.
type Dataset []Record

// Columns returns the sorted union of column names across all records.
func (d Dataset) Columns() []string {
	seen := make(map[string]struct{})
	for _, r := range d {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Equal reports whether two datasets hold the same records in the same
// order. Timestamps compare by instant, floats treat NaN as equal to NaN.
func (d Dataset) Equal(other Dataset) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if !d[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether two records have the same columns and values.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		ov, ok := other[k]
		if !ok || !ValueEqual(v, ov) {
			return false
		}
	}
	return true
}

// ValueEqual compares two supported column values.
func ValueEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(av) {
			return math.IsNaN(bv)
		}
		return av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	default:
		return false
	}
}

// CheckValue reports an error when v is outside the supported value set.
func CheckValue(v any) error {
	switch v.(type) {
	case nil, string, int64, float64, bool, time.Time, []byte:
		return nil
	default:
		return fmt.Errorf("unsupported column value type %T", v)
	}
}
