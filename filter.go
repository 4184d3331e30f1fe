package crawlerkit

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Operator is the comparison applied by a filter clause.
type Operator int

const (
	OpEquals Operator = iota
	OpInSet
)

func (o Operator) String() string {
	if o == OpInSet {
		return "in"
	}
	return "="
}

// Clause matches one field against a value (OpEquals) or a value set (OpInSet).
type Clause struct {
	Field  string
	Op     Operator
	Value  interface{}
	Values []interface{}
}

// Filter is a conjunction of clauses. The zero Filter matches every record.
type Filter struct {
	clauses []Clause
}

// Eq matches records whose field equals value.
func Eq(field string, value interface{}) Filter {
	return Filter{clauses: []Clause{{Field: field, Op: OpEquals, Value: value}}}
}

// InSet matches records whose field equals any of values.
// With no values it matches nothing.
func InSet(field string, values ...interface{}) Filter {
	vs := make([]interface{}, len(values))
	copy(vs, values)
	return Filter{clauses: []Clause{{Field: field, Op: OpInSet, Values: vs}}}
}

// And combines filters; the result matches when all of them match.
func And(filters ...Filter) Filter {
	var out Filter
	for _, f := range filters {
		out.clauses = append(out.clauses, f.clauses...)
	}
	return out
}

// FilterFromMap builds a filter from a plain map: a slice value becomes
// InSet, anything else Eq. Clauses are ordered by field name.
func FilterFromMap(m map[string]interface{}) Filter {
	fields := make([]string, 0, len(m))
	for k := range m {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var out Filter
	for _, field := range fields {
		v := m[field]
		if values, ok := asSlice(v); ok {
			out = And(out, InSet(field, values...))
			continue
		}
		out = And(out, Eq(field, v))
	}
	return out
}

// Clauses returns a copy of the filter's clauses.
func (f Filter) Clauses() []Clause {
	out := make([]Clause, len(f.clauses))
	copy(out, f.clauses)
	return out
}

// IsEmpty reports whether the filter matches every record.
func (f Filter) IsEmpty() bool {
	return len(f.clauses) == 0
}

// Validate rejects clauses without a field name.
func (f Filter) Validate() error {
	for i, c := range f.clauses {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("filter clause %d has an empty field name", i)
		}
	}
	return nil
}

// Matches evaluates the filter against r in memory.
func (f Filter) Matches(r Record) bool {
	for _, c := range f.clauses {
		v, present := r[c.Field]
		switch c.Op {
		case OpEquals:
			if !present || !valuesEqual(v, c.Value) {
				return false
			}
		case OpInSet:
			if !present {
				return false
			}
			hit := false
			for _, candidate := range c.Values {
				if valuesEqual(v, candidate) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
	}
	return true
}

func (f Filter) String() string {
	if f.IsEmpty() {
		return "<all>"
	}
	parts := make([]string, len(f.clauses))
	for i, c := range f.clauses {
		if c.Op == OpInSet {
			parts[i] = fmt.Sprintf("%s in %v", c.Field, c.Values)
		} else {
			parts[i] = fmt.Sprintf("%s = %v", c.Field, c.Value)
		}
	}
	return strings.Join(parts, " and ")
}

// valuesEqual compares numbers by value so that a JSON float64 matches an int.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// asSlice accepts any slice except []byte, which is a scalar blob.
func asSlice(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	if vs, ok := v.([]interface{}); ok {
		return vs, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
