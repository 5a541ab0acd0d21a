package docstore

import (
	"fmt"
	"reflect"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return true
	default:
		return false
	}
}

// Condition compares the member at Path against Value. When Param is set,
// Value is taken from the bind variable of that name.
type Condition struct {
	Path  []string
	Op    Op
	Value any
	Param string
}

func (c Condition) String() string {
	rhs := fmt.Sprintf("%v", c.Value)
	if c.Param != "" {
		rhs = "@" + c.Param
	}
	return strings.Join(c.Path, ".") + " " + string(c.Op) + " " + rhs
}

// Filter is a conjunction of conditions.
type Filter []Condition

// Matches reports whether doc satisfies every condition. A missing member
// only satisfies OpNe.
func (f Filter) Matches(doc Document) bool {
	for _, c := range f {
		actual, ok := Lookup(doc, c.Path)
		if !ok {
			if c.Op == OpNe {
				continue
			}
			return false
		}
		if !compareOp(actual, c.Op, c.Value) {
			return false
		}
	}
	return true
}

// Validate rejects empty paths and unknown operators.
func (f Filter) Validate() error {
	for _, c := range f {
		if len(c.Path) == 0 {
			return fmt.Errorf("condition %q has an empty path", c.String())
		}
		if !c.Op.Valid() {
			return fmt.Errorf("condition %q has unknown operator", c.String())
		}
	}
	return nil
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filter     Filter
	Limit      int
}

// Params lists the bind variables the query references.
func (q Query) Params() []string {
	var out []string
	for _, c := range q.Filter {
		if c.Param != "" {
			out = append(out, c.Param)
		}
	}
	return out
}

// Bind returns a copy of q with every Param resolved from vars.
func (q Query) Bind(vars map[string]any) (Query, error) {
	bound := Query{Collection: q.Collection, Limit: q.Limit, Filter: make(Filter, len(q.Filter))}
	for i, c := range q.Filter {
		if c.Param != "" {
			v, ok := vars[c.Param]
			if !ok {
				return Query{}, fmt.Errorf("bind variable %q is not set", c.Param)
			}
			c.Value = v
			c.Param = ""
		}
		c.Path = append([]string(nil), c.Path...)
		bound.Filter[i] = c
	}
	if err := bound.Filter.Validate(); err != nil {
		return Query{}, err
	}
	return bound, nil
}

// Lookup walks path through nested objects.
func Lookup(doc Document, path []string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, segment := range path {
		obj, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asObject(v any) (map[string]any, bool) {
	switch o := v.(type) {
	case map[string]any:
		return o, true
	case Document:
		return o, true
	default:
		return nil, false
	}
}

// Compare orders two values. Numbers compare numerically and strings
// lexically; any other pair is only comparable for equality, reported by ok.
func Compare(a, b any) (cmp int, ok bool) {
	if fa, aNum := number(a); aNum {
		if fb, bNum := number(b); bNum {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if sa, aStr := a.(string); aStr {
		if sb, bStr := b.(string); bStr {
			return strings.Compare(sa, sb), true
		}
	}
	return 0, false
}

func compareOp(actual any, op Op, expected any) bool {
	cmp, ordered := Compare(actual, expected)
	switch op {
	case OpEq:
		if ordered {
			return cmp == 0
		}
		return equalNormalized(actual, expected)
	case OpNe:
		if ordered {
			return cmp != 0
		}
		return !equalNormalized(actual, expected)
	case OpGt:
		return ordered && cmp > 0
	case OpGte:
		return ordered && cmp >= 0
	case OpLt:
		return ordered && cmp < 0
	case OpLte:
		return ordered && cmp <= 0
	default:
		return false
	}
}

func equalNormalized(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	na, errA := Normalize(map[string]any{"v": a})
	nb, errB := Normalize(map[string]any{"v": b})
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na["v"], nb["v"])
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
