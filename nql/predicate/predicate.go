// Package predicate implements the predicate tree shared by filter queries,
// aggregate where-clauses, show where-clauses, and correlation side
// predicates: AND/OR/NOT composition over field/op/value leaves, including
// regex leaves.
package predicate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dajobe/nqlstream/nql/value"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEQ       Op = "=="
	OpNE       Op = "!="
	OpLT       Op = "<"
	OpLTE      Op = "<="
	OpGT       Op = ">"
	OpGTE      Op = ">="
	OpRegex    Op = "=~"
	OpNotRegex Op = "!~"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// Predicate is a node in the predicate tree.
type Predicate interface {
	// Eval evaluates the predicate against an event payload.
	Eval(m value.Map) bool
	// String renders the predicate back to nQL predicate syntax; combined
	// with Parse this gives the stringify/reparse round trip exercised by
	// tests.
	String() string
}

// And is a conjunction over any number of children. The parser builds one
// And per chain of AND-ed terms and never a single-child node; a bare single
// child is still legal and behaves as a pass-through.
type And struct {
	Children []Predicate
}

func (a *And) Eval(m value.Map) bool {
	for _, c := range a.Children {
		if !c.Eval(m) {
			return false
		}
	}
	return true
}

func (a *And) String() string {
	parts := make([]string, len(a.Children))
	for i, c := range a.Children {
		parts[i] = parenthesizeIfNeeded(c)
	}
	return strings.Join(parts, " AND ")
}

// Or is a disjunction over any number of children, built like And.
type Or struct {
	Children []Predicate
}

func (o *Or) Eval(m value.Map) bool {
	for _, c := range o.Children {
		if c.Eval(m) {
			return true
		}
	}
	return false
}

func (o *Or) String() string {
	parts := make([]string, len(o.Children))
	for i, c := range o.Children {
		parts[i] = parenthesizeIfNeeded(c)
	}
	return strings.Join(parts, " OR ")
}

// Not negates a single child.
type Not struct {
	Child Predicate
}

func (n *Not) Eval(m value.Map) bool {
	return !n.Child.Eval(m)
}

func (n *Not) String() string {
	return "NOT " + parenthesizeIfNeeded(n.Child)
}

func parenthesizeIfNeeded(p Predicate) string {
	switch p.(type) {
	case *And, *Or:
		return "(" + p.String() + ")"
	default:
		return p.String()
	}
}

// Leaf is a single `field op value` atom.
type Leaf struct {
	Field string
	Op    Op
	Value interface{} // string, int64, float64, bool, or []interface{} for `in`
	regex *regexp.Regexp
}

// NewRegexLeaf builds a regex leaf, compiling pattern with Unicode-aware full
// match semantics. A compile failure yields a Leaf whose Eval always returns
// false rather than propagating an error — regex compile failure degrades to
// a predicate that never matches.
func NewRegexLeaf(field string, op Op, pattern string) *Leaf {
	anchored := "^(?:" + pattern + ")$"
	re, err := regexp.Compile(anchored)
	if err != nil {
		re = nil
	}
	return &Leaf{Field: field, Op: op, Value: pattern, regex: re}
}

func (l *Leaf) Eval(m value.Map) bool {
	fieldVal, present := value.Lookup(m, l.Field)

	switch l.Op {
	case OpNE:
		if !present {
			// Missing fields evaluate to false for every op, including !=
			// (consistent with SQL NULL semantics).
			return false
		}
		return !valuesEqual(fieldVal, l.Value)
	case OpRegex, OpNotRegex:
		if !present {
			return false
		}
		s, ok := fieldVal.(string)
		if !ok {
			return false // regex ops return false for non-string field values
		}
		if l.regex == nil {
			return false
		}
		matched := l.regex.MatchString(s)
		if l.Op == OpNotRegex {
			return !matched
		}
		return matched
	}

	if !present {
		return false
	}

	switch l.Op {
	case OpEQ:
		return valuesEqual(fieldVal, l.Value)
	case OpLT, OpLTE, OpGT, OpGTE:
		return compareRelational(fieldVal, l.Value, l.Op)
	case OpIn:
		items, ok := l.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range items {
			if valuesEqual(fieldVal, item) {
				return true
			}
		}
		return false
	case OpContains:
		switch container := fieldVal.(type) {
		case string:
			needle, ok := l.Value.(string)
			return ok && strings.Contains(container, needle)
		case value.List:
			for _, item := range container {
				if valuesEqual(item, l.Value) {
					return true
				}
			}
			return false
		default:
			return false
		}
	default:
		return false
	}
}

func (l *Leaf) String() string {
	if l.Op == OpIn {
		items, _ := l.Value.([]interface{})
		parts := make([]string, len(items))
		for i, e := range items {
			parts[i] = formatLiteral(e)
		}
		return fmt.Sprintf("%s %s (%s)", l.Field, l.Op, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %s", l.Field, l.Op, formatLiteral(l.Value))
}

func formatLiteral(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "\"" + strings.ReplaceAll(t, "\"", "\\\"") + "\""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// valuesEqual compares two literal/field values for equality, applying
// numeric coercion (int64 vs float64 compare as reals) the same way
// compareRelational does.
func valuesEqual(a, b interface{}) bool {
	if af, aok := value.AsFloat(a); aok {
		if bf, bok := value.AsFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

// compareRelational implements <, <=, >, >= with real-valued coercion: if
// either side is a float64, both sides compare as reals.
func compareRelational(fieldVal, literal interface{}, op Op) bool {
	af, aok := value.AsFloat(fieldVal)
	bf, bok := value.AsFloat(literal)
	if aok && bok {
		return applyOp(af, bf, op)
	}

	as, aIsStr := fieldVal.(string)
	bs, bIsStr := literal.(string)
	if aIsStr && bIsStr {
		return applyOp(strings.Compare(as, bs), 0, op)
	}

	return false
}

func applyOp[T int | float64](a, b T, op Op) bool {
	switch op {
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	default:
		return false
	}
}
