// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tagindex

import (
	"regexp"
	"regexp/syntax"
	"sort"
	"strings"
)

// KeyPredicate is a boolean condition on a single tag key. The
// canonical form returned by String doubles as the structural identity
// of a predicate: two predicates are the same check iff their canonical
// forms are equal.
type KeyPredicate interface {
	Query

	// Key returns the tag key the predicate examines.
	Key() string

	// Matches reports whether the predicate accepts the given tag value.
	Matches(value string) bool

	// MatchesMissing reports whether the predicate is satisfied by the
	// key being absent from the tag map entirely.
	MatchesMissing() bool

	// Prefix returns a literal string every accepted value must begin
	// with. The empty string means no useful prefix exists.
	Prefix() string
}

// EqualPredicate accepts exactly one value.
type EqualPredicate struct {
	key   string
	value string
}

// Equal returns a predicate accepting identities whose tag key has
// exactly the given value.
func Equal(key, value string) *EqualPredicate {
	return &EqualPredicate{key: key, value: value}
}

func (*EqualPredicate) query() {}

func (p *EqualPredicate) Key() string { return p.key }

// Value returns the value the predicate compares against.
func (p *EqualPredicate) Value() string { return p.value }

func (p *EqualPredicate) Matches(value string) bool { return value == p.value }

func (p *EqualPredicate) MatchesMissing() bool { return false }

func (p *EqualPredicate) Prefix() string { return p.value }

func (p *EqualPredicate) String() string { return p.key + "==" + p.value }

// HasPredicate accepts any value as long as the key is present.
type HasPredicate struct {
	key string
}

// Has returns a predicate accepting identities that carry the tag key
// with any value.
func Has(key string) *HasPredicate {
	return &HasPredicate{key: key}
}

func (*HasPredicate) query() {}

func (p *HasPredicate) Key() string { return p.key }

func (p *HasPredicate) Matches(value string) bool { return true }

func (p *HasPredicate) MatchesMissing() bool { return false }

func (p *HasPredicate) Prefix() string { return "" }

func (p *HasPredicate) String() string { return "has(" + p.key + ")" }

// NotEqualPredicate accepts any value except one. It is also satisfied
// when the key is absent.
type NotEqualPredicate struct {
	key   string
	value string
}

// NotEqual returns a predicate accepting identities whose tag key is
// absent or has a value different from the given one.
func NotEqual(key, value string) *NotEqualPredicate {
	return &NotEqualPredicate{key: key, value: value}
}

func (*NotEqualPredicate) query() {}

func (p *NotEqualPredicate) Key() string { return p.key }

func (p *NotEqualPredicate) Matches(value string) bool { return value != p.value }

func (p *NotEqualPredicate) MatchesMissing() bool { return true }

func (p *NotEqualPredicate) Prefix() string { return "" }

func (p *NotEqualPredicate) String() string { return p.key + "!=" + p.value }

// InPredicate accepts any value from a fixed set.
type InPredicate struct {
	key    string
	values []string
	prefix string
}

// In returns a predicate accepting identities whose tag key has one of
// the given values. The value set is sorted and de-duplicated.
func In(key string, values ...string) *InPredicate {
	vs := make([]string, len(values))
	copy(vs, values)
	sort.Strings(vs)
	vs = dedupSorted(vs)
	return &InPredicate{key: key, values: vs, prefix: commonPrefix(vs)}
}

func (*InPredicate) query() {}

func (p *InPredicate) Key() string { return p.key }

// Values returns the sorted member values.
func (p *InPredicate) Values() []string { return p.values }

func (p *InPredicate) Matches(value string) bool {
	i := sort.SearchStrings(p.values, value)
	return i < len(p.values) && p.values[i] == value
}

func (p *InPredicate) MatchesMissing() bool { return false }

func (p *InPredicate) Prefix() string { return p.prefix }

func (p *InPredicate) String() string {
	return p.key + " in (" + strings.Join(p.values, ",") + ")"
}

func dedupSorted(vs []string) []string {
	out := vs[:0]
	for i, v := range vs {
		if i == 0 || vs[i-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// commonPrefix returns the longest common prefix of a sorted string
// slice. With the slice sorted it is the common prefix of the first and
// last elements.
func commonPrefix(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	first, last := vs[0], vs[len(vs)-1]
	i := 0
	for i < len(first) && i < len(last) && first[i] == last[i] {
		i++
	}
	return first[:i]
}

// RegexPredicate accepts values matching a regular expression. The
// literal prefix of an anchored pattern feeds the prefix-tree
// pre-filter so that the expensive regexp engine only runs on
// plausible values.
type RegexPredicate struct {
	key     string
	pattern string
	re      *regexp.Regexp
	prefix  string
}

// Regex returns a predicate accepting identities whose tag key value
// matches the pattern. The pattern uses the standard Go regexp syntax
// and is applied unanchored unless it anchors itself.
func Regex(key, pattern string) (*RegexPredicate, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexPredicate{
		key:     key,
		pattern: pattern,
		re:      re,
		prefix:  literalPrefix(pattern),
	}, nil
}

// MustRegex is like Regex but panics on an invalid pattern.
func MustRegex(key, pattern string) *RegexPredicate {
	p, err := Regex(key, pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func (*RegexPredicate) query() {}

func (p *RegexPredicate) Key() string { return p.key }

func (p *RegexPredicate) Matches(value string) bool {
	return strings.HasPrefix(value, p.prefix) && p.re.MatchString(value)
}

// MatchesAfterPrefix runs the regexp on a value whose literal prefix
// has already been verified by the prefix-tree walk.
func (p *RegexPredicate) MatchesAfterPrefix(value string) bool {
	return p.re.MatchString(value)
}

func (p *RegexPredicate) MatchesMissing() bool { return false }

func (p *RegexPredicate) Prefix() string { return p.prefix }

func (p *RegexPredicate) String() string { return p.key + "=~/" + p.pattern + "/" }

// literalPrefix extracts the literal string every value accepted by an
// anchored pattern must begin with. Unanchored patterns yield the empty
// prefix: their match may start anywhere in the value.
func literalPrefix(pattern string) string {
	parsed, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return ""
	}
	parsed = parsed.Simplify()
	subs := parsed.Sub
	if parsed.Op != syntax.OpConcat {
		subs = []*syntax.Regexp{parsed}
	}
	if len(subs) == 0 {
		return ""
	}
	if subs[0].Op != syntax.OpBeginText {
		return ""
	}
	var b strings.Builder
	for _, sub := range subs[1:] {
		if sub.Op != syntax.OpLiteral || sub.Flags&syntax.FoldCase != 0 {
			break
		}
		b.WriteString(string(sub.Rune))
	}
	return b.String()
}

type compareOp int

const (
	opGt compareOp = iota
	opGe
	opLt
	opLe
)

func (op compareOp) String() string {
	switch op {
	case opGt:
		return ">"
	case opGe:
		return ">="
	case opLt:
		return "<"
	default:
		return "<="
	}
}

func (op compareOp) eval(cmp int) bool {
	switch op {
	case opGt:
		return cmp > 0
	case opGe:
		return cmp >= 0
	case opLt:
		return cmp < 0
	default:
		return cmp <= 0
	}
}

// ComparePredicate accepts values ordered relative to a bound. Values
// compare lexicographically.
type ComparePredicate struct {
	key   string
	value string
	op    compareOp
}

// GreaterThan returns a predicate accepting values strictly greater
// than the bound.
func GreaterThan(key, value string) *ComparePredicate {
	return &ComparePredicate{key: key, value: value, op: opGt}
}

// GreaterThanEqual returns a predicate accepting values greater than or
// equal to the bound.
func GreaterThanEqual(key, value string) *ComparePredicate {
	return &ComparePredicate{key: key, value: value, op: opGe}
}

// LessThan returns a predicate accepting values strictly less than the
// bound.
func LessThan(key, value string) *ComparePredicate {
	return &ComparePredicate{key: key, value: value, op: opLt}
}

// LessThanEqual returns a predicate accepting values less than or equal
// to the bound.
func LessThanEqual(key, value string) *ComparePredicate {
	return &ComparePredicate{key: key, value: value, op: opLe}
}

func (*ComparePredicate) query() {}

func (p *ComparePredicate) Key() string { return p.key }

func (p *ComparePredicate) Matches(value string) bool {
	return p.op.eval(strings.Compare(value, p.value))
}

func (p *ComparePredicate) MatchesMissing() bool { return false }

func (p *ComparePredicate) Prefix() string { return "" }

func (p *ComparePredicate) String() string { return p.key + p.op.String() + p.value }

// NotPredicate complements a predicate that has no named dual. Only
// Equal and NotEqual invert to named forms; everything else, the
// ordering predicates included, inverts by wrapping so that the
// missing-key behavior complements as well (not(v>bound) must accept an
// absent key, which v<=bound would not).
type NotPredicate struct {
	pred KeyPredicate
}

func (*NotPredicate) query() {}

func (p *NotPredicate) Key() string { return p.pred.Key() }

// Inner returns the complemented predicate.
func (p *NotPredicate) Inner() KeyPredicate { return p.pred }

func (p *NotPredicate) Matches(value string) bool { return !p.pred.Matches(value) }

func (p *NotPredicate) MatchesMissing() bool { return !p.pred.MatchesMissing() }

func (p *NotPredicate) Prefix() string { return "" }

func (p *NotPredicate) String() string { return "!(" + p.pred.String() + ")" }

// CompositePredicate is the conjunction of several predicates on the
// same key. The index folds same-key predicates of a DNF clause into
// one composite so that a single tree level resolves them together.
type CompositePredicate struct {
	key    string
	preds  []KeyPredicate
	prefix string
}

func newComposite(key string, preds []KeyPredicate) *CompositePredicate {
	ps := make([]KeyPredicate, len(preds))
	copy(ps, preds)
	sort.Slice(ps, func(i, j int) bool { return ps[i].String() < ps[j].String() })
	prefix := ""
	for _, p := range ps {
		if len(p.Prefix()) > len(prefix) {
			prefix = p.Prefix()
		}
	}
	return &CompositePredicate{key: key, preds: ps, prefix: prefix}
}

func (*CompositePredicate) query() {}

func (p *CompositePredicate) Key() string { return p.key }

// Predicates returns the member predicates.
func (p *CompositePredicate) Predicates() []KeyPredicate { return p.preds }

func (p *CompositePredicate) Matches(value string) bool {
	for _, member := range p.preds {
		if !member.Matches(value) {
			return false
		}
	}
	return true
}

func (p *CompositePredicate) MatchesMissing() bool {
	for _, member := range p.preds {
		if !member.MatchesMissing() {
			return false
		}
	}
	return true
}

func (p *CompositePredicate) Prefix() string { return p.prefix }

func (p *CompositePredicate) String() string {
	parts := make([]string, len(p.preds))
	for i, member := range p.preds {
		parts[i] = member.String()
	}
	return "(" + strings.Join(parts, " && ") + ")"
}

// invert returns the complement of a key predicate, preferring named
// duals over a NotPredicate wrapper.
func invert(p KeyPredicate) KeyPredicate {
	switch q := p.(type) {
	case *EqualPredicate:
		return NotEqual(q.key, q.value)
	case *NotEqualPredicate:
		return Equal(q.key, q.value)
	case *NotPredicate:
		return q.pred
	default:
		return &NotPredicate{pred: p}
	}
}
