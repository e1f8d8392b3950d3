// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tagindex

// Query is a boolean expression over the tags of an identity. Leaf
// queries are key predicates; True, False, And, Or and Not combine
// them. Queries are immutable once constructed.
type Query interface {
	String() string
	query()
}

type trueQuery struct{}

func (trueQuery) query() {}

func (trueQuery) String() string { return ":true" }

type falseQuery struct{}

func (falseQuery) query() {}

func (falseQuery) String() string { return ":false" }

// True returns the query that matches every identity.
func True() Query { return trueQuery{} }

// False returns the query that matches no identity.
func False() Query { return falseQuery{} }

// AndQuery is the conjunction of two sub-queries.
type AndQuery struct {
	Q1 Query
	Q2 Query
}

func (*AndQuery) query() {}

func (q *AndQuery) String() string {
	return "(" + q.Q1.String() + ") and (" + q.Q2.String() + ")"
}

// OrQuery is the disjunction of two sub-queries.
type OrQuery struct {
	Q1 Query
	Q2 Query
}

func (*OrQuery) query() {}

func (q *OrQuery) String() string {
	return "(" + q.Q1.String() + ") or (" + q.Q2.String() + ")"
}

// NotQuery is the negation of a sub-query.
type NotQuery struct {
	Q Query
}

func (*NotQuery) query() {}

func (q *NotQuery) String() string { return "not(" + q.Q.String() + ")" }

// And combines two queries into a conjunction, folding the constant
// queries away.
func And(q1, q2 Query) Query {
	if isFalse(q1) || isFalse(q2) {
		return False()
	}
	if isTrue(q1) {
		return q2
	}
	if isTrue(q2) {
		return q1
	}
	return &AndQuery{Q1: q1, Q2: q2}
}

// Or combines two queries into a disjunction, folding the constant
// queries away.
func Or(q1, q2 Query) Query {
	if isTrue(q1) || isTrue(q2) {
		return True()
	}
	if isFalse(q1) {
		return q2
	}
	if isFalse(q2) {
		return q1
	}
	return &OrQuery{Q1: q1, Q2: q2}
}

// Not negates a query. Double negation and the constant queries fold
// immediately; everything else is pushed toward the leaves during DNF
// expansion.
func Not(q Query) Query {
	switch v := q.(type) {
	case trueQuery:
		return False()
	case falseQuery:
		return True()
	case *NotQuery:
		return v.Q
	default:
		return &NotQuery{Q: q}
	}
}

func isTrue(q Query) bool {
	_, ok := q.(trueQuery)
	return ok
}

func isFalse(q Query) bool {
	_, ok := q.(falseQuery)
	return ok
}

// DNF expands a query to disjunctive normal form and returns the list
// of conjunctions. Each element is either True, False, a key predicate,
// or a nested And of key predicates. Expanding an already normalized
// query yields the same clauses.
func DNF(query Query) []Query {
	switch q := query.(type) {
	case *AndQuery:
		var result []Query
		for _, c1 := range DNF(q.Q1) {
			for _, c2 := range DNF(q.Q2) {
				result = append(result, And(c1, c2))
			}
		}
		return result
	case *OrQuery:
		return append(DNF(q.Q1), DNF(q.Q2)...)
	case *NotQuery:
		switch inner := q.Q.(type) {
		case *AndQuery:
			return DNF(Or(Not(inner.Q1), Not(inner.Q2)))
		case *OrQuery:
			return DNF(And(Not(inner.Q1), Not(inner.Q2)))
		case *NotQuery:
			return DNF(inner.Q)
		case trueQuery:
			return []Query{False()}
		case falseQuery:
			return []Query{True()}
		default:
			kp, ok := inner.(KeyPredicate)
			if !ok {
				panic("tagindex: negated query is not a key predicate")
			}
			return []Query{invert(kp)}
		}
	default:
		return []Query{query}
	}
}

// AndList flattens a conjunction produced by DNF into its key
// predicate leaves. Any other node shape is a programming error.
func AndList(conjunction Query) []KeyPredicate {
	var preds []KeyPredicate
	appendLeaves(&preds, conjunction)
	return preds
}

func appendLeaves(preds *[]KeyPredicate, q Query) {
	switch v := q.(type) {
	case *AndQuery:
		appendLeaves(preds, v.Q1)
		appendLeaves(preds, v.Q2)
	case KeyPredicate:
		*preds = append(*preds, v)
	default:
		panic("tagindex: conjunction contains a non-predicate clause: " + q.String())
	}
}
