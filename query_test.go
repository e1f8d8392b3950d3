// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tagindex

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func clauseStrings(q Query) []string {
	clauses := DNF(q)
	out := make([]string, len(clauses))
	for i, c := range clauses {
		out[i] = c.String()
	}
	sort.Strings(out)
	return out
}

func TestQuery_ConstructorFolds(t *testing.T) {
	eq := Equal("app", "foo")

	require.Equal(t, eq, And(True(), eq))
	require.Equal(t, eq, And(eq, True()))
	require.Equal(t, False(), And(False(), eq))
	require.Equal(t, eq, Or(False(), eq))
	require.Equal(t, True(), Or(eq, True()))
	require.Equal(t, False(), Not(True()))
	require.Equal(t, True(), Not(False()))
	require.Equal(t, Query(eq), Not(Not(eq)))
}

func TestQuery_DNFDistributes(t *testing.T) {
	q := And(Equal("name", "cpu"), Or(Equal("app", "foo"), Equal("app", "bar")))
	got := clauseStrings(q)
	want := []string{
		"(name==cpu) and (app==bar)",
		"(name==cpu) and (app==foo)",
	}
	require.Equal(t, want, got)
}

func TestQuery_DNFDeMorgan(t *testing.T) {
	a := Equal("app", "foo")
	b := Equal("region", "us")

	got := clauseStrings(Not(Or(a, b)))
	require.Equal(t, []string{"(app!=foo) and (region!=us)"}, got)

	got = clauseStrings(Not(And(a, b)))
	require.Equal(t, []string{"app!=foo", "region!=us"}, got)
}

func TestQuery_DNFNegatedLeaves(t *testing.T) {
	cases := []struct {
		q    Query
		want string
	}{
		{Not(Equal("app", "foo")), "app!=foo"},
		{Not(NotEqual("app", "foo")), "app==foo"},
		{Not(GreaterThan("v", "5")), "!(v>5)"},
		{Not(LessThanEqual("v", "5")), "!(v<=5)"},
		{Not(Has("zone")), "!(has(zone))"},
		{Not(In("dev", "sda", "sdb")), "!(dev in (sda,sdb))"},
	}
	for _, c := range cases {
		clauses := DNF(c.q)
		if len(clauses) != 1 || clauses[0].String() != c.want {
			t.Fatalf("bad: %s -> %v, want %s", c.q, clauses, c.want)
		}
	}
}

func TestQuery_DNFIdempotent(t *testing.T) {
	q := And(Equal("name", "cpu"), Or(NotEqual("app", "foo"), Has("zone")))
	once := DNF(q)
	var again []string
	for _, clause := range once {
		again = append(again, clauseStrings(clause)...)
	}
	sort.Strings(again)
	first := make([]string, len(once))
	for i, c := range once {
		first[i] = c.String()
	}
	sort.Strings(first)
	require.Equal(t, first, again)
}

func TestQuery_DNFConstants(t *testing.T) {
	require.Equal(t, []string{":true"}, clauseStrings(True()))
	require.Equal(t, []string{":false"}, clauseStrings(False()))
	require.Equal(t, []string{":false"}, clauseStrings(Not(True())))
}

func TestQuery_AndList(t *testing.T) {
	q := And(Equal("name", "cpu"), And(Equal("app", "foo"), NotEqual("region", "us")))
	preds := AndList(q)
	require.Len(t, preds, 3)

	require.Panics(t, func() {
		AndList(Or(Equal("a", "1"), Equal("b", "2")))
	})
}

func TestQuery_NegatedLeafMatchesComplement(t *testing.T) {
	leaves := []KeyPredicate{
		Equal("k", "v"),
		NotEqual("k", "v"),
		Has("k"),
		In("k", "a", "b"),
		MustRegex("k", "^a.*"),
		GreaterThan("k", "m"),
		LessThanEqual("k", "m"),
	}
	values := []string{"", "a", "ab", "b", "m", "n", "v", "z"}
	for _, p := range leaves {
		inv := invert(p)
		for _, v := range values {
			if p.Matches(v) == inv.Matches(v) {
				t.Fatalf("bad: %s and %s agree on %q", p, inv, v)
			}
		}
		require.NotEqual(t, p.MatchesMissing(), inv.MatchesMissing(), "%s", p)
		require.Equal(t, p.String(), invert(inv).String())
	}
}
