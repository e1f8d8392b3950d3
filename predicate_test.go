// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tagindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredicate_Equal(t *testing.T) {
	p := Equal("app", "foo")
	require.Equal(t, "app", p.Key())
	require.True(t, p.Matches("foo"))
	require.False(t, p.Matches("foobar"))
	require.False(t, p.MatchesMissing())
	require.Equal(t, "foo", p.Prefix())
	require.Equal(t, "app==foo", p.String())
}

func TestPredicate_Has(t *testing.T) {
	p := Has("zone")
	require.True(t, p.Matches(""))
	require.True(t, p.Matches("anything"))
	require.False(t, p.MatchesMissing())
	require.Equal(t, "", p.Prefix())
}

func TestPredicate_NotEqual(t *testing.T) {
	p := NotEqual("region", "us")
	require.True(t, p.Matches("eu"))
	require.False(t, p.Matches("us"))
	require.True(t, p.MatchesMissing(), "not-equal is satisfied by an absent key")
	require.Equal(t, "", p.Prefix())
}

func TestPredicate_In(t *testing.T) {
	p := In("dev", "sdb", "sda", "sdb")
	require.Equal(t, []string{"sda", "sdb"}, p.Values())
	require.Equal(t, "sd", p.Prefix())
	require.True(t, p.Matches("sda"))
	require.True(t, p.Matches("sdb"))
	require.False(t, p.Matches("sdc"))
	require.False(t, p.MatchesMissing())
	require.Equal(t, "dev in (sda,sdb)", p.String())

	empty := In("dev")
	require.False(t, empty.Matches("sda"))
	require.Equal(t, "", empty.Prefix())

	single := In("dev", "sda")
	require.Equal(t, "sda", single.Prefix())
}

func TestPredicate_Regex(t *testing.T) {
	p := MustRegex("name", "^disk.*")
	require.Equal(t, "disk", p.Prefix())
	require.True(t, p.Matches("disk.read"))
	require.True(t, p.MatchesAfterPrefix("disk.read"))
	require.False(t, p.Matches("network"))
	require.False(t, p.MatchesMissing())

	_, err := Regex("name", "^(unbalanced")
	require.Error(t, err)
	require.Panics(t, func() { MustRegex("name", "^(unbalanced") })
}

func TestPredicate_RegexLiteralPrefix(t *testing.T) {
	cases := []struct {
		pattern string
		want    string
	}{
		{"^disk.*", "disk"},
		{"^disk$", "disk"},
		{"^a[bc]d", "a"},
		{"disk", ""},     // unanchored, match can start anywhere
		{"^(?i)abc", ""}, // case folding defeats the literal prefix
		{"^", ""},
		{".*", ""},
	}
	for _, c := range cases {
		if got := literalPrefix(c.pattern); got != c.want {
			t.Fatalf("bad: literalPrefix(%q) = %q, want %q", c.pattern, got, c.want)
		}
	}
}

func TestPredicate_Compare(t *testing.T) {
	gt := GreaterThan("v", "m")
	require.True(t, gt.Matches("n"))
	require.False(t, gt.Matches("m"))
	require.False(t, gt.Matches("a"))

	ge := GreaterThanEqual("v", "m")
	require.True(t, ge.Matches("m"))

	lt := LessThan("v", "m")
	require.True(t, lt.Matches("a"))
	require.False(t, lt.Matches("m"))

	le := LessThanEqual("v", "m")
	require.True(t, le.Matches("m"))
	require.False(t, le.Matches("n"))

	for _, p := range []KeyPredicate{gt, ge, lt, le} {
		require.False(t, p.MatchesMissing())
		require.Equal(t, "", p.Prefix())
	}
	require.Equal(t, "v>m", gt.String())
	require.Equal(t, "v>=m", ge.String())
	require.Equal(t, "v<m", lt.String())
	require.Equal(t, "v<=m", le.String())
}

func TestPredicate_Composite(t *testing.T) {
	re := MustRegex("app", "^foo.*")
	ne := NotEqual("app", "foo2")
	p := newComposite("app", []KeyPredicate{re, ne})

	require.Equal(t, "app", p.Key())
	require.True(t, p.Matches("foo1"))
	require.False(t, p.Matches("foo2"))
	require.False(t, p.Matches("bar"))
	require.False(t, p.MatchesMissing(), "regex member is not satisfied by absence")
	require.Equal(t, "foo", p.Prefix(), "composite takes the longest member prefix")

	// member order does not affect the canonical form
	q := newComposite("app", []KeyPredicate{ne, re})
	require.Equal(t, p.String(), q.String())

	allMissing := newComposite("app", []KeyPredicate{NotEqual("app", "a"), NotEqual("app", "b")})
	require.True(t, allMissing.MatchesMissing())
}

func TestPredicate_Identity(t *testing.T) {
	id := NewID("cpu", map[string]string{"zone": "a", "app": "foo", "name": "ignored"})
	require.Equal(t, 3, id.Size())
	require.Equal(t, "name", id.KeyAt(0))
	require.Equal(t, "cpu", id.ValueAt(0))
	require.Equal(t, "app", id.KeyAt(1))
	require.Equal(t, "zone", id.KeyAt(2))
	require.Equal(t, "cpu", id.Name())
	require.Equal(t, "cpu,app=foo,zone=a", id.String())

	lookup := LookupFromIdentity(id)
	v, ok := lookup("zone")
	require.True(t, ok)
	require.Equal(t, "a", v)
	_, ok = lookup("host")
	require.False(t, ok)
}

func TestPredicate_CompareKeys(t *testing.T) {
	require.Equal(t, 0, compareKeys("app", "app"))
	require.Equal(t, -1, compareKeys("name", "aaa"))
	require.Equal(t, 1, compareKeys("aaa", "name"))
	if compareKeys("app", "zone") >= 0 {
		t.Fatalf("bad: app should sort before zone")
	}
}
