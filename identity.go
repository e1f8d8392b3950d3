// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tagindex

import (
	"sort"
	"strings"
)

const nameKey = "name"

// Identity is an ordered set of key/value tag pairs identifying a
// measurement. The "name" tag is always first; the remaining keys are
// unique and in lexicographic order.
type Identity interface {
	Size() int
	KeyAt(i int) string
	ValueAt(i int) string
}

// TagsLookup resolves a tag key to its value for callers that hold an
// unordered or partial tag set.
type TagsLookup func(key string) (string, bool)

// Tag is a single key/value pair of an identity.
type Tag struct {
	Key   string
	Value string
}

// ID is the concrete Identity used by the metrics publisher: a name
// plus a sorted tag list.
type ID struct {
	tags []Tag
}

// NewID builds an identity from a name and a tag map. A "name" entry in
// the map is ignored in favor of the name argument.
func NewID(name string, tags map[string]string) *ID {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if k != nameKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	id := &ID{tags: make([]Tag, 0, len(keys)+1)}
	id.tags = append(id.tags, Tag{Key: nameKey, Value: name})
	for _, k := range keys {
		id.tags = append(id.tags, Tag{Key: k, Value: tags[k]})
	}
	return id
}

// Name returns the value of the "name" tag.
func (id *ID) Name() string { return id.tags[0].Value }

func (id *ID) Size() int { return len(id.tags) }

func (id *ID) KeyAt(i int) string { return id.tags[i].Key }

func (id *ID) ValueAt(i int) string { return id.tags[i].Value }

func (id *ID) String() string {
	var b strings.Builder
	b.WriteString(id.tags[0].Value)
	for _, t := range id.tags[1:] {
		b.WriteByte(',')
		b.WriteString(t.Key)
		b.WriteByte('=')
		b.WriteString(t.Value)
	}
	return b.String()
}

// LookupFromIdentity adapts an ordered identity to the unordered lookup
// form.
func LookupFromIdentity(id Identity) TagsLookup {
	return func(key string) (string, bool) {
		for i := 0; i < id.Size(); i++ {
			if id.KeyAt(i) == key {
				return id.ValueAt(i), true
			}
		}
		return "", false
	}
}

// compareKeys orders tag keys the way identities are laid out: "name"
// sorts before everything else, the rest lexicographically. Insertion
// and traversal must agree on this order or lookups silently miss.
func compareKeys(a, b string) int {
	if a == b {
		return 0
	}
	if a == nameKey {
		return -1
	}
	if b == nameKey {
		return 1
	}
	return strings.Compare(a, b)
}
