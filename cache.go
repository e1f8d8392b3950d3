// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tagindex

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the bounded associative memoizer each index node uses for
// its other-checks results. The eviction policy is opaque to the index;
// entries may vanish at any time. Implementations must be safe for
// concurrent use.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
	Clear()
}

// CacheSupplier manufactures the per-node result cache.
type CacheSupplier[V comparable] func() Cache[string, []*QueryIndex[V]]

const defaultCacheSize = 1000

// LRUCacheSupplier returns a supplier backed by a bounded LRU cache of
// the given size. The supplier panics when invoked if size is not
// positive.
func LRUCacheSupplier[V comparable](size int) CacheSupplier[V] {
	return func() Cache[string, []*QueryIndex[V]] {
		c, err := lru.New[string, []*QueryIndex[V]](size)
		if err != nil {
			panic(err)
		}
		return &lruResultCache[V]{c: c}
	}
}

type lruResultCache[V comparable] struct {
	c *lru.Cache[string, []*QueryIndex[V]]
}

func (l *lruResultCache[V]) Get(key string) ([]*QueryIndex[V], bool) {
	return l.c.Get(key)
}

func (l *lruResultCache[V]) Put(key string, value []*QueryIndex[V]) {
	l.c.Add(key, value)
}

func (l *lruResultCache[V]) Clear() {
	l.c.Purge()
}
