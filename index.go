// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tagindex provides an index mapping boolean tag queries to
// values, answering "which registered queries match this identity" in
// roughly O(len(identity)) instead of a scan over all queries. It is
// built for the hot path of a metrics publisher that must pick, for
// every emitted measurement, the subscribers whose filter expressions
// are satisfied.
package tagindex

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// QueryIndex is a node of the decision tree; the root node is the
// index. Queries are expanded to disjunctive normal form on insert and
// each conjunction is threaded through the tree one tag key per level,
// "name" first, remaining keys in lexicographic order.
//
// Any number of goroutines may match and inspect the index while a
// single goroutine mutates it; concurrent mutation is not supported and
// must be serialized by the caller. A reader that overlaps a mutation
// may or may not observe it, but never sees a partially built node.
type QueryIndex[V comparable] struct {
	cacheSupplier CacheSupplier[V]

	// key is the tag key examined at this node. Assigned once by the
	// first insertion that reaches the node, then never changed.
	key atomic.Pointer[string]

	// equalChecks maps a tag value to the sub-index for conjunctions
	// that pin this key to exactly that value.
	equalChecks sync.Map // string -> *QueryIndex[V]

	// otherChecks maps a predicate's canonical form to the predicate
	// and the sub-index for conjunctions guarded by it. Everything that
	// is neither an equality nor a bare has-key check lands here.
	otherChecks sync.Map // string -> *otherCheck[V]

	// otherChecksTree prunes otherChecks candidates by literal prefix
	// before any predicate is evaluated.
	otherChecksTree *PrefixTree

	// otherChecksCache memoizes, per probed value, which otherChecks
	// sub-indices applied. A lossy memo, not a source of truth: cleared
	// wholesale whenever the predicate set changes.
	otherChecksCache Cache[string, []*QueryIndex[V]]

	// hasKeyIdx holds conjunctions satisfied by the key merely being
	// present. missingKeysIdx holds conjunctions whose next predicate
	// is satisfied when the key is absent. otherKeysIdx holds
	// conjunctions whose next predicate is on a later key.
	hasKeyIdx      atomic.Pointer[QueryIndex[V]]
	otherKeysIdx   atomic.Pointer[QueryIndex[V]]
	missingKeysIdx atomic.Pointer[QueryIndex[V]]

	// matches holds the values of conjunctions fully consumed at this
	// level.
	matches sync.Map // V -> struct{}
}

type otherCheck[V comparable] struct {
	pred KeyPredicate
	idx  *QueryIndex[V]
}

// New is used to create an empty index with the given result cache
// supplier. The root examines the "name" tag.
func New[V comparable](supplier CacheSupplier[V]) *QueryIndex[V] {
	idx := newNode[V](supplier)
	idx.setKey(nameKey)
	return idx
}

// NewDefault is used to create an empty index with LRU result caches of
// a default size.
func NewDefault[V comparable]() *QueryIndex[V] {
	return New[V](LRUCacheSupplier[V](defaultCacheSize))
}

func newNode[V comparable](supplier CacheSupplier[V]) *QueryIndex[V] {
	return &QueryIndex[V]{
		cacheSupplier:    supplier,
		otherChecksTree:  NewPrefixTree(),
		otherChecksCache: supplier(),
	}
}

func (idx *QueryIndex[V]) nodeKey() (string, bool) {
	k := idx.key.Load()
	if k == nil {
		return "", false
	}
	return *k, true
}

func (idx *QueryIndex[V]) setKey(key string) {
	idx.key.Store(&key)
}

// Add registers value under the query and returns the index for
// chaining.
func (idx *QueryIndex[V]) Add(query Query, value V) *QueryIndex[V] {
	for _, clause := range DNF(query) {
		switch clause.(type) {
		case trueQuery:
			idx.matches.Store(value, struct{}{})
		case falseQuery:
			// matches nothing, skip
		default:
			preds := AndList(clause)
			sortPredicates(preds)
			idx.addSorted(preds, 0, value)
		}
	}
	return idx
}

// sortPredicates orders a conjunction the way identities are laid out:
// "name" first, then lexicographic by key. The sort is stable so that
// same-key predicates keep their relative order for folding.
func sortPredicates(preds []KeyPredicate) {
	sort.SliceStable(preds, func(i, j int) bool {
		return compareKeys(preds[i].Key(), preds[j].Key()) < 0
	})
}

// foldSameKey folds preds[i] together with any directly following
// predicates on the same key into a single predicate, returning it and
// the cursor past the folded run.
func foldSameKey(preds []KeyPredicate, i int) (KeyPredicate, int) {
	kq := preds[i]
	j := i + 1
	for j < len(preds) && preds[j].Key() == kq.Key() {
		j++
	}
	if j > i+1 {
		kq = newComposite(kq.Key(), preds[i:j])
	}
	return kq, j
}

func (idx *QueryIndex[V]) addSorted(preds []KeyPredicate, i int, value V) {
	if i == len(preds) {
		idx.matches.Store(value, struct{}{})
		return
	}
	kq, next := foldSameKey(preds, i)
	key, ok := idx.nodeKey()
	if !ok {
		key = kq.Key()
		idx.setKey(key)
	}
	if key != kq.Key() {
		// The next unresolved predicate is on a key that sorts after
		// this node's key; the whole remainder resolves at a later
		// level, so the cursor does not advance.
		idx.childOrCreate(&idx.otherKeysIdx).addSorted(preds, i, value)
		return
	}
	switch q := kq.(type) {
	case *EqualPredicate:
		child, ok := idx.equalChecks.Load(q.Value())
		if !ok {
			child = newNode[V](idx.cacheSupplier)
			idx.equalChecks.Store(q.Value(), child)
		}
		child.(*QueryIndex[V]).addSorted(preds, next, value)
	case *HasPredicate:
		idx.childOrCreate(&idx.hasKeyIdx).addSorted(preds, next, value)
	default:
		entry, ok := idx.otherChecks.Load(kq.String())
		if !ok {
			entry = &otherCheck[V]{pred: kq, idx: newNode[V](idx.cacheSupplier)}
			idx.otherChecks.Store(kq.String(), entry)
		}
		if idx.otherChecksTree.Put(kq) {
			idx.otherChecksCache.Clear()
		}
		entry.(*otherCheck[V]).idx.addSorted(preds, next, value)
		if kq.MatchesMissing() {
			// A predicate like NotEqual is also satisfied when the key
			// is entirely absent, so the remainder registers under the
			// missing-keys branch as well.
			idx.childOrCreate(&idx.missingKeysIdx).addSorted(preds, next, value)
		}
	}
}

// childOrCreate loads a distinguished child, creating and publishing it
// if absent. Mutation is single-writer so a plain store suffices; the
// atomic store is what makes the child visible to concurrent readers.
func (idx *QueryIndex[V]) childOrCreate(ptr *atomic.Pointer[QueryIndex[V]]) *QueryIndex[V] {
	child := ptr.Load()
	if child == nil {
		child = newNode[V](idx.cacheSupplier)
		ptr.Store(child)
	}
	return child
}

// Remove unregisters value from the query, pruning sub-indices that
// become empty. Returns true iff the index changed.
func (idx *QueryIndex[V]) Remove(query Query, value V) bool {
	removed := false
	for _, clause := range DNF(query) {
		switch clause.(type) {
		case trueQuery:
			if _, ok := idx.matches.LoadAndDelete(value); ok {
				removed = true
			}
		case falseQuery:
			// never registered
		default:
			preds := AndList(clause)
			sortPredicates(preds)
			if idx.removeSorted(preds, 0, value) {
				removed = true
			}
		}
	}
	return removed
}

func (idx *QueryIndex[V]) removeSorted(preds []KeyPredicate, i int, value V) bool {
	if i == len(preds) {
		_, ok := idx.matches.LoadAndDelete(value)
		return ok
	}
	kq, next := foldSameKey(preds, i)
	key, ok := idx.nodeKey()
	if !ok {
		return false
	}
	if key != kq.Key() {
		return idx.removeChild(&idx.otherKeysIdx, preds, i, value)
	}
	switch q := kq.(type) {
	case *EqualPredicate:
		v, ok := idx.equalChecks.Load(q.Value())
		if !ok {
			return false
		}
		child := v.(*QueryIndex[V])
		removed := child.removeSorted(preds, next, value)
		if removed && child.IsEmpty() {
			idx.equalChecks.Delete(q.Value())
		}
		return removed
	case *HasPredicate:
		return idx.removeChild(&idx.hasKeyIdx, preds, next, value)
	default:
		removed := false
		if v, ok := idx.otherChecks.Load(kq.String()); ok {
			entry := v.(*otherCheck[V])
			removed = entry.idx.removeSorted(preds, next, value)
			if removed && entry.idx.IsEmpty() {
				idx.otherChecks.Delete(kq.String())
				if idx.otherChecksTree.Remove(entry.pred) {
					idx.otherChecksCache.Clear()
				}
			}
		}
		if kq.MatchesMissing() {
			if idx.removeChild(&idx.missingKeysIdx, preds, next, value) {
				removed = true
			}
		}
		return removed
	}
}

func (idx *QueryIndex[V]) removeChild(ptr *atomic.Pointer[QueryIndex[V]], preds []KeyPredicate, i int, value V) bool {
	child := ptr.Load()
	if child == nil {
		return false
	}
	removed := child.removeSorted(preds, i, value)
	if removed && child.IsEmpty() {
		ptr.Store(nil)
	}
	return removed
}

// IsEmpty reports whether the index holds no values.
func (idx *QueryIndex[V]) IsEmpty() bool {
	if !syncMapEmpty(&idx.matches) {
		return false
	}
	empty := true
	idx.equalChecks.Range(func(_, v any) bool {
		empty = v.(*QueryIndex[V]).IsEmpty()
		return empty
	})
	if !empty {
		return false
	}
	idx.otherChecks.Range(func(_, v any) bool {
		empty = v.(*otherCheck[V]).idx.IsEmpty()
		return empty
	})
	if !empty {
		return false
	}
	for _, ptr := range []*atomic.Pointer[QueryIndex[V]]{&idx.hasKeyIdx, &idx.otherKeysIdx, &idx.missingKeysIdx} {
		if child := ptr.Load(); child != nil && !child.IsEmpty() {
			return false
		}
	}
	return true
}

func syncMapEmpty(m *sync.Map) bool {
	empty := true
	m.Range(func(_, _ any) bool {
		empty = false
		return false
	})
	return empty
}

// FindMatches materializes the values whose queries are satisfied by
// the identity.
func (idx *QueryIndex[V]) FindMatches(id Identity) []V {
	var result []V
	idx.ForEachMatch(id, func(v V) {
		result = append(result, v)
	})
	return result
}

// ForEachMatch streams the values whose queries are satisfied by the
// identity. Each value is yielded at most once per call even when
// several DNF branches accept the identity; no ordering is implied.
func (idx *QueryIndex[V]) ForEachMatch(id Identity, consumer func(V)) {
	idx.forEachMatchAt(id, 0, dedup(consumer))
}

// dedup wraps a consumer so repeated values are dropped.
func dedup[V comparable](consumer func(V)) func(V) {
	seen := make(map[V]struct{})
	return func(v V) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		consumer(v)
	}
}

func (idx *QueryIndex[V]) yieldMatches(consumer func(V)) {
	idx.matches.Range(func(k, _ any) bool {
		consumer(k.(V))
		return true
	})
}

func (idx *QueryIndex[V]) forEachMatchAt(id Identity, cursor int, consumer func(V)) {
	idx.yieldMatches(consumer)
	key, ok := idx.nodeKey()
	if !ok {
		return
	}
	keyPresent := false
	for j := cursor; j < id.Size(); j++ {
		cmp := compareKeys(id.KeyAt(j), key)
		if cmp > 0 {
			// Tags are sorted; the key cannot appear later.
			break
		}
		if cmp < 0 {
			continue
		}
		keyPresent = true
		v := id.ValueAt(j)
		if child, ok := idx.equalChecks.Load(v); ok {
			child.(*QueryIndex[V]).forEachMatchAt(id, j+1, consumer)
		}
		idx.forOtherMatches(v, func(child *QueryIndex[V]) {
			child.forEachMatchAt(id, j+1, consumer)
		})
		if has := idx.hasKeyIdx.Load(); has != nil {
			// Entered at j, not j+1: the has-key sub-tree may examine
			// the same tag position again.
			has.forEachMatchAt(id, j, consumer)
		}
		break
	}
	if other := idx.otherKeysIdx.Load(); other != nil {
		// Keys on some later tag; re-scan from the same cursor.
		other.forEachMatchAt(id, cursor, consumer)
	}
	if !keyPresent {
		if missing := idx.missingKeysIdx.Load(); missing != nil {
			missing.forEachMatchAt(id, cursor, consumer)
		}
	}
}

// forOtherMatches invokes f with the sub-index of every other-check
// predicate that applies to the value, filling or consulting the
// per-node memo. On a miss the prefix tree prunes the candidates before
// any predicate is evaluated, so only plausible regex and membership
// checks run.
func (idx *QueryIndex[V]) forOtherMatches(value string, f func(*QueryIndex[V])) {
	if cached, ok := idx.otherChecksCache.Get(value); ok {
		for _, child := range cached {
			f(child)
		}
		return
	}
	applicable := make([]*QueryIndex[V], 0, 4)
	idx.otherChecksTree.ForEach(value, func(kq KeyPredicate) {
		if !otherCheckApplies(kq, value) {
			return
		}
		if v, ok := idx.otherChecks.Load(kq.String()); ok {
			child := v.(*otherCheck[V]).idx
			applicable = append(applicable, child)
			f(child)
		}
	})
	idx.otherChecksCache.Put(value, applicable)
}

// otherCheckApplies evaluates an other-check candidate after the prefix
// tree verified its literal prefix, so regex predicates skip straight
// to the engine.
func otherCheckApplies(kq KeyPredicate, value string) bool {
	switch q := kq.(type) {
	case *RegexPredicate:
		return q.MatchesAfterPrefix(value)
	default:
		return kq.Matches(value)
	}
}

// FindMatchesLookup materializes the matches for an unordered tag set.
func (idx *QueryIndex[V]) FindMatchesLookup(lookup TagsLookup) []V {
	var result []V
	idx.ForEachMatchLookup(lookup, func(v V) {
		result = append(result, v)
	})
	return result
}

// ForEachMatchLookup streams the matches for an unordered tag set,
// deduplicated as with ForEachMatch. The lookup must be consistent for
// the duration of the call.
func (idx *QueryIndex[V]) ForEachMatchLookup(lookup TagsLookup, consumer func(V)) {
	idx.forEachMatchLookup(lookup, dedup(consumer))
}

func (idx *QueryIndex[V]) forEachMatchLookup(lookup TagsLookup, consumer func(V)) {
	idx.yieldMatches(consumer)
	key, ok := idx.nodeKey()
	if !ok {
		return
	}
	v, keyPresent := lookup(key)
	if keyPresent {
		if child, ok := idx.equalChecks.Load(v); ok {
			child.(*QueryIndex[V]).forEachMatchLookup(lookup, consumer)
		}
		idx.forOtherMatches(v, func(child *QueryIndex[V]) {
			child.forEachMatchLookup(lookup, consumer)
		})
		if has := idx.hasKeyIdx.Load(); has != nil {
			has.forEachMatchLookup(lookup, consumer)
		}
	}
	if other := idx.otherKeysIdx.Load(); other != nil {
		other.forEachMatchLookup(lookup, consumer)
	}
	if !keyPresent {
		if missing := idx.missingKeysIdx.Load(); missing != nil {
			missing.forEachMatchLookup(lookup, consumer)
		}
	}
}

// CouldMatch reports whether some registered query could still match
// once the tags absent from the partial lookup are supplied. It may
// over-accept but never under-accepts: if a full tag set extending the
// lookup would match anything, CouldMatch returns true. Useful to
// short-circuit expensive upstream transformations.
func (idx *QueryIndex[V]) CouldMatch(lookup TagsLookup) bool {
	if !syncMapEmpty(&idx.matches) {
		return true
	}
	key, ok := idx.nodeKey()
	if !ok {
		if other := idx.otherKeysIdx.Load(); other != nil && other.CouldMatch(lookup) {
			return true
		}
		if missing := idx.missingKeysIdx.Load(); missing != nil && missing.CouldMatch(lookup) {
			return true
		}
		return false
	}
	v, keyPresent := lookup(key)
	if !keyPresent {
		// The caller has not supplied this key yet, so nothing can be
		// ruled out.
		return true
	}
	if child, ok := idx.equalChecks.Load(v); ok && child.(*QueryIndex[V]).CouldMatch(lookup) {
		return true
	}
	if idx.otherChecksTree.Exists(v, func(kq KeyPredicate) bool {
		if !otherCheckCouldApply(kq, v) {
			return false
		}
		e, ok := idx.otherChecks.Load(kq.String())
		return ok && e.(*otherCheck[V]).idx.CouldMatch(lookup)
	}) {
		return true
	}
	if has := idx.hasKeyIdx.Load(); has != nil && has.CouldMatch(lookup) {
		return true
	}
	if other := idx.otherKeysIdx.Load(); other != nil && other.CouldMatch(lookup) {
		return true
	}
	return false
}

// otherCheckCouldApply is the permissive variant used by CouldMatch:
// regex evaluation is deferred to the real matcher, the prefix check
// having already happened in the tree walk.
func otherCheckCouldApply(kq KeyPredicate, value string) bool {
	switch kq.(type) {
	case *InPredicate, *RegexPredicate:
		return true
	default:
		return kq.Matches(value)
	}
}

// FindHotSpots walks the tree and reports every node whose other-checks
// set exceeds the threshold, with a breadcrumb path describing how the
// node is reached. An offline diagnostic for finding query populations
// that defeat the prefix pre-filter.
func (idx *QueryIndex[V]) FindHotSpots(threshold int, consumer func(path []string, predicates []KeyPredicate)) {
	idx.findHotSpots(threshold, nil, consumer)
}

func (idx *QueryIndex[V]) findHotSpots(threshold int, path []string, consumer func(path []string, predicates []KeyPredicate)) {
	key, hasKey := idx.nodeKey()
	if hasKey {
		path = append(path, "K="+key)
	}
	preds := idx.otherCheckPredicates()
	if len(preds) > threshold {
		consumer(append([]string(nil), path...), preds)
	}
	for _, v := range sortedKeys(&idx.equalChecks) {
		if child, ok := idx.equalChecks.Load(v); ok {
			child.(*QueryIndex[V]).findHotSpots(threshold, append(path, key+","+v+",:eq"), consumer)
		}
	}
	for _, id := range sortedKeys(&idx.otherChecks) {
		if e, ok := idx.otherChecks.Load(id); ok {
			e.(*otherCheck[V]).idx.findHotSpots(threshold, append(path, "other-checks"), consumer)
		}
	}
	if has := idx.hasKeyIdx.Load(); has != nil {
		has.findHotSpots(threshold, append(path, "has"), consumer)
	}
	if other := idx.otherKeysIdx.Load(); other != nil {
		other.findHotSpots(threshold, append(path, "other-keys"), consumer)
	}
	if missing := idx.missingKeysIdx.Load(); missing != nil {
		missing.findHotSpots(threshold, append(path, "missing-keys"), consumer)
	}
}

func (idx *QueryIndex[V]) otherCheckPredicates() []KeyPredicate {
	var preds []KeyPredicate
	idx.otherChecks.Range(func(_, v any) bool {
		preds = append(preds, v.(*otherCheck[V]).pred)
		return true
	})
	sort.Slice(preds, func(i, j int) bool { return preds[i].String() < preds[j].String() })
	return preds
}

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// String renders an indented dump of the tree. The format is
// informational only.
func (idx *QueryIndex[V]) String() string {
	var b strings.Builder
	idx.dump(&b, "")
	return b.String()
}

func (idx *QueryIndex[V]) dump(b *strings.Builder, indent string) {
	if key, ok := idx.nodeKey(); ok {
		fmt.Fprintf(b, "%skey: %s\n", indent, key)
	}
	if keys := sortedKeys(&idx.equalChecks); len(keys) > 0 {
		fmt.Fprintf(b, "%sequal checks:\n", indent)
		for _, v := range keys {
			if child, ok := idx.equalChecks.Load(v); ok {
				fmt.Fprintf(b, "%s- %s\n", indent, v)
				child.(*QueryIndex[V]).dump(b, indent+"    ")
			}
		}
	}
	if ids := sortedKeys(&idx.otherChecks); len(ids) > 0 {
		fmt.Fprintf(b, "%sother checks:\n", indent)
		for _, id := range ids {
			if e, ok := idx.otherChecks.Load(id); ok {
				fmt.Fprintf(b, "%s- %s\n", indent, id)
				e.(*otherCheck[V]).idx.dump(b, indent+"    ")
			}
		}
	}
	if has := idx.hasKeyIdx.Load(); has != nil {
		fmt.Fprintf(b, "%shas key:\n", indent)
		has.dump(b, indent+"    ")
	}
	if other := idx.otherKeysIdx.Load(); other != nil {
		fmt.Fprintf(b, "%sother keys:\n", indent)
		other.dump(b, indent+"    ")
	}
	if missing := idx.missingKeysIdx.Load(); missing != nil {
		fmt.Fprintf(b, "%smissing keys:\n", indent)
		missing.dump(b, indent+"    ")
	}
	var vals []string
	idx.matches.Range(func(k, _ any) bool {
		vals = append(vals, fmt.Sprint(k))
		return true
	})
	if len(vals) > 0 {
		sort.Strings(vals)
		fmt.Fprintf(b, "%smatches:\n", indent)
		for _, v := range vals {
			fmt.Fprintf(b, "%s- %s\n", indent, v)
		}
	}
}
