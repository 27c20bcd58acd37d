// Package routing maps concrete topics to subscriber ids.
//
// The table keeps two indexes: an exact-topic map for patterns without
// wildcards and an insertion-ordered pattern list (indexed by a trie) for
// the rest. Readers load an immutable snapshot through an atomic pointer and
// never block. Writers serialise on a mutex and publish a new snapshot.
package routing

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sureshkrishnan-v/pulsebus/internal/topic"
	"github.com/sureshkrishnan-v/pulsebus/pkg/event"
)

type patternRoute struct {
	pattern topic.Pattern
	id      event.SubscriberID
}

type snapshot struct {
	exact    map[string][]event.SubscriberID
	patterns []patternRoute
	index    *topic.Trie
	version  uint64
}

func (s *snapshot) hasExact(topicName string, id event.SubscriberID) bool {
	return slices.Contains(s.exact[topicName], id)
}

func (s *snapshot) patternIndex(raw string, id event.SubscriberID) int {
	for i, r := range s.patterns {
		if r.id == id && r.pattern.String() == raw {
			return i
		}
	}
	return -1
}

// Table is the routing table. The zero value is not usable; call New.
type Table struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New creates an empty table.
func New() *Table {
	t := &Table{}
	t.snap.Store(&snapshot{
		exact: make(map[string][]event.SubscriberID),
		index: topic.NewTrie(),
	})
	return t
}

// AddExactRoute routes a concrete topic to id. Adding the same route twice
// is a no-op and returns false.
func (t *Table) AddExactRoute(topicName string, id event.SubscriberID) (bool, error) {
	if err := topic.ValidateTopic(topicName); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	if cur.hasExact(topicName, id) {
		return false, nil
	}
	next := cur.cloneExact()
	next.exact[topicName] = append(slices.Clip(cur.exact[topicName]), id)
	t.publish(next, cur)
	return true, nil
}

// AddPatternRoute routes a wildcard pattern to id. Exact patterns are
// rejected: they belong to the exact index.
func (t *Table) AddPatternRoute(p topic.Pattern, id event.SubscriberID) (bool, error) {
	if p.IsExact() {
		return false, &event.InvalidTopicError{Topic: p.String(), Reason: "pattern has no wildcard"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	if cur.patternIndex(p.String(), id) >= 0 {
		return false, nil
	}
	next := &snapshot{
		exact:    cur.exact,
		patterns: append(slices.Clip(cur.patterns), patternRoute{pattern: p, id: id}),
	}
	next.reindex()
	t.publish(next, cur)
	return true, nil
}

// AddRoute places the route in the index its pattern belongs to.
func (t *Table) AddRoute(p topic.Pattern, id event.SubscriberID) (bool, error) {
	if p.IsExact() {
		return t.AddExactRoute(p.String(), id)
	}
	return t.AddPatternRoute(p, id)
}

// RemoveRoute removes one route. It reports whether the route existed.
func (t *Table) RemoveRoute(pattern string, id event.SubscriberID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	if cur.hasExact(pattern, id) {
		next := cur.cloneExact()
		next.exact[pattern] = withoutID(cur.exact[pattern], id)
		if len(next.exact[pattern]) == 0 {
			delete(next.exact, pattern)
		}
		t.publish(next, cur)
		return true
	}
	i := cur.patternIndex(pattern, id)
	if i < 0 {
		return false
	}
	next := &snapshot{exact: cur.exact, patterns: slices.Delete(slices.Clone(cur.patterns), i, i+1)}
	next.reindex()
	t.publish(next, cur)
	return true
}

// RemoveSubscriber removes every route of id and returns how many were removed.
func (t *Table) RemoveSubscriber(id event.SubscriberID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snap.Load()
	removed := 0
	next := &snapshot{exact: make(map[string][]event.SubscriberID, len(cur.exact))}
	for k, ids := range cur.exact {
		kept := withoutID(ids, id)
		removed += len(ids) - len(kept)
		if len(kept) > 0 {
			next.exact[k] = kept
		}
	}
	for _, r := range cur.patterns {
		if r.id == id {
			removed++
			continue
		}
		next.patterns = append(next.patterns, r)
	}
	if removed == 0 {
		return 0
	}
	next.reindex()
	t.publish(next, cur)
	return removed
}

// FindSubscribers returns the ids routed to topicName: exact hits first, then
// pattern hits in insertion order, each id at most once.
func (t *Table) FindSubscribers(topicName string) []event.SubscriberID {
	s := t.snap.Load()
	exact := s.exact[topicName]

	var hits []int
	if s.index.Len() > 0 {
		hits = s.index.Match(nil, topicName)
	}
	if len(hits) == 0 {
		return slices.Clone(exact)
	}
	slices.Sort(hits)

	out := make([]event.SubscriberID, 0, len(exact)+len(hits))
	out = append(out, exact...)
	for _, i := range hits {
		id := s.patterns[i].id
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Routes returns the number of exact and pattern routes.
func (t *Table) Routes() (exact, patterns int) {
	s := t.snap.Load()
	for _, ids := range s.exact {
		exact += len(ids)
	}
	return exact, len(s.patterns)
}

// Version increments on every mutation.
func (t *Table) Version() uint64 { return t.snap.Load().version }

func (t *Table) publish(next, cur *snapshot) {
	if next.index == nil {
		next.index = cur.index
	}
	next.version = cur.version + 1
	t.snap.Store(next)
}

func (s *snapshot) cloneExact() *snapshot {
	exact := make(map[string][]event.SubscriberID, len(s.exact)+1)
	for k, v := range s.exact {
		exact[k] = v
	}
	return &snapshot{exact: exact, patterns: s.patterns, index: s.index}
}

func (s *snapshot) reindex() {
	s.index = topic.NewTrie()
	for i, r := range s.patterns {
		s.index.Insert(r.pattern, i)
	}
}

func withoutID(ids []event.SubscriberID, id event.SubscriberID) []event.SubscriberID {
	out := make([]event.SubscriberID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
