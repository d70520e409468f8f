// Package cache holds the per-view entity collections: ordered, keyed by
// id, and tolerant of optimistic entries that have not been confirmed by
// the backend yet. A cache is a projection of remote state, never the
// source of truth.
package cache

import (
	"sort"
	"sync"

	"social/internal/models"
)

type Ordering int

const (
	// NewestFirst: feed listing, notifications.
	NewestFirst Ordering = iota
	// OldestFirst: message transcripts, new arrivals append at the end.
	OldestFirst
)

type View struct {
	mu      sync.Mutex
	order   Ordering
	items   []models.Entity
	pending map[string]struct{}
}

func New(order Ordering) *View {
	return &View{order: order, pending: make(map[string]struct{})}
}

// before reports whether a sorts ahead of b under the view's ordering.
// Ties break on id so ordering is total and stable across replays.
func (v *View) before(a, b models.Entity) bool {
	ta, tb := models.CreatedAt(a), models.CreatedAt(b)
	if !ta.Equal(tb) {
		if v.order == NewestFirst {
			return ta.After(tb)
		}
		return ta.Before(tb)
	}
	return a.EntityID() < b.EntityID()
}

// Replace refreshes the cache from a full query result, preserving
// pending optimistic entries that the result does not cover.
func (v *View) Replace(records []models.Entity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	keep := make([]models.Entity, 0, len(records)+len(v.pending))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.EntityID()]; dup {
			continue
		}
		seen[r.EntityID()] = struct{}{}
		keep = append(keep, r)
	}
	for _, it := range v.items {
		id := it.EntityID()
		if _, isPending := v.pending[id]; !isPending {
			continue
		}
		if _, covered := seen[id]; covered {
			delete(v.pending, id)
			continue
		}
		keep = append(keep, it)
	}
	sort.SliceStable(keep, func(i, j int) bool { return v.before(keep[i], keep[j]) })
	v.items = keep
}

// Upsert inserts the record at its sort position, or replaces in place if
// the id is already present. Replacing clears any pending mark: an upsert
// of an authoritative record over a provisional one is a confirmation.
func (v *View) Upsert(e models.Entity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upsertLocked(e)
	delete(v.pending, e.EntityID())
}

// UpsertPending applies an optimistic provisional record.
func (v *View) UpsertPending(e models.Entity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upsertLocked(e)
	v.pending[e.EntityID()] = struct{}{}
}

func (v *View) upsertLocked(e models.Entity) {
	id := e.EntityID()
	for i, it := range v.items {
		if it.EntityID() == id {
			v.items[i] = e
			// timestamps are immutable after insert, position is unchanged
			return
		}
	}
	i := sort.Search(len(v.items), func(i int) bool { return v.before(e, v.items[i]) })
	v.items = append(v.items, nil)
	copy(v.items[i+1:], v.items[i:])
	v.items[i] = e
}

// Confirm swaps a provisional record for its authoritative counterpart.
// Idempotent: confirming an already-reconciled write is a plain upsert.
func (v *View) Confirm(provisionalID string, authoritative models.Entity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if provisionalID != authoritative.EntityID() {
		v.removeLocked(provisionalID)
	}
	v.upsertLocked(authoritative)
	delete(v.pending, provisionalID)
	delete(v.pending, authoritative.EntityID())
}

func (v *View) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(id)
	delete(v.pending, id)
}

func (v *View) removeLocked(id string) {
	for i, it := range v.items {
		if it.EntityID() == id {
			v.items = append(v.items[:i], v.items[i+1:]...)
			return
		}
	}
}

func (v *View) Get(id string) (models.Entity, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range v.items {
		if it.EntityID() == id {
			return it, true
		}
	}
	return nil, false
}

// Items returns a snapshot copy in display order.
func (v *View) Items() []models.Entity {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Entity, len(v.items))
	copy(out, v.items)
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

// Clear drops everything, pending included. Used on session teardown.
func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = nil
	v.pending = make(map[string]struct{})
}
