// Package topic holds the in-memory state of a replicated topic: named maps
// and lists of entries, the change commands that mutate them, and snapshots.
//
// A Topic keeps two copies of its data. The confirmed state is exactly the
// prefix of the topic's event log applied so far. The view is the confirmed
// state with this process's not-yet-replicated changes applied on top; it is
// what readers and listeners observe. Local changes are applied to the view
// immediately. When a replicated event arrives the confirmed state advances
// and, if the event did not come from this process in order, the affected
// collections of the view are rebuilt and only real differences are emitted.
// Every process therefore converges on the log order.
package topic

import (
	"sync"
	"time"

	"github.com/ggoodman/topicsync/internal/fanout"
	"github.com/ggoodman/topicsync/value"
)

type pendingChange struct {
	id     string
	change Change
}

// Topic is a replicated shared-state container. It is safe for concurrent
// use; applying a change and handing its events to listeners is atomic with
// respect to other changes on the same Topic.
type Topic struct {
	id string

	mu            sync.Mutex
	confirmed     *state
	view          *state
	pending       []pendingChange
	dirty         map[collection]struct{}
	lastConfirmed string
	members       []string

	listeners fanout.Set[Listener]
}

// New returns an empty topic.
func New(id string) *Topic {
	return &Topic{
		id:        id,
		confirmed: newState(),
		view:      newState(),
		dirty:     make(map[collection]struct{}),
	}
}

// ID returns the topic id.
func (t *Topic) ID() string { return t.id }

// Subscribe registers l for every event emitted after Subscribe returns.
func (t *Topic) Subscribe(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners.Add(l)
}

// ApplyLocal applies a change originating in this process to the view. The
// change stays pending until ApplyReplicated sees the same trackingID. It
// reports whether the change took effect (false for a failed Replace or a
// ListRemove of a missing key). A non-nil error comes from listeners.
func (t *Topic) ApplyLocal(trackingID string, c Change) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Event
	ok := t.view.apply(c, func(ev Event) { events = append(events, ev) })
	t.pending = append(t.pending, pendingChange{id: trackingID, change: c})
	return ok, t.emitLocked(events)
}

// ApplyReplicated folds the event with trackingID into the confirmed state.
// Applying the same local change once optimistically and once on
// self-delivery has the effect of applying it exactly once.
func (t *Topic) ApplyReplicated(trackingID string, c Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.confirmed.apply(c, nil)
	t.lastConfirmed = trackingID

	if idx := t.pendingIndex(trackingID); idx >= 0 {
		t.pending = append(t.pending[:idx:idx], t.pending[idx+1:]...)
		if idx == 0 && len(t.dirty) == 0 {
			return nil
		}
		t.markDirty(c)
		return t.rebaseLocked()
	}

	if len(t.pending) == 0 && len(t.dirty) == 0 {
		var events []Event
		t.view.apply(c, func(ev Event) { events = append(events, ev) })
		return t.emitLocked(events)
	}
	t.markDirty(c)
	return t.rebaseLocked()
}

// Abandon drops a local change that could not be replicated and rolls its
// effect back from the view.
func (t *Topic) Abandon(trackingID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.pendingIndex(trackingID)
	if idx < 0 {
		return nil
	}
	c := t.pending[idx].change
	t.pending = append(t.pending[:idx:idx], t.pending[idx+1:]...)
	t.markDirty(c)
	return t.rebaseLocked()
}

// RemoveNode drops every entry scoped to a connection hosted on the node
// incarnation nodeID and forgets it as a member.
func (t *Topic) RemoveNode(nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, m := range t.members {
		if m == nodeID {
			t.members = append(t.members[:i:i], t.members[i+1:]...)
			break
		}
	}
	pred := func(e Entry) bool { return e.ScopeNode == nodeID }
	t.confirmed.removeWhere(pred, nil)
	var events []Event
	t.view.removeWhere(pred, func(ev Event) { events = append(events, ev) })
	return t.emitLocked(events)
}

// SetMembers replaces the known member nodes.
func (t *Topic) SetMembers(nodes []string) {
	t.mu.Lock()
	t.members = append([]string(nil), nodes...)
	t.mu.Unlock()
}

// Members returns the known member nodes.
func (t *Topic) Members() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.members...)
}

// Pending reports how many local changes await replication.
func (t *Topic) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// LastConfirmed returns the tracking id of the last replicated event applied.
func (t *Topic) LastConfirmed() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastConfirmed
}

// Get returns the entry stored under key in the named map.
func (t *Topic) Get(mapName, key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.get(mapName, key)
}

// Keys returns the present keys of the named map in sorted order. The
// result is unaffected by later mutations.
func (t *Topic) Keys(mapName string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.keys(mapName)
}

// MapEntries returns a copy of the named map.
func (t *Topic) MapEntries(mapName string) map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.mapCopy(mapName)
}

// ListEntries returns a copy of the named list in order.
func (t *Topic) ListEntries(listName string) []ListEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.listCopy(listName)
}

// Reader gives read access to a topic while its lock is held.
type Reader struct{ s *state }

func (r Reader) Keys(mapName string) []string { return r.s.keys(mapName) }
func (r Reader) MapEntries(mapName string) map[string]Entry { return r.s.mapCopy(mapName) }
func (r Reader) ListEntries(listName string) []ListEntry { return r.s.listCopy(listName) }
func (r Reader) Get(mapName, key string) (Entry, bool) { return r.s.get(mapName, key) }

// ScopeNodes returns the distinct node incarnations hosting connections
// that own entries in the confirmed state or the view.
func (t *Topic) ScopeNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	for _, s := range []*state{t.confirmed, t.view} {
		for _, m := range s.maps {
			for _, e := range m {
				if e.ScopeNode != "" {
					seen[e.ScopeNode] = struct{}{}
				}
			}
		}
		for _, l := range s.lists {
			for _, le := range l {
				if le.ScopeNode != "" {
					seen[le.ScopeNode] = struct{}{}
				}
			}
		}
	}
	return sortedKeys(seen)
}

// Read runs fn with the topic locked so that no change can be applied or
// emitted while fn runs. fn must not call other Topic methods.
func (t *Topic) Read(fn func(Reader)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(Reader{s: t.view})
}

// Expired returns the changes that remove every entry whose expiration is at
// most inactiveFor.
func (t *Topic) Expired(inactiveFor time.Duration) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := func(e Entry) bool { return e.Expiration > 0 && e.Expiration <= inactiveFor }
	var out []Change
	for _, name := range sortedKeys(t.view.maps) {
		m := t.view.maps[name]
		for _, key := range sortedKeys(m) {
			if expired(m[key]) {
				out = append(out, Put(name, key, value.Null))
			}
		}
	}
	for _, name := range sortedKeys(t.view.lists) {
		for _, le := range t.view.lists[name] {
			if expired(le.Entry) {
				out = append(out, ListRemove(name, le.Key))
			}
		}
	}
	return out
}

func (t *Topic) pendingIndex(id string) int {
	for i, p := range t.pending {
		if p.id == id {
			return i
		}
	}
	return -1
}

func (t *Topic) markDirty(c Change) {
	if c.Type == TypeCloseScope {
		for _, col := range t.view.collections() {
			t.dirty[col] = struct{}{}
		}
		for _, col := range t.confirmed.collections() {
			t.dirty[col] = struct{}{}
		}
		return
	}
	kind := MapEvent
	if c.Type == TypeAppend || c.Type == TypeListRemove {
		kind = ListEvent
	}
	t.dirty[collection{kind: kind, name: c.Name}] = struct{}{}
}

// rebaseLocked rebuilds each dirty collection of the view from the confirmed
// state plus the remaining pending changes and emits what changed.
func (t *Topic) rebaseLocked() error {
	var events []Event
	emit := func(ev Event) { events = append(events, ev) }
	for col := range t.dirty {
		next := t.confirmed.only(col)
		for _, p := range t.pending {
			if p.change.touches(col) {
				next.apply(p.change, nil)
			}
		}
		t.view.replace(col, next, emit)
	}
	if len(t.pending) == 0 {
		clear(t.dirty)
	}
	return t.emitLocked(events)
}

func (t *Topic) emitLocked(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return t.listeners.Fire(func(l Listener) error {
		for _, ev := range events {
			l.Enqueue(ev)
		}
		return nil
	}, true)
}
