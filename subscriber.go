package topicsync

import (
	"sync"
	"sync/atomic"

	"github.com/ggoodman/topicsync/internal/fanout"
	"github.com/ggoodman/topicsync/internal/topic"
	"github.com/ggoodman/topicsync/value"
)

// MapEvent reports a change of one map key. Old is null when the key was
// added, New is null when it was removed.
type MapEvent struct {
	Map string
	Key string
	Old value.Value
	New value.Value
}

// ListEvent reports an entry added to (Old null) or removed from (New null)
// a list.
type ListEvent struct {
	List string
	Key  string
	Old  value.Value
	New  value.Value
}

// MapSubscriber receives map events on the connection's context. A returned
// error, or a panic, closes the connection after the other subscribers saw
// the event.
type MapSubscriber func(MapEvent) error

// ListSubscriber is the list counterpart of MapSubscriber.
type ListSubscriber func(ListEvent) error

type subscriber struct {
	kind   topic.EventKind
	name   string
	onMap  MapSubscriber
	onList ListSubscriber

	removed atomic.Bool
	mu      sync.Mutex
	remove  func()
}

func (s *subscriber) matches(ev topic.Event) bool {
	return ev.Kind == s.kind && ev.Name == s.name
}

func (s *subscriber) invoke(ev topic.Event) error {
	if s.kind == topic.MapEvent {
		return s.onMap(MapEvent{Map: ev.Name, Key: ev.Key, Old: ev.Old, New: ev.New})
	}
	return s.onList(ListEvent{List: ev.Name, Key: ev.Key, Old: ev.Old, New: ev.New})
}

// initial returns one added event per entry currently present.
func (s *subscriber) initial(r topic.Reader) []topic.Event {
	var out []topic.Event
	if s.kind == topic.MapEvent {
		entries := r.MapEntries(s.name)
		for _, k := range r.Keys(s.name) {
			out = append(out, topic.Event{Kind: topic.MapEvent, Name: s.name, Key: k, New: entries[k].Value})
		}
		return out
	}
	for _, le := range r.ListEntries(s.name) {
		out = append(out, topic.Event{Kind: topic.ListEvent, Name: s.name, Key: le.Key, New: le.Value})
	}
	return out
}

// register adds s to set unless it was cancelled first.
func (s *subscriber) register(set *fanout.Set[*subscriber]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed.Load() {
		return false
	}
	s.remove = set.Add(s)
	return true
}

func (s *subscriber) cancel() {
	s.removed.Store(true)
	s.mu.Lock()
	remove := s.remove
	s.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// subscribe dispatches the registration of sub on the connection's context.
func (c *Connection) subscribe(sub *subscriber) (unsubscribe func(), err error) {
	err = c.dispatch(func(error) {}, func() {
		_ = c.addSubscriber(sub)
	})
	if err != nil {
		return nil, err
	}
	return sub.cancel, nil
}
