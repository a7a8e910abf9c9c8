package topicsync

import (
	"fmt"

	"github.com/ggoodman/topicsync/internal/topic"
	"github.com/ggoodman/topicsync/value"
)

// Map is a view of one named map of a connection's topic. It holds no state
// of its own.
type Map struct {
	c    *Connection
	name string
}

// Name returns the map's name.
func (m *Map) Name() string { return m.name }

// Get returns the value stored under key.
func (m *Map) Get(key string) (value.Value, bool, error) {
	if err := m.c.checkOpen(); err != nil {
		return value.Null, false, err
	}
	e, ok := m.c.slot.topic.Get(m.name, key)
	return e.Value, ok, nil
}

// Keys returns the keys present at call time in ascending order.
func (m *Map) Keys() ([]string, error) {
	if err := m.c.checkOpen(); err != nil {
		return nil, err
	}
	return m.c.slot.topic.Keys(m.name), nil
}

// Entries returns a copy of the map's contents.
func (m *Map) Entries() (map[string]value.Value, error) {
	if err := m.c.checkOpen(); err != nil {
		return nil, err
	}
	entries := m.c.slot.topic.MapEntries(m.name)
	out := make(map[string]value.Value, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

// Put sets key to v. A nil v removes the key.
func (m *Map) Put(key string, v any, opts ...EntryOption) (*Future[struct{}], error) {
	val, err := value.Of(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if err := m.validate(key); err != nil {
		return nil, err
	}
	ch := m.c.withOptions(topic.Put(m.name, key, val), opts)

	f := newFuture[struct{}]()
	err = m.c.dispatch(f.fail, func() {
		_, err := m.c.mutate(ch)
		f.complete(struct{}{}, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes key.
func (m *Map) Delete(key string) (*Future[struct{}], error) {
	return m.Put(key, nil)
}

// Replace sets key to v if its current value equals expected, a nil
// expected meaning the key must be absent. The future reports whether the
// swap happened.
func (m *Map) Replace(key string, expected, v any, opts ...EntryOption) (*Future[bool], error) {
	exp, err := value.Of(expected)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	val, err := value.Of(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if err := m.validate(key); err != nil {
		return nil, err
	}
	ch := m.c.withOptions(topic.Replace(m.name, key, exp, val), opts)

	f := newFuture[bool]()
	err = m.c.dispatch(f.fail, func() {
		f.complete(m.c.mutate(ch))
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Subscribe registers fn for changes of the map. Once registered, fn first
// receives an added event for every key present, then every later change.
// The subscription ends with the current activation or when unsubscribe is
// called.
func (m *Map) Subscribe(fn MapSubscriber) (unsubscribe func(), err error) {
	if fn == nil || m.name == "" {
		return nil, fmt.Errorf("%w: map name and subscriber are required", ErrInvalidArgument)
	}
	return m.c.subscribe(&subscriber{kind: topic.MapEvent, name: m.name, onMap: fn})
}

func (m *Map) validate(key string) error {
	if err := m.c.checkOpen(); err != nil {
		return err
	}
	if m.name == "" || key == "" {
		return fmt.Errorf("%w: map name and key are required", ErrInvalidArgument)
	}
	return nil
}

// GetAs decodes the value stored under key into a T.
func GetAs[T any](m *Map, key string) (T, bool, error) {
	var out T
	v, ok, err := m.Get(key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := v.Decode(&out); err != nil {
		return out, true, fmt.Errorf("topicsync: decode %s[%s]: %w", m.name, key, err)
	}
	return out, true, nil
}

func (c *Connection) withOptions(ch topic.Change, opts []EntryOption) topic.Change {
	var o entryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.connectionScope {
		ch = ch.WithScope(c.id, c.e.joinID)
	}
	if o.expiration > 0 {
		ch = ch.WithExpiration(o.expiration)
	}
	return ch
}
