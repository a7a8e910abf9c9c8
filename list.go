package topicsync

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ggoodman/topicsync/internal/topic"
	"github.com/ggoodman/topicsync/value"
)

// List is a view of one named list of a connection's topic.
type List struct {
	c    *Connection
	name string
}

// ListItem is a list entry and the key that identifies it.
type ListItem struct {
	Key   string
	Value value.Value
}

// Name returns the list's name.
func (l *List) Name() string { return l.name }

// Items returns the entries present at call time, in order.
func (l *List) Items() ([]ListItem, error) {
	if err := l.c.checkOpen(); err != nil {
		return nil, err
	}
	entries := l.c.slot.topic.ListEntries(l.name)
	out := make([]ListItem, len(entries))
	for i, le := range entries {
		out[i] = ListItem{Key: le.Key, Value: le.Value}
	}
	return out, nil
}

// Values returns the values of Items.
func (l *List) Values() ([]value.Value, error) {
	items, err := l.Items()
	if err != nil {
		return nil, err
	}
	out := make([]value.Value, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out, nil
}

// Append adds v at the end of the list. The future yields the new entry's
// key. v must not be nil.
func (l *List) Append(v any, opts ...EntryOption) (*Future[string], error) {
	val, err := value.Of(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if val.IsNull() {
		return nil, fmt.Errorf("%w: list values must not be null", ErrInvalidArgument)
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	key := uuid.NewString()
	ch := l.c.withOptions(topic.Append(l.name, key, val), opts)

	f := newFuture[string]()
	err = l.c.dispatch(f.fail, func() {
		_, err := l.c.mutate(ch)
		f.complete(key, err)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove removes the entry with key. The future reports whether it was
// present.
func (l *List) Remove(key string) (*Future[bool], error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: entry key is required", ErrInvalidArgument)
	}
	ch := topic.ListRemove(l.name, key)

	f := newFuture[bool]()
	err := l.c.dispatch(f.fail, func() {
		f.complete(l.c.mutate(ch))
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Subscribe registers fn for changes of the list. Once registered, fn first
// receives an added event for every entry present, in order.
func (l *List) Subscribe(fn ListSubscriber) (unsubscribe func(), err error) {
	if fn == nil || l.name == "" {
		return nil, fmt.Errorf("%w: list name and subscriber are required", ErrInvalidArgument)
	}
	return l.c.subscribe(&subscriber{kind: topic.ListEvent, name: l.name, onList: fn})
}

func (l *List) validate() error {
	if err := l.c.checkOpen(); err != nil {
		return err
	}
	if l.name == "" {
		return fmt.Errorf("%w: list name is required", ErrInvalidArgument)
	}
	return nil
}
