package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/topicsync/value"
)

var (
	// ErrInvalidChange is returned for a change that is missing a field its
	// type requires.
	ErrInvalidChange = errors.New("topic: invalid change")
	// ErrUnknownChange is returned for a change whose type is not recognized.
	ErrUnknownChange = errors.New("topic: unknown change type")
)

// ChangeType discriminates the replicated change commands.
type ChangeType string

const (
	// TypePut unconditionally sets or (with a null value) clears a map key.
	TypePut ChangeType = "put"
	// TypeReplace sets a map key iff its current value equals Expected.
	TypeReplace ChangeType = "replace"
	// TypeAppend adds an entry at the end of a list.
	TypeAppend ChangeType = "append"
	// TypeListRemove removes the list entry identified by Key.
	TypeListRemove ChangeType = "list-remove"
	// TypeCloseScope removes every entry owned by the connection in ScopeOwner.
	TypeCloseScope ChangeType = "close-scope"
)

// Change is a single replicated mutation of a topic. It is pure data and is
// serialized as-is onto the topic's event log.
type Change struct {
	Type       ChangeType    `json:"type"`
	Name       string        `json:"name,omitempty"`
	Key        string        `json:"key,omitempty"`
	Expected   value.Value   `json:"expected"`
	Value      value.Value   `json:"value"`
	ScopeOwner string        `json:"scopeOwner,omitempty"`
	ScopeNode  string        `json:"scopeNode,omitempty"`
	Expiration time.Duration `json:"expiration,omitempty"`
}

// Put builds a change that sets map[key] to v, or clears it when v is null.
func Put(mapName, key string, v value.Value) Change {
	return Change{Type: TypePut, Name: mapName, Key: key, Value: v}
}

// Replace builds a compare-and-swap change. A null expected value means the
// key must currently be absent.
func Replace(mapName, key string, expected, v value.Value) Change {
	return Change{Type: TypeReplace, Name: mapName, Key: key, Expected: expected, Value: v}
}

// Append builds a change that adds v to the end of a list under entryKey.
// Entry keys must be unique within the list; re-applying an append whose key
// is already present is a no-op.
func Append(listName, entryKey string, v value.Value) Change {
	return Change{Type: TypeAppend, Name: listName, Key: entryKey, Value: v}
}

// ListRemove builds a change that removes the list entry with entryKey.
func ListRemove(listName, entryKey string) Change {
	return Change{Type: TypeListRemove, Name: listName, Key: entryKey}
}

// CloseScope builds a change that removes every entry owned by connectionID.
func CloseScope(connectionID string) Change {
	return Change{Type: TypeCloseScope, ScopeOwner: connectionID}
}

// WithScope returns a copy of c whose resulting entry is owned by the given
// connection hosted on node.
func (c Change) WithScope(connectionID, nodeID string) Change {
	c.ScopeOwner = connectionID
	c.ScopeNode = nodeID
	return c
}

// WithExpiration returns a copy of c whose resulting entry expires after the
// topic has been inactive for d.
func (c Change) WithExpiration(d time.Duration) Change {
	c.Expiration = d
	return c
}

// Validate reports whether c is well formed.
func (c Change) Validate() error {
	switch c.Type {
	case TypePut, TypeReplace, TypeAppend, TypeListRemove:
		if c.Name == "" {
			return fmt.Errorf("%w: %s requires a name", ErrInvalidChange, c.Type)
		}
		if c.Key == "" {
			return fmt.Errorf("%w: %s requires a key", ErrInvalidChange, c.Type)
		}
		if c.Type == TypeAppend && c.Value.IsNull() {
			return fmt.Errorf("%w: append requires a non-null value", ErrInvalidChange)
		}
	case TypeCloseScope:
		if c.ScopeOwner == "" {
			return fmt.Errorf("%w: close-scope requires a scope owner", ErrInvalidChange)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChange, c.Type)
	}
	if c.Expiration < 0 {
		return fmt.Errorf("%w: negative expiration", ErrInvalidChange)
	}
	return nil
}

func (c Change) entry() Entry {
	return Entry{Value: c.Value, ScopeOwner: c.ScopeOwner, ScopeNode: c.ScopeNode, Expiration: c.Expiration}
}

// touches reports whether applying c can modify the given collection.
func (c Change) touches(col collection) bool {
	switch c.Type {
	case TypeCloseScope:
		return true
	case TypePut, TypeReplace:
		return col.kind == MapEvent && col.name == c.Name
	default:
		return col.kind == ListEvent && col.name == c.Name
	}
}

// Encode serializes c for submission to an event log.
func Encode(c Change) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Decode parses and validates an event log payload.
func Decode(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}
