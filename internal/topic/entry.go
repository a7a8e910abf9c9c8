package topic

import (
	"time"

	"github.com/ggoodman/topicsync/value"
)

// Entry is a stored value plus its optional connection scope and expiration.
type Entry struct {
	Value value.Value `json:"value"`
	// ScopeOwner is the id of the connection that owns the entry, empty for
	// topic-scoped entries.
	ScopeOwner string `json:"scopeOwner,omitempty"`
	// ScopeNode identifies the incarnation of the node hosting ScopeOwner,
	// the tracking id of that node's join on the membership log.
	ScopeNode string `json:"scopeNode,omitempty"`
	// Expiration is how long the topic may stay inactive before the entry is
	// dropped. Zero means never.
	Expiration time.Duration `json:"expiration,omitempty"`
}

// Scoped reports whether the entry is owned by a connection.
func (e Entry) Scoped() bool { return e.ScopeOwner != "" }

// ListEntry is an Entry positioned in a list under a stable key.
type ListEntry struct {
	Key string `json:"key"`
	Entry
}

// EventKind tells map events from list events.
type EventKind uint8

const (
	MapEvent EventKind = iota + 1
	ListEvent
)

// Event describes one observable change to a map key or list entry. For
// list additions Old is null; for removals New is null.
type Event struct {
	Kind EventKind
	Name string
	Key  string
	Old  value.Value
	New  value.Value
}

// Listener receives topic events. Enqueue is invoked with the topic lock held
// and must neither block nor call back into the topic.
type Listener interface {
	Enqueue(Event)
}

type collection struct {
	kind EventKind
	name string
}
