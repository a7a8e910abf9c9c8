// Package backend defines the replication substrate topics are synchronized
// through: append-only event logs (one per topic plus a membership log),
// snapshot storage, and a stable node identity.
//
// Implementations live in subpackages: memorybackend for tests and
// single-process (or in-process multi-node) deployments, redisbackend for
// horizontally scaled ones. Every implementation is expected to pass the
// backendtest conformance suite.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrUnknownTrackingID is returned by Subscribe when newerThan names an
	// event the log does not contain, or when history after it was trimmed.
	ErrUnknownTrackingID = errors.New("backend: unknown tracking id")
	// ErrClosed is returned when the backend has been closed.
	ErrClosed = errors.New("backend: closed")
)

// MembershipLogName is the event log name reserved for membership events.
const MembershipLogName = "__membership"

// Consumer receives events from a subscription. Returning an error ends the
// subscription; Subscription.Err reports it.
type Consumer func(ctx context.Context, trackingID string, payload []byte) error

// Subscription is a live registration on an EventLog.
type Subscription interface {
	// Close stops delivery. An invocation of the consumer already in progress
	// may complete after Close returns.
	Close() error
	// Done is closed once no further events will be delivered.
	Done() <-chan struct{}
	// Err reports why delivery ended: nil after Close, the consumer's error,
	// or a backend failure.
	Err() error
}

// EventLog is an append-only, totally ordered, replayable record.
type EventLog interface {
	// SubmitEvent appends payload under trackingID. Submitting a tracking id
	// that is already present is a no-op.
	SubmitEvent(ctx context.Context, trackingID string, payload []byte) error
	// Subscribe delivers every event after newerThan (all events when
	// newerThan is empty) and then every event submitted later, each exactly
	// once and in log order, never concurrently. History is delivered before
	// Subscribe returns; live events are delivered on a goroutine owned by
	// the backend.
	Subscribe(ctx context.Context, newerThan string, consumer Consumer) (Subscription, error)
}

// Backend is the contract the engine replicates through.
type Backend interface {
	// NodeID identifies this process for the lifetime of the backend.
	NodeID() string
	// MembershipLog returns the log carrying join and leave events.
	MembershipLog() EventLog
	// OpenEventLog returns the log for a topic.
	OpenEventLog(topicID string) EventLog
	// LoadLatestSnapshot returns the most recently submitted snapshot for
	// name. found is false when none exists.
	LoadLatestSnapshot(ctx context.Context, name string) (payload []byte, found bool, err error)
	// SubmitSnapshot stores payload as the latest snapshot for name. The
	// payload is a JSON object whose "trackingId" names the last event of
	// the topic log it reflects; a backend may discard history that every
	// snapshot since the previous one covers, after which Subscribe from a
	// discarded event fails with ErrUnknownTrackingID. The membership log
	// is never trimmed.
	SubmitSnapshot(ctx context.Context, name string, payload []byte) error
}
