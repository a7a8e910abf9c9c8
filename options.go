package topicsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultSnapshotEvery   = 100
	defaultRetryMaxElapsed = 30 * time.Second
)

// Admission decides whether a user may open connections. *license.Handler
// implements it.
type Admission interface {
	RegisterUser(ctx context.Context, userID string) (bool, error)
}

// TopicActivationFunc is called when a topic gains its first active
// connection on this node (active=true) and when it loses its last one
// (active=false). Calls for one topic never overlap. It must not block on
// the engine.
type TopicActivationFunc func(topicID string, active bool)

// EngineOption configures an Engine.
type EngineOption func(*config)

type config struct {
	logger          *slog.Logger
	admission       Admission
	onTopic         TopicActivationFunc
	snapshotEvery   int
	retryMaxElapsed time.Duration
	registerer      prometheus.Registerer
	now             func() time.Time
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(c *config) { c.logger = l }
}

// WithAdmission gates every OpenConnection on a.RegisterUser. Without it
// every user is admitted.
func WithAdmission(a Admission) EngineOption {
	return func(c *config) { c.admission = a }
}

// WithTopicActivationHandler registers fn for per-topic activation changes.
func WithTopicActivationHandler(fn TopicActivationFunc) EngineOption {
	return func(c *config) { c.onTopic = fn }
}

// WithSnapshotEvery makes the leader submit a snapshot of a topic after
// every n replicated events. Zero disables snapshots.
func WithSnapshotEvery(n int) EngineOption {
	return func(c *config) {
		if n >= 0 {
			c.snapshotEvery = n
		}
	}
}

// WithRetryPolicy bounds how long failing backend calls are retried with
// exponential backoff before the operation fails.
func WithRetryPolicy(maxElapsed time.Duration) EngineOption {
	return func(c *config) {
		if maxElapsed > 0 {
			c.retryMaxElapsed = maxElapsed
		}
	}
}

// WithMetricsRegisterer registers the engine's Prometheus collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) EngineOption {
	return func(c *config) { c.registerer = reg }
}

// WithClock replaces time.Now for expiration bookkeeping.
func WithClock(now func() time.Time) EngineOption {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// EntryOption modifies a Put, Replace or Append.
type EntryOption func(*entryOptions)

type entryOptions struct {
	connectionScope bool
	expiration      time.Duration
}

// WithConnectionScope ties the entry to the issuing connection: it is
// removed when the connection is closed or its node leaves.
func WithConnectionScope() EntryOption {
	return func(o *entryOptions) { o.connectionScope = true }
}

// WithExpiration removes the entry once its topic has had no active
// connection on a node for at least d, checked when the topic next
// activates there.
func WithExpiration(d time.Duration) EntryOption {
	return func(o *entryOptions) {
		if d > 0 {
			o.expiration = d
		}
	}
}
