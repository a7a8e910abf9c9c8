package topicsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/topicsync/internal/fanout"
)

// ConnectionFailedEvent tells a host that a connection will never become
// active.
type ConnectionFailedEvent struct {
	TopicID string
	UserID  string
	Err     error
}

// Registration is the handle returned by Engine.OpenConnection.
type Registration struct {
	e    *Engine
	cc   ConnectionContext
	conn *Connection // nil when admission failed

	failure  *ConnectionFailedEvent
	mu       sync.Mutex
	fired    bool
	handlers fanout.Set[func(ConnectionFailedEvent)]
}

func newFailedRegistration(e *Engine, cc ConnectionContext, ev ConnectionFailedEvent) *Registration {
	r := &Registration{e: e, cc: cc, failure: &ev}
	cc.DispatchAction(r.fire)
	return r
}

// Connection returns the registered connection, or nil if the registration
// failed.
func (r *Registration) Connection() *Connection { return r.conn }

// Failed reports whether admission was refused.
func (r *Registration) Failed() bool { return r.failure != nil }

// Remove closes the connection: its deactivation callback runs if it is
// active, actions it dispatched but did not run are dropped, and the
// entries scoped to it are removed. Later calls on the connection and its
// maps and lists return ErrConnectionClosed.
func (r *Registration) Remove() {
	if r.conn != nil {
		r.conn.close(nil, true)
		return
	}
	r.handlers.Clear()
}

// OnConnectionFailed registers fn for the connection failure notification.
// It fires at most once, on the connection's context; handlers registered
// after it fired are dispatched right away. On a registration that did not
// fail fn is never called.
func (r *Registration) OnConnectionFailed(fn func(ConnectionFailedEvent)) (remove func()) {
	if fn == nil || r.failure == nil {
		return func() {}
	}
	r.mu.Lock()
	if !r.fired {
		defer r.mu.Unlock()
		return r.handlers.Add(fn)
	}
	r.mu.Unlock()

	ev := *r.failure
	r.cc.DispatchAction(func() { fn(ev) })
	return func() {}
}

func (r *Registration) fire() {
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		return
	}
	r.fired = true
	r.mu.Unlock()

	ev := *r.failure
	err := r.handlers.Fire(func(fn func(ConnectionFailedEvent)) error {
		fn(ev)
		return nil
	}, false)
	r.handlers.Clear()
	if err != nil {
		r.e.log.WarnContext(r.e.logContext(context.Background()), "engine.connection_failed.handler_failed", slog.String("err", err.Error()))
	}
}
