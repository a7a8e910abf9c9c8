package topicsync_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/topicsync"
	"github.com/ggoodman/topicsync/backend"
	"github.com/ggoodman/topicsync/value"
)

var valueEqual = cmp.Comparer(func(a, b value.Value) bool { return a.Equal(b) })

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newEngine(t *testing.T, b backend.Backend, opts ...topicsync.EngineOption) *topicsync.Engine {
	t.Helper()
	opts = append([]topicsync.EngineOption{topicsync.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	e, err := topicsync.New(testContext(t), b, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// open registers a connection and returns it once the activation callback
// has run for the first time. cc must already be active.
func open(t *testing.T, e *topicsync.Engine, cc topicsync.ConnectionContext, topicID, userID string, setup func(*topicsync.Connection)) (*topicsync.Registration, *topicsync.Connection) {
	t.Helper()
	var conn *topicsync.Connection
	reg, err := e.OpenConnection(testContext(t), cc, topicID, userID, func(c *topicsync.Connection) func() {
		conn = c
		if setup != nil {
			setup(c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("OpenConnection: %v", err)
	}
	if conn == nil {
		t.Fatalf("activation callback did not run")
	}
	return reg, conn
}

// mutation pairs a future with the error its mutation returned, so that a
// mutation call can be passed whole: submitted(m.Put(k, v)).await(t).
type mutation[T any] struct {
	f   *topicsync.Future[T]
	err error
}

func submitted[T any](f *topicsync.Future[T], err error) mutation[T] {
	return mutation[T]{f: f, err: err}
}

func (m mutation[T]) await(t *testing.T) T {
	t.Helper()
	if m.err != nil {
		t.Fatalf("mutation rejected: %v", m.err)
	}
	v, err := m.f.Wait(testContext(t))
	if err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	return v
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type mapRecorder struct {
	mu     sync.Mutex
	events []topicsync.MapEvent
}

func (r *mapRecorder) record(ev topicsync.MapEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *mapRecorder) snapshot() []topicsync.MapEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]topicsync.MapEvent(nil), r.events...)
}

func (r *mapRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type listRecorder struct {
	mu     sync.Mutex
	events []topicsync.ListEvent
}

func (r *listRecorder) record(ev topicsync.ListEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *listRecorder) snapshot() []topicsync.ListEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]topicsync.ListEvent(nil), r.events...)
}

func mustGet(t *testing.T, m *topicsync.Map, key string) (value.Value, bool) {
	t.Helper()
	v, ok, err := m.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return v, ok
}

// manualContext runs every action inline and lets the test drive
// SetActive directly, including transitions a well-behaved context would
// never produce.
type manualContext struct {
	mu      sync.Mutex
	handler topicsync.ActivationHandler
}

func (m *manualContext) SetActivationHandler(h topicsync.ActivationHandler) func() {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.handler = nil
		m.mu.Unlock()
	}
}

func (m *manualContext) DispatchAction(action func()) { action() }

func (m *manualContext) set(active bool) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.SetActive(active)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
