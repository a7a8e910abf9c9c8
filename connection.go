package topicsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/topicsync/internal/fanout"
	"github.com/ggoodman/topicsync/internal/logctx"
	"github.com/ggoodman/topicsync/internal/topic"
)

type connState uint8

const (
	stateCreated connState = iota
	stateInactive
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateInactive:
		return "inactive"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", uint8(s))
	}
}

// Connection is one session's view of a topic. It is handed to the
// activation callback and stays valid until its Registration is removed.
//
// Mutations and subscriptions are dispatched on the connection's
// ConnectionContext, so while the context is inactive they wait for it.
// Subscriptions last for the activation they were made in.
type Connection struct {
	id         string
	userID     string
	e          *Engine
	slot       *slot
	cc         ConnectionContext
	onActivate ActivationFunc
	inbox      inbox
	subs       fanout.Set[*subscriber]
	scoped     atomic.Bool // has written connection-scoped entries

	// transition serializes activation changes and close.
	transition sync.Mutex
	// ops is held shared while a change is submitted and exclusively by
	// close before it clears the connection's scope.
	ops sync.RWMutex

	mu          sync.Mutex
	state       connState
	generation  uint64 // bumped on every activation
	deactivate  func()
	unsubTopic  func()
	detach      func()
	pending     map[uint64]func(error) // dispatched but not yet run
	nextPending uint64
	closeErr    error
}

func newConnection(e *Engine, s *slot, cc ConnectionContext, userID string, onActivate ActivationFunc) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		userID:     userID,
		e:          e,
		slot:       s,
		cc:         cc,
		onActivate: onActivate,
		pending:    make(map[uint64]func(error)),
	}
}

// ID returns the connection id. Connection-scoped entries are owned by it.
func (c *Connection) ID() string { return c.id }

// UserID returns the user the connection was admitted for.
func (c *Connection) UserID() string { return c.userID }

// TopicID returns the id of the connection's topic.
func (c *Connection) TopicID() string { return c.slot.id }

// Active reports whether the connection is active.
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateActive
}

// Closed reports whether the connection's registration was removed or the
// connection failed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// Map returns a view of the named map.
func (c *Connection) Map(name string) *Map { return &Map{c: c, name: name} }

// List returns a view of the named list.
func (c *Connection) List(name string) *List { return &List{c: c, name: name} }

type activationHandler struct{ c *Connection }

func (h activationHandler) SetActive(active bool) { h.c.setActive(active) }

// attach moves the connection from created to inactive and installs it on
// its context, which may activate it right away.
func (c *Connection) attach() {
	c.mu.Lock()
	c.state = stateInactive
	c.mu.Unlock()

	detach := c.cc.SetActivationHandler(activationHandler{c})

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		if detach != nil {
			detach()
		}
		return
	}
	c.detach = detach
	c.mu.Unlock()
}

func (c *Connection) setActive(active bool) {
	c.transition.Lock()
	var after func()
	if active {
		after = c.activateLocked()
	} else {
		after = c.deactivateLocked()
	}
	c.transition.Unlock()
	if after != nil {
		after()
	}
}

func (c *Connection) activateLocked() func() {
	c.mu.Lock()
	if c.state != stateInactive {
		c.mu.Unlock()
		return nil
	}
	c.state = stateActive
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.slot.acquire()
	unsub := c.slot.topic.Subscribe(&c.inbox)
	c.mu.Lock()
	c.unsubTopic = unsub
	c.mu.Unlock()
	c.e.metrics.ConnectionActive(true)
	c.e.log.DebugContext(c.logContext(), "engine.connection.activated")

	return func() { c.cc.DispatchAction(func() { c.runActivation(gen) }) }
}

func (c *Connection) runActivation(gen uint64) {
	c.mu.Lock()
	current := c.state == stateActive && c.generation == gen
	c.mu.Unlock()
	if !current {
		return
	}

	deactivate := c.onActivate(c)

	c.mu.Lock()
	if c.state == stateActive && c.generation == gen {
		c.deactivate = deactivate
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	// The activation ended while the callback ran.
	if deactivate != nil {
		deactivate()
	}
}

func (c *Connection) deactivateLocked() func() {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = stateInactive
	deactivate := c.deactivate
	c.deactivate = nil
	unsub := c.unsubTopic
	c.unsubTopic = nil
	c.mu.Unlock()

	c.endActivation(unsub)
	c.e.log.DebugContext(c.logContext(), "engine.connection.deactivated")
	return deactivate
}

// endActivation undoes what activateLocked set up.
func (c *Connection) endActivation(unsub func()) {
	if unsub != nil {
		unsub()
	}
	c.inbox.reset()
	c.subs.Clear()
	c.slot.release()
	c.e.metrics.ConnectionActive(false)
}

// close ends the connection for good. Dispatched actions that have not run
// are dropped and their futures fail. When clearScope is set the entries
// the connection owns are removed cluster-wide.
func (c *Connection) close(cause error, clearScope bool) {
	c.transition.Lock()
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		c.transition.Unlock()
		return
	}
	wasActive := c.state == stateActive
	c.state = stateClosed
	c.closeErr = cause
	deactivate := c.deactivate
	c.deactivate = nil
	unsub := c.unsubTopic
	c.unsubTopic = nil
	detach := c.detach
	c.detach = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if wasActive {
		c.endActivation(unsub)
	}
	c.transition.Unlock()

	if detach != nil {
		detach()
	}
	c.slot.removeConn(c)
	err := c.closedErr()
	for _, fail := range pending {
		fail(err)
	}
	if deactivate != nil {
		deactivate()
	}

	// Wait for submissions that passed the open check.
	c.ops.Lock()
	c.ops.Unlock()

	if clearScope && c.scoped.Load() {
		if _, err := c.slot.submit(topic.CloseScope(c.id)); err != nil {
			c.e.log.WarnContext(c.logContext(), "engine.connection.close_scope_failed", slog.String("err", err.Error()))
		} else {
			_ = c.slot.flushOthers(c)
		}
	}

	if cause != nil && !errors.Is(cause, ErrEngineClosed) {
		c.e.log.WarnContext(c.logContext(), "engine.connection.failed", slog.String("err", cause.Error()))
	} else {
		c.e.log.DebugContext(c.logContext(), "engine.connection.closed")
	}
}

func (c *Connection) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Connection) closedErrLocked() error {
	if errors.Is(c.closeErr, ErrEngineClosed) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, ErrEngineClosed)
	}
	return ErrConnectionClosed
}

func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return c.closedErrLocked()
	}
	return nil
}

// dispatch runs action on the connection's context. If the connection
// closes first, action never runs and fail receives the close error.
func (c *Connection) dispatch(fail func(error), action func()) error {
	c.mu.Lock()
	if c.state == stateClosed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	id := c.nextPending
	c.nextPending++
	c.pending[id] = fail
	c.mu.Unlock()

	c.cc.DispatchAction(func() {
		c.mu.Lock()
		_, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			action()
		}
	})
	return nil
}

// mutate submits ch and delivers the resulting events: to this
// connection's subscribers inline, to the others through their contexts.
// It runs on the connection's context.
func (c *Connection) mutate(ch topic.Change) (bool, error) {
	c.ops.RLock()
	if err := c.checkOpen(); err != nil {
		c.ops.RUnlock()
		return false, err
	}
	if ch.ScopeOwner != "" {
		c.scoped.Store(true)
	}
	applied, err := c.slot.submit(ch)
	c.ops.RUnlock()
	if err != nil {
		return false, err
	}

	own := c.flush()
	others := c.slot.flushOthers(c)
	return applied, fanout.Merge(own, others)
}

// scheduleFlush arranges for pending events to be delivered on the
// connection's context. If the context ran the delivery synchronously its
// error is returned.
func (c *Connection) scheduleFlush() error {
	if !c.inbox.schedule() {
		return nil
	}
	result := make(chan error, 1)
	c.cc.DispatchAction(func() {
		c.inbox.unschedule()
		result <- c.flush()
	})
	select {
	case err := <-result:
		return err
	default:
		return nil
	}
}

func (c *Connection) flush() error {
	return c.deliver(c.inbox.drain(), nil)
}

// deliver hands events to the connection's subscribers, or only to one of
// them. Every subscriber sees an event even if another fails; a failure
// stops delivery after that event and closes the connection.
func (c *Connection) deliver(events []topic.Event, only *subscriber) error {
	if len(events) == 0 || !c.Active() {
		return nil
	}
	subs := []*subscriber{only}
	if only == nil {
		subs = c.subs.Snapshot()
	}
	if len(subs) == 0 {
		return nil
	}

	for _, ev := range events {
		ev := ev
		err := fanout.Fire(subs, func(s *subscriber) error {
			if s.removed.Load() || !s.matches(ev) {
				return nil
			}
			return s.invoke(ev)
		})
		if err != nil {
			c.close(err, true)
			return err
		}
	}
	return nil
}

// addSubscriber registers sub and replays the current contents to it. Runs
// on the connection's context.
func (c *Connection) addSubscriber(sub *subscriber) error {
	var backlog, initial []topic.Event
	c.slot.topic.Read(func(r topic.Reader) {
		backlog = c.inbox.drain()
		initial = sub.initial(r)
	})
	// The backlog is already part of what initial shows the new subscriber.
	if err := c.deliver(backlog, nil); err != nil {
		return err
	}
	if !sub.register(&c.subs) {
		return nil
	}
	return c.deliver(initial, sub)
}

func (c *Connection) logContext() context.Context {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return logctx.WithConnection(c.slot.ctx, &logctx.ConnectionData{
		ConnectionID: c.id,
		UserID:       c.userID,
		State:        state.String(),
	})
}

// inbox collects the topic events a connection has not delivered yet. The
// topic fills it under its lock; the connection's context drains it.
type inbox struct {
	mu        sync.Mutex
	events    []topic.Event
	scheduled bool
}

func (i *inbox) Enqueue(ev topic.Event) {
	i.mu.Lock()
	i.events = append(i.events, ev)
	i.mu.Unlock()
}

func (i *inbox) drain() []topic.Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.events
	i.events = nil
	return out
}

// schedule reports whether a delivery needs to be dispatched.
func (i *inbox) schedule() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.scheduled || len(i.events) == 0 {
		return false
	}
	i.scheduled = true
	return true
}

func (i *inbox) unschedule() {
	i.mu.Lock()
	i.scheduled = false
	i.mu.Unlock()
}

func (i *inbox) reset() {
	i.mu.Lock()
	i.events = nil
	i.scheduled = false
	i.mu.Unlock()
}

var _ topic.Listener = (*inbox)(nil)
