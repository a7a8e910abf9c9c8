package memorybackend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/topicsync/backend"
)

// Cluster is the state shared by every node created from it.
type Cluster struct {
	mu        sync.RWMutex
	logs      map[string]*eventLog
	snapshots map[string][]byte
}

// NewCluster returns an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		logs:      make(map[string]*eventLog),
		snapshots: make(map[string][]byte),
	}
}

// Option configures a node.
type Option func(*Backend)

// WithNodeID overrides the generated node id.
func WithNodeID(id string) Option {
	return func(b *Backend) {
		if id != "" {
			b.nodeID = id
		}
	}
}

// NewNode returns a backend for a new node of the cluster.
func (c *Cluster) NewNode(opts ...Option) *Backend {
	b := &Backend{cluster: c, nodeID: uuid.NewString()}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// New returns a single-node backend with a private cluster.
func New(opts ...Option) *Backend {
	return NewCluster().NewNode(opts...)
}

// Backend is one node's view of a Cluster.
type Backend struct {
	cluster *Cluster
	nodeID  string
}

// NodeID returns the id given by WithNodeID or a generated one.
func (b *Backend) NodeID() string { return b.nodeID }

// MembershipLog returns the membership log shared by the cluster.
func (b *Backend) MembershipLog() backend.EventLog {
	return b.cluster.ensureLog("m/" + backend.MembershipLogName)
}

// OpenEventLog returns the cluster-wide log of a topic, creating it on
// first use.
func (b *Backend) OpenEventLog(topicID string) backend.EventLog {
	return b.cluster.ensureLog("t/" + topicID)
}

// LoadLatestSnapshot returns a copy of the last snapshot stored for name.
func (b *Backend) LoadLatestSnapshot(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.cluster.mu.RLock()
	defer b.cluster.mu.RUnlock()
	data, ok := b.cluster.snapshots[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// SubmitSnapshot stores a copy of payload. History is never discarded.
func (b *Backend) SubmitSnapshot(ctx context.Context, name string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.cluster.mu.Lock()
	b.cluster.snapshots[name] = append([]byte(nil), payload...)
	b.cluster.mu.Unlock()
	return nil
}

func (c *Cluster) ensureLog(key string) *eventLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.logs[key]
	if !ok {
		l = &eventLog{index: make(map[string]int), subs: make(map[*subscription]struct{})}
		c.logs[key] = l
	}
	return l
}

type event struct {
	id   string
	data []byte
}

type eventLog struct {
	mu     sync.Mutex
	events []event
	index  map[string]int
	subs   map[*subscription]struct{}
}

// SubmitEvent appends the event and pushes it to every live subscriber.
// A tracking id already in the log is ignored.
func (l *eventLog) SubmitEvent(ctx context.Context, trackingID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev := event{id: trackingID, data: append([]byte(nil), payload...)}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.index[trackingID]; dup {
		return nil
	}
	l.index[trackingID] = len(l.events)
	l.events = append(l.events, ev)
	for sub := range l.subs {
		sub.push(ev)
	}
	return nil
}

// Subscribe replays the events after newerThan before returning, then
// delivers new events from a per-subscription goroutine.
func (l *eventLog) Subscribe(ctx context.Context, newerThan string, consumer backend.Consumer) (backend.Subscription, error) {
	l.mu.Lock()
	start := 0
	if newerThan != "" {
		i, ok := l.index[newerThan]
		if !ok {
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", backend.ErrUnknownTrackingID, newerThan)
		}
		start = i + 1
	}
	replay := append([]event(nil), l.events[start:]...)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		log:    l,
		ctx:    subCtx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	for _, ev := range replay {
		if err := subCtx.Err(); err != nil {
			sub.finish(err)
			return nil, err
		}
		if err := consumer(subCtx, ev.id, ev.data); err != nil {
			sub.finish(err)
			return nil, err
		}
	}

	go sub.run(consumer)
	return sub, nil
}

func (l *eventLog) unsubscribe(s *subscription) {
	l.mu.Lock()
	delete(l.subs, s)
	l.mu.Unlock()
}

type subscription struct {
	log    *eventLog
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu    sync.Mutex
	queue []event
	err   error

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) push(ev event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run(consumer backend.Consumer) {
	for {
		select {
		case <-s.ctx.Done():
			s.finish(s.ctx.Err())
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				if err := s.ctx.Err(); err != nil {
					s.finish(err)
					return
				}
				if err := consumer(s.ctx, ev.id, ev.data); err != nil {
					s.finish(err)
					return
				}
			}
		}
	}
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.log.unsubscribe(s)
		s.cancel()
		if s.closed.Load() {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) Close() error {
	s.closed.Store(true)
	s.finish(nil)
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interface compliance
var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.EventLog     = (*eventLog)(nil)
	_ backend.Subscription = (*subscription)(nil)
)
