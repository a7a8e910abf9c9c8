package topicsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ggoodman/topicsync/backend"
	"github.com/ggoodman/topicsync/internal/logctx"
	"github.com/ggoodman/topicsync/internal/metrics"
	"github.com/ggoodman/topicsync/internal/topic"
)

// Engine is the node registry. It owns one topic per topic id, replicates
// every topic through the backend, tracks cluster membership and admits
// connections.
type Engine struct {
	b       backend.Backend
	nodeID  string
	cfg     config
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context // lives until Close
	cancel context.CancelFunc
	closed atomic.Bool

	boot singleflight.Group

	mu         sync.Mutex
	slots      map[string]*slot    // topic id -> bootstrapped topic
	membership backend.Membership  // folded membership log
	departed   map[string]struct{} // incarnations that ended
	leader     string

	joinID    string // this node's incarnation
	joined    chan struct{}
	memberSub backend.Subscription
}

// New starts a node on b: it replays the membership log, submits this
// node's join and returns once the join has been observed.
func New(ctx context.Context, b backend.Backend, opts ...EngineOption) (*Engine, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	cfg := config{
		logger:          slog.Default(),
		snapshotEvery:   defaultSnapshotEvery,
		retryMaxElapsed: defaultRetryMaxElapsed,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	var m *metrics.Metrics
	if cfg.registerer != nil {
		m = metrics.New()
		if err := m.Register(cfg.registerer); err != nil {
			return nil, fmt.Errorf("topicsync: register metrics: %w", err)
		}
	}

	e := &Engine{
		b:        b,
		nodeID:   b.NodeID(),
		cfg:      cfg,
		log:      logctx.Wrap(cfg.logger),
		metrics:  m,
		slots:    make(map[string]*slot),
		departed: make(map[string]struct{}),
		joinID:   uuid.NewString(),
		joined:   make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	ctx = e.logContext(ctx)

	sub, err := b.MembershipLog().Subscribe(e.ctx, "", e.onMembership)
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("topicsync: subscribe to membership log: %w", err)
	}
	e.memberSub = sub

	if err := e.submitMembership(ctx, e.joinID, backend.MembershipEvent{Type: backend.Join, NodeID: e.nodeID}); err != nil {
		_ = sub.Close()
		e.cancel()
		return nil, fmt.Errorf("topicsync: join: %w", err)
	}

	select {
	case <-e.joined:
	case <-sub.Done():
		e.cancel()
		return nil, fmt.Errorf("topicsync: membership subscription ended before join: %w", sub.Err())
	case <-ctx.Done():
		_ = sub.Close()
		e.cancel()
		return nil, ctx.Err()
	}

	e.log.InfoContext(e.logContext(ctx), "engine.started", slog.String("leader", e.Leader()))
	return e, nil
}

// NodeID returns the backend's node id.
func (e *Engine) NodeID() string { return e.nodeID }

// Leader returns the earliest-joined node still present.
func (e *Engine) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// IsLeader reports whether this node is the leader.
func (e *Engine) IsLeader() bool { return e.Leader() == e.nodeID }

// Members returns the present nodes, earliest join first.
func (e *Engine) Members() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.membership.Nodes()
}

// TopicStatus describes a topic loaded on this node.
type TopicStatus struct {
	ID                string `json:"id"`
	Connections       int    `json:"connections"`
	ActiveConnections int    `json:"activeConnections"`
	PendingChanges    int    `json:"pendingChanges"`
	LastTrackingID    string `json:"lastTrackingId"`
}

// Topics lists the topics loaded on this node ordered by id.
func (e *Engine) Topics() []TopicStatus {
	e.mu.Lock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	out := make([]TopicStatus, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TopicSnapshot returns the JSON snapshot of what local readers of topicID
// currently see. found is false when the topic is not loaded on this node.
func (e *Engine) TopicSnapshot(topicID string) (payload []byte, found bool, err error) {
	e.mu.Lock()
	s, ok := e.slots[topicID]
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	payload, err = topic.FromTopic(s.topic, s.topic.LastConfirmed()).Marshal()
	return payload, err == nil, err
}

// OpenConnection registers a connection to topicID for userID on cc. The
// user is checked by admission control first; a rejected user gets a failed
// Registration (see Registration.OnConnectionFailed) and a nil error. The
// topic is loaded on first use. onActivate runs on cc every time the
// connection becomes active.
func (e *Engine) OpenConnection(ctx context.Context, cc ConnectionContext, topicID, userID string, onActivate ActivationFunc) (*Registration, error) {
	if cc == nil || topicID == "" || onActivate == nil {
		return nil, fmt.Errorf("%w: connection context, topic id and activation callback are required", ErrInvalidArgument)
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	ctx = logctx.WithTopic(e.logContext(ctx), &logctx.TopicData{TopicID: topicID})

	if a := e.cfg.admission; a != nil {
		ok, err := a.RegisterUser(ctx, userID)
		if err != nil {
			e.metrics.Admission("error")
			e.log.ErrorContext(ctx, "engine.open_connection.admission_failed", slog.String("user_id", userID), slog.String("err", err.Error()))
			return nil, fmt.Errorf("topicsync: admission: %w", err)
		}
		if !ok {
			e.metrics.Admission("rejected")
			e.log.WarnContext(ctx, "engine.open_connection.rejected", slog.String("user_id", userID))
			return newFailedRegistration(e, cc, ConnectionFailedEvent{TopicID: topicID, UserID: userID, Err: ErrAdmissionRejected}), nil
		}
		e.metrics.Admission("admitted")
	}

	s, err := e.topic(ctx, topicID)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.open_connection.bootstrap_failed", slog.String("err", err.Error()))
		return nil, err
	}

	c := newConnection(e, s, cc, userID, onActivate)
	s.addConn(c)
	c.attach()

	e.log.DebugContext(c.logContext(), "engine.open_connection.opened")
	return &Registration{e: e, cc: cc, conn: c}, nil
}

// ReportNodeLeft submits a leave for nodeID on its behalf. Every node then
// removes the entries scoped to connections hosted there.
func (e *Engine) ReportNodeLeft(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("%w: node id is required", ErrInvalidArgument)
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	ctx = e.logContext(ctx)
	if err := e.submitMembership(ctx, uuid.NewString(), backend.MembershipEvent{Type: backend.Leave, NodeID: nodeID}); err != nil {
		return fmt.Errorf("topicsync: report node left: %w", err)
	}
	e.log.InfoContext(ctx, "engine.membership.reported_left", slog.String("reported", nodeID))
	return nil
}

// Close closes every connection, submits this node's leave and stops
// replication. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx = e.logContext(ctx)

	e.mu.Lock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	for _, s := range slots {
		for _, c := range s.connections() {
			c.close(ErrEngineClosed, false)
		}
	}

	err := e.submitMembership(ctx, uuid.NewString(), backend.MembershipEvent{Type: backend.Leave, NodeID: e.nodeID})

	for _, s := range slots {
		s.closeSubscription()
	}
	_ = e.memberSub.Close()
	e.cancel()

	if err != nil {
		e.log.ErrorContext(ctx, "engine.close.leave_failed", slog.String("err", err.Error()))
		return fmt.Errorf("topicsync: leave: %w", err)
	}
	e.log.InfoContext(ctx, "engine.closed")
	return nil
}

// topic returns the slot for topicID, bootstrapping it on first use.
func (e *Engine) topic(ctx context.Context, topicID string) (*slot, error) {
	e.mu.Lock()
	s, ok := e.slots[topicID]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	ch := e.boot.DoChan(topicID, func() (any, error) { return e.bootstrap(topicID) })
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*slot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bootstrap loads the latest snapshot of a topic, replays the log after it
// and registers the topic for membership changes.
func (e *Engine) bootstrap(topicID string) (*slot, error) {
	e.mu.Lock()
	if s, ok := e.slots[topicID]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()
	var (
		s     *slot
		found bool
		err   error
	)
	// History the snapshot no longer covers may be trimmed between loading
	// it and subscribing; a newer snapshot covers it.
	for attempt := 0; attempt < bootstrapAttempts; attempt++ {
		s, found, err = e.loadSlot(topicID)
		if !errors.Is(err, backend.ErrUnknownTrackingID) {
			break
		}
		e.log.WarnContext(s.ctx, "engine.topic.history_trimmed", slog.Int("attempt", attempt+1), slog.String("err", err.Error()))
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.slots[topicID] = s
	e.reconcileLocked(s)
	e.mu.Unlock()

	if e.closed.Load() {
		s.closeSubscription()
		return nil, ErrEngineClosed
	}

	go s.follow()

	e.log.DebugContext(s.ctx, "engine.topic.bootstrapped",
		slog.Bool("snapshot", found),
		slog.String("tracking_id", s.topic.LastConfirmed()),
		slog.Duration("dur", time.Since(start)))
	return s, nil
}

const bootstrapAttempts = 3

// loadSlot restores a topic from its latest snapshot and subscribes to the
// log after it.
func (e *Engine) loadSlot(topicID string) (*slot, bool, error) {
	s := newSlot(e, topicID)

	var (
		payload []byte
		found   bool
	)
	err := e.retry(s.ctx, "snapshot.load", func() error {
		var err error
		payload, found, err = e.b.LoadLatestSnapshot(s.ctx, topicID)
		return err
	})
	if err != nil {
		return s, false, fmt.Errorf("topicsync: load snapshot of %q: %w", topicID, err)
	}
	if found {
		snap, err := topic.ParseSnapshot(payload)
		if err != nil {
			return s, false, fmt.Errorf("topicsync: snapshot of %q: %w", topicID, err)
		}
		s.topic.Restore(snap)
	}

	// A retried subscription resumes after whatever the failed attempt
	// already replayed.
	err = e.retry(s.ctx, "log.subscribe", func() error {
		sub, err := s.log.Subscribe(e.ctx, s.topic.LastConfirmed(), s.consume)
		if errors.Is(err, backend.ErrUnknownTrackingID) {
			return backoff.Permanent(err)
		}
		s.setSubscription(sub)
		return err
	})
	if err != nil {
		return s, found, fmt.Errorf("topicsync: subscribe to log of %q: %w", topicID, err)
	}
	return s, found, nil
}

// reconcileLocked brings a freshly loaded topic up to the membership folded
// so far: scoped entries of ended incarnations are dropped and the member
// list is replaced.
func (e *Engine) reconcileLocked(s *slot) {
	stale := make(map[string]struct{})
	for _, n := range s.topic.Members() {
		stale[n] = struct{}{}
	}
	for _, n := range s.topic.ScopeNodes() {
		stale[n] = struct{}{}
	}
	for n := range stale {
		if _, gone := e.departed[n]; !gone {
			continue
		}
		if err := s.topic.RemoveNode(n); err != nil {
			e.log.WarnContext(s.ctx, "engine.topic.remove_node_failed", slog.String("incarnation", n), slog.String("err", err.Error()))
		}
	}
	s.topic.SetMembers(e.membership.Incarnations())
}

// departedIncarnation reports whether the incarnation has ended.
func (e *Engine) departedIncarnation(incarnation string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.departed[incarnation]
	return ok
}

func (e *Engine) onMembership(ctx context.Context, trackingID string, payload []byte) error {
	ev, err := backend.DecodeMembershipEvent(payload)
	if err != nil {
		e.log.WarnContext(e.logContext(ctx), "engine.membership.malformed_payload", slog.String("tracking_id", trackingID), slog.String("err", err.Error()))
		return nil
	}

	e.mu.Lock()
	changed, ended := e.membership.ApplyEvent(trackingID, ev)
	if ended != "" {
		e.departed[ended] = struct{}{}
	}
	prev := e.leader
	e.leader = e.membership.Leader()
	members := e.membership.Nodes()
	incarnations := e.membership.Incarnations()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	if trackingID == e.joinID {
		close(e.joined)
	}
	if !changed && ended == "" {
		return nil
	}

	lctx := e.logContext(ctx)
	e.log.DebugContext(lctx, "engine.membership.changed", slog.String("type", string(ev.Type)), slog.String("node", ev.NodeID), slog.Int("members", len(members)))
	if prev != e.nodeID && e.leader == e.nodeID {
		e.metrics.BecameLeader()
		e.log.InfoContext(lctx, "engine.leadership.acquired")
	}
	if ev.Type == backend.Leave && ev.NodeID == e.nodeID && !e.closed.Load() {
		e.log.WarnContext(lctx, "engine.membership.reported_left_self")
	}

	for _, s := range slots {
		s.topic.SetMembers(incarnations)
		if ended == "" {
			continue
		}
		if err := s.topic.RemoveNode(ended); err != nil {
			e.log.WarnContext(s.ctx, "engine.topic.remove_node_failed", slog.String("incarnation", ended), slog.String("err", err.Error()))
		}
		_ = s.flushOthers(nil)
	}
	return nil
}

func (e *Engine) submitMembership(ctx context.Context, trackingID string, ev backend.MembershipEvent) error {
	payload, err := backend.EncodeMembershipEvent(ev)
	if err != nil {
		return err
	}
	log := e.b.MembershipLog()
	return e.retry(ctx, "membership.submit", func() error {
		return log.SubmitEvent(ctx, trackingID, payload)
	})
}

// retry runs fn with exponential backoff until it succeeds, returns a
// backoff.Permanent error, ctx ends or the retry policy is exhausted.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = e.cfg.retryMaxElapsed
	return backoff.RetryNotify(fn, backoff.WithContext(eb, ctx), func(err error, d time.Duration) {
		e.log.WarnContext(ctx, "engine.backend.retry", slog.String("op", op), slog.String("err", err.Error()), slog.Duration("backoff", d))
	})
}

func (e *Engine) logContext(ctx context.Context) context.Context {
	e.mu.Lock()
	leader := e.leader == e.nodeID
	e.mu.Unlock()
	return logctx.WithNode(ctx, &logctx.NodeData{NodeID: e.nodeID, Leader: leader})
}
