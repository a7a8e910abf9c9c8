package topicsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ggoodman/topicsync/backend"
	"github.com/ggoodman/topicsync/internal/fanout"
	"github.com/ggoodman/topicsync/internal/logctx"
	"github.com/ggoodman/topicsync/internal/topic"
)

// slot is the engine's record for one loaded topic: the topic itself, its
// event log and the connections opened to it on this node.
type slot struct {
	e     *Engine
	id    string
	topic *topic.Topic
	log   backend.EventLog
	ctx   context.Context

	subMu sync.Mutex
	sub   backend.Subscription

	// submitMu keeps the log order of local changes equal to the order in
	// which they were applied to the view.
	submitMu sync.Mutex

	hookMu        sync.Mutex
	active        int // active connections on this node
	inactiveSince time.Time

	connMu sync.Mutex
	conns  map[*Connection]struct{}

	sinceSnapshot atomic.Int64
}

func newSlot(e *Engine, topicID string) *slot {
	return &slot{
		e:     e,
		id:    topicID,
		topic: topic.New(topicID),
		log:   e.b.OpenEventLog(topicID),
		ctx:   logctx.WithTopic(e.logContext(e.ctx), &logctx.TopicData{TopicID: topicID}),
		conns: make(map[*Connection]struct{}),
	}
}

// submit applies c to the view and appends it to the topic's log. When the
// log rejects it the change is rolled back.
func (s *slot) setSubscription(sub backend.Subscription) {
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()
}

func (s *slot) subscription() backend.Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.sub
}

func (s *slot) closeSubscription() {
	if sub := s.subscription(); sub != nil {
		_ = sub.Close()
	}
}

// follow resubscribes to the topic's log after the live subscription ends
// with an error, resuming after the last confirmed event. It returns once
// the engine closes or the history to resume from is gone.
func (s *slot) follow() {
	for {
		sub := s.subscription()
		if sub == nil {
			return
		}
		<-sub.Done()
		err := sub.Err()
		if err == nil || s.e.closed.Load() || s.e.ctx.Err() != nil {
			return
		}
		if errors.Is(err, backend.ErrUnknownTrackingID) {
			s.e.log.ErrorContext(s.ctx, "engine.replication.history_lost", slog.String("tracking_id", s.topic.LastConfirmed()), slog.String("err", err.Error()))
			return
		}
		s.e.log.WarnContext(s.ctx, "engine.replication.resubscribe", slog.String("err", err.Error()))
		err = s.e.retry(s.ctx, "log.subscribe", func() error {
			next, err := s.log.Subscribe(s.e.ctx, s.topic.LastConfirmed(), s.consume)
			if errors.Is(err, backend.ErrUnknownTrackingID) {
				return backoff.Permanent(err)
			}
			if err == nil {
				s.setSubscription(next)
			}
			return err
		})
		if err != nil {
			if s.e.ctx.Err() == nil {
				s.e.log.ErrorContext(s.ctx, "engine.replication.stopped", slog.String("err", err.Error()))
			}
			return
		}
		if s.e.closed.Load() {
			s.closeSubscription()
			return
		}
	}
}

func (s *slot) submit(c topic.Change) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	payload, err := topic.Encode(c)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if s.e.closed.Load() {
		return false, ErrEngineClosed
	}

	id := uuid.NewString()
	applied, err := s.topic.ApplyLocal(id, c)
	if err != nil {
		s.e.log.WarnContext(s.ctx, "engine.submit.listener_failed", slog.String("err", err.Error()))
	}

	start := time.Now()
	err = s.e.retry(s.ctx, "log.submit", func() error {
		return s.log.SubmitEvent(s.ctx, id, payload)
	})
	s.e.metrics.ObserveSubmit(time.Since(start), err)
	if err != nil {
		_ = s.topic.Abandon(id)
		s.e.log.ErrorContext(s.ctx, "engine.submit.fail", slog.String("type", string(c.Type)), slog.String("err", err.Error()))
		return false, fmt.Errorf("topicsync: submit %s: %w", c.Type, err)
	}
	s.e.metrics.Applied("local")
	return applied, nil
}

// consume is the topic log consumer.
func (s *slot) consume(ctx context.Context, trackingID string, payload []byte) error {
	c, err := topic.Decode(payload)
	if err != nil {
		s.e.log.WarnContext(s.ctx, "engine.replication.malformed_payload", slog.String("tracking_id", trackingID), slog.String("err", err.Error()))
		return nil
	}
	if err := s.topic.ApplyReplicated(trackingID, c); err != nil {
		s.e.log.WarnContext(s.ctx, "engine.replication.apply_failed", slog.String("tracking_id", trackingID), slog.String("err", err.Error()))
	}
	// A scoped write can reach the log after its node's incarnation ended.
	if c.ScopeNode != "" && s.e.departedIncarnation(c.ScopeNode) {
		if err := s.topic.RemoveNode(c.ScopeNode); err != nil {
			s.e.log.WarnContext(s.ctx, "engine.topic.remove_node_failed", slog.String("incarnation", c.ScopeNode), slog.String("err", err.Error()))
		}
	}
	s.e.metrics.Applied("replicated")
	_ = s.flushOthers(nil)
	s.maybeSnapshot()
	return nil
}

// maybeSnapshot submits a snapshot of the confirmed state when this node
// leads and enough events were replicated since the last one.
func (s *slot) maybeSnapshot() {
	every := int64(s.e.cfg.snapshotEvery)
	if every <= 0 || s.sinceSnapshot.Add(1) < every || !s.e.IsLeader() {
		return
	}
	s.sinceSnapshot.Store(0)

	snap := s.topic.ConfirmedSnapshot()
	payload, err := snap.Marshal()
	if err != nil {
		s.e.log.ErrorContext(s.ctx, "engine.snapshot.marshal_failed", slog.String("err", err.Error()))
		return
	}
	err = s.e.retry(s.ctx, "snapshot.submit", func() error {
		return s.e.b.SubmitSnapshot(s.ctx, s.id, payload)
	})
	if err != nil {
		s.e.log.ErrorContext(s.ctx, "engine.snapshot.submit_failed", slog.String("err", err.Error()))
		return
	}
	s.e.metrics.SnapshotTaken()
	s.e.log.DebugContext(s.ctx, "engine.snapshot.submitted", slog.String("tracking_id", snap.TrackingID), slog.Int("bytes", len(payload)))
}

// acquire counts an activating connection. The first one fires the topic
// activation handler after removing expired entries.
func (s *slot) acquire() {
	expired := false
	s.hookMu.Lock()
	s.active++
	if s.active == 1 {
		if !s.inactiveSince.IsZero() {
			expired = s.expire(s.e.cfg.now().Sub(s.inactiveSince))
		}
		s.e.metrics.TopicActive(true)
		s.e.log.DebugContext(s.ctx, "engine.topic.activated")
		if fn := s.e.cfg.onTopic; fn != nil {
			fn(s.id, true)
		}
	}
	s.hookMu.Unlock()

	// Delivery may close a connection, which releases it.
	if expired {
		_ = s.flushOthers(nil)
	}
}

// release counts a deactivating connection. The last one fires the topic
// activation handler.
func (s *slot) release() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if s.active == 0 {
		return
	}
	s.active--
	if s.active != 0 {
		return
	}
	s.inactiveSince = s.e.cfg.now()
	s.e.metrics.TopicActive(false)
	s.e.log.DebugContext(s.ctx, "engine.topic.deactivated")
	if fn := s.e.cfg.onTopic; fn != nil {
		fn(s.id, false)
	}
}

// expire removes the entries whose expiration inactiveFor exceeds and
// reports whether it removed any.
func (s *slot) expire(inactiveFor time.Duration) bool {
	changes := s.topic.Expired(inactiveFor)
	if len(changes) == 0 {
		return false
	}
	for _, c := range changes {
		if _, err := s.submit(c); err != nil {
			s.e.log.WarnContext(s.ctx, "engine.topic.expire_failed", slog.String("err", err.Error()))
			break
		}
	}
	s.e.log.InfoContext(s.ctx, "engine.topic.expired", slog.Int("entries", len(changes)), slog.Duration("inactive", inactiveFor))
	return true
}

// flushOthers schedules delivery of pending events on every connection but
// except. Errors from deliveries that ran synchronously are merged.
func (s *slot) flushOthers(except *Connection) error {
	conns := s.connections()
	others := conns[:0]
	for _, c := range conns {
		if c != except {
			others = append(others, c)
		}
	}
	return fanout.Fire(others, func(c *Connection) error { return c.scheduleFlush() })
}

func (s *slot) addConn(c *Connection) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *slot) removeConn(c *Connection) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (s *slot) connections() []*Connection {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *slot) status() TopicStatus {
	s.hookMu.Lock()
	active := s.active
	s.hookMu.Unlock()
	s.connMu.Lock()
	n := len(s.conns)
	s.connMu.Unlock()
	return TopicStatus{
		ID:                s.id,
		Connections:       n,
		ActiveConnections: active,
		PendingChanges:    s.topic.Pending(),
		LastTrackingID:    s.topic.LastConfirmed(),
	}
}
