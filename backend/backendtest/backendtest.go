// Package backendtest is a conformance suite for backend.Backend
// implementations.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ggoodman/topicsync/backend"
)

// Factory creates a new Backend for testing. Backends returned by successive
// calls must share logs and snapshots, as nodes of one cluster would.
type Factory func(t *testing.T) backend.Backend

// RunBackendTests runs the complete Backend test suite against factory.
func RunBackendTests(t *testing.T, factory Factory) {
	t.Run("Log_SubmitAndSubscribeFromBeginning", func(t *testing.T) { testSubscribeFromBeginning(t, factory) })
	t.Run("Log_ResumeAfterTrackingID", func(t *testing.T) { testResumeAfterTrackingID(t, factory) })
	t.Run("Log_LiveAfterReplayExactlyOnceInOrder", func(t *testing.T) { testLiveAfterReplay(t, factory) })
	t.Run("Log_DuplicateTrackingIDIgnored", func(t *testing.T) { testDuplicateTrackingID(t, factory) })
	t.Run("Log_IsolationBetweenLogs", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Log_ConsumerErrorStopsSubscription", func(t *testing.T) { testConsumerError(t, factory) })
	t.Run("Log_CloseStopsDelivery", func(t *testing.T) { testCloseStopsDelivery(t, factory) })
	t.Run("Log_UnknownTrackingID", func(t *testing.T) { testUnknownTrackingID(t, factory) })
	t.Run("Log_SharedAcrossNodes", func(t *testing.T) { testSharedAcrossNodes(t, factory) })

	t.Run("Snapshot_Missing", func(t *testing.T) { testSnapshotMissing(t, factory) })
	t.Run("Snapshot_LatestWins", func(t *testing.T) { testSnapshotLatest(t, factory) })

	t.Run("Membership_LogIsShared", func(t *testing.T) { testMembershipLog(t, factory) })
}

type record struct {
	ID   string
	Data string
}

// collector gathers delivered events and signals when n have arrived.
type collector struct {
	mu   sync.Mutex
	got  []record
	want int
	full chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, full: make(chan struct{})}
}

func (c *collector) consume(_ context.Context, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, record{ID: id, Data: string(payload)})
	if len(c.got) == c.want {
		close(c.full)
	}
	return nil
}

func (c *collector) records() []record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record(nil), c.got...)
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.full:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d events, have %d", c.want, len(c.records()))
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func uniqueName(prefix string) string { return prefix + "-" + uuid.NewString() }

func submitN(t *testing.T, ctx context.Context, log backend.EventLog, n int) []record {
	t.Helper()
	var out []record
	for i := 0; i < n; i++ {
		r := record{ID: uuid.NewString(), Data: fmt.Sprintf("payload-%d", i)}
		if err := log.SubmitEvent(ctx, r.ID, []byte(r.Data)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		out = append(out, r)
	}
	return out
}

func testSubscribeFromBeginning(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))

	want := submitN(t, ctx, log, 3)

	c := newCollector(3)
	sub, err := log.Subscribe(ctx, "", c.consume)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// History is delivered before Subscribe returns.
	if diff := cmp.Diff(want, c.records()); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
}

func testResumeAfterTrackingID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))

	all := submitN(t, ctx, log, 4)

	c := newCollector(2)
	sub, err := log.Subscribe(ctx, all[1].ID, c.consume)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if diff := cmp.Diff(all[2:], c.records()); diff != "" {
		t.Fatalf("resume mismatch (-want +got):\n%s", diff)
	}
}

func testLiveAfterReplay(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))

	history := submitN(t, ctx, log, 2)

	const live = 20
	c := newCollector(len(history) + live)
	sub, err := log.Subscribe(ctx, "", c.consume)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	later := submitN(t, ctx, log, live)
	c.wait(t)

	want := append(append([]record(nil), history...), later...)
	if diff := cmp.Diff(want, c.records()); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func testDuplicateTrackingID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))

	id := uuid.NewString()
	if err := log.SubmitEvent(ctx, id, []byte("first")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := log.SubmitEvent(ctx, id, []byte("second")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	c := newCollector(1)
	sub, err := log.Subscribe(ctx, "", c.consume)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if diff := cmp.Diff([]record{{ID: id, Data: "first"}}, c.records()); diff != "" {
		t.Fatalf("duplicate handling mismatch (-want +got):\n%s", diff)
	}
}

func testIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	logA := b.OpenEventLog(uniqueName("a"))
	logB := b.OpenEventLog(uniqueName("b"))

	wantA := submitN(t, ctx, logA, 2)
	wantB := submitN(t, ctx, logB, 1)

	ca, cb := newCollector(2), newCollector(1)
	subA, err := logA.Subscribe(ctx, "", ca.consume)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer subA.Close()
	subB, err := logB.Subscribe(ctx, "", cb.consume)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer subB.Close()

	if diff := cmp.Diff(wantA, ca.records()); diff != "" {
		t.Fatalf("log a mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantB, cb.records()); diff != "" {
		t.Fatalf("log b mismatch (-want +got):\n%s", diff)
	}
}

func testConsumerError(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))

	boom := errors.New("boom")
	var mu sync.Mutex
	calls := 0
	sub, err := log.Subscribe(ctx, "", func(context.Context, string, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return boom
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	submitN(t, ctx, log, 3)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not end after consumer error")
	}
	if !errors.Is(sub.Err(), boom) {
		t.Fatalf("Err() = %v, want %v", sub.Err(), boom)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("consumer invoked %d times, want 1", calls)
	}
}

func testCloseStopsDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))

	c := newCollector(1)
	sub, err := log.Subscribe(ctx, "", c.consume)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	submitN(t, ctx, log, 1)
	c.wait(t)

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Done not closed after Close")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("Err() after Close = %v, want nil", err)
	}

	submitN(t, ctx, log, 2)
	time.Sleep(100 * time.Millisecond)
	if n := len(c.records()); n != 1 {
		t.Fatalf("received %d events after close, want 1 total", n)
	}
}

func testUnknownTrackingID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := testContext(t)
	log := b.OpenEventLog(uniqueName("topic"))
	submitN(t, ctx, log, 1)

	_, err := log.Subscribe(ctx, "does-not-exist", func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, backend.ErrUnknownTrackingID) {
		t.Fatalf("Subscribe() error = %v, want ErrUnknownTrackingID", err)
	}
}

func testSharedAcrossNodes(t *testing.T, factory Factory) {
	a, b := factory(t), factory(t)
	if a.NodeID() == "" || a.NodeID() == b.NodeID() {
		t.Fatalf("node ids must be distinct and non-empty: %q %q", a.NodeID(), b.NodeID())
	}
	ctx := testContext(t)
	name := uniqueName("topic")

	c := newCollector(2)
	sub, err := b.OpenEventLog(name).Subscribe(ctx, "", c.consume)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := submitN(t, ctx, a.OpenEventLog(name), 2)
	c.wait(t)
	if diff := cmp.Diff(want, c.records()); diff != "" {
		t.Fatalf("cross-node mismatch (-want +got):\n%s", diff)
	}
}

func testSnapshotMissing(t *testing.T, factory Factory) {
	b := factory(t)
	_, found, err := b.LoadLatestSnapshot(testContext(t), uniqueName("snap"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatalf("expected no snapshot")
	}
}

func testSnapshotLatest(t *testing.T, factory Factory) {
	a, b := factory(t), factory(t)
	ctx := testContext(t)
	name := uniqueName("snap")

	if err := a.SubmitSnapshot(ctx, name, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.SubmitSnapshot(ctx, name, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, found, err := b.LoadLatestSnapshot(ctx, name)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("latest snapshot = %s", got)
	}
}

func testMembershipLog(t *testing.T, factory Factory) {
	a, b := factory(t), factory(t)
	ctx := testContext(t)

	var mu sync.Mutex
	var seen []backend.MembershipEvent
	found := make(chan struct{})
	var once sync.Once
	sub, err := b.MembershipLog().Subscribe(ctx, "", func(_ context.Context, _ string, payload []byte) error {
		ev, err := backend.DecodeMembershipEvent(payload)
		if err != nil {
			return nil
		}
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		if ev.NodeID == a.NodeID() {
			once.Do(func() { close(found) })
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	payload, err := backend.EncodeMembershipEvent(backend.MembershipEvent{Type: backend.Join, NodeID: a.NodeID()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.MembershipLog().SubmitEvent(ctx, uuid.NewString(), payload); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-found:
	case <-time.After(5 * time.Second):
		t.Fatalf("join of %s not observed", a.NodeID())
	}
}
