package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/topicsync/license"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 3})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(Config{Client: client, KeyPrefix: "topicsync:test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Del(context.Background(), s.licenseKey(), s.statisticsKey()) })
	return s
}

func TestMissingDocuments(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.LoadLicense(ctx); !errors.Is(err, license.ErrInvalidLicense) {
		t.Fatalf("LoadLicense() error = %v", err)
	}
	st, err := s.LoadStatistics(ctx)
	if err != nil {
		t.Fatalf("LoadStatistics: %v", err)
	}
	if len(st.Periods) != 0 {
		t.Fatalf("expected empty statistics, got %v", st.Periods)
	}
}

func TestSaveMergesConcurrentNodes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := license.NewStatistics()
	a.Add("2030-01", "alice")
	b := license.NewStatistics()
	b.Add("2030-01", "bob")
	b.Add("2030-02", "carol")

	if err := s.SaveStatistics(ctx, a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := s.SaveStatistics(ctx, b); err != nil {
		t.Fatalf("save b: %v", err)
	}
	got, err := s.LoadStatistics(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := map[string][]string{"2030-01": {"alice", "bob"}, "2030-02": {"carol"}}
	if diff := cmp.Diff(want, got.Periods); diff != "" {
		t.Fatalf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestHandlerOverRedis(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	raw, err := license.Info{Quota: 1, EndDate: license.NewDate(2999, 1, 1)}.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := s.PutLicense(ctx, raw); err != nil {
		t.Fatalf("put license: %v", err)
	}
	h, err := license.NewHandler(ctx, s)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	ok, err := h.RegisterUser(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("RegisterUser() = %v, %v", ok, err)
	}
}
