package license

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var farFuture = NewDate(2999, time.December, 31)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newHandler(t *testing.T, info Info, opts ...Option) (*Handler, *MemoryStorage) {
	t.Helper()
	raw, err := info.Marshal()
	if err != nil {
		t.Fatalf("marshal license: %v", err)
	}
	st := NewMemoryStorage(raw)
	h, err := NewHandler(context.Background(), st, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, st
}

type eventRecorder struct {
	mu     sync.Mutex
	events []EventType
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev.Type)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func TestQuotaAndGrace(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, time.March, 10, 12, 0, 0, 0, time.UTC)
	h, _ := newHandler(t, Info{Quota: 3, EndDate: farFuture}, WithClock(fixedClock(now)))
	var rec eventRecorder
	h.OnEvent(rec.handle)

	for i := 1; i <= 33; i++ {
		ok, err := h.RegisterUser(ctx, fmt.Sprintf("user-%d", i))
		if err != nil || !ok {
			t.Fatalf("user %d: RegisterUser() = %v, %v", i, ok, err)
		}
	}
	ok, err := h.RegisterUser(ctx, "user-34")
	if err != nil || ok {
		t.Fatalf("user 34: RegisterUser() = %v, %v; want rejection", ok, err)
	}
	for i := 1; i <= 3; i++ {
		ok, err := h.RegisterUser(ctx, fmt.Sprintf("user-%d", i))
		if err != nil || !ok {
			t.Fatalf("returning user %d rejected: %v, %v", i, ok, err)
		}
	}
	if diff := cmp.Diff([]EventType{GracePeriodStarted, GracePeriodEnded}, rec.types()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPeriodResetsCount(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, time.March, 31, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h, _ := newHandler(t, Info{Quota: 1, EndDate: farFuture}, WithClock(clock), WithGraceMultiple(0))

	if ok, _ := h.RegisterUser(ctx, "a"); !ok {
		t.Fatalf("first user rejected")
	}
	if ok, _ := h.RegisterUser(ctx, "b"); ok {
		t.Fatalf("second user admitted without grace")
	}
	now = now.AddDate(0, 0, 1)
	if ok, _ := h.RegisterUser(ctx, "b"); !ok {
		t.Fatalf("user rejected in new period")
	}
	want := map[string][]string{"2030-03": {"a"}, "2030-04": {"b"}}
	if diff := cmp.Diff(want, h.Statistics().Periods); diff != "" {
		t.Fatalf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomPeriodFunc(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t, Info{Quota: 1, EndDate: farFuture},
		WithPeriodFunc(func(time.Time) string { return "fixed" }))
	if ok, _ := h.RegisterUser(ctx, "a"); !ok {
		t.Fatalf("rejected")
	}
	if !h.Statistics().Contains("fixed", "a") {
		t.Fatalf("period func not used: %v", h.Statistics().Periods)
	}
}

func TestPersistsExactFormatBeforeReturning(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, time.January, 5, 0, 0, 0, 0, time.UTC)
	h, st := newHandler(t, Info{Quota: 10, EndDate: farFuture}, WithClock(fixedClock(now)))

	for _, u := range []string{"zed", "amy", "zed", "bob"} {
		if _, err := h.RegisterUser(ctx, u); err != nil {
			t.Fatalf("RegisterUser(%s): %v", u, err)
		}
	}
	if got, want := string(st.Raw()), `{"statistics":{"2030-01":["zed","amy","bob"]}}`; got != want {
		t.Fatalf("persisted %s, want %s", got, want)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h, st := newHandler(t, Info{Quota: 5, EndDate: farFuture})
	boom := errors.New("disk full")
	st.SaveErr = boom

	ok, err := h.RegisterUser(ctx, "alice")
	if ok || !errors.Is(err, boom) {
		t.Fatalf("RegisterUser() = %v, %v; want failure wrapping %v", ok, err, boom)
	}
	if len(h.Statistics().Periods) != 0 {
		t.Fatalf("failed registration left state behind: %v", h.Statistics().Periods)
	}

	st.SaveErr = nil
	if ok, err := h.RegisterUser(ctx, "alice"); !ok || err != nil {
		t.Fatalf("retry: %v, %v", ok, err)
	}
}

func TestStatisticsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	raw, _ := Info{Quota: 1, EndDate: farFuture}.MarshalEnvelope()
	if err := os.WriteFile(fs.LicensePath(), raw, 0o600); err != nil {
		t.Fatalf("write license: %v", err)
	}
	now := fixedClock(time.Date(2030, time.June, 1, 0, 0, 0, 0, time.UTC))

	h1, err := NewHandler(ctx, fs, WithClock(now), WithGraceMultiple(0))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if ok, _ := h1.RegisterUser(ctx, "alice"); !ok {
		t.Fatalf("alice rejected")
	}

	h2, err := NewHandler(ctx, fs, WithClock(now), WithGraceMultiple(0))
	if err != nil {
		t.Fatalf("NewHandler after restart: %v", err)
	}
	if ok, _ := h2.RegisterUser(ctx, "bob"); ok {
		t.Fatalf("quota not enforced across restart")
	}
	if ok, _ := h2.RegisterUser(ctx, "alice"); !ok {
		t.Fatalf("sticky user rejected after restart")
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	end := NewDate(2030, time.May, 31)
	now := time.Date(2030, time.May, 15, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h, _ := newHandler(t, Info{Quota: 5, EndDate: end}, WithClock(clock))
	var rec eventRecorder
	h.OnEvent(rec.handle)

	if ok, _ := h.RegisterUser(ctx, "a"); !ok {
		t.Fatalf("rejected before end date")
	}
	now = time.Date(2030, time.May, 31, 23, 0, 0, 0, time.UTC)
	if ok, _ := h.RegisterUser(ctx, "b"); !ok {
		t.Fatalf("rejected on the last day")
	}
	now = time.Date(2030, time.June, 1, 0, 0, 0, 0, time.UTC)
	if ok, _ := h.RegisterUser(ctx, "a"); ok {
		t.Fatalf("admitted after end date")
	}
	h.RegisterUser(ctx, "c")

	if diff := cmp.Diff([]EventType{LicenseExpiresSoon, LicenseExpired}, rec.types()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestDayAndPeriodUseUTC(t *testing.T) {
	ctx := context.Background()
	east := time.FixedZone("UTC-5", -5*3600)
	// 22:00 on Jan 31 at UTC-5 is already Feb 1 in UTC.
	late := time.Date(2030, time.January, 31, 22, 0, 0, 0, east)

	h, _ := newHandler(t, Info{Quota: 5, EndDate: farFuture}, WithClock(fixedClock(late)))
	if ok, err := h.RegisterUser(ctx, "a"); !ok || err != nil {
		t.Fatalf("RegisterUser() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(map[string][]string{"2030-02": {"a"}}, h.Statistics().Periods); diff != "" {
		t.Fatalf("periods mismatch (-want +got):\n%s", diff)
	}

	now := time.Date(2030, time.January, 30, 12, 0, 0, 0, east)
	clock := func() time.Time { return now }
	expiring, _ := newHandler(t, Info{Quota: 5, EndDate: NewDate(2030, time.January, 31)}, WithClock(clock))
	var rec eventRecorder
	expiring.OnEvent(rec.handle)
	now = late
	if ok, _ := expiring.RegisterUser(ctx, "a"); ok {
		t.Fatalf("admitted on the UTC day after the end date")
	}
	if diff := cmp.Diff([]EventType{LicenseExpired}, rec.types()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestExpiredAtStartupIsFatal(t *testing.T) {
	raw, _ := Info{Quota: 1, EndDate: NewDate(2020, time.January, 1)}.Marshal()
	_, err := NewHandler(context.Background(), NewMemoryStorage(raw),
		WithClock(fixedClock(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))))
	if !errors.Is(err, ErrLicenseExpired) {
		t.Fatalf("NewHandler() error = %v, want ErrLicenseExpired", err)
	}
}

func TestParseInfo(t *testing.T) {
	good, err := Info{Key: "k1", Owner: "Acme", Quota: 3, EndDate: NewDate(2030, 12, 31)}.MarshalEnvelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	cases := []struct {
		name    string
		data    string
		want    Info
		wantErr error
	}{
		{"bare", `{"quota": 3, "endDate": "2030-12-31"}`, Info{Quota: 3, EndDate: NewDate(2030, 12, 31)}, nil},
		{"envelope", string(good), Info{Key: "k1", Owner: "Acme", Quota: 3, EndDate: NewDate(2030, 12, 31)}, nil},
		{"tampered", `{"content":{"key":"k1","owner":"Acme","quota":300,"endDate":"2030-12-31"},"checksum":"` + checksumOf(t, good) + `"}`, Info{}, ErrChecksumMismatch},
		{"no checksum", `{"content":{"quota":3,"endDate":"2030-12-31"}}`, Info{}, ErrInvalidLicense},
		{"zero quota", `{"quota": 0, "endDate": "2030-12-31"}`, Info{}, ErrInvalidLicense},
		{"missing end", `{"quota": 3}`, Info{}, ErrInvalidLicense},
		{"bad date", `{"quota": 3, "endDate": "31.12.2030"}`, Info{}, ErrInvalidLicense},
		{"garbage", `not json`, Info{}, ErrInvalidLicense},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInfo([]byte(tc.data))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("ParseInfo() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInfo: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.Comparer(func(a, b Date) bool { return a.Equal(b) })); diff != "" {
				t.Fatalf("info mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func checksumOf(t *testing.T, envelope []byte) string {
	t.Helper()
	var env struct {
		Checksum string `json:"checksum"`
	}
	if err := json.Unmarshal(envelope, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Checksum
}

func TestParseStatisticsRejectsCorruptFiles(t *testing.T) {
	for _, data := range []string{`{}`, `{"statistics": null}`, `{"statistics": []}`, `[`} {
		if _, err := ParseStatistics([]byte(data)); !errors.Is(err, ErrCorruptStatistics) {
			t.Fatalf("ParseStatistics(%s) error = %v", data, err)
		}
	}
	s, err := ParseStatistics([]byte(`{"statistics":{"2030-02":["b","a","b"],"2030-01":["c"]}}`))
	if err != nil {
		t.Fatalf("ParseStatistics: %v", err)
	}
	out, _ := s.Marshal()
	if got, want := string(out), `{"statistics":{"2030-01":["c"],"2030-02":["b","a"]}}`; got != want {
		t.Fatalf("Marshal() = %s, want %s", got, want)
	}
}

func TestSignedTokenLicense(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	info := Info{Key: "lic-1", Owner: "Acme", Quota: 2, EndDate: farFuture}
	token, err := SignToken(info, priv)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}

	got, err := ParseToken(token, pub)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if got.Key != "lic-1" || got.Quota != 2 || !got.EndDate.Equal(farFuture) {
		t.Fatalf("ParseToken() = %+v", got)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	if _, err := ParseToken(token, otherPub); !errors.Is(err, ErrInvalidLicense) {
		t.Fatalf("wrong key: error = %v", err)
	}

	h, err := NewHandler(context.Background(), NewMemoryStorage([]byte(token+"\n")), WithTokenKey(pub))
	if err != nil {
		t.Fatalf("NewHandler with token: %v", err)
	}
	if h.Info().Quota != 2 {
		t.Fatalf("handler info = %+v", h.Info())
	}
}

func TestExpiredTokenLicense(t *testing.T) {
	secret := []byte("s3cret")
	token, err := SignToken(Info{Quota: 1, EndDate: NewDate(2020, 1, 1)}, secret)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	if _, err := ParseToken(token, secret); !errors.Is(err, ErrLicenseExpired) {
		t.Fatalf("ParseToken() error = %v, want ErrLicenseExpired", err)
	}
}

func TestWatcherReloadsLicense(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	write := func(quota int) {
		raw, _ := Info{Quota: quota, EndDate: farFuture}.Marshal()
		if err := os.WriteFile(fs.LicensePath(), raw, 0o600); err != nil {
			t.Fatalf("write license: %v", err)
		}
	}
	write(1)
	h, err := NewHandler(ctx, fs)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	reloaded := make(chan Info, 16)
	w, err := Watch(ctx, h, filepath.Join(dir, LicenseFileName), func(info Info, err error) {
		if err == nil {
			reloaded <- info
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	write(7)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case info := <-reloaded:
			if info.Quota == 7 {
				if h.Info().Quota != 7 {
					t.Fatalf("handler not updated")
				}
				return
			}
		case <-deadline:
			t.Fatalf("license change not picked up")
		}
	}
}
