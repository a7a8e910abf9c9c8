package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/topicsync/internal/fanout"
)

// DefaultGraceMultiple is the number of quotas admitted on top of the quota
// itself before new users are rejected.
const DefaultGraceMultiple = 10

// expiresSoonDays is how close to its end date a license starts warning.
const expiresSoonDays = 31

// Option configures a Handler.
type Option func(*Handler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithPeriodFunc replaces MonthlyPeriod.
func WithPeriodFunc(fn PeriodFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.period = fn
		}
	}
}

// WithGraceMultiple overrides DefaultGraceMultiple. Zero disables the grace
// allowance.
func WithGraceMultiple(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.graceMultiple = n
		}
	}
}

// WithTokenKey accepts license files holding a signed token, verified with
// key (see ParseToken).
func WithTokenKey(key any) Option {
	return func(h *Handler) { h.tokenKey = key }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// Handler decides user admission against a license and records usage.
type Handler struct {
	storage       Storage
	now           func() time.Time
	period        PeriodFunc
	graceMultiple int
	tokenKey      any
	log           *slog.Logger

	mu    sync.Mutex
	info  Info
	stats *Statistics
	fired map[string]struct{}

	handlers fanout.Set[EventHandler]
}

// NewHandler loads the license and statistics from storage. A missing,
// malformed or expired license and unreadable statistics are errors.
func NewHandler(ctx context.Context, storage Storage, opts ...Option) (*Handler, error) {
	h := &Handler{
		storage:       storage,
		now:           time.Now,
		period:        MonthlyPeriod,
		graceMultiple: DefaultGraceMultiple,
		log:           slog.Default(),
		fired:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	raw, err := storage.LoadLicense(ctx)
	if err != nil {
		return nil, err
	}
	info, err := h.parse(raw)
	if err != nil {
		return nil, err
	}
	if info.ExpiredOn(DateOf(h.now().UTC())) {
		return nil, fmt.Errorf("%w: license ended on %s", ErrLicenseExpired, info.EndDate)
	}
	stats, err := storage.LoadStatistics(ctx)
	if err != nil {
		return nil, err
	}
	h.info = info
	h.stats = stats
	return h, nil
}

// parse reads a descriptor, envelope or, with a token key, a signed token.
func (h *Handler) parse(raw []byte) (Info, error) {
	if h.tokenKey != nil && isToken(raw) {
		return parseToken(string(bytes.TrimSpace(raw)), h.tokenKey, h.now)
	}
	return ParseInfo(raw)
}

// Reload re-reads the license from storage and swaps it in.
func (h *Handler) Reload(ctx context.Context) (Info, error) {
	raw, err := h.storage.LoadLicense(ctx)
	if err != nil {
		return Info{}, err
	}
	info, err := h.parse(raw)
	if err != nil {
		return Info{}, err
	}
	if err := h.SetInfo(info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// OnEvent registers fn for license events.
func (h *Handler) OnEvent(fn EventHandler) (remove func()) {
	return h.handlers.Add(fn)
}

func (h *Handler) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// SetInfo swaps the license, for example after the license file was
// replaced. Expiry events may fire again for a license with a new key.
func (h *Handler) SetInfo(info Info) error {
	if err := info.validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if info.Key != h.info.Key || !info.EndDate.Equal(h.info.EndDate) {
		delete(h.fired, string(LicenseExpired))
		delete(h.fired, string(LicenseExpiresSoon))
	}
	h.info = info
	return nil
}

// Statistics returns a copy of the recorded usage.
func (h *Handler) Statistics() *Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.Clone()
}

// Capacity is the number of distinct users a period admits.
func (h *Handler) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info.Quota * (1 + h.graceMultiple)
}

// RegisterUser reports whether userID may connect in the current period,
// recording it when it is new. A rejection is not an error; the error is
// non-nil only when the usage could not be persisted, in which case the user
// is not admitted.
func (h *Handler) RegisterUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.New("license: empty user id")
	}
	// Day and period must agree on the zone at month boundaries.
	now := h.now().UTC()
	today := DateOf(now)
	period := h.period(now)

	var events []Event
	defer func() { h.fire(events) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.info.ExpiredOn(today) {
		events = h.eventLocked(events, LicenseExpired, "", today)
		return false, nil
	}
	if h.info.EndDate.AddDays(-expiresSoonDays).Before(today) {
		events = h.eventLocked(events, LicenseExpiresSoon, "", today)
	}

	if h.stats.Contains(period, userID) {
		return true, nil
	}

	n := len(h.stats.Periods[period])
	if n >= h.info.Quota*(1+h.graceMultiple) {
		events = h.eventLocked(events, GracePeriodEnded, period, today)
		return false, nil
	}
	if n >= h.info.Quota {
		events = h.eventLocked(events, GracePeriodStarted, period, today)
	}

	h.stats.Add(period, userID)
	if err := h.storage.SaveStatistics(ctx, h.stats); err != nil {
		h.stats.remove(period, userID)
		h.log.ErrorContext(ctx, "license.register_user.persist_failed",
			slog.String("period", period),
			slog.String("err", err.Error()))
		return false, fmt.Errorf("license: persist statistics: %w", err)
	}
	return true, nil
}

// eventLocked records t as fired and appends it unless it already fired.
// Expiry events fire once per license, grace events once per period.
func (h *Handler) eventLocked(events []Event, t EventType, period string, today Date) []Event {
	key := string(t)
	if period != "" {
		key += "/" + period
	}
	if _, ok := h.fired[key]; ok {
		return events
	}
	h.fired[key] = struct{}{}
	return append(events, Event{Type: t, Period: period, Date: today, Message: message(t, h.info)})
}

func (h *Handler) fire(events []Event) {
	for _, ev := range events {
		ev := ev
		h.log.Warn("license.event",
			slog.String("type", string(ev.Type)),
			slog.String("period", ev.Period),
			slog.String("msg", ev.Message))
		err := h.handlers.Fire(func(fn EventHandler) error {
			fn(ev)
			return nil
		}, false)
		if err != nil {
			h.log.Error("license.event.handler_failed", slog.String("err", err.Error()))
		}
	}
}
