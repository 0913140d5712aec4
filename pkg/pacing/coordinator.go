package pacing

import (
	"context"
	"errors"
	"math"
	"time"

	log "github.com/charmbracelet/log"
)

const (
	DefaultWindow = 60 * time.Second
	// DefaultMaxRequestsPerWindow is reported to callers only; pacing never
	// enforces a ceiling of its own.
	DefaultMaxRequestsPerWindow = 9999999
	DefaultRetryAfter           = 60 * time.Second

	saveAttempts = 3
)

// Status is the caller-facing view of the shared window.
type Status struct {
	Count                int   `json:"requests_in_window"`
	MaxRequestsPerWindow int   `json:"max_requests_per_window"`
	WindowMs             int64 `json:"window_ms"`
	Limited              bool  `json:"limited"`
	RetryAfterMs         int64 `json:"retry_after_ms,omitempty"`
	TimeUntilResetMs     int64 `json:"time_until_reset_ms"`
	RecommendedWaitMs    int64 `json:"recommended_wait_ms"`
	LastRequestTime      int64 `json:"last_request_time,omitempty"`
}

type Option func(*Coordinator)

func WithWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

func WithMinInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.minInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers fn to receive the status after every successful write.
func WithObserver(fn func(Status)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

type Coordinator struct {
	store       Store
	window      time.Duration
	minInterval time.Duration
	now         func() time.Time
	observers   []func(Status)
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Coordinator{
		store:  store,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Window() time.Duration {
	return c.window
}

// RecordRequest appends a send timestamp to the shared window.
func (c *Coordinator) RecordRequest(ctx context.Context, now time.Time) error {
	return c.update(ctx, now, func(s *State) {
		ms := now.UnixMilli()
		if n := len(s.RequestTimestamps); n > 0 && s.RequestTimestamps[n-1] > ms {
			// keep the list non-decreasing when clocks disagree between processes
			ms = s.RequestTimestamps[n-1]
		}
		s.RequestTimestamps = append(s.RequestTimestamps, ms)
		s.LastRequestTime = ms
	})
}

// MarkLimited records an upstream 429. A non-positive retryAfter falls back to DefaultRetryAfter.
func (c *Coordinator) MarkLimited(ctx context.Context, now time.Time, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	ms := retryAfter.Milliseconds()
	return c.update(ctx, now, func(s *State) {
		s.IsLimited = true
		s.RetryAfter = &ms
		s.LimitedAt = now.UnixMilli()
	})
}

// ClearLimited is called after a successful upstream response.
func (c *Coordinator) ClearLimited(ctx context.Context) error {
	now := c.now()
	snap, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if !snap.State.IsLimited {
		return nil
	}
	return c.update(ctx, now, func(s *State) { s.clearLimit() })
}

// Prune re-saves the shared record with expired entries removed.
func (c *Coordinator) Prune(ctx context.Context, now time.Time) error {
	return c.update(ctx, now, func(*State) {})
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	now := c.now()
	snap, err := c.store.Load(ctx)
	if err != nil {
		return c.status(State{}, now), err
	}
	st := snap.State
	st.Prune(now, c.window)
	return c.status(st, now), nil
}

func (c *Coordinator) status(st State, now time.Time) Status {
	nowMs := now.UnixMilli()
	out := Status{
		Count:                len(st.RequestTimestamps),
		MaxRequestsPerWindow: DefaultMaxRequestsPerWindow,
		WindowMs:             c.window.Milliseconds(),
		Limited:              st.IsLimited,
		LastRequestTime:      st.LastRequestTime,
	}
	if len(st.RequestTimestamps) > 0 {
		out.TimeUntilResetMs = max(0, st.RequestTimestamps[0]+out.WindowMs-nowMs)
	}
	if st.IsLimited && st.RetryAfter != nil {
		since := st.LimitedAt
		if since == 0 {
			since = st.LastRequestTime
		}
		out.RetryAfterMs = max(0, since+*st.RetryAfter-nowMs)
	}
	if c.minInterval > 0 && st.LastRequestTime > 0 {
		out.RecommendedWaitMs = max(0, c.minInterval.Milliseconds()-(nowMs-st.LastRequestTime))
	}
	if out.Limited && out.RetryAfterMs > out.RecommendedWaitMs {
		out.RecommendedWaitMs = out.RetryAfterMs
	}
	return out
}

// update runs a read-modify-write cycle, retrying version conflicts a few
// times before giving the update up.
func (c *Coordinator) update(ctx context.Context, now time.Time, mutate func(*State)) error {
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		snap, err := c.store.Load(ctx)
		if err != nil {
			return err
		}
		st := snap.State.clone()
		st.Prune(now, c.window)
		mutate(&st)
		err = c.store.Save(ctx, Snapshot{State: st, Version: snap.Version})
		if err == nil {
			c.notify(c.status(st, now))
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	log.Debug("pacing update lost to concurrent writers", "attempts", saveAttempts)
	return nil
}

func (c *Coordinator) notify(st Status) {
	for _, fn := range c.observers {
		fn(st)
	}
}

// RetryAfterFromSeconds converts an upstream Retry-After value in seconds.
func RetryAfterFromSeconds(secs float64) time.Duration {
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return DefaultRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}
