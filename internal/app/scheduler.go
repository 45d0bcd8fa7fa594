package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tankwatch/internal/domain"
	"tankwatch/internal/metrics"
)

// Account is one portal login and the region its readings belong to.
type Account struct {
	ID     string
	Region domain.Region
	Source domain.ReadingSource
}

// PollState is the scheduler's position in its fetch cycle.
type PollState string

const (
	StateIdle      PollState = "idle"
	StateFetching  PollState = "fetching"
	StateSucceeded PollState = "succeeded"
	StateFailed    PollState = "failed"
)

// SchedulerConfig holds the cadence limits. Zero values take defaults.
type SchedulerConfig struct {
	RetryBase         time.Duration
	RetryMax          time.Duration
	FetchTimeout      time.Duration
	StaleAfter        time.Duration
	MaintenanceDelay  time.Duration
	PruneMissingAfter int
}

const (
	DefaultRetryMax         = time.Hour
	DefaultFetchTimeout     = 2 * time.Minute
	DefaultStaleAfter       = 4 * time.Hour
	DefaultMaintenanceDelay = time.Hour
)

func (c SchedulerConfig) withDefaults(r domain.Region) SchedulerConfig {
	if c.RetryBase <= 0 {
		c.RetryBase = r.RetryInterval
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaintenanceDelay <= 0 {
		c.MaintenanceDelay = DefaultMaintenanceDelay
	}
	return c
}

// CacheEntry is the last successful fetch of an account.
type CacheEntry struct {
	Readings  []domain.Reading
	FetchedAt time.Time
}

// SchedulerStatus is a point-in-time view of one account's polling.
type SchedulerStatus struct {
	AccountID           string              `json:"accountId"`
	Region              string              `json:"region"`
	State               PollState           `json:"state"`
	Availability        domain.Availability `json:"availability"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	NextDelay           time.Duration       `json:"nextDelay"`
	LastAttempt         time.Time           `json:"lastAttempt"`
	LastSuccess         time.Time           `json:"lastSuccess"`
	LastError           string              `json:"lastError,omitempty"`
	AuthFailed          bool                `json:"authFailed"`
	CachedAt            *time.Time          `json:"cachedAt,omitempty"`
	// Orders is the last delivery history total, for portals that expose one.
	Orders              *domain.OrderTotals `json:"orders,omitempty"`
}

// Scheduler drives periodic polling of one account.
type Scheduler struct {
	acct     Account
	cfg      SchedulerConfig
	settings *SettingsStore
	svc      *ConsumptionService
	pubs     []domain.Publisher
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	sf     singleflight.Group
	wake   chan time.Duration
	baseMu sync.Mutex
	base   context.Context

	mu      sync.Mutex
	status  SchedulerStatus
	cache   *CacheEntry
	missing map[string]int
}

// SchedulerOption configures optional Scheduler dependencies.
type SchedulerOption func(*Scheduler)

// WithPublishers adds downstream sinks notified after every cycle.
func WithPublishers(p ...domain.Publisher) SchedulerOption {
	return func(s *Scheduler) { s.pubs = append(s.pubs, p...) }
}

// WithSchedulerMetrics records poll results and delays.
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerClock overrides time.Now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler for one account.
func NewScheduler(acct Account, cfg SchedulerConfig, settings *SettingsStore, svc *ConsumptionService, log *zap.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		acct:     acct,
		cfg:      cfg.withDefaults(acct.Region),
		settings: settings,
		svc:      svc,
		log:      log.With(zap.String("account", acct.ID)),
		now:      time.Now,
		wake:     make(chan time.Duration, 1),
		base:     context.Background(),
		missing:  make(map[string]int),
	}
	s.status = SchedulerStatus{
		AccountID:    acct.ID,
		Region:       acct.Region.Code,
		State:        StateIdle,
		Availability: domain.AvailabilityUnavailable,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls immediately and then on the computed cadence until ctx is done.
// After an authentication failure it waits for RequestRefresh or Reschedule.
func (s *Scheduler) Run(ctx context.Context) error {
	s.baseMu.Lock()
	s.base = ctx
	s.baseMu.Unlock()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-timer.C:
			delay, latched := s.cycle(ctx)
			if !latched {
				timer.Reset(delay)
			}
		case delay := <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if delay >= 0 {
				timer.Reset(delay)
			}
		}
	}
}

// RequestRefresh performs an out-of-band poll and waits for it. Concurrent
// requests share a single fetch.
func (s *Scheduler) RequestRefresh(ctx context.Context) error {
	ch := s.sf.DoChan("cycle", func() (any, error) {
		delay, latched := s.poll(s.baseContext())
		if latched {
			delay = -1
		}
		return delay, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		s.notify(res.Val.(time.Duration))
		st := s.Status()
		if st.AuthFailed {
			return &domain.AuthError{Msg: st.LastError}
		}
		if st.State == StateFailed {
			return errors.New(st.LastError)
		}
		return nil
	}
}

// Reschedule recomputes the next poll after a settings change. It also
// clears an authentication latch so polling resumes.
func (s *Scheduler) Reschedule() {
	s.mu.Lock()
	st := s.status
	s.status.AuthFailed = false
	s.mu.Unlock()

	var delay time.Duration
	switch {
	case st.AuthFailed || st.LastAttempt.IsZero():
		delay = 0
	case st.State == StateFailed:
		delay = st.NextDelay - s.now().Sub(st.LastAttempt)
	default:
		delay = s.settings.Get().Interval - s.now().Sub(st.LastAttempt)
	}
	if delay < 0 {
		delay = 0
	}
	s.notify(delay)
}

func (s *Scheduler) notify(delay time.Duration) {
	select {
	case s.wake <- delay:
	default:
		select {
		case <-s.wake:
		default:
		}
		select {
		case s.wake <- delay:
		default:
		}
	}
}

func (s *Scheduler) baseContext() context.Context {
	s.baseMu.Lock()
	defer s.baseMu.Unlock()
	return s.base
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.cache != nil {
		t := s.cache.FetchedAt
		st.CachedAt = &t
	}
	return st
}

// Cache returns the last successful fetch, if any.
func (s *Scheduler) Cache() (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return CacheEntry{}, false
	}
	return *s.cache, true
}

func (s *Scheduler) cycle(ctx context.Context) (time.Duration, bool) {
	v, _, _ := s.sf.Do("cycle", func() (any, error) {
		delay, latched := s.poll(ctx)
		if latched {
			delay = -1
		}
		return delay, nil
	})
	delay := v.(time.Duration)
	return delay, delay < 0
}

// poll runs one fetch cycle and returns the delay before the next one. The
// second result is true when polling must stop until reconfigured.
func (s *Scheduler) poll(ctx context.Context) (time.Duration, bool) {
	cycleID := uuid.NewString()
	log := s.log.With(zap.String("cycle", cycleID))
	settings := s.settings.Get()

	s.mu.Lock()
	s.status.State = StateFetching
	s.status.LastAttempt = s.now()
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	readings, err := s.acct.Source.FetchReadings(fetchCtx)
	timedOut := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	if err == nil && !timedOut {
		s.fetchOrders(fetchCtx, log)
	}
	cancel()

	if ctx.Err() != nil {
		// Shutting down: whatever arrived is discarded.
		s.mu.Lock()
		s.status.State = StateIdle
		s.mu.Unlock()
		return 0, true
	}
	if timedOut && !errors.As(err, new(*domain.AuthError)) {
		err = &domain.TransientError{Msg: "fetch timed out", Err: context.DeadlineExceeded}
	}
	if err != nil {
		return s.onFailure(ctx, log, err)
	}
	return s.onSuccess(ctx, log, readings, settings), false
}

// fetchOrders refreshes the delivery history when the source has one. A
// failure keeps the previous totals and never fails the cycle.
func (s *Scheduler) fetchOrders(ctx context.Context, log *zap.Logger) {
	src, ok := s.acct.Source.(domain.OrderSource)
	if !ok {
		return
	}
	totals, err := src.FetchOrders(ctx)
	if err != nil {
		log.Warn("order history unavailable", zap.Error(err))
		return
	}
	totals.FetchedAt = s.now()
	s.mu.Lock()
	s.status.Orders = &totals
	s.mu.Unlock()
	if totals.AveragePrice != nil {
		s.metrics.SetAveragePrice(s.acct.ID, *totals.AveragePrice)
	}
}

func (s *Scheduler) onSuccess(ctx context.Context, log *zap.Logger, readings []domain.Reading, settings Settings) time.Duration {
	now := s.now()
	kept := make([]domain.Reading, 0, len(readings))
	for _, r := range readings {
		if r.TankID == "" {
			log.Warn("reading without tank id skipped")
			continue
		}
		if !settings.IncludeUnmonitored && !r.OnDeliveryPlan {
			log.Debug("skipping unmonitored tank", zap.String("tank", r.TankID))
			continue
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		kept = append(kept, r)
	}

	delay := settings.Interval
	s.mu.Lock()
	s.cache = &CacheEntry{Readings: kept, FetchedAt: now}
	s.status.State = StateSucceeded
	s.status.Availability = domain.AvailabilityFresh
	s.status.ConsecutiveFailures = 0
	s.status.NextDelay = delay
	s.status.LastSuccess = now
	s.status.LastError = ""
	s.status.AuthFailed = false
	s.mu.Unlock()

	snaps := s.svc.Apply(ctx, s.acct, kept, settings)
	s.prune(ctx, log, kept)

	s.metrics.ObservePoll(s.acct.ID, "success")
	s.metrics.SetNextDelay(s.acct.ID, delay.Seconds())
	log.Info("poll succeeded", zap.Int("tanks", len(kept)), zap.Duration("next", delay))
	s.publish(ctx, log, snaps)
	return delay
}

func (s *Scheduler) onFailure(ctx context.Context, log *zap.Logger, err error) (time.Duration, bool) {
	now := s.now()

	if domain.IsAuth(err) {
		s.mu.Lock()
		s.status.State = StateFailed
		s.status.Availability = domain.AvailabilityAuthFailed
		s.status.AuthFailed = true
		s.status.LastError = err.Error()
		s.status.NextDelay = 0
		s.mu.Unlock()

		s.metrics.ObservePoll(s.acct.ID, "auth_error")
		log.Error("portal rejected credentials; polling paused until reconfigured", zap.Error(err))
		s.publish(ctx, log, s.svc.MarkAvailability(s.acct.ID, domain.AvailabilityAuthFailed))
		return 0, true
	}

	s.mu.Lock()
	s.status.ConsecutiveFailures++
	failures := s.status.ConsecutiveFailures
	delay := Backoff(s.cfg.RetryBase, s.cfg.RetryMax, failures)
	if domain.IsMaintenance(err) && delay < s.cfg.MaintenanceDelay {
		delay = s.cfg.MaintenanceDelay
	}
	availability := domain.AvailabilityUnavailable
	if s.cache != nil && now.Sub(s.cache.FetchedAt) < s.cfg.StaleAfter {
		availability = domain.AvailabilityCached
	}
	s.status.State = StateFailed
	s.status.Availability = availability
	s.status.NextDelay = delay
	s.status.LastError = err.Error()
	s.mu.Unlock()

	var pe *domain.ParseError
	fields := []zap.Field{
		zap.Error(err),
		zap.Int("failures", failures),
		zap.Duration("next", delay),
		zap.String("availability", string(availability)),
	}
	switch {
	case errors.As(err, &pe):
		s.metrics.ObservePoll(s.acct.ID, "parse_error")
		log.Warn("portal response could not be parsed", append(fields, zap.String("body", truncate(pe.Body, 512)))...)
	default:
		var te *domain.TransientError
		if errors.As(err, &te) {
			s.metrics.ObservePoll(s.acct.ID, "transient_error")
		} else {
			s.metrics.ObservePoll(s.acct.ID, "error")
		}
		log.Warn("poll failed", fields...)
	}
	s.metrics.SetNextDelay(s.acct.ID, delay.Seconds())

	s.publish(ctx, log, s.svc.MarkAvailability(s.acct.ID, availability))
	return delay, false
}

// prune removes tanks missing from PruneMissingAfter consecutive successful
// fetches.
func (s *Scheduler) prune(ctx context.Context, log *zap.Logger, readings []domain.Reading) {
	if s.cfg.PruneMissingAfter <= 0 {
		return
	}
	seen := make(map[string]bool, len(readings))
	for _, r := range readings {
		seen[r.TankID] = true
		delete(s.missing, r.TankID)
	}
	for _, id := range s.svc.TankIDs(s.acct.ID) {
		if seen[id] {
			continue
		}
		s.missing[id]++
		if s.missing[id] < s.cfg.PruneMissingAfter {
			continue
		}
		delete(s.missing, id)
		if err := s.svc.Remove(ctx, id); err != nil && !errors.Is(err, domain.ErrTankNotFound) {
			log.Warn("prune tank failed", zap.String("tank", id), zap.Error(err))
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, log *zap.Logger, snaps []domain.Snapshot) {
	if len(snaps) == 0 {
		return
	}
	for _, p := range s.pubs {
		if err := p.Publish(ctx, snaps); err != nil {
			s.metrics.PublishFailed(publisherName(p))
			log.Warn("publish snapshots failed", zap.String("sink", publisherName(p)), zap.Error(err))
		}
	}
}

// Backoff returns base doubled for every failure after the first, capped at
// max.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return min(base, max)
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}

type named interface{ Name() string }

func publisherName(p domain.Publisher) string {
	if n, ok := p.(named); ok {
		return n.Name()
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
