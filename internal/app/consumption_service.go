package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tankwatch/internal/domain"
	"tankwatch/internal/metrics"
)

const storeWriteTimeout = 10 * time.Second

// ConsumptionService owns the in-memory tank states. It serializes
// evaluation and persistence per tank and mirrors every mutation to the
// StateRepository.
type ConsumptionService struct {
	repo         domain.StateRepository
	log          *zap.Logger
	metrics      *metrics.Metrics
	confirmAfter int
	parallelism  int
	now          func() time.Time

	locks *keyedMutex

	mu     sync.RWMutex
	states map[string]domain.TankState
	latest map[string]domain.Snapshot
}

// ServiceOption configures optional ConsumptionService dependencies.
type ServiceOption func(*ConsumptionService)

// WithMetrics records verdicts, totals and store failures.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *ConsumptionService) { s.metrics = m }
}

// WithConfirmAfter sets how many consistent readings confirm a large drop.
func WithConfirmAfter(n int) ServiceOption {
	return func(s *ConsumptionService) { s.confirmAfter = n }
}

// WithParallelism bounds how many tanks are evaluated concurrently.
func WithParallelism(n int) ServiceOption {
	return func(s *ConsumptionService) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *ConsumptionService) { s.now = now }
}

// NewConsumptionService creates a service backed by repo.
func NewConsumptionService(repo domain.StateRepository, log *zap.Logger, opts ...ServiceOption) *ConsumptionService {
	s := &ConsumptionService{
		repo:         repo,
		log:          log,
		confirmAfter: DefaultConfirmAfter,
		parallelism:  4,
		now:          time.Now,
		locks:        newKeyedMutex(),
		states:       make(map[string]domain.TankState),
		latest:       make(map[string]domain.Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores persisted states. It should run once before polling starts.
func (s *ConsumptionService) Load(ctx context.Context) error {
	states, err := s.repo.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("load tank states: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range states {
		s.states[id] = st
		s.latest[id] = domain.Snapshot{
			TankID:       id,
			State:        st,
			Verdict:      domain.VerdictUnknown,
			Availability: domain.AvailabilityUnavailable,
		}
	}
	s.log.Info("loaded tank states", zap.Int("tanks", len(states)))
	return nil
}

// Apply evaluates a fully parsed set of readings for one account. Tanks are
// processed concurrently; a bad reading for one tank never affects another.
func (s *ConsumptionService) Apply(ctx context.Context, acct Account, readings []domain.Reading, settings Settings) []domain.Snapshot {
	out := make([]domain.Snapshot, len(readings))
	g := new(errgroup.Group)
	g.SetLimit(s.parallelism)
	for i, r := range readings {
		g.Go(func() error {
			out[i] = s.evaluate(ctx, acct, r, settings)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *ConsumptionService) evaluate(ctx context.Context, acct Account, r domain.Reading, settings Settings) domain.Snapshot {
	unlock := s.locks.Lock(r.TankID)
	defer unlock()

	s.mu.RLock()
	prior, ok := s.states[r.TankID]
	s.mu.RUnlock()
	var priorPtr *domain.TankState
	if ok {
		priorPtr = &prior
	}

	capacity := 0.0
	if domain.Finite(r.Capacity) {
		capacity = *r.Capacity
	}
	policy := NewThresholdPolicy(acct.Region)
	bounds, err := policy.Compute(capacity, boundsWindow(settings.Interval, priorPtr, r.Timestamp), settings)
	if err != nil {
		bounds = policy.Fallback()
		s.log.Debug("threshold fallback", zap.String("tank", r.TankID), zap.Error(err))
	}

	ev := NewEngine(acct.Region, s.confirmAfter).Evaluate(r, priorPtr, bounds)
	now := s.now()
	s.metrics.ObserveVerdict(string(ev.Verdict))

	switch {
	case ev.Verdict != domain.VerdictGood:
		s.log.Info("tank data quality",
			zap.String("tank", r.TankID),
			zap.String("verdict", string(ev.Verdict)),
			zap.Float64p("volume", r.Volume),
			zap.Float64p("capacity", r.Capacity),
		)
	case ev.Refill:
		s.log.Info("tank refilled",
			zap.String("tank", r.TankID),
			zap.Float64("previous", prior.LastVolume),
			zap.Float64("current", ev.State.LastVolume),
		)
	case ev.Consumed > 0:
		s.log.Debug("tank consumption",
			zap.String("tank", r.TankID),
			zap.Float64("energy", ev.Consumed),
			zap.Float64("total", ev.State.CumulativeTotal),
		)
	}

	if ev.Changed {
		ev.State.UpdatedAt = now
		s.mu.Lock()
		s.states[r.TankID] = ev.State
		s.mu.Unlock()
		s.save(ctx, ev.State)
	}

	snap := buildSnapshot(acct, r, ev, bounds, now)
	s.metrics.SetConsumption(r.TankID, acct.Region.EnergyUnit, snap.State.CumulativeTotal, snap.State.Rate)

	s.mu.Lock()
	s.latest[r.TankID] = snap
	s.mu.Unlock()
	return snap
}

// boundsWindow is the span a drop accrued over: the poll interval, or the gap
// since the last evaluated reading when polls were missed, capped at a day.
func boundsWindow(interval time.Duration, prior *domain.TankState, at time.Time) time.Duration {
	if prior == nil || interval <= 0 {
		return interval
	}
	if gap := at.Sub(prior.LastTimestamp); gap > interval {
		return min(gap, MaxPollInterval)
	}
	return interval
}

// save writes state without inheriting cancellation, so a shutdown never
// interrupts a write halfway.
func (s *ConsumptionService) save(ctx context.Context, st domain.TankState) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := s.repo.SaveState(wctx, st); err != nil {
		s.metrics.StoreWriteFailed()
		s.log.Warn("save tank state failed", zap.String("tank", st.TankID), zap.Error(err))
	}
}

func buildSnapshot(acct Account, r domain.Reading, ev Evaluation, b domain.ThresholdBounds, now time.Time) domain.Snapshot {
	reading := r
	snap := domain.Snapshot{
		TankID:         r.TankID,
		AccountID:      acct.ID,
		State:          ev.State,
		Reading:        &reading,
		Verdict:        ev.Verdict,
		Bounds:         b,
		Availability:   domain.AvailabilityFresh,
		EnergyUnit:     acct.Region.EnergyUnit,
		DisplayTotal:   domain.EnergyToDisplay(ev.State.CumulativeTotal, acct.Region),
		DisplayUnit:    acct.Region.DisplayUnit,
		RefillDetected: ev.Refill,
		EvaluatedAt:    now,
	}
	if ev.State.Rate != nil {
		v := domain.EnergyToDisplay(*ev.State.Rate, acct.Region)
		snap.DisplayRate = &v
	}
	if days, ok := r.DaysSinceDelivery(now); ok {
		snap.DaysSinceDelivery = &days
	}
	return snap
}

// MarkAvailability flags every snapshot of an account and returns copies.
func (s *ConsumptionService) MarkAvailability(accountID string, a domain.Availability) []domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Snapshot
	for id, snap := range s.latest {
		if snap.AccountID != accountID {
			continue
		}
		snap.Availability = a
		s.latest[id] = snap
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out
}

// Snapshots returns the projection of every known tank ordered by id.
func (s *ConsumptionService) Snapshots() []domain.Snapshot {
	s.mu.RLock()
	out := make([]domain.Snapshot, 0, len(s.latest))
	for _, snap := range s.latest {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sortSnapshots(out)
	return out
}

// Snapshot returns the projection of one tank.
func (s *ConsumptionService) Snapshot(tankID string) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[tankID]
	if !ok {
		return domain.Snapshot{}, domain.ErrTankNotFound
	}
	return snap, nil
}

// State returns the current state of a tank.
func (s *ConsumptionService) State(tankID string) (domain.TankState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[tankID]
	return st, ok
}

// TankIDs returns the ids of tanks last seen on an account.
func (s *ConsumptionService) TankIDs(accountID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, snap := range s.latest {
		if snap.AccountID == accountID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Remove deletes a tank's state from memory and the store.
func (s *ConsumptionService) Remove(ctx context.Context, tankID string) error {
	unlock := s.locks.Lock(tankID)
	defer unlock()

	s.mu.Lock()
	_, hasState := s.states[tankID]
	snap, hasSnap := s.latest[tankID]
	if !hasState && !hasSnap {
		s.mu.Unlock()
		return domain.ErrTankNotFound
	}
	delete(s.states, tankID)
	delete(s.latest, tankID)
	s.mu.Unlock()

	s.metrics.ForgetTank(tankID, snap.EnergyUnit)
	if err := s.repo.DeleteState(ctx, tankID); err != nil {
		return fmt.Errorf("delete tank state: %w", err)
	}
	s.log.Info("tank removed", zap.String("tank", tankID))
	return nil
}

func sortSnapshots(s []domain.Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].TankID < s[j].TankID })
}
