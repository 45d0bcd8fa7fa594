package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tankwatch/internal/domain"
)

// Manager runs one Scheduler per account and is the entry point for the
// presentation layer.
type Manager struct {
	svc        *ConsumptionService
	settings   *SettingsStore
	schedulers []*Scheduler
	log        *zap.Logger
}

// NewManager wires schedulers that share a consumption service and settings.
func NewManager(svc *ConsumptionService, settings *SettingsStore, log *zap.Logger, schedulers ...*Scheduler) *Manager {
	return &Manager{svc: svc, settings: settings, schedulers: schedulers, log: log}
}

// Run blocks until ctx is cancelled and every scheduler has stopped.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.schedulers {
		g.Go(func() error { return s.Run(ctx) })
	}
	return g.Wait()
}

// RequestRefresh polls every account now and waits for all of them. The
// returned error joins the per-account failures.
func (m *Manager) RequestRefresh(ctx context.Context) error {
	errs := make([]error, len(m.schedulers))
	g := new(errgroup.Group)
	for i, s := range m.schedulers {
		g.Go(func() error {
			if err := s.RequestRefresh(ctx); err != nil {
				errs[i] = fmt.Errorf("account %s: %w", s.acct.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Configure validates and stores new settings, then reschedules every
// account so the new interval takes effect without waiting out the old one.
func (m *Manager) Configure(next Settings) (Settings, error) {
	if err := m.settings.Set(next); err != nil {
		return Settings{}, err
	}
	for _, s := range m.schedulers {
		s.Reschedule()
	}
	m.log.Info("settings updated",
		zap.Duration("interval", next.Interval),
		zap.String("threshold_mode", string(next.ThresholdMode)),
		zap.Bool("include_unmonitored", next.IncludeUnmonitored),
	)
	return m.settings.Get(), nil
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	return m.settings.Get()
}

// Statuses returns scheduler status ordered by account id.
func (m *Manager) Statuses() []SchedulerStatus {
	out := make([]SchedulerStatus, 0, len(m.schedulers))
	for _, s := range m.schedulers {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Snapshots returns the projection of every tank.
func (m *Manager) Snapshots() []domain.Snapshot {
	return m.svc.Snapshots()
}

// Snapshot returns the projection of one tank.
func (m *Manager) Snapshot(tankID string) (domain.Snapshot, error) {
	return m.svc.Snapshot(tankID)
}

// RemoveTank deletes a tank's state. It reappears as new on its next reading.
func (m *Manager) RemoveTank(ctx context.Context, tankID string) error {
	return m.svc.Remove(ctx, tankID)
}

// Healthy reports whether at least one account has data that is fresh or
// still within the cache window. With no accounts it reports true.
func (m *Manager) Healthy() bool {
	if len(m.schedulers) == 0 {
		return true
	}
	for _, s := range m.schedulers {
		switch s.Status().Availability {
		case domain.AvailabilityFresh, domain.AvailabilityCached:
			return true
		}
	}
	return false
}
