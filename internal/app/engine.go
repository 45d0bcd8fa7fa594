package app

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"tankwatch/internal/domain"
)

// DefaultConfirmAfter is how many consecutive consistent readings confirm an
// implausibly large drop.
const DefaultConfirmAfter = 3

// Evaluation is the outcome of evaluating one reading against prior state.
type Evaluation struct {
	State   domain.TankState
	Verdict domain.Verdict
	// Changed is set when a persisted field differs from the prior state.
	Changed bool
	Refill  bool
	// Consumed is the energy added to the cumulative total.
	Consumed float64
}

// Engine reconciles readings with prior tank state. It is pure: all state is
// passed in and returned, so callers serialize evaluations per tank.
type Engine struct {
	region       domain.Region
	confirmAfter int
}

// NewEngine creates an engine for a region. confirmAfter <= 0 disables
// acceptance of confirmed large drops.
func NewEngine(r domain.Region, confirmAfter int) *Engine {
	return &Engine{region: r, confirmAfter: confirmAfter}
}

// Evaluate applies one reading. On any verdict other than Good the cumulative
// total and last volume are left untouched.
func (e *Engine) Evaluate(r domain.Reading, prior *domain.TankState, b domain.ThresholdBounds) Evaluation {
	if v := e.validate(r); v != domain.VerdictGood {
		return unchanged(prior, r.TankID, v)
	}
	volume := *r.Volume

	if prior == nil {
		return Evaluation{
			State: domain.TankState{
				TankID:        r.TankID,
				LastVolume:    volume,
				LastTimestamp: r.Timestamp,
			},
			Verdict: domain.VerdictGood,
			Changed: true,
		}
	}

	next := *prior
	next.TankID = r.TankID
	raw := prior.LastVolume - volume

	switch {
	case raw < 0:
		next.LastVolume = volume
		next.LastTimestamp = r.Timestamp
		next.Rate = domain.Float(0)
		clearPending(&next)
		return e.result(prior, next, domain.VerdictGood, true, 0)

	case raw == 0:
		next.LastTimestamp = r.Timestamp
		next.Rate = domain.Float(0)
		clearPending(&next)
		return e.result(prior, next, domain.VerdictGood, false, 0)

	case raw < b.MinDelta:
		next.LastTimestamp = r.Timestamp
		clearPending(&next)
		return e.result(prior, next, domain.VerdictGood, false, 0)

	case raw > b.MaxDelta:
		if e.confirmAfter > 0 && (next.PendingCount == 0 || next.PendingSince.IsZero()) {
			next.PendingSince = prior.LastTimestamp
		}
		if e.confirm(&next, volume, b) {
			// The drop accrued over the whole chain, not since the last rejection.
			return e.accept(prior, next, r, raw, next.PendingSince)
		}
		next.LastTimestamp = r.Timestamp
		return e.result(prior, next, domain.VerdictInconsistentValues, false, 0)
	}

	return e.accept(prior, next, r, raw, prior.LastTimestamp)
}

func (e *Engine) accept(prior *domain.TankState, next domain.TankState, r domain.Reading, raw float64, since time.Time) Evaluation {
	energy := domain.VolumeToEnergy(raw, e.region)
	total := prior.CumulativeTotal + energy
	if !finite(energy) || !finite(total) || energy < 0 {
		return unchanged(prior, r.TankID, domain.VerdictCalculationError)
	}

	var rate *float64
	if elapsed := r.Timestamp.Sub(since).Hours(); elapsed > 0 {
		v := energy / elapsed
		if !finite(v) {
			return unchanged(prior, r.TankID, domain.VerdictCalculationError)
		}
		rounded, _ := decimal.NewFromFloat(v).Round(4).Float64()
		rate = &rounded
	}

	next.CumulativeTotal = total
	next.LastVolume = *r.Volume
	next.LastTimestamp = r.Timestamp
	next.Rate = rate
	clearPending(&next)
	return e.result(prior, next, domain.VerdictGood, false, energy)
}

// confirm tracks a chain of readings that all agree with a rejected large
// drop. It reports true once the chain is long enough to accept the drop.
func (e *Engine) confirm(next *domain.TankState, volume float64, b domain.ThresholdBounds) bool {
	if e.confirmAfter <= 0 {
		return false
	}
	consistent := next.PendingCount > 0 &&
		volume <= next.PendingVolume+b.MinDelta &&
		next.PendingVolume-volume <= b.MaxDelta
	if consistent {
		next.PendingCount++
	} else {
		next.PendingCount = 1
	}
	next.PendingVolume = volume
	return next.PendingCount >= e.confirmAfter
}

func (e *Engine) validate(r domain.Reading) domain.Verdict {
	if !domain.Finite(r.Capacity) || *r.Capacity <= 0 {
		return domain.VerdictInvalidTankSize
	}
	capacity := *r.Capacity
	if e.region.TankSizeMax > 0 && (capacity < e.region.TankSizeMin || capacity > e.region.TankSizeMax) {
		return domain.VerdictInvalidTankSize
	}
	if !domain.Finite(r.Volume) || *r.Volume < 0 {
		return domain.VerdictInvalidLevel
	}
	if r.LevelPercent != nil && (!domain.Finite(r.LevelPercent) || *r.LevelPercent < 0 || *r.LevelPercent > 100) {
		return domain.VerdictInvalidLevel
	}

	volume := *r.Volume
	if volume > capacity*domain.VolumeOvershootTolerance {
		return domain.VerdictInconsistentValues
	}
	if r.LevelPercent != nil {
		expected := *r.LevelPercent * capacity / 100
		if expected > 0 && math.Abs(volume-expected)/expected > domain.LevelVolumeTolerance {
			return domain.VerdictInconsistentValues
		}
	}
	return domain.VerdictGood
}

func (e *Engine) result(prior *domain.TankState, next domain.TankState, v domain.Verdict, refill bool, consumed float64) Evaluation {
	return Evaluation{
		State:    next,
		Verdict:  v,
		Changed:  persistedChanged(*prior, next),
		Refill:   refill,
		Consumed: consumed,
	}
}

func unchanged(prior *domain.TankState, tankID string, v domain.Verdict) Evaluation {
	if prior == nil {
		return Evaluation{State: domain.TankState{TankID: tankID}, Verdict: v}
	}
	return Evaluation{State: *prior, Verdict: v}
}

func clearPending(s *domain.TankState) {
	s.PendingVolume = 0
	s.PendingCount = 0
	s.PendingSince = time.Time{}
}

func persistedChanged(a, b domain.TankState) bool {
	return a.CumulativeTotal != b.CumulativeTotal ||
		a.LastVolume != b.LastVolume ||
		!a.LastTimestamp.Equal(b.LastTimestamp) ||
		a.PendingVolume != b.PendingVolume ||
		a.PendingCount != b.PendingCount ||
		!a.PendingSince.Equal(b.PendingSince)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
