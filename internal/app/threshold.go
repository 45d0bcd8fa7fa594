package app

import (
	"math"
	"time"

	"tankwatch/internal/domain"
)

const (
	// MinConsumptionFraction is the share of tank capacity per hour below which
	// a drop is treated as sensor noise (pilot lights).
	MinConsumptionFraction = 0.0001
	// MaxConsumptionFraction is the share of tank capacity per hour above which
	// a drop is implausible.
	MaxConsumptionFraction = 0.05

	minIntervalHours = 0.001
	maxFloorRatio    = 2.0
)

// ThresholdPolicy derives plausible per-interval consumption bounds for a
// region.
type ThresholdPolicy struct {
	region domain.Region
}

// NewThresholdPolicy creates a policy using the region's defaults and clamps.
func NewThresholdPolicy(r domain.Region) *ThresholdPolicy {
	return &ThresholdPolicy{region: r}
}

// Compute returns the bounds for a tank of the given capacity polled every
// interval. Invalid capacity or interval, or overrides that leave min >= max,
// yield an *domain.InvalidInputError.
func (p *ThresholdPolicy) Compute(capacity float64, interval time.Duration, s Settings) (domain.ThresholdBounds, error) {
	if s.ThresholdMode == domain.ThresholdFixed {
		return ordered(p.fixed(s))
	}
	if math.IsNaN(capacity) || math.IsInf(capacity, 0) || capacity <= 0 {
		return domain.ThresholdBounds{}, &domain.InvalidInputError{Field: "capacity", Value: capacity}
	}
	if interval <= 0 {
		return domain.ThresholdBounds{}, &domain.InvalidInputError{Field: "interval", Value: interval.Seconds()}
	}

	hours := math.Max(minIntervalHours, interval.Hours())
	minDelta := math.Max(p.region.AbsoluteMinDelta, capacity*MinConsumptionFraction*hours)
	maxDelta := capacity * MaxConsumptionFraction * hours
	if p.region.AbsoluteMaxDelta > 0 {
		maxDelta = math.Min(p.region.AbsoluteMaxDelta, maxDelta)
	}
	if s.MinDelta != nil {
		minDelta = *s.MinDelta
	}
	if s.MaxDelta != nil {
		maxDelta = *s.MaxDelta
	}
	// Bounds must never collapse to zero width.
	if s.MaxDelta == nil && maxDelta < minDelta*maxFloorRatio {
		maxDelta = minDelta * maxFloorRatio
	}
	return ordered(domain.ThresholdBounds{MinDelta: minDelta, MaxDelta: maxDelta, Mode: domain.ThresholdDynamic})
}

// Fallback returns the region's fixed defaults flagged as degraded. Used when
// Compute fails; overrides are ignored since they may be what failed.
func (p *ThresholdPolicy) Fallback() domain.ThresholdBounds {
	b := p.fixed(Settings{})
	b.Degraded = true
	return b
}

// Bounds computes dynamic bounds and falls back to fixed defaults on invalid
// input.
func (p *ThresholdPolicy) Bounds(capacity float64, interval time.Duration, s Settings) domain.ThresholdBounds {
	b, err := p.Compute(capacity, interval, s)
	if err != nil {
		return p.Fallback()
	}
	return b
}

func (p *ThresholdPolicy) fixed(s Settings) domain.ThresholdBounds {
	b := domain.ThresholdBounds{
		MinDelta: p.region.DefaultMinDelta,
		MaxDelta: p.region.DefaultMaxDelta,
		Mode:     domain.ThresholdFixed,
	}
	if s.MinDelta != nil {
		b.MinDelta = *s.MinDelta
	}
	if s.MaxDelta != nil {
		b.MaxDelta = *s.MaxDelta
	}
	return b
}

// ordered rejects bounds where a single override pushed min to or past max.
// The engine checks noise before implausibility, so inverted bounds would
// silently discard every drop.
func ordered(b domain.ThresholdBounds) (domain.ThresholdBounds, error) {
	if b.MinDelta >= b.MaxDelta {
		return domain.ThresholdBounds{}, &domain.InvalidInputError{Field: "minDelta", Value: b.MinDelta}
	}
	return b, nil
}
