// Package domain contains the core tank telemetry entities and ports.
package domain

import (
	"math"
	"time"
)

// VolumeOvershootTolerance is how far a reported volume may exceed the tank
// capacity before the reading is considered inconsistent.
const VolumeOvershootTolerance = 1.02

// LevelVolumeTolerance is the maximum relative variance between the reported
// volume and the volume implied by the fill level.
const LevelVolumeTolerance = 0.10

// Reading is one normalized tank snapshot produced by a portal client.
// Optional numeric fields are nil when the portal did not report them.
type Reading struct {
	TankID         string     `json:"tankId"`
	Timestamp      time.Time  `json:"timestamp"`
	LevelPercent   *float64   `json:"levelPercent,omitempty"`
	Volume         *float64   `json:"volume,omitempty"`
	Capacity       *float64   `json:"capacity,omitempty"`
	LastDelivery   *time.Time `json:"lastDelivery,omitempty"`
	UnitPrice      *float64   `json:"unitPrice,omitempty"`
	ReadingDate    *time.Time `json:"readingDate,omitempty"`
	Name           string     `json:"name,omitempty"`
	Address        string     `json:"address,omitempty"`
	SerialNumber   string     `json:"serialNumber,omitempty"`
	OnDeliveryPlan bool       `json:"onDeliveryPlan"`
}

// Float returns a pointer to v, for building optional reading fields.
func Float(v float64) *float64 {
	return &v
}

// Finite reports whether p is present and holds a finite number.
func Finite(p *float64) bool {
	return p != nil && !math.IsNaN(*p) && !math.IsInf(*p, 0)
}

// DaysSinceDelivery returns whole days between the last delivery and now.
func (r Reading) DaysSinceDelivery(now time.Time) (int, bool) {
	if r.LastDelivery == nil {
		return 0, false
	}
	return int(now.Sub(*r.LastDelivery).Hours() / 24), true
}
