package domain

import "time"

// StateSchemaVersion is the version written with every persisted TankState.
// Version 1 records lack the pending confirmation fields; version 2 lacks
// PendingSince.
const StateSchemaVersion = 3

// TankState is the persisted consumption state for one tank. CumulativeTotal
// is expressed in the region's energy unit; volumes in native volume units.
type TankState struct {
	TankID          string    `json:"tankId"`
	CumulativeTotal float64   `json:"cumulativeTotal"`
	LastVolume      float64   `json:"lastVolume"`
	LastTimestamp   time.Time `json:"lastTimestamp"`
	Rate            *float64  `json:"rate,omitempty"`
	PendingVolume   float64   `json:"pendingVolume,omitempty"`
	PendingCount    int       `json:"pendingCount,omitempty"`
	// PendingSince is LastTimestamp as it was before the first rejected
	// reading of the pending chain.
	PendingSince    time.Time `json:"pendingSince,omitzero"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ThresholdMode selects how plausibility bounds are derived.
type ThresholdMode string

const (
	ThresholdDynamic ThresholdMode = "dynamic"
	ThresholdFixed   ThresholdMode = "fixed"
)

// Valid reports whether m is a known mode.
func (m ThresholdMode) Valid() bool {
	return m == ThresholdDynamic || m == ThresholdFixed
}

// ThresholdBounds is the plausible consumption range for one polling interval,
// in native volume units.
type ThresholdBounds struct {
	MinDelta float64       `json:"minDelta"`
	MaxDelta float64       `json:"maxDelta"`
	Mode     ThresholdMode `json:"mode"`
	Degraded bool          `json:"degraded"`
}

// Verdict is the data-quality classification of one evaluation. It is
// attached to output and never returned as an error.
type Verdict string

const (
	VerdictGood               Verdict = "Good"
	VerdictInvalidTankSize    Verdict = "Invalid Tank Size"
	VerdictInvalidLevel       Verdict = "Invalid Level"
	VerdictInconsistentValues Verdict = "Inconsistent Values"
	VerdictCalculationError   Verdict = "Calculation Error"
	VerdictUnknown            Verdict = "Unknown"
)

// Availability describes how fresh an account's data is.
type Availability string

const (
	AvailabilityFresh       Availability = "fresh"
	AvailabilityCached      Availability = "cached"
	AvailabilityUnavailable Availability = "unavailable"
	AvailabilityAuthFailed  Availability = "auth_failed"
)

// Snapshot is the read-only projection of one tank exposed downstream.
type Snapshot struct {
	TankID            string          `json:"tankId"`
	AccountID         string          `json:"accountId"`
	State             TankState       `json:"state"`
	Reading           *Reading        `json:"reading,omitempty"`
	Verdict           Verdict         `json:"dataQuality"`
	Bounds            ThresholdBounds `json:"bounds"`
	Availability      Availability    `json:"availability"`
	EnergyUnit        string          `json:"energyUnit"`
	DisplayTotal      float64         `json:"displayTotal"`
	DisplayRate       *float64        `json:"displayRate,omitempty"`
	DisplayUnit       string          `json:"displayUnit"`
	DaysSinceDelivery *int            `json:"daysSinceDelivery,omitempty"`
	RefillDetected    bool            `json:"refillDetected"`
	EvaluatedAt       time.Time       `json:"evaluatedAt"`
}
