package domain

import (
	"fmt"
	"strings"
	"time"
)

// Region holds the per-portal constants that drive unit conversion,
// threshold defaults and validation bounds.
type Region struct {
	Code         string
	Name         string
	VolumeUnit   string
	EnergyUnit   string
	EnergyFactor float64

	DisplayUnit     string
	DisplayFactor   float64
	RateDisplayUnit string

	DefaultInterval   time.Duration
	DefaultMinDelta   float64
	DefaultMaxDelta   float64
	AbsoluteMinDelta  float64
	AbsoluteMaxDelta  float64
	TankSizeMin       float64
	TankSizeMax       float64
	RetryInterval     time.Duration
	MaxRequestRetries int
}

// RegionUS is the United States portal: gallons, dashboard in cubic feet.
var RegionUS = Region{
	Code:              "us",
	Name:              "United States",
	VolumeUnit:        "gal",
	EnergyUnit:        "ft³",
	EnergyFactor:      36.39,
	DisplayUnit:       "ft³",
	DisplayFactor:     1.0,
	RateDisplayUnit:   "ft³/h",
	DefaultInterval:   time.Hour,
	DefaultMinDelta:   0.01,
	DefaultMaxDelta:   25.0,
	AbsoluteMinDelta:  0.01,
	AbsoluteMaxDelta:  50.0,
	TankSizeMin:       20,
	TankSizeMax:       2000,
	RetryInterval:     5 * time.Minute,
	MaxRequestRetries: 2,
}

// RegionCA is the Canadian portal: litres, dashboard in cubic metres,
// displayed back in litres.
var RegionCA = Region{
	Code:              "ca",
	Name:              "Canada",
	VolumeUnit:        "L",
	EnergyUnit:        "m³",
	EnergyFactor:      0.272297,
	DisplayUnit:       "L",
	DisplayFactor:     3.6724,
	RateDisplayUnit:   "L/h",
	DefaultInterval:   2 * time.Hour,
	DefaultMinDelta:   0.01,
	DefaultMaxDelta:   25.0,
	AbsoluteMinDelta:  0.01,
	AbsoluteMaxDelta:  50.0,
	TankSizeMin:       18,
	TankSizeMax:       227125,
	RetryInterval:     5 * time.Minute,
	MaxRequestRetries: 4,
}

// Regions lists every supported portal.
func Regions() []Region {
	return []Region{RegionUS, RegionCA}
}

// LookupRegion returns the region for a code such as "us" or "CA".
func LookupRegion(code string) (Region, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "us", "":
		return RegionUS, nil
	case "ca":
		return RegionCA, nil
	}
	return Region{}, fmt.Errorf("unknown region %q", code)
}
