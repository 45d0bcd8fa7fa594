package domain

import "time"

// OrderTotals summarizes an account's propane delivery history. Volume is in
// the region's native unit and Cost in the portal's currency.
type OrderTotals struct {
	Orders       int       `json:"orders"`
	Volume       float64   `json:"volume"`
	Cost         float64   `json:"cost"`
	// AveragePrice is Cost per unit of Volume, absent when nothing was
	// delivered.
	AveragePrice *float64  `json:"averagePrice,omitempty"`
	FetchedAt    time.Time `json:"fetchedAt"`
}
