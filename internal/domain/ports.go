package domain

import "context"

// ReadingSource is the port implemented by portal clients. It returns one
// Reading per tank discovered on the account.
type ReadingSource interface {
	FetchReadings(ctx context.Context) ([]Reading, error)
}

// OrderSource is implemented by portal clients that expose delivery history.
// It is called right after a successful FetchReadings on the same client.
type OrderSource interface {
	FetchOrders(ctx context.Context) (OrderTotals, error)
}

// StateRepository is the port for durable tank state.
type StateRepository interface {
	LoadStates(ctx context.Context) (map[string]TankState, error)
	SaveState(ctx context.Context, state TankState) error
	DeleteState(ctx context.Context, tankID string) error
}

// Publisher receives tank snapshots after each poll cycle.
type Publisher interface {
	Publish(ctx context.Context, snapshots []Snapshot) error
}
