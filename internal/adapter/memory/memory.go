// Package memory implements an in-memory state repository for development and testing.
package memory

import (
	"context"
	"sync"

	"tankwatch/internal/domain"
)

// DB implements an in-memory state storage.
type DB struct {
	mu     sync.Mutex
	states map[string]domain.TankState
	saves  int
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{
		states: make(map[string]domain.TankState),
	}
}

// Ensure interfaces are met.
var _ domain.StateRepository = (*DB)(nil)

// LoadStates returns a copy of every stored state.
func (db *DB) LoadStates(ctx context.Context) (map[string]domain.TankState, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make(map[string]domain.TankState, len(db.states))
	for id, st := range db.states {
		out[id] = copyState(st)
	}
	return out, nil
}

// SaveState stores or replaces the state of one tank.
func (db *DB) SaveState(ctx context.Context, st domain.TankState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	st.LastTimestamp = st.LastTimestamp.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	db.states[st.TankID] = copyState(st)
	db.saves++
	return nil
}

// DeleteState removes a tank. Deleting an unknown tank is not an error.
func (db *DB) DeleteState(ctx context.Context, tankID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.states, tankID)
	return nil
}

// Saves returns how many writes the store has accepted.
func (db *DB) Saves() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saves
}

func copyState(st domain.TankState) domain.TankState {
	if st.Rate != nil {
		r := *st.Rate
		st.Rate = &r
	}
	return st
}
