// Package file persists tank states in a single JSON document on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tankwatch/internal/domain"
)

// record is the persisted form of one tank. Version 1 records predate the
// pending confirmation fields and version 2 records lack pending_since.
type record struct {
	SchemaVersion   int       `json:"schema_version"`
	TankID          string    `json:"tank_id"`
	CumulativeTotal float64   `json:"cumulative_total"`
	LastVolume      float64   `json:"last_volume"`
	LastTimestamp   time.Time `json:"last_timestamp"`
	Rate            *float64  `json:"rate,omitempty"`
	PendingVolume   float64   `json:"pending_volume"`
	PendingCount    int       `json:"pending_count"`
	PendingSince    time.Time `json:"pending_since,omitzero"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type document struct {
	SchemaVersion int                `json:"schema_version"`
	Tanks         map[string]record `json:"tanks"`
}

// Store keeps every state in memory and rewrites the whole document on each
// change. Writes go to a temp file that is renamed over the target, so a
// crash leaves either the old or the new document.
type Store struct {
	path string

	mu     sync.Mutex
	loaded bool
	tanks  map[string]record
}

var _ domain.StateRepository = (*Store)(nil)

// Open returns a store backed by path. The parent directory is created if
// missing; the file itself is created on first save.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("file store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	return &Store{path: path, tanks: make(map[string]record)}, nil
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// LoadStates reads the document, migrating older records.
func (s *Store) LoadStates(ctx context.Context) (map[string]domain.TankState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.TankState, len(s.tanks))
	for id, rec := range s.tanks {
		out[id] = rec.state()
	}
	return out, nil
}

// SaveState replaces one tank's record and rewrites the document.
func (s *Store) SaveState(ctx context.Context, st domain.TankState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return err
	}
	prev, had := s.tanks[st.TankID]
	s.tanks[st.TankID] = fromState(st)
	if err := s.writeLocked(); err != nil {
		if had {
			s.tanks[st.TankID] = prev
		} else {
			delete(s.tanks, st.TankID)
		}
		return err
	}
	return nil
}

// DeleteState drops one tank's record.
func (s *Store) DeleteState(ctx context.Context, tankID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readLocked(); err != nil {
		return err
	}
	prev, ok := s.tanks[tankID]
	if !ok {
		return nil
	}
	delete(s.tanks, tankID)
	if err := s.writeLocked(); err != nil {
		s.tanks[tankID] = prev
		return err
	}
	return nil
}

func (s *Store) readLocked() error {
	if s.loaded {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("file store: read: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("file store: decode %s: %w", s.path, err)
	}
	if doc.SchemaVersion > domain.StateSchemaVersion {
		return fmt.Errorf("file store: schema version %d is newer than supported %d", doc.SchemaVersion, domain.StateSchemaVersion)
	}
	for id, rec := range doc.Tanks {
		rec = migrate(rec)
		if rec.TankID == "" {
			rec.TankID = id
		}
		s.tanks[id] = rec
	}
	s.loaded = true
	return nil
}

func (s *Store) writeLocked() error {
	doc := document{SchemaVersion: domain.StateSchemaVersion, Tanks: s.tanks}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tankwatch-*.tmp")
	if err != nil {
		return fmt.Errorf("file store: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("file store: rename: %w", err)
	}
	return nil
}

// migrate upgrades a record to the current schema version.
func migrate(rec record) record {
	if rec.SchemaVersion < 2 {
		rec.PendingVolume = 0
		rec.PendingCount = 0
	}
	rec.SchemaVersion = domain.StateSchemaVersion
	return rec
}

func fromState(st domain.TankState) record {
	return record{
		SchemaVersion:   domain.StateSchemaVersion,
		TankID:          st.TankID,
		CumulativeTotal: st.CumulativeTotal,
		LastVolume:      st.LastVolume,
		LastTimestamp:   st.LastTimestamp.UTC(),
		Rate:            st.Rate,
		PendingVolume:   st.PendingVolume,
		PendingCount:    st.PendingCount,
		PendingSince:    st.PendingSince.UTC(),
		UpdatedAt:       st.UpdatedAt.UTC(),
	}
}

func (r record) state() domain.TankState {
	return domain.TankState{
		TankID:          r.TankID,
		CumulativeTotal: r.CumulativeTotal,
		LastVolume:      r.LastVolume,
		LastTimestamp:   r.LastTimestamp,
		Rate:            r.Rate,
		PendingVolume:   r.PendingVolume,
		PendingCount:    r.PendingCount,
		PendingSince:    r.PendingSince,
		UpdatedAt:       r.UpdatedAt,
	}
}
