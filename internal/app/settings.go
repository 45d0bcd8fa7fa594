package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tankwatch/internal/domain"
)

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

const (
	// MinPollInterval and MaxPollInterval bound the user-configured interval.
	MinPollInterval = time.Minute
	MaxPollInterval = 24 * time.Hour
)

// Settings are the user-tunable options accepted by Configure. MinDelta and
// MaxDelta are optional overrides in native volume units.
type Settings struct {
	Interval           time.Duration        `json:"interval"`
	ThresholdMode      domain.ThresholdMode `json:"thresholdMode"`
	MinDelta           *float64             `json:"minDelta,omitempty"`
	MaxDelta           *float64             `json:"maxDelta,omitempty"`
	IncludeUnmonitored bool                 `json:"includeUnmonitored"`
}

// Validate checks the settings and returns an error wrapping
// ErrInvalidSettings.
func (s Settings) Validate() error {
	if s.Interval < MinPollInterval || s.Interval > MaxPollInterval {
		return fmt.Errorf("%w: interval must be within [%s, %s]", ErrInvalidSettings, MinPollInterval, MaxPollInterval)
	}
	if !s.ThresholdMode.Valid() {
		return fmt.Errorf("%w: threshold mode must be %q or %q", ErrInvalidSettings, domain.ThresholdDynamic, domain.ThresholdFixed)
	}
	if s.MinDelta != nil && (!domain.Finite(s.MinDelta) || *s.MinDelta <= 0) {
		return fmt.Errorf("%w: minDelta must be > 0", ErrInvalidSettings)
	}
	if s.MaxDelta != nil && (!domain.Finite(s.MaxDelta) || *s.MaxDelta <= 0) {
		return fmt.Errorf("%w: maxDelta must be > 0", ErrInvalidSettings)
	}
	if s.MinDelta != nil && s.MaxDelta != nil && *s.MinDelta >= *s.MaxDelta {
		return fmt.Errorf("%w: minDelta must be < maxDelta", ErrInvalidSettings)
	}
	if s.ThresholdMode == domain.ThresholdFixed {
		return s.validateFixed()
	}
	return nil
}

// validateFixed checks a lone override against the default it is paired
// with, for every region the settings could be applied to.
func (s Settings) validateFixed() error {
	for _, r := range domain.Regions() {
		if s.MinDelta != nil && s.MaxDelta == nil && *s.MinDelta >= r.DefaultMaxDelta {
			return fmt.Errorf("%w: minDelta must be < default maxDelta %v (%s)", ErrInvalidSettings, r.DefaultMaxDelta, r.Code)
		}
		if s.MaxDelta != nil && s.MinDelta == nil && *s.MaxDelta <= r.DefaultMinDelta {
			return fmt.Errorf("%w: maxDelta must be > default minDelta %v (%s)", ErrInvalidSettings, r.DefaultMinDelta, r.Code)
		}
	}
	return nil
}

// SettingsStore holds the current settings. Readers take a copy at the start
// of each poll cycle, so updates take effect on the next cycle.
type SettingsStore struct {
	mu      sync.RWMutex
	current Settings
}

// NewSettingsStore creates a store seeded with the given settings.
func NewSettingsStore(initial Settings) *SettingsStore {
	return &SettingsStore{current: initial}
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set validates and replaces the current settings.
func (s *SettingsStore) Set(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return nil
}
