package adapthttp

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tankwatch/internal/app"
	"tankwatch/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTanks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tanks": s.ctrl.Snapshots()})
}

func (s *Server) handleTank(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRemoveTank(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.RemoveTank(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("tank removed", zap.String("tank_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.ctrl.Statuses()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.RequestRefresh(r.Context())
	resp := map[string]any{"accounts": s.ctrl.Statuses()}
	if err != nil {
		s.log.Warn("refresh failed", zap.Error(err))
		resp["error"] = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// settingsDTO is the wire form of app.Settings. The interval travels in
// seconds.
type settingsDTO struct {
	IntervalSeconds    int64                `json:"intervalSeconds"`
	ThresholdMode      domain.ThresholdMode `json:"thresholdMode"`
	MinDelta           *float64             `json:"minDelta"`
	MaxDelta           *float64             `json:"maxDelta"`
	IncludeUnmonitored bool                 `json:"includeUnmonitored"`
}

func toSettingsDTO(s app.Settings) settingsDTO {
	return settingsDTO{
		IntervalSeconds:    int64(s.Interval / time.Second),
		ThresholdMode:      s.ThresholdMode,
		MinDelta:           clone(s.MinDelta),
		MaxDelta:           clone(s.MaxDelta),
		IncludeUnmonitored: s.IncludeUnmonitored,
	}
}

// clone keeps JSON decoding from writing through to the stored settings.
func clone(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return domain.Float(*p)
}

// settings converts the DTO. The interval is range checked in seconds first
// so a huge value cannot wrap around into the valid range.
func (d settingsDTO) settings() (app.Settings, error) {
	if limit := int64(app.MaxPollInterval / time.Second); d.IntervalSeconds < 0 || d.IntervalSeconds > limit {
		return app.Settings{}, fmt.Errorf("%w: intervalSeconds must be within [0, %d]", app.ErrInvalidSettings, limit)
	}
	return app.Settings{
		Interval:           time.Duration(d.IntervalSeconds) * time.Second,
		ThresholdMode:      d.ThresholdMode,
		MinDelta:           d.MinDelta,
		MaxDelta:           d.MaxDelta,
		IncludeUnmonitored: d.IncludeUnmonitored,
	}, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSettingsDTO(s.ctrl.Settings()))
}

// handlePutSettings applies a partial update: omitted fields keep their
// current value, explicit nulls clear the delta overrides.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	dto := toSettingsDTO(s.ctrl.Settings())
	if err := parseJSON(w, r, &dto); err != nil {
		writeError(w, err)
		return
	}
	settings, err := dto.settings()
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := s.ctrl.Configure(settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(next))
}
