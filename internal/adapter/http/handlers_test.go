package adapthttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	adapthttp "tankwatch/internal/adapter/http"
	"tankwatch/internal/app"
	"tankwatch/internal/domain"
)

// ---------------------------------------------------------------------------
// Mock controller (function-fields pattern)
// ---------------------------------------------------------------------------

type mockController struct {
	healthy     bool
	snapshots   []domain.Snapshot
	statuses    []app.SchedulerStatus
	settings    app.Settings
	removeFn    func(ctx context.Context, id string) error
	refreshFn   func(ctx context.Context) error
	configureFn func(next app.Settings) (app.Settings, error)
}

func (m *mockController) Healthy() bool { return m.healthy }
func (m *mockController) Snapshots() []domain.Snapshot { return m.snapshots }
func (m *mockController) Statuses() []app.SchedulerStatus { return m.statuses }
func (m *mockController) Settings() app.Settings { return m.settings }

func (m *mockController) Snapshot(id string) (domain.Snapshot, error) {
	for _, s := range m.snapshots {
		if s.TankID == id {
			return s, nil
		}
	}
	return domain.Snapshot{}, domain.ErrTankNotFound
}

func (m *mockController) RemoveTank(ctx context.Context, id string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, id)
	}
	return nil
}

func (m *mockController) RequestRefresh(ctx context.Context) error {
	if m.refreshFn != nil {
		return m.refreshFn(ctx)
	}
	return nil
}

func (m *mockController) Configure(next app.Settings) (app.Settings, error) {
	if m.configureFn != nil {
		return m.configureFn(next)
	}
	if err := next.Validate(); err != nil {
		return app.Settings{}, err
	}
	m.settings = next
	return next, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newController() *mockController {
	return &mockController{
		healthy: true,
		snapshots: []domain.Snapshot{
			{TankID: "123-main-st", AccountID: "us", Verdict: domain.VerdictGood, Availability: domain.AvailabilityFresh, DisplayTotal: 181.95, DisplayUnit: "ft³"},
			{TankID: "cabin", AccountID: "us", Verdict: domain.VerdictInvalidLevel, Availability: domain.AvailabilityFresh},
		},
		statuses: []app.SchedulerStatus{{AccountID: "us", State: app.StateSucceeded, Availability: domain.AvailabilityFresh}},
		settings: app.Settings{Interval: time.Hour, ThresholdMode: domain.ThresholdDynamic},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	ctrl := newController()
	h := adapthttp.New(ctrl, zap.NewNop()).Handler()

	w := do(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	ctrl.healthy = false
	w = do(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTanks(t *testing.T) {
	h := adapthttp.New(newController(), zap.NewNop()).Handler()

	w := do(t, h, http.MethodGet, "/api/tanks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tanks := decode(t, w)["tanks"].([]any)
	require.Len(t, tanks, 2)
	first := tanks[0].(map[string]any)
	assert.Equal(t, "123-main-st", first["tankId"])
	assert.Equal(t, "Good", first["dataQuality"])

	w = do(t, h, http.MethodGet, "/api/tanks/cabin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Invalid Level", decode(t, w)["dataQuality"])

	w = do(t, h, http.MethodGet, "/api/tanks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/api/tanks", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRemoveTank(t *testing.T) {
	ctrl := newController()
	var removed string
	ctrl.removeFn = func(ctx context.Context, id string) error {
		if id == "missing" {
			return domain.ErrTankNotFound
		}
		removed = id
		return nil
	}
	h := adapthttp.New(ctrl, zap.NewNop()).Handler()

	w := do(t, h, http.MethodDelete, "/api/tanks/cabin", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "cabin", removed)

	w = do(t, h, http.MethodDelete, "/api/tanks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccounts(t *testing.T) {
	h := adapthttp.New(newController(), zap.NewNop()).Handler()

	w := do(t, h, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	accounts := decode(t, w)["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "succeeded", accounts[0].(map[string]any)["state"])
	assert.NotContains(t, accounts[0], "orders")

	price := 1.0251
	ctrl := newController()
	ctrl.statuses[0].Orders = &domain.OrderTotals{Orders: 2, Volume: 1512, Cost: 1549.99, AveragePrice: &price}
	h = adapthttp.New(ctrl, zap.NewNop()).Handler()
	w = do(t, h, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	orders := decode(t, w)["accounts"].([]any)[0].(map[string]any)["orders"].(map[string]any)
	assert.Equal(t, 1.0251, orders["averagePrice"])
	assert.Equal(t, 1549.99, orders["cost"])
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"auth", fmt.Errorf("account us: %w", &domain.AuthError{Msg: "login rejected"}), http.StatusBadGateway},
		{"parse", &domain.ParseError{Msg: "no tanks found"}, http.StatusBadGateway},
		{"transient", &domain.TransientError{Msg: "down"}, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newController()
			calls := 0
			ctrl.refreshFn = func(ctx context.Context) error {
				calls++
				return tc.err
			}
			h := adapthttp.New(ctrl, zap.NewNop()).Handler()

			w := do(t, h, http.MethodPost, "/api/refresh", nil)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, 1, calls)
			out := decode(t, w)
			assert.Len(t, out["accounts"], 1)
			if tc.err != nil {
				assert.Contains(t, out["error"], tc.err.Error())
			}
		})
	}
}

func TestSettings(t *testing.T) {
	ctrl := newController()
	h := adapthttp.New(ctrl, zap.NewNop()).Handler()

	w := do(t, h, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, 3600.0, got["intervalSeconds"])
	assert.Equal(t, "dynamic", got["thresholdMode"])
	assert.Nil(t, got["minDelta"])

	// Partial update keeps the mode and sets an override.
	w = do(t, h, http.MethodPut, "/api/settings", `{"intervalSeconds": 1800, "minDelta": 0.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 30*time.Minute, ctrl.settings.Interval)
	assert.Equal(t, domain.ThresholdDynamic, ctrl.settings.ThresholdMode)
	require.NotNil(t, ctrl.settings.MinDelta)
	assert.Equal(t, 0.5, *ctrl.settings.MinDelta)

	// The decoder must not write through to the stored override.
	stored := ctrl.settings.MinDelta
	w = do(t, h, http.MethodPut, "/api/settings", `{"minDelta": 0.75}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.5, *stored)
	assert.Equal(t, 0.75, *ctrl.settings.MinDelta)

	// null clears it.
	w = do(t, h, http.MethodPut, "/api/settings", `{"minDelta": null}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, ctrl.settings.MinDelta)
}

func TestSettings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"interval too short", `{"intervalSeconds": 5}`},
		{"unknown mode", `{"thresholdMode": "adaptive"}`},
		{"min above max", `{"minDelta": 10, "maxDelta": 1}`},
		{"interval beyond a day", `{"intervalSeconds": 86401}`},
		{"negative interval", `{"intervalSeconds": -3600}`},
		// Times 1e9 this wraps to exactly one hour.
		{"interval overflow", `{"intervalSeconds": 36028797018967568}`},
		{"max int interval", `{"intervalSeconds": 9223372036854775807}`},
		{"unknown field", `{"pollEvery": 60}`},
		{"malformed", `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newController()
			h := adapthttp.New(ctrl, zap.NewNop()).Handler()

			w := do(t, h, http.MethodPut, "/api/settings", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, time.Hour, ctrl.settings.Interval)
		})
	}
}

func TestControlToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	ctrl := newController()
	h := adapthttp.New(ctrl, zap.NewNop(), adapthttp.WithControlToken(string(hash))).Handler()

	// Reads stay open.
	w := do(t, h, http.MethodGet, "/api/tanks", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = do(t, h, http.MethodPost, "/api/refresh", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodDelete, "/api/tanks/cabin", nil, "Authorization", "s3cret")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/api/refresh", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPut, "/api/settings", `{"intervalSeconds": 7200}`, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2*time.Hour, ctrl.settings.Interval)
}

func TestOptionalEndpoints(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	h := adapthttp.New(newController(), zap.NewNop()).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/stream", nil).Code)

	h = adapthttp.New(newController(), zap.NewNop(), adapthttp.WithMetrics(ok), adapthttp.WithStream(ok)).Handler()
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusTeapot, do(t, h, http.MethodGet, "/api/stream", nil).Code)
}
