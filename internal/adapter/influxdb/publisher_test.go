package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankwatch/internal/domain"
)

func snapshot(id string, a domain.Availability) domain.Snapshot {
	rate := 1.25
	return domain.Snapshot{
		TankID:       id,
		AccountID:    "home",
		State:        domain.TankState{TankID: id, CumulativeTotal: 181.95, LastVolume: 395, Rate: &rate},
		Reading:      &domain.Reading{TankID: id, Volume: domain.Float(395), Capacity: domain.Float(500)},
		Verdict:      domain.VerdictGood,
		Availability: a,
		EnergyUnit:   "ft³",
		DisplayTotal: 181.95,
		EvaluatedAt:  time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestPoint(t *testing.T) {
	line := write.PointToLineProtocol(Point(snapshot("tank-1", domain.AvailabilityFresh)), time.Second)

	assert.True(t, strings.HasPrefix(line, Measurement+","), line)
	assert.Contains(t, line, "tank_id=tank-1")
	assert.Contains(t, line, `data_quality=Good`)
	assert.Contains(t, line, "cumulative_total=181.95")
	assert.Contains(t, line, "rate=1.25")
	assert.Contains(t, line, "capacity=500")
	assert.NotContains(t, line, "unit_price")
}

func TestPublish_WritesFreshSnapshots(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"influxdb","status":"pass","message":"ready"}`)
		case "/api/v2/write":
			assert.Equal(t, "tankwatch", r.URL.Query().Get("bucket"))
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(b))
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := New(context.Background(), Config{URL: srv.URL, Token: "t", Org: "home", Bucket: "tankwatch"})
	require.NoError(t, err)
	defer p.Close()

	err = p.Publish(context.Background(), []domain.Snapshot{
		snapshot("tank-1", domain.AvailabilityFresh),
		snapshot("tank-2", domain.AvailabilityCached),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "tank_id=tank-1")
	assert.NotContains(t, bodies[0], "tank_id=tank-2")
}

func TestPublish_NothingFresh(t *testing.T) {
	p := &Publisher{}
	assert.NoError(t, p.Publish(context.Background(), []domain.Snapshot{snapshot("a", domain.AvailabilityUnavailable)}))
}
