// Package influxdb publishes tank snapshots as InfluxDB v2 points.
package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"tankwatch/internal/domain"
)

// Measurement is the InfluxDB measurement every snapshot is written to.
const Measurement = "tank_consumption"

// Config holds the InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Publisher writes one point per fresh snapshot.
type Publisher struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

var _ domain.Publisher = (*Publisher)(nil)

// New creates the client and verifies that the server is reachable.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))

	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}
	return &Publisher{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "influxdb" }

// Publish writes the snapshots that carry a fresh reading. Cached or
// unavailable snapshots repeat old data and are skipped.
func (p *Publisher) Publish(ctx context.Context, snaps []domain.Snapshot) error {
	points := make([]*write.Point, 0, len(snaps))
	for _, s := range snaps {
		if s.Availability != domain.AvailabilityFresh {
			continue
		}
		points = append(points, Point(s))
	}
	if len(points) == 0 {
		return nil
	}
	if err := p.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	return nil
}

// Close flushes and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// Point converts a snapshot into a point.
func Point(s domain.Snapshot) *write.Point {
	tags := map[string]string{
		"tank_id":      s.TankID,
		"account":      s.AccountID,
		"unit":         s.EnergyUnit,
		"data_quality": string(s.Verdict),
	}
	fields := map[string]interface{}{
		"cumulative_total": s.State.CumulativeTotal,
		"display_total":    s.DisplayTotal,
		"last_volume":      s.State.LastVolume,
		"refill":           s.RefillDetected,
	}
	if s.State.Rate != nil {
		fields["rate"] = *s.State.Rate
	}
	if s.DaysSinceDelivery != nil {
		fields["days_since_delivery"] = *s.DaysSinceDelivery
	}
	if r := s.Reading; r != nil {
		if domain.Finite(r.LevelPercent) {
			fields["level_percent"] = *r.LevelPercent
		}
		if domain.Finite(r.Volume) {
			fields["volume"] = *r.Volume
		}
		if domain.Finite(r.Capacity) {
			fields["capacity"] = *r.Capacity
		}
		if domain.Finite(r.UnitPrice) {
			fields["unit_price"] = *r.UnitPrice
		}
	}

	ts := s.EvaluatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(Measurement, tags, fields, ts)
}
