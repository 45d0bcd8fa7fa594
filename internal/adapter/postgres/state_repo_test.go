package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"tankwatch/internal/domain"
)

// openTestDB connects to TANKWATCH_TEST_DATABASE_URL or skips.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TANKWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TANKWATCH_TEST_DATABASE_URL not set")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStateRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = db.DeleteState(ctx, id) })

	ts := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	rate := 2.5
	st := domain.TankState{TankID: id, CumulativeTotal: 10, LastVolume: 200, LastTimestamp: ts, Rate: &rate, UpdatedAt: ts}
	if err := db.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	st.CumulativeTotal = 15
	st.Rate = nil
	st.PendingCount = 2
	st.PendingSince = ts.Add(-time.Hour)
	if err := db.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState upsert: %v", err)
	}

	states, err := db.LoadStates(ctx)
	if err != nil {
		t.Fatalf("LoadStates: %v", err)
	}
	got, ok := states[id]
	if !ok {
		t.Fatal("state not found")
	}
	if got.CumulativeTotal != 15 || got.PendingCount != 2 || got.Rate != nil {
		t.Errorf("unexpected state %+v", got)
	}
	if !got.PendingSince.Equal(ts.Add(-time.Hour)) {
		t.Errorf("pending since = %v, want %v", got.PendingSince, ts.Add(-time.Hour))
	}
	if !got.LastTimestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.LastTimestamp, ts)
	}

	if err := db.DeleteState(ctx, id); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	states, _ = db.LoadStates(ctx)
	if _, ok := states[id]; ok {
		t.Error("state still present after delete")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
