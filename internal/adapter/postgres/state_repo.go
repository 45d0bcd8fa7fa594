package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"tankwatch/internal/domain"
)

var _ domain.StateRepository = (*DB)(nil)

// LoadStates returns every stored tank state keyed by tank id.
func (d *DB) LoadStates(ctx context.Context) (map[string]domain.TankState, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT tank_id, cumulative_total, last_volume, last_timestamp, rate,
			pending_volume, pending_count, pending_since, updated_at
		FROM tank_states;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.TankState)
	for rows.Next() {
		var st domain.TankState
		var rate sql.NullFloat64
		var since sql.NullTime
		if err := rows.Scan(&st.TankID, &st.CumulativeTotal, &st.LastVolume, &st.LastTimestamp, &rate,
			&st.PendingVolume, &st.PendingCount, &since, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tank state: %w", err)
		}
		if rate.Valid {
			v := rate.Float64
			st.Rate = &v
		}
		if since.Valid {
			st.PendingSince = since.Time
		}
		out[st.TankID] = st
	}
	return out, rows.Err()
}

// SaveState upserts the complete record of one tank.
func (d *DB) SaveState(ctx context.Context, st domain.TankState) error {
	var rate sql.NullFloat64
	if st.Rate != nil {
		rate = sql.NullFloat64{Float64: *st.Rate, Valid: true}
	}
	var since sql.NullTime
	if !st.PendingSince.IsZero() {
		since = sql.NullTime{Time: st.PendingSince.UTC(), Valid: true}
	}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO tank_states(tank_id, schema_version, cumulative_total, last_volume, last_timestamp, rate,
			pending_volume, pending_count, pending_since, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tank_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			cumulative_total = EXCLUDED.cumulative_total,
			last_volume = EXCLUDED.last_volume,
			last_timestamp = EXCLUDED.last_timestamp,
			rate = EXCLUDED.rate,
			pending_volume = EXCLUDED.pending_volume,
			pending_count = EXCLUDED.pending_count,
			pending_since = EXCLUDED.pending_since,
			updated_at = EXCLUDED.updated_at;`,
		st.TankID, domain.StateSchemaVersion, st.CumulativeTotal, st.LastVolume, st.LastTimestamp.UTC(), rate,
		st.PendingVolume, st.PendingCount, since, st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save tank state %s: %w", st.TankID, err)
	}
	return nil
}

// DeleteState removes one tank. Unknown ids are ignored.
func (d *DB) DeleteState(ctx context.Context, tankID string) error {
	_, err := d.sql.ExecContext(ctx, "DELETE FROM tank_states WHERE tank_id=$1;", tankID)
	return err
}
