package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PanelStatus is one row of panel_status. The table is an outbound report;
// the orchestrator never reads it back to decide anything.
type PanelStatus struct {
	PanelID   string
	Tier      string
	State     string
	Port      sql.NullInt64
	UpdatedAt time.Time
}

// ReportStatus upserts the latest observed state of a panel.
func (db *DB) ReportStatus(ctx context.Context, panelID, tier, state string, port int) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO panel_status (panel_id, tier, state, port, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (panel_id) DO UPDATE
		 SET tier = EXCLUDED.tier, state = EXCLUDED.state, port = EXCLUDED.port, updated_at = NOW()`,
		panelID, tier, state, nullIfZero(port),
	)
	if err != nil {
		return fmt.Errorf("report panel status: %w", err)
	}
	return nil
}

// ListStatus returns every reported panel, most recently updated first.
func (db *DB) ListStatus(ctx context.Context) ([]*PanelStatus, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT panel_id, tier, state, port, updated_at FROM panel_status ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list panel status: %w", err)
	}
	defer rows.Close()

	var out []*PanelStatus
	for rows.Next() {
		s := &PanelStatus{}
		if err := rows.Scan(&s.PanelID, &s.Tier, &s.State, &s.Port, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan panel status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullIfZero(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
