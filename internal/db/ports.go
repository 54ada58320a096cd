package db

import (
	"context"
	"fmt"
)

// PortStore persists the port table in port_allocations. The unique port
// column backs the allocator's one-port-one-panel rule.
type PortStore struct {
	db *DB
}

func (db *DB) PortStore() *PortStore {
	return &PortStore{db: db}
}

func (s *PortStore) Load(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT panel_id, port FROM port_allocations`)
	if err != nil {
		return nil, fmt.Errorf("load port allocations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var panelID string
		var port int
		if err := rows.Scan(&panelID, &port); err != nil {
			return nil, fmt.Errorf("scan port allocation: %w", err)
		}
		out[panelID] = port
	}
	return out, rows.Err()
}

func (s *PortStore) Put(ctx context.Context, panelID string, port int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO port_allocations (panel_id, port) VALUES ($1, $2)
		 ON CONFLICT (panel_id) DO UPDATE SET port = EXCLUDED.port`,
		panelID, port,
	)
	if err != nil {
		return fmt.Errorf("store port allocation: %w", err)
	}
	return nil
}

func (s *PortStore) Delete(ctx context.Context, panelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE panel_id = $1`, panelID)
	if err != nil {
		return fmt.Errorf("delete port allocation: %w", err)
	}
	return nil
}
