package recompute

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS time_entries (
		id BIGSERIAL PRIMARY KEY,
		employee_id TEXT NOT NULL,
		device_id TEXT,
		kind TEXT NOT NULL CHECK (kind IN ('in', 'out')),
		entry_date DATE NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_employee_date
		ON time_entries (employee_id, entry_date)`,
	`CREATE TABLE IF NOT EXISTS daily_summaries (
		employee_id TEXT NOT NULL,
		summary_date DATE NOT NULL,
		worked_minutes INT NOT NULL DEFAULT 0,
		overtime_minutes INT NOT NULL DEFAULT 0,
		entry_count INT NOT NULL DEFAULT 0,
		computed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (employee_id, summary_date)
	)`,
}

// RunMigrations creates the timekeeping tables if they do not exist.
func (r *Recomputer) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := r.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}
