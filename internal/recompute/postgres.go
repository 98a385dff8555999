package recompute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"timeclock-queue/internal/logging"
	"timeclock-queue/internal/models"
)

// Recomputer rebuilds an employee's daily timekeeping totals from raw clock
// events in Postgres. It is the recompute target the queue drives, and it is
// idempotent: recomputing the same (employee, date) any number of times
// converges on the same summary row, which is what at-least-once delivery
// requires.
type Recomputer struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Recomputer, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Recomputer{pool: pool, log: logging.Component("recompute")}, nil
}

func (r *Recomputer) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// standardDayMinutes is the threshold above which worked time counts as
// overtime.
const standardDayMinutes = 8 * 60

// Recompute pairs the day's clock-in/clock-out events for the employee and
// upserts the daily summary. A trailing clock-in with no matching clock-out
// is an open shift and contributes nothing yet; the next clock-out enqueues
// another recompute that will pick it up.
func (r *Recomputer) Recompute(ctx context.Context, employeeID, date string) error {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", date, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT recorded_at, kind
		FROM time_entries
		WHERE employee_id = $1 AND entry_date = $2
		ORDER BY recorded_at
	`, employeeID, day)
	if err != nil {
		return fmt.Errorf("query time entries: %w", err)
	}
	defer rows.Close()

	var (
		worked  time.Duration
		entries int
		openIn  *time.Time
	)
	for rows.Next() {
		var recordedAt time.Time
		var kind string
		if err := rows.Scan(&recordedAt, &kind); err != nil {
			return fmt.Errorf("scan time entry: %w", err)
		}
		entries++
		switch kind {
		case "in":
			recorded := recordedAt
			openIn = &recorded
		case "out":
			if openIn != nil && recordedAt.After(*openIn) {
				worked += recordedAt.Sub(*openIn)
			}
			openIn = nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate time entries: %w", err)
	}

	workedMinutes := int(worked.Minutes())
	overtimeMinutes := workedMinutes - standardDayMinutes
	if overtimeMinutes < 0 {
		overtimeMinutes = 0
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO daily_summaries (employee_id, summary_date, worked_minutes, overtime_minutes, entry_count, computed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (employee_id, summary_date)
		DO UPDATE SET worked_minutes = EXCLUDED.worked_minutes,
		              overtime_minutes = EXCLUDED.overtime_minutes,
		              entry_count = EXCLUDED.entry_count,
		              computed_at = NOW()
	`, employeeID, day, workedMinutes, overtimeMinutes, entries)
	if err != nil {
		return fmt.Errorf("upsert daily summary: %w", err)
	}

	r.log.Debug().
		Str("employee_id", employeeID).
		Str("date", date).
		Int("worked_minutes", workedMinutes).
		Int("overtime_minutes", overtimeMinutes).
		Msg("daily summary recomputed")
	return nil
}
