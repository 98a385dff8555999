package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"timeclock-queue/internal/config"
	"timeclock-queue/internal/logging"
	"timeclock-queue/internal/models"
	"timeclock-queue/internal/store"
	"timeclock-queue/internal/telemetry"
)

var (
	// ErrJobNotFound reports a lookup for a job id with no backing record
	// in a context where the caller must have one.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotProcessing reports a terminal-state transition on a job that is
	// not currently claimed, e.g. a duplicate MarkCompleted.
	ErrNotProcessing = errors.New("job is not in processing state")
	// ErrAlreadyFailed reports a failure transition on a job that already
	// exhausted its retry budget.
	ErrAlreadyFailed = errors.New("job already failed permanently")
)

// Stats hash field names.
const (
	fieldTotalToday      = "totalToday"
	fieldCompleted       = "completed"
	fieldFailed          = "failed"
	fieldTotalProcTimeMs = "totalProcessingTimeMs"
	fieldLastProcessedAt = "lastProcessedAt"
)

// Service is the single source of truth for job existence, state, and
// statistics. All other components interact with jobs only through it.
type Service struct {
	store       *store.Redis
	maxAttempts int
	log         zerolog.Logger
}

// New constructs the queue service on top of the store adapter.
func New(st *store.Redis, cfg config.Config) *Service {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = models.MaxAttempts
	}
	return &Service{
		store:       st,
		maxAttempts: maxAttempts,
		log:         logging.Component("queue"),
	}
}

// EnqueueParams collects the producer contract fields for a new job.
type EnqueueParams struct {
	EmployeeID   string
	EmployeeName string
	DeviceID     string
	DeviceName   string
	Date         string
}

// Enqueue creates a pending job, appends it to the pending tail, and counts
// it toward the day's total. Fails only on store unavailability.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	job := &models.Job{
		ID:           uuid.New().String(),
		EmployeeID:   p.EmployeeID,
		EmployeeName: p.EmployeeName,
		DeviceID:     p.DeviceID,
		DeviceName:   p.DeviceName,
		Date:         p.Date,
		Status:       models.StatusPending,
		Attempts:     0,
		MaxAttempts:  s.maxAttempts,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.WriteJob(ctx, job, s.store.JobTTL()); err != nil {
		return nil, fmt.Errorf("write job record: %w", err)
	}
	if err := s.store.PushPending(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("push pending: %w", err)
	}
	if err := s.store.IncrStat(ctx, job.Date, fieldTotalToday, 1); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to bump totalToday counter")
	}
	telemetry.EnqueueCounter.Inc()
	s.log.Debug().
		Str("job_id", job.ID).
		Str("employee_id", job.EmployeeID).
		Str("date", job.Date).
		Msg("job enqueued")
	return job, nil
}

// ClaimNext blocks up to timeout for the next pending job and claims it:
// status moves to processing and the id joins the processing set. Returns
// (nil, nil) on idle timeout, which is the expected quiet case. A popped id
// with no backing record is logged and skipped, not raised: a record lost to
// an expired TTL is accepted drift.
func (s *Service) ClaimNext(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	jobID, err := s.store.PopPending(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("pop pending: %w", err)
	}
	if jobID == "" {
		return nil, nil
	}

	job, err := s.store.ReadJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load claimed job %s: %w", jobID, err)
	}
	if job == nil {
		s.log.Warn().Str("job_id", jobID).Msg("claimed id has no job record, skipping")
		return nil, nil
	}

	now := time.Now().UTC()
	job.Status = models.StatusProcessing
	job.ProcessingStartedAt = &now
	if err := s.store.WriteJob(ctx, job, store.KeepTTL); err != nil {
		return nil, fmt.Errorf("write claimed job %s: %w", jobID, err)
	}
	if err := s.store.AddProcessing(ctx, jobID); err != nil {
		return nil, fmt.Errorf("add to processing set: %w", err)
	}
	return job, nil
}

// MarkCompleted records a successful attempt: completedAt and the attempt
// duration are stamped, the id moves from the processing set to the per-day
// completed list, and the day's counters are updated. Calling it for an
// unknown id or a job that is not processing is a caller bug and errors out,
// so a duplicate call can never double-count.
func (s *Service) MarkCompleted(ctx context.Context, jobID string) error {
	job, err := s.store.ReadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotProcessing, jobID, job.Status)
	}

	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.CompletedAt = &now
	if job.ProcessingStartedAt != nil {
		job.ProcessingTimeMs = now.Sub(*job.ProcessingStartedAt).Milliseconds()
	}
	if err := s.store.WriteJob(ctx, job, store.KeepTTL); err != nil {
		return fmt.Errorf("write completed job %s: %w", jobID, err)
	}
	if err := s.store.RemoveProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("remove from processing set: %w", err)
	}
	if err := s.store.PushCompleted(ctx, job.Date, jobID); err != nil {
		return fmt.Errorf("push completed: %w", err)
	}

	if err := s.store.IncrStat(ctx, job.Date, fieldCompleted, 1); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to bump completed counter")
	}
	if job.ProcessingTimeMs > 0 {
		if err := s.store.IncrStat(ctx, job.Date, fieldTotalProcTimeMs, job.ProcessingTimeMs); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to bump processing time counter")
		}
	}
	if err := s.store.SetStat(ctx, job.Date, fieldLastProcessedAt, now.Format(time.RFC3339)); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to set lastProcessedAt")
	}

	telemetry.JobsCompleted.Inc()
	telemetry.ProcessingDuration.Observe(float64(job.ProcessingTimeMs) / 1000)
	s.log.Debug().
		Str("job_id", jobID).
		Int64("processing_ms", job.ProcessingTimeMs).
		Msg("job completed")
	return nil
}

// MarkFailed records a failed attempt. Below the retry budget the job
// returns to the pending tail with attempts incremented; at the budget it
// becomes a permanent failure: error fields set, record expiry removed, id
// moved to the failed list for operator attention.
func (s *Service) MarkFailed(ctx context.Context, jobID, errMsg, errTrace string) error {
	job, err := s.store.ReadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status == models.StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrNotProcessing, jobID, job.Status)
	}
	if job.Attempts >= job.MaxAttempts {
		return fmt.Errorf("%w: %s", ErrAlreadyFailed, jobID)
	}

	job.Attempts++
	job.ProcessingStartedAt = nil

	// The id may sit in either structure depending on how the attempt was
	// driven; clear both so it lands in exactly one place below.
	if err := s.store.RemoveProcessing(ctx, jobID); err != nil {
		return fmt.Errorf("remove from processing set: %w", err)
	}
	if err := s.store.RemovePending(ctx, jobID); err != nil {
		return fmt.Errorf("remove from pending list: %w", err)
	}

	if job.Attempts < job.MaxAttempts {
		job.Status = models.StatusPending
		if err := s.store.WriteJob(ctx, job, store.KeepTTL); err != nil {
			return fmt.Errorf("write retried job %s: %w", jobID, err)
		}
		if err := s.store.PushPending(ctx, jobID); err != nil {
			return fmt.Errorf("push pending: %w", err)
		}
		telemetry.JobsRetried.Inc()
		s.log.Info().
			Str("job_id", jobID).
			Int("attempts", job.Attempts).
			Str("error", errMsg).
			Msg("job attempt failed, requeued")
		return nil
	}

	job.Status = models.StatusFailed
	job.Error = &errMsg
	if errTrace != "" {
		job.ErrorTrace = &errTrace
	}
	// Expiry removed: permanent failures are held until an operator acts.
	if err := s.store.WriteJob(ctx, job, 0); err != nil {
		return fmt.Errorf("write failed job %s: %w", jobID, err)
	}
	if err := s.store.PushFailed(ctx, jobID); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	if err := s.store.IncrStat(ctx, job.Date, fieldFailed, 1); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to bump failed counter")
	}
	telemetry.JobsFailed.Inc()
	s.log.Error().
		Str("job_id", jobID).
		Int("attempts", job.Attempts).
		Str("error", errMsg).
		Msg("job failed permanently")
	return nil
}

// GetJob returns the job record, or nil when absent.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.ReadJob(ctx, jobID)
}

// ListByStatus returns up to limit jobs in the given state. The date scopes
// the completed list (defaulting to today) and filters the other states
// when provided.
func (s *Service) ListByStatus(ctx context.Context, status, date string, limit int64) ([]models.Job, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		ids []string
		err error
	)
	switch status {
	case models.StatusPending:
		ids, err = s.store.PendingIDs(ctx, limit)
	case models.StatusProcessing:
		ids, err = s.store.ProcessingIDs(ctx)
	case models.StatusCompleted:
		d := date
		if d == "" {
			d = time.Now().UTC().Format(models.DateLayout)
		}
		ids, err = s.store.CompletedIDs(ctx, d, limit)
	case models.StatusFailed:
		ids, err = s.store.FailedIDs(ctx, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", status, err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		if int64(len(jobs)) >= limit {
			break
		}
		job, err := s.store.ReadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		if date != "" && job.Date != date {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// QueuePosition returns the 1-based index of a job in the pending list, or
// 0 when it is not queued.
func (s *Service) QueuePosition(ctx context.Context, jobID string) (int64, error) {
	return s.store.PendingPosition(ctx, jobID)
}

// DeleteFailed removes a permanently failed job and its record. Returns
// false when the id is not on the failed list.
func (s *Service) DeleteFailed(ctx context.Context, jobID string) (bool, error) {
	removed, err := s.store.RemoveFailed(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("remove from failed list: %w", err)
	}
	if !removed {
		return false, nil
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return false, fmt.Errorf("delete job record: %w", err)
	}
	s.log.Info().Str("job_id", jobID).Msg("failed job deleted by operator")
	return true, nil
}

// RetryFailed re-enqueues a permanently failed job with a fresh retry
// budget: attempts reset, error fields cleared, record expiry restored.
// Returns false for jobs that are not in the failed state.
func (s *Service) RetryFailed(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.ReadJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil || job.Status != models.StatusFailed {
		return false, nil
	}

	if _, err := s.store.RemoveFailed(ctx, jobID); err != nil {
		return false, fmt.Errorf("remove from failed list: %w", err)
	}
	job.Status = models.StatusPending
	job.Attempts = 0
	job.Error = nil
	job.ErrorTrace = nil
	job.ProcessingStartedAt = nil
	job.CompletedAt = nil
	job.ProcessingTimeMs = 0
	if err := s.store.WriteJob(ctx, job, s.store.JobTTL()); err != nil {
		return false, fmt.Errorf("write retried job %s: %w", jobID, err)
	}
	if err := s.store.PushPending(ctx, jobID); err != nil {
		return false, fmt.Errorf("push pending: %w", err)
	}
	s.log.Info().Str("job_id", jobID).Msg("failed job requeued by operator")
	return true, nil
}

// ClearAllFailed deletes every permanently failed job and returns how many
// were removed.
func (s *Service) ClearAllFailed(ctx context.Context) (int, error) {
	ids, err := s.store.FailedIDs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list failed ids: %w", err)
	}
	for _, id := range ids {
		if err := s.store.DeleteJob(ctx, id); err != nil {
			return 0, fmt.Errorf("delete job record %s: %w", id, err)
		}
	}
	if err := s.store.ClearFailed(ctx); err != nil {
		return 0, fmt.Errorf("clear failed list: %w", err)
	}
	s.log.Info().Int("count", len(ids)).Msg("failed jobs cleared by operator")
	return len(ids), nil
}

// GetStats merges the day's stored counters with live pending/processing
// lengths and derives success rate and average processing time. An empty
// date means today (UTC).
func (s *Service) GetStats(ctx context.Context, date string) (models.Stats, error) {
	if date == "" {
		date = time.Now().UTC().Format(models.DateLayout)
	}
	raw, err := s.store.ReadStats(ctx, date)
	if err != nil {
		return models.Stats{}, fmt.Errorf("read stats: %w", err)
	}

	stats := models.Stats{
		Date:                  date,
		TotalToday:            parseInt(raw[fieldTotalToday]),
		Completed:             parseInt(raw[fieldCompleted]),
		Failed:                parseInt(raw[fieldFailed]),
		TotalProcessingTimeMs: parseInt(raw[fieldTotalProcTimeMs]),
	}
	if v := raw[fieldLastProcessedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			stats.LastProcessedAt = &t
		}
	}

	if stats.Pending, err = s.store.PendingLen(ctx); err != nil {
		return models.Stats{}, fmt.Errorf("pending length: %w", err)
	}
	if stats.Processing, err = s.store.ProcessingLen(ctx); err != nil {
		return models.Stats{}, fmt.Errorf("processing length: %w", err)
	}

	if stats.TotalToday > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalToday) * 100
	}
	if stats.Completed > 0 {
		stats.AvgProcessingTimeMs = float64(stats.TotalProcessingTimeMs) / float64(stats.Completed)
	}
	return stats, nil
}

// FailedCount returns the size of the permanent failed backlog.
func (s *Service) FailedCount(ctx context.Context) (int64, error) {
	return s.store.FailedLen(ctx)
}

// QueueDepths returns the live pending and processing sizes, used by the
// processor to refresh gauges.
func (s *Service) QueueDepths(ctx context.Context) (pending, processing int64, err error) {
	if pending, err = s.store.PendingLen(ctx); err != nil {
		return 0, 0, err
	}
	if processing, err = s.store.ProcessingLen(ctx); err != nil {
		return 0, 0, err
	}
	return pending, processing, nil
}

// ReapStale scans the processing set for claims older than staleAfter and
// returns them to the pending tail without consuming an attempt: a crashed
// worker is not a work failure. Ids with no backing record are dropped from
// the set.
func (s *Service) ReapStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := s.store.ProcessingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processing ids: %w", err)
	}
	now := time.Now().UTC()
	reaped := 0
	for _, id := range ids {
		job, err := s.store.ReadJob(ctx, id)
		if err != nil {
			return reaped, err
		}
		if job == nil || job.Status != models.StatusProcessing {
			if err := s.store.RemoveProcessing(ctx, id); err != nil {
				return reaped, err
			}
			continue
		}
		if job.ProcessingStartedAt == nil || now.Sub(*job.ProcessingStartedAt) < staleAfter {
			continue
		}
		claimedAt := *job.ProcessingStartedAt
		job.Status = models.StatusPending
		job.ProcessingStartedAt = nil
		if err := s.store.WriteJob(ctx, job, store.KeepTTL); err != nil {
			return reaped, err
		}
		if err := s.store.RemoveProcessing(ctx, id); err != nil {
			return reaped, err
		}
		if err := s.store.PushPending(ctx, id); err != nil {
			return reaped, err
		}
		telemetry.JobsReaped.Inc()
		s.log.Warn().
			Str("job_id", id).
			Time("claimed_at", claimedAt).
			Msg("stale processing claim requeued")
		reaped++
	}
	return reaped, nil
}

func parseInt(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
