package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"timeclock-queue/internal/config"
	"timeclock-queue/internal/models"
)

// Redis adapts the durable store primitives the queue needs: job-record
// hashes with expiry, the pending list, the processing set, per-day
// completed lists, the permanent failed list, and per-day stats hashes.
type Redis struct {
	client       *redis.Client
	jobTTL       time.Duration
	completedTTL time.Duration
	statsTTL     time.Duration
}

// NewRedis builds a store adapter from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisWithClient(client, cfg)
}

// NewRedisWithClient wraps an existing client; used by tests with miniredis.
func NewRedisWithClient(client *redis.Client, cfg config.Config) *Redis {
	jobTTL := cfg.JobTTL
	if jobTTL == 0 {
		jobTTL = 24 * time.Hour
	}
	completedTTL := cfg.CompletedTTL
	if completedTTL == 0 {
		completedTTL = 24 * time.Hour
	}
	statsTTL := cfg.StatsTTL
	if statsTTL == 0 {
		statsTTL = 7 * 24 * time.Hour
	}
	return &Redis{
		client:       client,
		jobTTL:       jobTTL,
		completedTTL: completedTTL,
		statsTTL:     statsTTL,
	}
}

func (s *Redis) Close() error {
	return s.client.Close()
}

// Ping verifies store connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) jobKey(jobID string) string {
	return "timeclock:job:" + jobID
}

func (s *Redis) pendingKey() string {
	return "timeclock:queue:pending"
}

func (s *Redis) processingKey() string {
	return "timeclock:queue:processing"
}

func (s *Redis) completedKey(date string) string {
	return fmt.Sprintf("timeclock:completed:%s", date)
}

func (s *Redis) failedKey() string {
	return "timeclock:failed"
}

func (s *Redis) statsKey(date string) string {
	return fmt.Sprintf("timeclock:stats:%s", date)
}

// KeepTTL leaves a job record's current expiry untouched on write.
const KeepTTL = time.Duration(-1)

// WriteJob persists the serialized job record. A positive ttl sets the
// record expiry, zero removes it (failed jobs are pinned for operators),
// and KeepTTL leaves whatever expiry is already in place.
func (s *Redis) WriteJob(ctx context.Context, job *models.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), "data", data)
	switch {
	case ttl > 0:
		pipe.Expire(ctx, s.jobKey(job.ID), ttl)
	case ttl == 0:
		pipe.Persist(ctx, s.jobKey(job.ID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ReadJob loads a job record. Returns (nil, nil) when the record is absent,
// which callers treat as expiry drift rather than an error.
func (s *Redis) ReadJob(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := s.client.HGet(ctx, s.jobKey(jobID), "data").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// DeleteJob removes the job record.
func (s *Redis) DeleteJob(ctx context.Context, jobID string) error {
	return s.client.Del(ctx, s.jobKey(jobID)).Err()
}

// JobTTL is the record expiry applied to pending and completed jobs.
func (s *Redis) JobTTL() time.Duration {
	return s.jobTTL
}

// PushPending appends a job id to the pending tail. Retries re-enter here
// so one bad job cannot monopolize a worker.
func (s *Redis) PushPending(ctx context.Context, jobID string) error {
	return s.client.RPush(ctx, s.pendingKey(), jobID).Err()
}

// PopPending blocks up to timeout for a pending job id. Returns "" on
// timeout. The pop is atomic across concurrent claimers.
func (s *Redis) PopPending(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := s.client.BLPop(ctx, timeout, s.pendingKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	return res[1], nil
}

// RemovePending deletes all occurrences of a job id from the pending list.
func (s *Redis) RemovePending(ctx context.Context, jobID string) error {
	return s.client.LRem(ctx, s.pendingKey(), 0, jobID).Err()
}

// PendingLen returns the live pending depth.
func (s *Redis) PendingLen(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.pendingKey()).Result()
}

// PendingPosition returns the 1-based rank of a job id in the pending list,
// or 0 when absent.
func (s *Redis) PendingPosition(ctx context.Context, jobID string) (int64, error) {
	pos, err := s.client.LPos(ctx, s.pendingKey(), jobID, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pos + 1, nil
}

// PendingIDs lists up to limit job ids from the head of the pending list.
func (s *Redis) PendingIDs(ctx context.Context, limit int64) ([]string, error) {
	return s.client.LRange(ctx, s.pendingKey(), 0, limit-1).Result()
}

// AddProcessing records a claim in the processing set.
func (s *Redis) AddProcessing(ctx context.Context, jobID string) error {
	return s.client.SAdd(ctx, s.processingKey(), jobID).Err()
}

// RemoveProcessing clears a claim.
func (s *Redis) RemoveProcessing(ctx context.Context, jobID string) error {
	return s.client.SRem(ctx, s.processingKey(), jobID).Err()
}

// ProcessingLen returns the live processing count.
func (s *Redis) ProcessingLen(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.processingKey()).Result()
}

// ProcessingIDs lists all currently claimed job ids.
func (s *Redis) ProcessingIDs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.processingKey()).Result()
}

// PushCompleted appends to the per-day completed audit list, refreshing its
// expiry.
func (s *Redis) PushCompleted(ctx context.Context, date, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.completedKey(date), jobID)
	pipe.Expire(ctx, s.completedKey(date), s.completedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// CompletedIDs lists up to limit job ids completed on the given date.
func (s *Redis) CompletedIDs(ctx context.Context, date string, limit int64) ([]string, error) {
	return s.client.LRange(ctx, s.completedKey(date), 0, limit-1).Result()
}

// PushFailed appends to the permanent failed list.
func (s *Redis) PushFailed(ctx context.Context, jobID string) error {
	return s.client.RPush(ctx, s.failedKey(), jobID).Err()
}

// RemoveFailed deletes a job id from the failed list, reporting whether
// anything was removed.
func (s *Redis) RemoveFailed(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.LRem(ctx, s.failedKey(), 0, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailedIDs lists up to limit job ids awaiting operator attention. A
// non-positive limit returns the whole list.
func (s *Redis) FailedIDs(ctx context.Context, limit int64) ([]string, error) {
	end := limit - 1
	if limit <= 0 {
		end = -1
	}
	return s.client.LRange(ctx, s.failedKey(), 0, end).Result()
}

// ClearFailed drops the entire failed list.
func (s *Redis) ClearFailed(ctx context.Context) error {
	return s.client.Del(ctx, s.failedKey()).Err()
}

// FailedLen returns the failed backlog size.
func (s *Redis) FailedLen(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.failedKey()).Result()
}

// IncrStat bumps a per-day counter field, refreshing the hash expiry.
func (s *Redis) IncrStat(ctx context.Context, date, field string, delta int64) error {
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, s.statsKey(date), field, delta)
	pipe.Expire(ctx, s.statsKey(date), s.statsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetStat writes a non-counter stats field such as lastProcessedAt.
func (s *Redis) SetStat(ctx context.Context, date, field, value string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.statsKey(date), field, value)
	pipe.Expire(ctx, s.statsKey(date), s.statsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadStats returns the raw per-day stats hash.
func (s *Redis) ReadStats(ctx context.Context, date string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.statsKey(date)).Result()
}

// Client exposes the underlying connection for collaborators that share it,
// such as the rate limiter.
func (s *Redis) Client() *redis.Client {
	return s.client
}
