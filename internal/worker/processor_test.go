package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"timeclock-queue/internal/config"
	"timeclock-queue/internal/models"
	"timeclock-queue/internal/queue"
	"timeclock-queue/internal/store"
)

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisWithClient(client, config.Config{})
	return queue.New(st, config.Config{})
}

func testConfig() config.Config {
	return config.Config{
		ClaimTimeout:    time.Second,
		ClaimBackoff:    100 * time.Millisecond,
		SupervisorEvery: 50 * time.Millisecond,
		StopGracePeriod: 5 * time.Second,
	}
}

func enqueue(t *testing.T, q *queue.Service, employeeID string) *models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), queue.EnqueueParams{
		EmployeeID:   employeeID,
		EmployeeName: "Test Employee",
		DeviceID:     "dev-1",
		DeviceName:   "Front Door",
		Date:         "2024-01-15",
	})
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, q *queue.Service, jobID, want string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func TestProcessorCompletesJob(t *testing.T) {
	q := newTestQueue(t)

	var calls atomic.Int32
	p := New(q, func(ctx context.Context, employeeID, date string) error {
		calls.Add(1)
		return nil
	}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))
	defer p.Stop(context.Background())

	job := enqueue(t, q, "E1")
	got := waitForStatus(t, q, job.ID, models.StatusCompleted)
	require.EqualValues(t, 1, calls.Load())
	require.NotNil(t, got.CompletedAt)
}

func TestProcessorRetriesToPermanentFailure(t *testing.T) {
	q := newTestQueue(t)

	p := New(q, func(ctx context.Context, employeeID, date string) error {
		return errors.New("recompute blew up")
	}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))
	defer p.Stop(context.Background())

	job := enqueue(t, q, "E1")
	got := waitForStatus(t, q, job.ID, models.StatusFailed)
	require.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.Error)
	require.Equal(t, "recompute blew up", *got.Error)
}

func TestProcessorSurvivesPanickingCallback(t *testing.T) {
	q := newTestQueue(t)

	var calls atomic.Int32
	p := New(q, func(ctx context.Context, employeeID, date string) error {
		if calls.Add(1) <= 3 {
			panic("recompute panicked hard")
		}
		return nil
	}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))
	defer p.Stop(context.Background())

	first := enqueue(t, q, "E1")
	got := waitForStatus(t, q, first.ID, models.StatusFailed)
	require.NotNil(t, got.ErrorTrace)
	require.Contains(t, *got.Error, "recompute panicked")

	// The loop is still alive and processes the next job.
	second := enqueue(t, q, "E2")
	waitForStatus(t, q, second.ID, models.StatusCompleted)
}

func TestProcessorLifecycle(t *testing.T) {
	q := newTestQueue(t)
	p := New(q, func(ctx context.Context, employeeID, date string) error {
		return nil
	}, testConfig())

	st := p.Status()
	require.False(t, st.IsProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))
	require.False(t, p.Start(ctx))
	require.False(t, p.TriggerOnce(ctx))

	st = p.Status()
	require.True(t, st.IsProcessing)
	require.False(t, st.ShouldStop)
	require.True(t, st.Healthy)

	p.Stop(context.Background())
	st = p.Status()
	require.False(t, st.IsProcessing)

	// Restartable after a clean stop.
	require.True(t, p.TriggerOnce(ctx))
	p.Stop(context.Background())
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	p := New(q, func(ctx context.Context, employeeID, date string) error {
		close(started)
		<-release
		return nil
	}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))

	job := enqueue(t, q, "E1")
	<-started

	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()
	p.Stop(context.Background())

	got, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
}

func TestSupervisorReapsStaleClaims(t *testing.T) {
	q := newTestQueue(t)

	// Claim a job directly, simulating a worker that crashed mid-flight.
	orphan := enqueue(t, q, "E1")
	claimed, err := q.ClaimNext(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, orphan.ID, claimed.ID)

	cfg := testConfig()
	cfg.ReaperStaleAfter = time.Nanosecond
	p := New(q, func(ctx context.Context, employeeID, date string) error {
		return nil
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, p.Start(ctx))
	defer p.Stop(context.Background())

	// The reaper requeues the orphan and the loop then completes it.
	waitForStatus(t, q, orphan.ID, models.StatusCompleted)
}
