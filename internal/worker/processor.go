package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"timeclock-queue/internal/config"
	"timeclock-queue/internal/logging"
	"timeclock-queue/internal/models"
	"timeclock-queue/internal/queue"
	"timeclock-queue/internal/telemetry"
)

// RecomputeFunc is the external recompute callback the processor drives.
// It must be idempotent: the same (employeeID, date) may be recomputed more
// than once under at-least-once delivery.
type RecomputeFunc func(ctx context.Context, employeeID, date string) error

// Processor states. Transitions go idle -> running -> stopping -> idle and
// are made with CAS so the supervisor restart and the stop sequence cannot
// race each other.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// Processor continuously claims jobs and drives each to a terminal state
// via the recompute callback. A low-frequency supervisor restarts the loop
// if it dies silently, refreshes queue gauges, and optionally reaps stale
// processing claims left behind by crashed workers.
type Processor struct {
	queue     *queue.Service
	recompute RecomputeFunc
	cfg       config.Config
	log       zerolog.Logger

	state atomic.Int32

	mu             sync.Mutex
	loopDone       chan struct{}
	supervisorStop chan struct{}
}

// New constructs a processor. The callback is invoked synchronously, one
// job in flight per loop iteration.
func New(q *queue.Service, recompute RecomputeFunc, cfg config.Config) *Processor {
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	if cfg.ClaimBackoff == 0 {
		cfg.ClaimBackoff = 2 * time.Second
	}
	if cfg.SupervisorEvery == 0 {
		cfg.SupervisorEvery = 10 * time.Second
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = 30 * time.Second
	}
	return &Processor{
		queue:     q,
		recompute: recompute,
		cfg:       cfg,
		log:       logging.Component("processor"),
	}
}

// Start spawns the worker loop and its supervisor. Returns false when the
// processor is already running or stopping.
func (p *Processor) Start(ctx context.Context) bool {
	if !p.state.CompareAndSwap(stateIdle, stateRunning) {
		return false
	}

	p.mu.Lock()
	p.loopDone = make(chan struct{})
	p.supervisorStop = make(chan struct{})
	done := p.loopDone
	stop := p.supervisorStop
	p.mu.Unlock()

	go p.runLoop(ctx, done)
	go p.supervise(ctx, stop)
	p.log.Info().Msg("processor started")
	return true
}

// TriggerOnce starts the loop if it is idle; a diagnostics nudge. Returns
// false when the loop is already alive.
func (p *Processor) TriggerOnce(ctx context.Context) bool {
	return p.Start(ctx)
}

// Stop cooperatively shuts the loop down: it signals intent, cancels the
// supervisor, then waits up to the configured grace period for the
// in-flight claim/processing cycle. An in-flight recompute cannot be
// interrupted; past the grace period Stop returns anyway with a warning.
func (p *Processor) Stop(ctx context.Context) {
	if !p.state.CompareAndSwap(stateRunning, stateStopping) {
		return
	}

	p.mu.Lock()
	close(p.supervisorStop)
	done := p.loopDone
	p.mu.Unlock()

	select {
	case <-done:
		p.log.Info().Msg("processor stopped")
	case <-time.After(p.cfg.StopGracePeriod):
		p.log.Warn().
			Dur("grace", p.cfg.StopGracePeriod).
			Msg("processor stop grace period exceeded, returning with work in flight")
	case <-ctx.Done():
		p.log.Warn().Msg("processor stop cancelled by context")
	}
	p.state.Store(stateIdle)
}

// Status reports the loop's externally visible state.
func (p *Processor) Status() models.ProcessorStatus {
	st := p.state.Load()
	return models.ProcessorStatus{
		IsProcessing: st != stateIdle,
		ShouldStop:   st == stateStopping,
		Healthy:      st == stateRunning,
	}
}

// runLoop drains the pending queue until the state leaves running. The
// blocking claim is the loop's backpressure: an idle queue parks the worker
// for the claim timeout instead of busy-spinning.
func (p *Processor) runLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker loop panicked")
		}
		close(done)
	}()

	// The identity check retires a superseded loop: a loop that outlived a
	// timed-out Stop must not keep claiming after a restart spawns its
	// replacement.
	for p.state.Load() == stateRunning && p.currentLoop(done) {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.ClaimNext(ctx, p.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Store trouble: back off briefly instead of spinning.
			p.log.Warn().Err(err).Dur("backoff", p.cfg.ClaimBackoff).Msg("claim failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ClaimBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, job)
	}
}

// process runs one job to a terminal state. A failure of the callback, or
// of the bookkeeping around it, must never escape and kill the loop.
func (p *Processor) process(ctx context.Context, job *models.Job) {
	err := p.invokeRecompute(ctx, job)
	if err == nil {
		if markErr := p.queue.MarkCompleted(ctx, job.ID); markErr != nil {
			p.log.Error().Err(markErr).Str("job_id", job.ID).Msg("failed to mark job completed")
		}
		return
	}

	trace := ""
	var pe *panicError
	if errors.As(err, &pe) {
		trace = pe.stack
	}
	if markErr := p.queue.MarkFailed(ctx, job.ID, err.Error(), trace); markErr != nil {
		p.log.Error().Err(markErr).Str("job_id", job.ID).Msg("failed to mark job failed")
	}
}

// invokeRecompute calls the callback, converting a panic into an error with
// its stack so the trace lands on the job record.
func (p *Processor) invokeRecompute(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{
				value: fmt.Sprintf("recompute panicked: %v", r),
				stack: string(debug.Stack()),
			}
		}
	}()
	return p.recompute(ctx, job.EmployeeID, job.Date)
}

// supervise runs the low-frequency watchdog: it restarts a silently-dead
// loop, refreshes queue depth gauges, and reaps stale claims.
func (p *Processor) supervise(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.SupervisorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.state.Load() != stateRunning {
			continue
		}

		p.mu.Lock()
		done := p.loopDone
		p.mu.Unlock()
		select {
		case <-done:
			p.log.Error().Msg("worker loop died unexpectedly, restarting")
			p.mu.Lock()
			p.loopDone = make(chan struct{})
			done = p.loopDone
			p.mu.Unlock()
			go p.runLoop(ctx, done)
		default:
		}

		if pending, processing, err := p.queue.QueueDepths(ctx); err == nil {
			telemetry.PendingDepthGauge.Set(float64(pending))
			telemetry.ProcessingGauge.Set(float64(processing))
		}

		if p.cfg.ReaperStaleAfter > 0 {
			if n, err := p.queue.ReapStale(ctx, p.cfg.ReaperStaleAfter); err != nil {
				p.log.Warn().Err(err).Msg("stale claim sweep failed")
			} else if n > 0 {
				p.log.Info().Int("count", n).Msg("stale claims requeued")
			}
		}
	}
}

func (p *Processor) currentLoop(done chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loopDone == done
}

// panicError carries a recovered panic and its stack trace.
type panicError struct {
	value string
	stack string
}

func (e *panicError) Error() string {
	return e.value
}
