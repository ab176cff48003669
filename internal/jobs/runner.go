package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otakudex/otakudex/internal/ratelimit"
)

// Handle identifies one enqueued job run.
type Handle string

// State is the lifecycle of a job run.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is the observable state of one job run.
type Status struct {
	Handle     Handle    `json:"handle"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// JobFunc is one unit of work returning a human-readable summary.
type JobFunc func(ctx context.Context) (string, error)

// Runner executes jobs in the background with bounded retries.
// Anticipated rate-limit outcomes are never retried; the next
// scheduled run will pick the work up when the budget recovers.
type Runner struct {
	logger      zerolog.Logger
	baseCtx     context.Context
	baseDelay   time.Duration
	maxAttempts int

	mu     sync.Mutex
	runs   map[Handle]*Status
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error
	nowFn  func() time.Time
	closed bool
}

// NewRunner creates a runner whose jobs inherit ctx.
func NewRunner(ctx context.Context, logger zerolog.Logger) *Runner {
	return &Runner{
		logger:      logger.With().Str("component", "job-runner").Logger(),
		baseCtx:     ctx,
		baseDelay:   time.Minute,
		maxAttempts: 3,
		runs:        make(map[Handle]*Status),
		sleep:       sleepContext,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enqueue starts fn in the background and returns its handle
// immediately. Failed runs retry with a doubling delay, three
// attempts in total.
func (r *Runner) Enqueue(name string, fn JobFunc) Handle {
	handle := Handle(uuid.New().String())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Str("job", name).Msg("Runner closed, job dropped")
		return handle
	}
	status := &Status{Handle: handle, Name: name, State: StateRunning, StartedAt: r.nowFn()}
	r.runs[handle] = status
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(status, fn)
	return handle
}

func (r *Runner) run(status *Status, fn JobFunc) {
	defer r.wg.Done()

	delay := r.baseDelay
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.mu.Lock()
		status.Attempts = attempt
		r.mu.Unlock()

		summary, err := fn(r.baseCtx)
		if err == nil {
			r.finish(status, StateSucceeded, summary, nil)
			r.logger.Info().Str("job", status.Name).Str("summary", summary).Msg("Job finished")
			return
		}
		lastErr = err

		// Rate limits are anticipated: retrying immediately would only
		// burn more budget. Context loss means shutdown.
		if errors.Is(err, ratelimit.ErrRateLimited) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		r.logger.Warn().Err(err).Str("job", status.Name).Int("attempt", attempt).Msg("Job attempt failed")
		if attempt < r.maxAttempts {
			if sleepErr := r.sleep(r.baseCtx, delay); sleepErr != nil {
				break
			}
			delay *= 2
		}
	}

	r.finish(status, StateFailed, "", lastErr)
	r.logger.Error().Err(lastErr).Str("job", status.Name).Msg("Job failed")
}

func (r *Runner) finish(status *Status, state State, summary string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status.State = state
	status.Summary = summary
	if err != nil {
		status.Error = err.Error()
	}
	status.FinishedAt = r.nowFn()
}

// Get returns a copy of one run's status.
func (r *Runner) Get(handle Handle) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.runs[handle]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// List returns a copy of every known run.
func (r *Runner) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.runs))
	for _, s := range r.runs {
		out = append(out, *s)
	}
	return out
}

// Shutdown refuses new jobs and waits for in-flight ones, bounded by
// ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
