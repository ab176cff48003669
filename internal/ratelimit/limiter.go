// Package ratelimit enforces per-provider request budgets with
// adaptive pacing. Counters persist across restarts; accuracy is
// best-effort by design of the underlying store (last write wins).
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRateLimited is returned when a provider budget is exhausted or an
// upstream block is too long to wait out.
var ErrRateLimited = errors.New("provider rate limited")

// maxSleepOut is the longest upstream block Do will wait through
// instead of failing fast.
const maxSleepOut = 2 * time.Minute

// minWait is the floor for adaptive pacing.
const minWait = 500 * time.Millisecond

// Budget is the request allowance for one provider.
type Budget struct {
	RequestsPerMinute int
	RequestsPerDay    int
}

// Usage is a snapshot of one provider's counters.
type Usage struct {
	Provider         string     `json:"provider"`
	MinuteCount      int        `json:"minuteCount"`
	MinuteReset      time.Time  `json:"minuteReset"`
	DailyCount       int        `json:"dailyCount"`
	DailyReset       time.Time  `json:"dailyReset"`
	SuccessCount     int        `json:"successCount"`
	FailureCount     int        `json:"failureCount"`
	IsRateLimited    bool       `json:"isRateLimited"`
	RateLimitedUntil *time.Time `json:"rateLimitedUntil,omitempty"`
}

// Limiter paces outgoing provider requests against persisted budgets.
type Limiter struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.Mutex
	budgets map[string]Budget

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randF func() float64
}

// NewLimiter creates a limiter over the given database.
func NewLimiter(db *sql.DB, logger zerolog.Logger) *Limiter {
	return &Limiter{
		db:      db,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		budgets: make(map[string]Budget),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
		randF:   rand.Float64,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetBudget installs the allowance for a provider. Called on startup
// and whenever the active update strategy changes.
func (l *Limiter) SetBudget(provider string, b Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[provider] = b
}

func (l *Limiter) budget(provider string) Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.budgets[provider]; ok {
		return b
	}
	return Budget{RequestsPerMinute: 30, RequestsPerDay: 5000}
}

// loadUsage reads the usage row for a provider, creating it when
// missing and rolling over expired counting windows.
func (l *Limiter) loadUsage(ctx context.Context, provider string) (*Usage, error) {
	now := l.now()

	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO provider_usage (provider, minute_reset, daily_reset)
		VALUES (?, ?, ?)`, provider, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to init usage row: %w", err)
	}

	var u Usage
	var limitedUntil sql.NullTime
	err = l.db.QueryRowContext(ctx, `
		SELECT provider, minute_count, minute_reset, daily_count, daily_reset,
			success_count, failure_count, is_rate_limited, rate_limited_until
		FROM provider_usage WHERE provider = ?`, provider).Scan(
		&u.Provider, &u.MinuteCount, &u.MinuteReset, &u.DailyCount, &u.DailyReset,
		&u.SuccessCount, &u.FailureCount, &u.IsRateLimited, &limitedUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	if limitedUntil.Valid {
		u.RateLimitedUntil = &limitedUntil.Time
	}

	// Roll the minute window.
	if now.Sub(u.MinuteReset) >= time.Minute {
		u.MinuteCount = 0
		u.MinuteReset = now
		if _, err := l.db.ExecContext(ctx,
			`UPDATE provider_usage SET minute_count = 0, minute_reset = ? WHERE provider = ?`,
			now, provider); err != nil {
			return nil, err
		}
	}

	// Roll the daily window.
	if now.Sub(u.DailyReset) >= 24*time.Hour {
		u.DailyCount = 0
		u.DailyReset = now
		if _, err := l.db.ExecContext(ctx,
			`UPDATE provider_usage SET daily_count = 0, daily_reset = ? WHERE provider = ?`,
			now, provider); err != nil {
			return nil, err
		}
	}

	// Clear an expired upstream block on first check after expiry.
	if u.IsRateLimited && u.RateLimitedUntil != nil && !now.Before(*u.RateLimitedUntil) {
		u.IsRateLimited = false
		u.RateLimitedUntil = nil
		if _, err := l.db.ExecContext(ctx,
			`UPDATE provider_usage SET is_rate_limited = 0, rate_limited_until = NULL WHERE provider = ?`,
			provider); err != nil {
			return nil, err
		}
		l.logger.Info().Str("provider", provider).Msg("Upstream rate limit expired")
	}

	return &u, nil
}

// Usage returns the current counter snapshot for a provider.
func (l *Limiter) Usage(ctx context.Context, provider string) (*Usage, error) {
	return l.loadUsage(ctx, provider)
}

// CheckLimit reports whether a request may be sent right now.
func (l *Limiter) CheckLimit(ctx context.Context, provider string) (bool, error) {
	u, err := l.loadUsage(ctx, provider)
	if err != nil {
		return false, err
	}
	if u.IsRateLimited {
		return false, nil
	}
	b := l.budget(provider)
	return u.MinuteCount < b.RequestsPerMinute && u.DailyCount < b.RequestsPerDay, nil
}

// AdaptiveWait computes the pause before the next request: the budget
// pace with jitter, stretched as the daily allowance drains.
func (l *Limiter) AdaptiveWait(ctx context.Context, provider string) (time.Duration, error) {
	u, err := l.loadUsage(ctx, provider)
	if err != nil {
		return 0, err
	}
	b := l.budget(provider)

	rpm := b.RequestsPerMinute
	if rpm <= 0 {
		rpm = 1
	}
	base := time.Duration(float64(time.Minute) / float64(rpm))

	// +-30% jitter so request timing never falls into lockstep.
	jitter := 1 + (l.randF()*0.6 - 0.3)
	wait := time.Duration(float64(base) * jitter)

	if b.RequestsPerDay > 0 {
		used := float64(u.DailyCount) / float64(b.RequestsPerDay)
		switch {
		case used > 0.9:
			wait *= 5
		case used > 0.75:
			wait *= 2
		case used > 0.5:
			wait = time.Duration(float64(wait) * 1.5)
		}
	}

	if wait < minWait {
		wait = minWait
	}
	return wait, nil
}

// MarkRateLimited records an upstream block until the given time.
func (l *Limiter) MarkRateLimited(ctx context.Context, provider string, until time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE provider_usage SET is_rate_limited = 1, rate_limited_until = ?
		WHERE provider = ?`, until, provider)
	if err != nil {
		return fmt.Errorf("failed to mark rate limited: %w", err)
	}
	l.logger.Warn().Str("provider", provider).Time("until", until).Msg("Provider rate limited upstream")
	return nil
}

// LogRequest bumps the usage counters and appends a request audit row.
// Logging failures never block the caller's request path.
func (l *Limiter) LogRequest(ctx context.Context, provider, endpoint, params string, code int, success bool, errText string) {
	successInc, failureInc := 0, 1
	if success {
		successInc, failureInc = 1, 0
	}
	if _, err := l.db.ExecContext(ctx, `
		UPDATE provider_usage
		SET minute_count = minute_count + 1,
			daily_count = daily_count + 1,
			success_count = success_count + ?,
			failure_count = failure_count + ?
		WHERE provider = ?`, successInc, failureInc, provider); err != nil {
		l.logger.Error().Err(err).Str("provider", provider).Msg("Failed to bump usage counters")
	}

	var codeVal sql.NullInt64
	if code != 0 {
		codeVal = sql.NullInt64{Int64: int64(code), Valid: true}
	}
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO provider_request_logs (provider, endpoint, params, response_code, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		provider, endpoint, params, codeVal, success, errText); err != nil {
		l.logger.Error().Err(err).Str("provider", provider).Msg("Failed to append request log")
	}
}

// Do paces and audits one provider request. When the provider is
// blocked upstream it sleeps the block out only if that takes under
// two minutes; longer blocks fail fast with ErrRateLimited. A spent
// daily budget fails fast the same way; a spent minute budget sleeps
// out the remainder of the window. The request outcome is logged
// whether fn succeeds or not. fn returns the HTTP status code it
// observed (0 when no response arrived).
func (l *Limiter) Do(ctx context.Context, provider, endpoint, params string, fn func(ctx context.Context) (int, error)) error {
	u, err := l.loadUsage(ctx, provider)
	if err != nil {
		return err
	}

	if u.IsRateLimited && u.RateLimitedUntil != nil {
		remaining := u.RateLimitedUntil.Sub(l.now())
		if remaining >= maxSleepOut {
			l.logger.Warn().Str("provider", provider).Dur("remaining", remaining).
				Msg("Rate limit block too long, failing fast")
			return fmt.Errorf("%s blocked for %s: %w", provider, remaining.Round(time.Second), ErrRateLimited)
		}
		// Sleep the block out with a small buffer.
		if err := l.sleep(ctx, remaining+time.Second); err != nil {
			return err
		}
	} else {
		b := l.budget(provider)
		if b.RequestsPerDay > 0 && u.DailyCount >= b.RequestsPerDay {
			return fmt.Errorf("%s daily budget spent: %w", provider, ErrRateLimited)
		}
		if b.RequestsPerMinute > 0 && u.MinuteCount >= b.RequestsPerMinute {
			// The counter rolls over on the next load.
			remaining := u.MinuteReset.Add(time.Minute).Sub(l.now())
			if err := l.sleep(ctx, remaining+time.Second); err != nil {
				return err
			}
		}

		wait, err := l.AdaptiveWait(ctx, provider)
		if err != nil {
			return err
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	code, err := fn(ctx)

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	l.LogRequest(ctx, provider, endpoint, params, code, err == nil, errText)

	if code == 429 {
		// No Retry-After plumbing; back off for a minute.
		if markErr := l.MarkRateLimited(ctx, provider, l.now().Add(time.Minute)); markErr != nil {
			l.logger.Error().Err(markErr).Str("provider", provider).Msg("Failed to persist upstream block")
		}
		return fmt.Errorf("%s responded 429: %w", provider, ErrRateLimited)
	}
	return err
}
