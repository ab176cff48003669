package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakudex/otakudex/internal/database"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	l := NewLimiter(db.Conn(), zerolog.Nop())
	l.randF = func() float64 { return 0.5 } // jitter factor 1.0
	l.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return l
}

func TestCheckLimitWithinBudget(t *testing.T) {
	l := newTestLimiter(t)
	l.SetBudget("jikan", Budget{RequestsPerMinute: 2, RequestsPerDay: 10})
	ctx := context.Background()

	ok, err := l.CheckLimit(ctx, "jikan")
	require.NoError(t, err)
	assert.True(t, ok)

	l.LogRequest(ctx, "jikan", "/top/anime", "", 200, true, "")
	l.LogRequest(ctx, "jikan", "/top/anime", "", 200, true, "")

	ok, err = l.CheckLimit(ctx, "jikan")
	require.NoError(t, err)
	assert.False(t, ok, "minute budget exhausted")
}

func TestMinuteWindowRollover(t *testing.T) {
	l := newTestLimiter(t)
	l.SetBudget("jikan", Budget{RequestsPerMinute: 1, RequestsPerDay: 100})
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.LogRequest(ctx, "jikan", "/anime/1", "", 200, true, "")
	ok, err := l.CheckLimit(ctx, "jikan")
	require.NoError(t, err)
	assert.False(t, ok)

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	ok, err = l.CheckLimit(ctx, "jikan")
	require.NoError(t, err)
	assert.True(t, ok, "minute counter resets after the window passes")

	u, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	assert.Equal(t, 0, u.MinuteCount)
	assert.Equal(t, 1, u.DailyCount, "daily counter survives the minute rollover")
}

func TestDailyWindowRollover(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.LogRequest(ctx, "anilist", "query", "", 200, true, "")

	l.now = func() time.Time { return base.Add(25 * time.Hour) }
	u, err := l.Usage(ctx, "anilist")
	require.NoError(t, err)
	assert.Equal(t, 0, u.DailyCount)
	assert.Equal(t, 1, u.SuccessCount, "success totals are lifetime, not windowed")
}

func TestAdaptiveWaitBackoff(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		daily int
		want  time.Duration
	}{
		{"under half budget", 10, 2 * time.Second},
		{"over half budget", 51, 3 * time.Second},
		{"over three quarters", 80, 4 * time.Second},
		{"nearly exhausted", 95, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := "p-" + tt.name
			l.SetBudget(provider, Budget{RequestsPerMinute: 30, RequestsPerDay: 100})
			_, err := l.Usage(ctx, provider)
			require.NoError(t, err)
			_, err = l.db.ExecContext(ctx,
				`UPDATE provider_usage SET daily_count = ? WHERE provider = ?`, tt.daily, provider)
			require.NoError(t, err)

			wait, err := l.AdaptiveWait(ctx, provider)
			require.NoError(t, err)
			assert.Equal(t, tt.want, wait)
		})
	}
}

func TestAdaptiveWaitFloor(t *testing.T) {
	l := newTestLimiter(t)
	l.SetBudget("fast", Budget{RequestsPerMinute: 600, RequestsPerDay: 100000})

	wait, err := l.AdaptiveWait(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, minWait, wait, "pacing never drops below the floor")
}

func TestDoSleepsOutShortBlock(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	require.NoError(t, l.MarkRateLimited(ctx, "jikan", now.Add(30*time.Second)))

	var slept time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	called := false
	err = l.Do(ctx, "jikan", "/anime/1", "", func(ctx context.Context) (int, error) {
		called = true
		return 200, nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 31*time.Second, slept, "sleeps the block plus a one second buffer")
}

func TestDoFailsFastOnLongBlock(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	require.NoError(t, l.MarkRateLimited(ctx, "jikan", now.Add(10*time.Minute)))

	err = l.Do(ctx, "jikan", "/anime/1", "", func(ctx context.Context) (int, error) {
		t.Fatal("request must not run while blocked")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDoFailsFastOnSpentDailyBudget(t *testing.T) {
	l := newTestLimiter(t)
	l.SetBudget("jikan", Budget{RequestsPerMinute: 30, RequestsPerDay: 2})
	ctx := context.Background()

	_, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	_, err = l.db.ExecContext(ctx,
		`UPDATE provider_usage SET daily_count = 2 WHERE provider = 'jikan'`)
	require.NoError(t, err)

	err = l.Do(ctx, "jikan", "/anime/1", "", func(ctx context.Context) (int, error) {
		t.Fatal("request must not run with the daily budget spent")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDoSleepsOutSpentMinuteWindow(t *testing.T) {
	l := newTestLimiter(t)
	l.SetBudget("jikan", Budget{RequestsPerMinute: 2, RequestsPerDay: 100})
	ctx := context.Background()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	_, err = l.db.ExecContext(ctx,
		`UPDATE provider_usage SET minute_count = 2 WHERE provider = 'jikan'`)
	require.NoError(t, err)

	var sleeps []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	called := false
	err = l.Do(ctx, "jikan", "/anime/1", "", func(ctx context.Context) (int, error) {
		called = true
		return 200, nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	require.NotEmpty(t, sleeps)
	assert.Equal(t, 61*time.Second, sleeps[0], "waits out the rest of the minute window plus a buffer")
}

func TestDoMarksLimitedOn429(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	err := l.Do(ctx, "jikan", "/top/anime", "", func(ctx context.Context) (int, error) {
		return 429, errors.New("too many requests")
	})
	require.ErrorIs(t, err, ErrRateLimited)

	u, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	assert.True(t, u.IsRateLimited)
	assert.Equal(t, 1, u.FailureCount)
}

func TestDoLogsOutcome(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.Do(ctx, "anilist", "query Popular", "page=1", func(ctx context.Context) (int, error) {
		return 200, nil
	}))

	var count int
	require.NoError(t, l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_request_logs WHERE provider = 'anilist' AND success = 1`).Scan(&count))
	assert.Equal(t, 1, count)

	u, err := l.Usage(ctx, "anilist")
	require.NoError(t, err)
	assert.Equal(t, 1, u.MinuteCount)
	assert.Equal(t, 1, u.DailyCount)
	assert.Equal(t, 1, u.SuccessCount)
}

func TestBlockClearsAfterExpiry(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Usage(ctx, "jikan")
	require.NoError(t, err)
	require.NoError(t, l.MarkRateLimited(ctx, "jikan", now.Add(time.Minute)))

	ok, err := l.CheckLimit(ctx, "jikan")
	require.NoError(t, err)
	assert.False(t, ok)

	l.now = func() time.Time { return now.Add(2 * time.Minute) }
	ok, err = l.CheckLimit(ctx, "jikan")
	require.NoError(t, err)
	assert.True(t, ok, "flag clears on first check after expiry")
}
