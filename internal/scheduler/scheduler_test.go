package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func waitForRun(t *testing.T, s *Scheduler, taskID string) TaskInfo {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		info, err := s.GetTask(taskID)
		require.NoError(t, err)
		if info.LastRun != nil && !info.Running {
			return *info
		}
		select {
		case <-deadline:
			t.Fatalf("task %s did not run", taskID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegisterTaskRejectsDuplicates(t *testing.T) {
	s := newTestScheduler(t)

	cfg := TaskConfig{
		ID:   "sweep",
		Name: "Sweep",
		Cron: "*/30 * * * *",
		Func: func(ctx context.Context) (string, error) { return "", nil },
	}
	require.NoError(t, s.RegisterTask(cfg))
	assert.Error(t, s.RegisterTask(cfg))
}

func TestRunNowRecordsSummary(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:   "top-list",
		Name: "Top list",
		Cron: "0 3 * * *",
		Func: func(ctx context.Context) (string, error) {
			return "processed 25/25", nil
		},
	}))

	require.NoError(t, s.RunNow("top-list"))
	info := waitForRun(t, s, "top-list")
	assert.Equal(t, "processed 25/25", info.LastSummary)
	assert.Empty(t, info.LastError)
}

func TestRunNowRecordsError(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:   "broken",
		Name: "Broken",
		Cron: "0 3 * * *",
		Func: func(ctx context.Context) (string, error) {
			return "", errors.New("upstream down")
		},
	}))

	require.NoError(t, s.RunNow("broken"))
	info := waitForRun(t, s, "broken")
	assert.Equal(t, "upstream down", info.LastError)
}

func TestRunNowUnknownTask(t *testing.T) {
	s := newTestScheduler(t)
	assert.Error(t, s.RunNow("missing"))

	_, err := s.GetTask("missing")
	assert.Error(t, err)
}

func TestListTasks(t *testing.T) {
	s := newTestScheduler(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.RegisterTask(TaskConfig{
			ID:   id,
			Name: id,
			Cron: "0 3 * * *",
			Func: func(ctx context.Context) (string, error) { return "", nil },
		}))
	}
	assert.Len(t, s.ListTasks(), 2)
}
