package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"*/15 * * * *", "0 3 * * *", "@every 10m", "@hourly"} {
		assert.NoError(t, ValidateSpec(spec), spec)
	}
	for _, spec := range []string{"", "every ten minutes", "* * *", "@every soon"} {
		assert.Error(t, ValidateSpec(spec), spec)
	}
}

func TestScheduler_RunsJob(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add(ctx, "refresh", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return errors.New("failures are logged, not fatal")
	}))

	_, ok := s.NextRun("refresh")
	assert.False(t, ok, "not running yet")

	s.Start(ctx)
	defer s.Stop()

	next, ok := s.NextRun("refresh")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), next, 2*time.Second)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_AddErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(testLogger())
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Add(ctx, "bad", "whenever", noop))
	require.NoError(t, s.Add(ctx, "refresh", "@hourly", noop))
	require.Error(t, s.Add(ctx, "refresh", "@daily", noop))

	_, ok := s.NextRun("unknown")
	assert.False(t, ok)
}

func TestScheduler_StopsWithContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(testLogger())
	require.NoError(t, s.Add(ctx, "refresh", "@hourly", func(context.Context) error { return nil }))

	s.Start(ctx)
	cancel()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.running
	}, time.Second, 10*time.Millisecond)
	s.Stop()
}
