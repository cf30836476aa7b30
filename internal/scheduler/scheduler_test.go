package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

func newScheduler(t *testing.T, locker Locker) (*Scheduler, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(context.Background(), locker, time.Minute, m, logger.New("error", "text")), m
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s, m := newScheduler(t, NewLocalLocker())
	require.NoError(t, s.Every("ok", time.Hour, func(context.Context) error { return nil }))
	require.NoError(t, s.Every("broken", time.Hour, func(context.Context) error { return errors.New("boom") }))

	ran, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = s.RunNow(context.Background(), "broken")
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("ok", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("broken", "error")))
}

func TestRunNowSkipsWhenLeaseHeld(t *testing.T) {
	locker := NewLocalLocker()
	s, _ := newScheduler(t, locker)

	var runs int32
	require.NoError(t, s.Every("sweep", time.Hour, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	release, ok, err := locker.Acquire(context.Background(), "job:sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, atomic.LoadInt32(&runs))

	release()
	ran, err = s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestAddValidation(t *testing.T) {
	s, _ := newScheduler(t, NewLocalLocker())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Every("zero", 0, noop))
	require.NoError(t, s.Every("dup", time.Minute, noop))
	assert.Error(t, s.Every("dup", time.Minute, noop))
	assert.Error(t, s.Add("bad", "not a schedule", noop))

	_, err := s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestLocalLockerLeaseLapses(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	fresh, ok, _ := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	// Releasing the lapsed lease must not free the new holder's.
	stale()
	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	fresh()
	_, ok, _ = l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestRedisLockerReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()

	_, ok, err := NewRedisLocker(client).Acquire(context.Background(), "job:sweep", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)

	_, err = NewRedisClient(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1", MaxRetries: -1})
	assert.Error(t, err)
}

func TestLeaseErrorCountsAsFailedRun(t *testing.T) {
	s, m := newScheduler(t, failingLocker{})
	require.NoError(t, s.Every("sweep", time.Hour, func(context.Context) error { return nil }))

	ran, err := s.RunNow(context.Background(), "sweep")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("sweep", "error")))
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis unavailable")
}

type stubSweeper struct{ calls int }

func (s *stubSweeper) Sweep(context.Context) (int, error) {
	s.calls++
	return 2, nil
}

type stubEvaluator struct{ window time.Duration }

func (e *stubEvaluator) EvaluateCurrent(_ context.Context, window time.Duration) (*models.TrustMaturityProgress, error) {
	e.window = window
	return &models.TrustMaturityProgress{CurrentLevel: 1}, nil
}

func TestRegisterGovernanceJobs(t *testing.T) {
	s, _ := newScheduler(t, NewLocalLocker())
	sweeper := &stubSweeper{}
	evaluator := &stubEvaluator{}
	cfg := config.GovernanceConfig{
		ExpirySweepInterval:  5 * time.Minute,
		MaturityEvalInterval: 24 * time.Hour,
		MaturityWindow:       672 * time.Hour,
	}
	require.NoError(t, RegisterGovernanceJobs(s, cfg, sweeper, evaluator))

	ran, err := s.RunNow(context.Background(), JobExceptionSweep)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, sweeper.calls)

	ran, err = s.RunNow(context.Background(), JobMaturityEvaluation)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 672*time.Hour, evaluator.window)

	s.Start()
	s.Stop()
}
