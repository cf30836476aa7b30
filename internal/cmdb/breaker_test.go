package cmdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
)

// scriptedLookup fails while down is set and counts calls.
type scriptedLookup struct {
	down  bool
	calls int
}

func (s *scriptedLookup) Lookup(context.Context, string) (*Signal, error) {
	s.calls++
	if s.down {
		return nil, errors.New("connection refused")
	}
	return nil, nil
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	next := &scriptedLookup{down: true}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	b := NewBreaker(next, BreakerConfig{MaxFailures: 3, Cooldown: time.Minute}, logger.New("error", "text"))
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := b.Lookup(ctx, "erp")
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, b.State())

	// Open: the CMDB is not called.
	_, err := b.Lookup(ctx, "erp")
	var open *OpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, 3, open.Failures)
	assert.Equal(t, 3, next.calls)

	// A failed probe after the cooldown reopens the circuit.
	now = now.Add(time.Minute)
	_, err = b.Lookup(ctx, "erp")
	require.Error(t, err)
	assert.False(t, errors.As(err, &open))
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 4, next.calls)

	// A successful probe closes it.
	now = now.Add(time.Minute)
	next.down = false
	sig, err := b.Lookup(ctx, "erp")
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	next := &scriptedLookup{}
	b := NewBreaker(next, BreakerConfig{MaxFailures: 2, Cooldown: time.Minute}, logger.New("error", "text"))

	next.down = true
	_, _ = b.Lookup(ctx, "erp")
	next.down = false
	_, _ = b.Lookup(ctx, "erp")
	next.down = true
	_, _ = b.Lookup(ctx, "erp")

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(&scriptedLookup{}, BreakerConfig{}, logger.New("error", "text"))
	assert.Equal(t, DefaultBreakerConfig(), b.cfg)
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
