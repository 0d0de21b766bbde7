package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvline/internal/engine"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) SweepTimeouts(_ context.Context, _ time.Time) (engine.SweepResult, error) {
	c.calls.Add(1)
	return engine.SweepResult{TimedOut: 2}, c.err
}

func TestRunOnce(t *testing.T) {
	sw := &countingSweeper{}
	s, err := New(sw, "@every 1h", nil)
	require.NoError(t, err)
	res := s.RunOnce(context.Background())
	assert.Equal(t, 2, res.TimedOut)
	assert.EqualValues(t, 1, sw.calls.Load())

	sw.err = errors.New("db gone")
	s.RunOnce(context.Background())
	assert.EqualValues(t, 2, sw.calls.Load())
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(&countingSweeper{}, "every now and then", nil)
	assert.Error(t, err)
}

func TestScheduledRuns(t *testing.T) {
	sw := &countingSweeper{}
	s, err := New(sw, "@every 1s", nil)
	require.NoError(t, err)
	s.Start()
	s.Start()
	require.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	s.Stop()
}
