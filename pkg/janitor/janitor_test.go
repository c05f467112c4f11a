package janitor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	calls int32
	err   error
}

func (f *fakeSweeper) SweepExpiredLocks(context.Context) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 2, f.err
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeSweeper{}, "not a schedule", quietLog())
	require.Error(t, err)
}

func TestSweepRunsAndSurvivesErrors(t *testing.T) {
	sweeper := &fakeSweeper{}
	j, err := New(sweeper, DefaultSchedule, quietLog())
	require.NoError(t, err)

	j.sweep()
	assert.EqualValues(t, 1, atomic.LoadInt32(&sweeper.calls))

	sweeper.err = errors.New("db gone")
	j.sweep()
	assert.EqualValues(t, 2, atomic.LoadInt32(&sweeper.calls))
}

func TestStartStop(t *testing.T) {
	j, err := New(&fakeSweeper{}, DefaultSchedule, quietLog())
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
