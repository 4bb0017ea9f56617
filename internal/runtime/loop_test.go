package runtime

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoop_TicksUntilCancelled(t *testing.T) {
	l := New(5*time.Millisecond, discardLogger())

	var ticks int32
	ctx, cancel := context.WithCancel(context.Background())

	err := l.Run(ctx, func(context.Context) error {
		n := atomic.AddInt32(&ticks, 1)
		if n >= 3 {
			cancel()
		}
		return nil
	})

	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(3))
}

func TestLoop_TickErrorStopsImmediately(t *testing.T) {
	l := New(5*time.Millisecond, discardLogger())
	boom := errors.New("adapter failure")

	var ticks int32
	err := l.Run(context.Background(), func(context.Context) error {
		atomic.AddInt32(&ticks, 1)
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ticks), "a failing tick must abort before a second tick runs")
}

func TestLoop_CancelledContextBeforeFirstTickStillRunsOneTick(t *testing.T) {
	l := New(time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ticks int32
	err := l.Run(ctx, func(context.Context) error {
		atomic.AddInt32(&ticks, 1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ticks), "a tick always runs to completion before shutdown is honored")
}
