package cron

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

type countingRefresher struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (c *countingRefresher) RefreshReminders(ctx context.Context) (int, error) {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return 2, c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := NewScheduler("not a cron", &countingRefresher{}, testLogger())
	assert.Error(t, s.Start())
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler("0 3 * * *", &countingRefresher{}, testLogger())
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 1)

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RefreshRunsOnce(t *testing.T) {
	r := &countingRefresher{block: make(chan struct{}), err: errors.New("partial")}
	s := NewScheduler("0 3 * * *", r, testLogger())

	done := make(chan struct{})
	go func() {
		s.refreshReminders()
		close(done)
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// overlapping run is skipped while the first holds the lock
	s.refreshReminders()
	assert.Equal(t, int32(1), r.calls.Load())

	close(r.block)
	<-done
}
