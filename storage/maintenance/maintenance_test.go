package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"powerdns.com/platform/snapsync/storage/memory"
)

type countingStore struct {
	*memory.Backend
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
	fail    bool
}

func (c *countingStore) Maintain(ctx context.Context) error {
	c.calls.Inc()
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return errors.New("maintenance failed")
	}
	return nil
}

func TestRunner_RunOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st := &countingStore{Backend: memory.New()}
	r := New(st, time.Hour, logger)
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, int32(1), st.calls.Load())
	assert.Equal(t, 1, r.Passes())

	r.Pause()
	r.Pause()
	assert.True(t, r.Paused())
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, int32(1), st.calls.Load(), "must not run while paused")

	r.Resume()
	assert.True(t, r.Paused(), "pauses nest")
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, int32(1), st.calls.Load())

	r.Resume()
	assert.False(t, r.Paused())
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, int32(2), st.calls.Load())

	// Unbalanced Resume is ignored
	r.Resume()
	assert.False(t, r.Paused())
}

func TestRunner_pauseWaitsForActivePass(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st := &countingStore{
		Backend: memory.New(),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	r := New(st, time.Hour, logger)

	go func() {
		_ = r.RunOnce(context.Background())
	}()
	<-st.started

	paused := make(chan struct{})
	go func() {
		r.Pause()
		close(paused)
	}()

	select {
	case <-paused:
		t.Fatal("Pause returned while a pass was active")
	case <-time.After(20 * time.Millisecond):
	}

	close(st.block)
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("Pause did not return after the pass finished")
	}
	assert.Equal(t, 1, r.Passes())
}

func TestRunner_Run(t *testing.T) {
	logger, hook := test.NewNullLogger()
	st := &countingStore{Backend: memory.New(), fail: true}
	r := New(st, 5*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, st.calls.Load(), int32(1), "failures do not stop the runner")
	assert.NotEmpty(t, hook.AllEntries())
}

func TestRunner_disabled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	st := &countingStore{Backend: memory.New()}
	r := New(st, 0, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
	assert.Equal(t, int32(0), st.calls.Load())
}
