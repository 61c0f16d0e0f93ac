package asset

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
}

func TestLifecycleToLoaded(t *testing.T) {
	s := New[string]("report", fixedNow)
	assert.Equal(t, StatusIdle, s.Snapshot().Status)

	require.NoError(t, s.Begin(ModeReceive))
	require.NoError(t, s.SetProgress(40))
	snap := s.Snapshot()
	assert.Equal(t, StatusLoading, snap.Status)
	assert.Equal(t, ModeReceive, snap.Mode)
	assert.Equal(t, 40, snap.Progress)

	require.NoError(t, s.Complete("<html>"))
	snap = s.Snapshot()
	assert.Equal(t, StatusLoaded, snap.Status)
	assert.Equal(t, ModeIdle, snap.Mode)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "<html>", snap.Data)
	assert.Equal(t, fixedNow(), snap.LastSyncedAt)
}

func TestLifecycleToError(t *testing.T) {
	s := New[string]("breakdown", fixedNow)
	require.NoError(t, s.Begin(ModeSend))
	require.NoError(t, s.Fail(errors.New("timeout")))
	snap := s.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "timeout", snap.Err)
	assert.True(t, snap.LastSyncedAt.IsZero())

	require.NoError(t, s.Begin(ModeSend), "an errored asset can be retried")
	assert.Empty(t, s.Snapshot().Err)
}

func TestInvalidTransitions(t *testing.T) {
	s := New[int]("result", fixedNow)
	assert.ErrorIs(t, s.Complete(1), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail(nil), ErrInvalidTransition)
	assert.ErrorIs(t, s.SetProgress(10), ErrInvalidTransition)
	assert.ErrorIs(t, s.Update(1), ErrInvalidTransition)
	assert.ErrorIs(t, s.Begin(ModeIdle), ErrInvalidTransition)

	require.NoError(t, s.Begin(ModeSend))
	assert.ErrorIs(t, s.Begin(ModeSend), ErrInvalidTransition)
	assert.ErrorIs(t, s.SetProgress(101), ErrProgressRange)
	assert.ErrorIs(t, s.SetProgress(-1), ErrProgressRange)
	assert.Equal(t, 0, s.Snapshot().Progress)
}

func TestBeginKeepsPreviousData(t *testing.T) {
	s := New[string]("report", fixedNow)
	require.NoError(t, s.Begin(ModeReceive))
	require.NoError(t, s.Complete("v1"))
	require.NoError(t, s.Begin(ModeReceive))
	snap := s.Snapshot()
	assert.Equal(t, "v1", snap.Data)
	assert.Equal(t, 0, snap.Progress)
}

func TestResetAndWatch(t *testing.T) {
	s := New[[]string]("transcript", fixedNow)
	var seen []Status
	stop := s.Watch(func(snap Snapshot[[]string]) { seen = append(seen, snap.Status) })

	require.NoError(t, s.Begin(ModeReceive))
	require.NoError(t, s.Update([]string{"hi"}))
	s.Reset()
	stop()
	require.NoError(t, s.Begin(ModeReceive))

	assert.Equal(t, []Status{StatusLoading, StatusLoading, StatusIdle}, seen)
	assert.False(t, s.Snapshot().HasData)
}

func TestDeliverIsAtomic(t *testing.T) {
	s := New[int]("result", fixedNow)
	assert.ErrorIs(t, s.Deliver(ModeIdle, 1), ErrInvalidTransition)

	const writers = 32
	start := make(chan struct{})
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(value int) {
			defer wg.Done()
			<-start
			errs <- s.Deliver(ModeReceive, value)
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err, "a concurrent delivery must not see another one mid-transfer")
	}
	snap := s.Snapshot()
	assert.Equal(t, StatusLoaded, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.True(t, snap.HasData)

	require.NoError(t, s.Begin(ModeSend))
	require.NoError(t, s.SetProgress(30))
	require.NoError(t, s.Deliver(ModeReceive, 7), "a running transfer is completed in place")
	assert.Equal(t, 7, s.Snapshot().Data)
}
