package scheduler_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jjvainav/editsync/scheduler"
)

// Test_Scheduler_SequentialOrder verifies sequential tasks run FIFO even when
// the first task is slow.
func Test_Scheduler_SequentialOrder(t *testing.T) {
	s := scheduler.New(scheduler.Sequential, zerolog.Nop())

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})

	var outcomes []*scheduler.Outcome
	for i := 0; i < 5; i++ {
		i := i
		out, err := s.Submit(func() error {
			if i == 0 {
				<-gate
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}
	close(gate)

	for _, out := range outcomes {
		res := out.Wait()
		require.True(t, res.Ran)
		require.NoError(t, res.Err)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// Test_Scheduler_ConcurrentStartsImmediately verifies concurrent tasks do not
// wait on each other.
func Test_Scheduler_ConcurrentStartsImmediately(t *testing.T) {
	s := scheduler.New(scheduler.Concurrent, zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})

	first, err := s.Submit(func() error {
		<-release
		return nil
	})
	require.NoError(t, err)

	second, err := s.Submit(func() error {
		close(started)
		return nil
	})
	require.NoError(t, err)

	// the second task runs while the first is still blocked
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second task never started")
	}

	close(release)
	require.True(t, first.Wait().Ran)
	require.True(t, second.Wait().Ran)
	s.WaitForIdle()
}

// Test_Scheduler_PauseHoldsSubsequentWork verifies work submitted after Pause
// is held until Resume while pre-pause work still runs.
func Test_Scheduler_PauseHoldsSubsequentWork(t *testing.T) {
	s := scheduler.New(scheduler.Sequential, zerolog.Nop())

	gate := make(chan struct{})
	pre, err := s.Submit(func() error {
		<-gate
		return nil
	})
	require.NoError(t, err)

	s.Pause()
	held, err := s.Submit(func() error { return nil })
	require.NoError(t, err)

	close(gate)
	require.True(t, pre.Wait().Ran)

	// held work does not count as outstanding
	s.WaitForIdle()
	select {
	case <-held.Done():
		t.Fatal("held task ran before resume")
	default:
	}

	s.Resume()
	require.True(t, held.Wait().Ran)
}

// Test_Scheduler_AbortCancelsQueuedWork verifies abort resolves queued tasks
// with a neutral not-run result and rejects new submissions.
func Test_Scheduler_AbortCancelsQueuedWork(t *testing.T) {
	s := scheduler.New(scheduler.Sequential, zerolog.Nop())

	started := make(chan struct{})
	gate := make(chan struct{})
	running, err := s.Submit(func() error {
		close(started)
		<-gate
		return nil
	})
	require.NoError(t, err)
	<-started

	queued, err := s.Submit(func() error {
		t.Error("canceled task ran")
		return nil
	})
	require.NoError(t, err)

	s.Abort()
	close(gate)

	require.True(t, running.Wait().Ran)
	res := queued.Wait()
	require.False(t, res.Ran)
	require.NoError(t, res.Err)

	_, err = s.Submit(func() error { return nil })
	require.ErrorIs(t, err, scheduler.ErrAborted)

	s.WaitForIdle()
}

// Test_Scheduler_WaitForIdleWhenIdle verifies WaitForIdle resolves without
// waiting for any further event when nothing is outstanding.
func Test_Scheduler_WaitForIdleWhenIdle(t *testing.T) {
	s := scheduler.New(scheduler.Sequential, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.WaitForIdle()
		s.WaitForIdle()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForIdle blocked on an idle scheduler")
	}
}

// Test_Scheduler_WaitForIdleAfterWork verifies the idle signal fires once the
// outstanding-work count reaches zero.
func Test_Scheduler_WaitForIdleAfterWork(t *testing.T) {
	s := scheduler.New(scheduler.Sequential, zerolog.Nop())

	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		_, err := s.Submit(func() error {
			<-gate
			return nil
		})
		require.NoError(t, err)
	}

	idle := make(chan struct{})
	go func() {
		s.WaitForIdle()
		close(idle)
	}()

	select {
	case <-idle:
		t.Fatal("idle fired with work outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle never fired")
	}
	require.True(t, s.Idle())
}

// Test_Scheduler_RecoversPanickingTask verifies a panicking task resolves its
// outcome with an error instead of taking the scheduler down.
func Test_Scheduler_RecoversPanickingTask(t *testing.T) {
	s := scheduler.New(scheduler.Sequential, zerolog.Nop())

	out, err := s.Submit(func() error {
		panic("boom")
	})
	require.NoError(t, err)

	res := out.Wait()
	require.True(t, res.Ran)
	require.Error(t, res.Err)

	// the scheduler keeps running
	next, err := s.Submit(func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, next.Wait().Err)
}
