// Package scheduler provides the asynchronous task queue underlying the
// dispatch pipeline. A scheduler runs units of work either strictly
// sequentially (FIFO) or concurrently, supports pausing and aborting, and
// exposes a waitable idle signal.
package scheduler

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// ErrAborted is returned by Submit after Abort has been called. Submitting
// to an aborted scheduler is a configuration error, not a transient one.
var ErrAborted = errors.New("scheduler aborted")

// Discipline selects how submitted tasks are started.
type Discipline int

const (
	// Sequential starts a task only after the previous one finished,
	// successful or not, in submission order.
	Sequential Discipline = iota
	// Concurrent starts tasks immediately, unordered.
	Concurrent
)

// Task is one unit of work.
type Task func() error

// TaskResult is the terminal state of a submitted task. Ran is false when
// the task was canceled by Abort before it started.
type TaskResult struct {
	Ran bool
	Err error
}

// Outcome is the waitable handle returned by Submit.
type Outcome struct {
	once   sync.Once
	done   chan struct{}
	result TaskResult
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

func (o *Outcome) resolve(r TaskResult) {
	o.once.Do(func() {
		o.result = r
		close(o.done)
	})
}

// Done is closed once the task has finished or been canceled.
func (o *Outcome) Done() <-chan struct{} { return o.done }

// Wait blocks until the task has finished or been canceled.
func (o *Outcome) Wait() TaskResult {
	<-o.done
	return o.result
}

type entry struct {
	task    Task
	outcome *Outcome
}

// Scheduler schedules tasks under one Discipline.
//
// Work submitted while the scheduler is paused is held and does not count as
// outstanding: Idle and WaitForIdle consider only work that is startable or
// running, so a paused scheduler with held work still reports idle once its
// pre-pause work drains.
type Scheduler struct {
	mu          sync.Mutex
	discipline  Discipline
	log         zerolog.Logger
	paused      bool
	aborted     bool
	draining    bool
	running     int
	ready       []*entry
	held        []*entry
	idleWaiters []chan struct{}
}

// New creates a scheduler with the given discipline.
func New(d Discipline, log zerolog.Logger) *Scheduler {
	return &Scheduler{discipline: d, log: log}
}

// Submit queues a task and returns its outcome handle. Tasks submitted after
// Pause are held until Resume; tasks submitted after Abort are rejected.
func (s *Scheduler) Submit(task Task) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return nil, xerrors.Errorf("failed to submit task: %w", ErrAborted)
	}

	e := &entry{task: task, outcome: newOutcome()}
	if s.paused {
		s.held = append(s.held, e)
		return e.outcome, nil
	}
	s.ready = append(s.ready, e)
	s.kick()
	return e.outcome, nil
}

// Pause holds subsequently submitted tasks until Resume. Tasks submitted
// before Pause still run.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume releases held tasks in submission order.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return
	}
	s.paused = false
	if s.aborted {
		return
	}
	s.ready = append(s.ready, s.held...)
	s.held = nil
	s.kick()
}

// Abort cancels all queued and held tasks, resolving their outcomes with a
// neutral not-run result, and permanently rejects further submissions.
// Tasks that have already started are left to finish.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return
	}
	s.aborted = true
	canceled := len(s.ready) + len(s.held)
	for _, e := range s.ready {
		e.outcome.resolve(TaskResult{Ran: false})
	}
	for _, e := range s.held {
		e.outcome.resolve(TaskResult{Ran: false})
	}
	s.ready = nil
	s.held = nil
	if canceled > 0 {
		s.log.Info().Msgf("aborted scheduler, canceled %d queued tasks", canceled)
	}
	s.notifyIdle()
}

// Idle reports whether no startable or running work is outstanding.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleLocked()
}

// WaitForIdle returns immediately if the scheduler is idle, otherwise blocks
// until the first time the outstanding-work count reaches zero.
func (s *Scheduler) WaitForIdle() {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.mu.Unlock()
	<-ch
}

func (s *Scheduler) idleLocked() bool {
	return s.running == 0 && len(s.ready) == 0
}

// notifyIdle must be called with mu held.
func (s *Scheduler) notifyIdle() {
	if !s.idleLocked() {
		return
	}
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
}

// kick must be called with mu held.
func (s *Scheduler) kick() {
	if s.discipline == Concurrent {
		for len(s.ready) > 0 {
			e := s.ready[0]
			s.ready = s.ready[1:]
			s.running++
			go s.runOne(e)
		}
		return
	}
	if s.draining || len(s.ready) == 0 {
		return
	}
	s.draining = true
	go s.drain()
}

func (s *Scheduler) runOne(e *entry) {
	err := s.execute(e)

	s.mu.Lock()
	e.outcome.resolve(TaskResult{Ran: true, Err: err})
	s.running--
	s.notifyIdle()
	s.mu.Unlock()
}

// drain runs queued tasks one at a time until the ready queue is empty.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.ready) == 0 {
			s.draining = false
			s.notifyIdle()
			s.mu.Unlock()
			return
		}
		e := s.ready[0]
		s.ready = s.ready[1:]
		s.running++
		s.mu.Unlock()

		err := s.execute(e)

		s.mu.Lock()
		e.outcome.resolve(TaskResult{Ran: true, Err: err})
		s.running--
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("task panicked: %v", r)
			s.log.Error().Err(err).Msg("recovered panicking task")
		}
	}()
	return e.task()
}
