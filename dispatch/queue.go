// Package dispatch provides a multi-channel edit dispatch queue over a single
// task scheduler. Producers publish edits on a channel either individually or
// grouped into all-or-nothing transactions; a failed transaction rolls back
// its prior dispatches by dispatching their reverse edits in reverse order.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/jjvainav/editsync/scheduler"
	"github.com/jjvainav/editsync/types"
)

// Dispatcher consumes one edit published on a channel and reports the result.
type Dispatcher func(edit *types.Edit) types.DispatchResult

// Observer is notified of every dispatch result on a channel, in dispatch
// order, strictly before the corresponding publish resolves to its caller.
type Observer func(edit *types.Edit, result types.DispatchResult)

// Dispatch is the waitable handle for one published edit.
type Dispatch struct {
	once   sync.Once
	done   chan struct{}
	result types.DispatchResult
}

func newDispatch() *Dispatch {
	return &Dispatch{done: make(chan struct{})}
}

func (d *Dispatch) resolve(res types.DispatchResult) {
	d.once.Do(func() {
		d.result = res
		close(d.done)
	})
}

// Done is closed once the edit has dispatched or been rejected.
func (d *Dispatch) Done() <-chan struct{} { return d.done }

// Wait blocks until the edit has dispatched or been rejected.
func (d *Dispatch) Wait() types.DispatchResult {
	<-d.done
	return d.result
}

// Queue funnels the dispatches of all its channels through one scheduler.
// The scheduler is sequential: ordering of edits against a model is
// load-bearing, so dispatches across every channel execute FIFO by
// scheduler-submission time.
type Queue struct {
	sched *scheduler.Scheduler
	log   zerolog.Logger
}

// NewQueue creates a dispatch queue backed by a sequential scheduler.
func NewQueue(log zerolog.Logger) *Queue {
	return &Queue{
		sched: scheduler.New(scheduler.Sequential, log),
		log:   log,
	}
}

// NewConcurrentQueue creates a dispatch queue whose dispatches start
// immediately and may complete out of order. Transaction rollback ordering
// is only guaranteed on sequential queues.
func NewConcurrentQueue(log zerolog.Logger) *Queue {
	return &Queue{
		sched: scheduler.New(scheduler.Concurrent, log),
		log:   log,
	}
}

// Do runs fn under the queue's scheduler, serialized with its dispatches on
// a sequential queue. It blocks until fn has run; on an aborted queue the
// scheduler's rejection is returned and fn does not run.
func (q *Queue) Do(fn func()) error {
	out, err := q.sched.Submit(func() error {
		fn()
		return nil
	})
	if err != nil {
		return err
	}
	out.Wait()
	return nil
}

// OpenChannel creates a named channel dispatching to the given consumer.
func (q *Queue) OpenChannel(name string, d Dispatcher) *Channel {
	return &Channel{
		name:       name,
		queue:      q,
		dispatcher: d,
		log:        q.log.With().Str("channel", name).Logger(),
	}
}

// WaitForIdle blocks until the underlying scheduler has no outstanding work.
func (q *Queue) WaitForIdle() { q.sched.WaitForIdle() }

// Abort cancels all outstanding dispatches and rejects new publishes.
func (q *Queue) Abort() { q.sched.Abort() }

type heldPublish struct {
	edit *types.Edit
	tx   *Transaction
	disp *Dispatch
}

// Channel is a per-consumer publishing front end over its queue's scheduler.
//
// A paused channel holds publishes before they reach the scheduler; held
// publishes do not count toward the channel's idle state, so WaitForIdle on a
// paused channel resolves once the dispatches already in flight drain.
type Channel struct {
	name       string
	queue      *Queue
	dispatcher Dispatcher
	log        zerolog.Logger

	mu          sync.Mutex
	paused      bool
	held        []heldPublish
	inFlight    int
	idleWaiters []chan struct{}
	observers   []Observer
	txStarted   []func(txID string)
	txEnded     []func(TransactionResult)
	txQueue     []*Transaction
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Publish enqueues one edit for dispatch.
func (c *Channel) Publish(edit *types.Edit) *Dispatch {
	d := newDispatch()
	c.enqueue(edit, nil, d)
	return d
}

// Subscribe registers an observer for every dispatch result on this channel.
func (c *Channel) Subscribe(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

// OnTransactionStarted registers a callback fired when a transaction's first
// edit is submitted to the scheduler.
func (c *Channel) OnTransactionStarted(fn func(txID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txStarted = append(c.txStarted, fn)
}

// OnTransactionEnded registers a callback fired when a transaction finalizes.
func (c *Channel) OnTransactionEnded(fn func(TransactionResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txEnded = append(c.txEnded, fn)
}

// Pause holds subsequent publishes until Resume. Publishes already handed to
// the scheduler are unaffected.
func (c *Channel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume releases held publishes in publish order.
func (c *Channel) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	held := c.held
	c.held = nil
	c.inFlight += len(held)
	c.mu.Unlock()

	for _, h := range held {
		c.submit(h.edit, h.tx, h.disp)
	}
}

// Idle reports whether the channel has no dispatches in flight.
func (c *Channel) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight == 0
}

// WaitForIdle blocks until the channel has no dispatches in flight.
func (c *Channel) WaitForIdle() {
	c.mu.Lock()
	if c.inFlight == 0 {
		c.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	c.idleWaiters = append(c.idleWaiters, ch)
	c.mu.Unlock()
	<-ch
}

func (c *Channel) enqueue(edit *types.Edit, tx *Transaction, d *Dispatch) {
	c.mu.Lock()
	if c.paused {
		c.held = append(c.held, heldPublish{edit: edit, tx: tx, disp: d})
		c.mu.Unlock()
		return
	}
	c.inFlight++
	c.mu.Unlock()
	c.submit(edit, tx, d)
}

func (c *Channel) submit(edit *types.Edit, tx *Transaction, d *Dispatch) {
	if tx != nil {
		tx.noteSubmitted()
	}
	out, err := c.queue.sched.Submit(func() error {
		c.dispatchOne(edit, tx, d)
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Msgf("failed to submit %s for dispatch", edit)
		if tx != nil {
			tx.failFast(err)
		}
		d.resolve(types.DispatchResult{Success: false, Err: err})
		if tx != nil {
			tx.noteDone()
		}
		c.finishOne()
		return
	}

	// a queue abort cancels tasks without running them; resolve the publish
	// so its waiters are not left hanging
	go func() {
		if res := out.Wait(); !res.Ran {
			if tx != nil {
				tx.failFast(scheduler.ErrAborted)
			}
			d.resolve(types.DispatchResult{Success: false, Err: scheduler.ErrAborted})
			if tx != nil {
				tx.noteDone()
			}
			c.finishOne()
		}
	}()
}

// dispatchOne runs inside the scheduler slot for one published edit.
func (c *Channel) dispatchOne(edit *types.Edit, tx *Transaction, d *Dispatch) {
	if tx != nil && tx.isAborted() {
		// a prior edit in the transaction failed; skip without dispatching
		d.resolve(types.DispatchResult{Success: false, Err: types.ErrTransactionAborted})
		tx.noteDone()
		c.finishOne()
		return
	}

	res := c.runDispatcher(edit)
	c.notifyObservers(edit, res)

	if tx != nil {
		if res.Success {
			tx.recordSuccess(edit, res.Reverse)
		} else {
			tx.abortFromDispatch(res.Err)
		}
	}

	d.resolve(res)
	if tx != nil {
		tx.noteDone()
	}
	c.finishOne()
}

func (c *Channel) runDispatcher(edit *types.Edit) (res types.DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			err := xerrorsPanic(r)
			c.log.Error().Err(err).Msgf("dispatcher panicked on %s", edit)
			res = types.DispatchResult{Success: false, Err: err}
		}
	}()
	return c.dispatcher(edit)
}

func (c *Channel) notifyObservers(edit *types.Edit, res types.DispatchResult) {
	c.mu.Lock()
	obs := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, o := range obs {
		o(edit, res)
	}
}

func (c *Channel) notifyTxStarted(txID string) {
	c.mu.Lock()
	cbs := slices.Clone(c.txStarted)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(txID)
	}
}

func (c *Channel) finishOne() {
	c.mu.Lock()
	c.inFlight--
	if c.inFlight == 0 {
		for _, ch := range c.idleWaiters {
			close(ch)
		}
		c.idleWaiters = nil
	}
	c.mu.Unlock()
}

// finishTransaction resolves the transaction result, notifies subscribers,
// and promotes the next open transaction in begin order.
func (c *Channel) finishTransaction(t *Transaction, res TransactionResult) {
	t.result.resolve(res)

	c.mu.Lock()
	cbs := slices.Clone(c.txEnded)
	idx := slices.Index(c.txQueue, t)
	var promote *Transaction
	if idx >= 0 {
		c.txQueue = slices.Delete(c.txQueue, idx, idx+1)
		if idx == 0 && len(c.txQueue) > 0 {
			promote = c.txQueue[0]
		}
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(res)
	}
	if promote != nil {
		promote.goLive()
	}
}
