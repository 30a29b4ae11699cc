package dispatch

import (
	"sync"

	"github.com/rs/xid"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/jjvainav/editsync/types"
)

// TransactionResult is the final state of a transaction: either committed
// (every edit dispatched successfully) or aborted (a dispatch failed and all
// prior successes were compensated). Edits and Reverses list the successful
// dispatches in dispatch order with their compensating edits.
type TransactionResult struct {
	ID        string
	Committed bool
	Aborted   bool
	Edits     []*types.Edit
	Reverses  []*types.Edit
	Err       error
}

type txOutcome struct {
	once sync.Once
	done chan struct{}
	res  TransactionResult
}

func newTxOutcome() *txOutcome {
	return &txOutcome{done: make(chan struct{})}
}

func (o *txOutcome) resolve(res TransactionResult) {
	o.once.Do(func() {
		o.res = res
		close(o.done)
	})
}

func (o *txOutcome) wait() TransactionResult {
	<-o.done
	return o.res
}

type stagedPublish struct {
	edit *types.Edit
	disp *Dispatch
}

// Transaction is an all-or-nothing batch of edits published to one channel.
//
// A channel may hold several open transactions, but only the one that began
// first forwards its publishes to the scheduler; later transactions stage
// their publishes until the earlier one finalizes. Every edit of the earlier
// transaction therefore dispatches before any edit of a later one, even when
// the later transaction's publishes arrive first.
type Transaction struct {
	id      string
	channel *Channel

	mu        sync.Mutex
	open      bool
	live      bool
	started   bool
	aborted   bool
	finalized bool
	pending   int
	staged    []stagedPublish
	edits     []*types.Edit
	reverses  []*types.Edit
	err       error
	drained   chan struct{}
	result    *txOutcome
}

// BeginTransaction opens a transaction on this channel.
func (c *Channel) BeginTransaction() *Transaction {
	tx := &Transaction{
		id:      xid.New().String(),
		channel: c,
		open:    true,
		result:  newTxOutcome(),
	}
	c.mu.Lock()
	if len(c.txQueue) == 0 {
		tx.live = true
	}
	c.txQueue = append(c.txQueue, tx)
	c.mu.Unlock()
	return tx
}

// PublishBatch opens a transaction, runs build, and ends the transaction when
// build returns. If build returns an error the transaction aborts, rolling
// back any edits it already dispatched, and the error propagates.
func (c *Channel) PublishBatch(build func(tx *Transaction) error) (TransactionResult, error) {
	tx := c.BeginTransaction()
	if err := build(tx); err != nil {
		return tx.Abort(err), err
	}
	return tx.End(), nil
}

// ID returns the generated transaction id.
func (t *Transaction) ID() string { return t.id }

// Publish stages one edit for batched, all-or-nothing dispatch.
func (t *Transaction) Publish(edit *types.Edit) *Dispatch {
	d := newDispatch()

	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		d.resolve(types.DispatchResult{Success: false, Err: types.ErrTransactionEnded})
		return d
	}
	if t.aborted {
		t.mu.Unlock()
		d.resolve(types.DispatchResult{Success: false, Err: types.ErrTransactionAborted})
		return d
	}
	t.pending++
	if !t.live {
		t.staged = append(t.staged, stagedPublish{edit: edit, disp: d})
		t.mu.Unlock()
		return d
	}
	t.mu.Unlock()

	t.channel.enqueue(edit, t, d)
	return d
}

// End finalizes the batch: no further publishes are accepted. It blocks until
// every published edit has dispatched (or the transaction aborted) and
// returns the final result.
func (t *Transaction) End() TransactionResult {
	t.mu.Lock()
	t.open = false
	res, fin := t.maybeFinalizeLocked()
	t.mu.Unlock()

	if fin {
		t.channel.finishTransaction(t, res)
	}
	return t.result.wait()
}

// Abort abandons the transaction: staged publishes are rejected, in-flight
// dispatches are skipped, and edits that already dispatched successfully are
// compensated in reverse order. Blocks until rollback completes.
func (t *Transaction) Abort(cause error) TransactionResult {
	t.mu.Lock()
	if t.aborted || t.finalized {
		t.mu.Unlock()
		return t.result.wait()
	}
	t.open = false
	t.aborted = true
	t.err = cause
	staged := t.staged
	t.staged = nil
	t.pending -= len(staged)
	t.mu.Unlock()

	for _, sp := range staged {
		sp.disp.resolve(types.DispatchResult{Success: false, Err: types.ErrTransactionAborted})
	}

	// let dispatches already handed to the scheduler settle, then roll back
	t.waitPendingZero()
	t.rollback()

	t.mu.Lock()
	res := t.abortedResultLocked()
	t.finalized = true
	t.mu.Unlock()

	t.channel.finishTransaction(t, res)
	return t.result.wait()
}

// Committed reports whether the transaction finalized successfully.
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized && !t.aborted
}

// Aborted reports whether the transaction aborted.
func (t *Transaction) Aborted() bool {
	return t.isAborted()
}

func (t *Transaction) isAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// noteSubmitted fires the transaction-started notification the first time an
// edit of this transaction is handed to the scheduler.
func (t *Transaction) noteSubmitted() {
	t.mu.Lock()
	first := !t.started
	t.started = true
	t.mu.Unlock()
	if first {
		t.channel.notifyTxStarted(t.id)
	}
}

func (t *Transaction) recordSuccess(edit, reverse *types.Edit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edits = append(t.edits, edit)
	t.reverses = append(t.reverses, reverse)
}

// abortFromDispatch handles a dispatch failure inside the scheduler slot: the
// rollback dispatches run in that same slot, so no other queued work can
// interleave between the failure and its compensation.
func (t *Transaction) abortFromDispatch(cause error) {
	t.mu.Lock()
	if t.aborted || t.finalized {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	t.err = cause
	t.mu.Unlock()

	t.rollbackInSlot()

	t.mu.Lock()
	res := t.abortedResultLocked()
	t.finalized = true
	t.mu.Unlock()

	t.channel.finishTransaction(t, res)
}

// failFast aborts without rollback when the scheduler itself rejected a
// publish; the queue is dead and cannot dispatch compensating edits.
func (t *Transaction) failFast(cause error) {
	t.mu.Lock()
	if t.aborted || t.finalized {
		t.mu.Unlock()
		return
	}
	t.open = false
	t.aborted = true
	t.err = cause
	res := t.abortedResultLocked()
	t.finalized = true
	t.mu.Unlock()

	t.channel.finishTransaction(t, res)
}

// rollbackInSlot dispatches the reverse edits directly, in strict reverse
// order of original dispatch. Must run inside a scheduler slot.
func (t *Transaction) rollbackInSlot() {
	reverses := t.snapshotReverses()
	for i := len(reverses) - 1; i >= 0; i-- {
		rev := reverses[i]
		if rev == nil {
			t.channel.log.Warn().Msgf("transaction %s has no reverse edit at index %d, skipping", t.id, i)
			continue
		}
		res := t.channel.runDispatcher(rev)
		t.channel.notifyObservers(rev, res)
		if !res.Success {
			t.channel.log.Error().Err(res.Err).Msgf("failed to roll back %s in transaction %s", rev, t.id)
		}
	}
}

// rollback dispatches the reverse edits through the queue, in strict reverse
// order, waiting for each. Used by Abort, which runs outside any slot.
func (t *Transaction) rollback() {
	reverses := t.snapshotReverses()
	for i := len(reverses) - 1; i >= 0; i-- {
		rev := reverses[i]
		if rev == nil {
			t.channel.log.Warn().Msgf("transaction %s has no reverse edit at index %d, skipping", t.id, i)
			continue
		}
		d := newDispatch()
		t.channel.enqueue(rev, nil, d)
		if res := d.Wait(); !res.Success {
			t.channel.log.Error().Err(res.Err).Msgf("failed to roll back %s in transaction %s", rev, t.id)
		}
	}
}

func (t *Transaction) snapshotReverses() []*types.Edit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.reverses)
}

// noteDone marks one published edit as settled (dispatched or skipped).
func (t *Transaction) noteDone() {
	t.mu.Lock()
	t.pending--
	if t.pending == 0 && t.drained != nil {
		close(t.drained)
		t.drained = nil
	}
	res, fin := t.maybeFinalizeLocked()
	t.mu.Unlock()

	if fin {
		t.channel.finishTransaction(t, res)
	}
}

// goLive promotes the transaction to the head of its channel's queue,
// flushing staged publishes in publish order.
func (t *Transaction) goLive() {
	t.mu.Lock()
	t.live = true
	staged := t.staged
	t.staged = nil
	t.mu.Unlock()

	for _, sp := range staged {
		t.channel.enqueue(sp.edit, t, sp.disp)
	}
}

func (t *Transaction) waitPendingZero() {
	t.mu.Lock()
	for t.pending > 0 {
		if t.drained == nil {
			t.drained = make(chan struct{})
		}
		ch := t.drained
		t.mu.Unlock()
		<-ch
		t.mu.Lock()
	}
	t.mu.Unlock()
}

// maybeFinalizeLocked commits the transaction once it is closed with no
// pending dispatches and no failure. Must be called with mu held; the caller
// invokes finishTransaction outside the lock when it returns true.
func (t *Transaction) maybeFinalizeLocked() (TransactionResult, bool) {
	if t.finalized || t.open || t.aborted || t.pending > 0 {
		return TransactionResult{}, false
	}
	t.finalized = true
	return TransactionResult{
		ID:        t.id,
		Committed: true,
		Edits:     slices.Clone(t.edits),
		Reverses:  slices.Clone(t.reverses),
	}, true
}

// abortedResultLocked must be called with mu held.
func (t *Transaction) abortedResultLocked() TransactionResult {
	return TransactionResult{
		ID:       t.id,
		Aborted:  true,
		Edits:    slices.Clone(t.edits),
		Reverses: slices.Clone(t.reverses),
		Err:      t.err,
	}
}

func xerrorsPanic(r any) error {
	return xerrors.Errorf("dispatcher panicked: %v", r)
}
