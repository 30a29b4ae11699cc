package engine

import (
	"sync"

	"github.com/jjvainav/editsync/types"
)

// editState is the lifecycle state of a published edit.
type editState int

const (
	statePending editState = iota
	stateApplying
	stateSubmitting
	stateCommitted
	stateRolledBack
	stateCanceled
)

// editContext tracks one published edit from publish until its submit
// outcome resolves. Contexts are keyed by a generated id in the Manager's
// table and by the edit's pointer identity for dispatch lookup; a context is
// removed exactly once, when it reaches a terminal state.
type editContext struct {
	id     string
	ctrl   *Controller
	edit   *types.Edit
	target uint64
	replay bool

	apply  ApplyHandler
	submit SubmitHandler

	mu             sync.Mutex
	state          editState
	canceled       bool
	cancelEligible bool
	reverse        *types.Edit

	applied   *future[types.ApplyResult]
	submitted *future[types.SubmitResult]
}

func (c *editContext) setState(s editState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handle is the caller's surface for one published edit. Both wait methods
// always resolve, in success, failure, or cancellation, as long as the
// registered handlers themselves resolve.
type Handle struct {
	c *editContext
}

// ID returns the generated edit-context id.
func (h *Handle) ID() string { return h.c.id }

// Edit returns the published edit.
func (h *Handle) Edit() *types.Edit { return h.c.edit }

// Cancel cancels the edit if its apply step has not started. It returns
// false once the edit can no longer be canceled; the edit then completes
// normally.
func (h *Handle) Cancel() bool {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelEligible || c.state != statePending {
		return false
	}
	c.canceled = true
	return true
}

// Applied is closed once the apply outcome is known.
func (h *Handle) Applied() <-chan struct{} { return h.c.applied.done }

// Submitted is closed once the submit outcome is known.
func (h *Handle) Submitted() <-chan struct{} { return h.c.submitted.done }

// WaitForApply blocks until the edit has applied, failed, or been canceled.
func (h *Handle) WaitForApply() types.ApplyResult {
	return h.c.applied.wait()
}

// WaitForSubmit blocks until the submit outcome is known. On submit failure
// the engine has already rolled back (when safe) and started a
// synchronization session before this resolves.
func (h *Handle) WaitForSubmit() types.SubmitResult {
	return h.c.submitted.wait()
}
