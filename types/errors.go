package types

import "errors"

// Configuration errors. These indicate a programming error in the handler or
// controller wiring and are never retried.
var (
	ErrControllerNotFound    = errors.New("controller not found")
	ErrApplyHandlerNotFound  = errors.New("apply handler not found")
	ErrSubmitHandlerNotFound = errors.New("submit handler not found")
)

// Pipeline errors.
var (
	// ErrOutOfDate reports a replayed edit whose target revision is at or
	// below the model's current revision.
	ErrOutOfDate = errors.New("edit is out of date")
	// ErrOutOfSequence reports a replayed edit whose target revision is not
	// the model's next revision. The caller is expected to synchronize
	// rather than treat this as a hard failure.
	ErrOutOfSequence = errors.New("edit is out of sequence")
	// ErrCanceled reports an edit canceled before its apply step started.
	ErrCanceled = errors.New("edit canceled")
	// ErrTransactionAborted reports an edit skipped or rejected because its
	// transaction had already aborted.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrTransactionEnded reports a publish against a finalized transaction.
	ErrTransactionEnded = errors.New("transaction already ended")
)
