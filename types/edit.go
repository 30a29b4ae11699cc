package types

import "fmt"

// Edit describes a single typed mutation of a model. The payload is opaque to
// the engine; only the registered handlers for Type interpret it.
//
// Edits are tracked by pointer identity: the same *Edit value flows through
// the apply and submit channels, and two edits with identical contents are
// still distinct entities. Callers must not reuse an *Edit across publishes.
type Edit struct {
	Type string
	Data any
}

// NewEdit creates an edit operation of the given type.
func NewEdit(editType string, data any) *Edit {
	return &Edit{Type: editType, Data: data}
}

func (e *Edit) String() string {
	return fmt.Sprintf("edit{%s}", e.Type)
}

// ApplyResult is the outcome of running an apply handler: either a success
// carrying the reverse edit that undoes the mutation, or a failure.
type ApplyResult struct {
	Success bool
	Reverse *Edit
	Err     error
}

// SubmitResult is the outcome of submitting an applied edit to the remote
// authority: either a success carrying the authoritative new revision (plus
// an optional response payload), or a failure.
type SubmitResult struct {
	Success  bool
	Revision uint64
	Data     any
	Err      error
}

// DispatchResult is the outcome of dispatching one edit on a channel. The
// Reverse edit is carried so transactions can roll back prior dispatches.
type DispatchResult struct {
	Success  bool
	Reverse  *Edit
	Response any
	Err      error
}

// EditEvent is a remote-numbered edit fetched during synchronization.
type EditEvent struct {
	Edit      *Edit
	Revision  uint64
	Timestamp int64
}

// RemoteEditEvent is a push notification from the remote authority's live
// feed, identifying the model the edit belongs to.
type RemoteEditEvent struct {
	ModelID   string
	ModelType string
	Edit      *Edit
	Revision  uint64
	Timestamp int64
}

// SyncResult is the outcome of one synchronization session. Revision is the
// model's revision when the session finished, successful or not.
type SyncResult struct {
	ModelType string
	ModelID   string
	Success   bool
	Revision  uint64
	Err       error
}

// EventStatus classifies how an incoming feed event was handled.
type EventStatus string

const (
	// EventApplied means the event applied and confirmed its revision.
	EventApplied EventStatus = "applied"
	// EventOutdated means the event's revision was at or below the model's
	// current revision, so it had already been incorporated.
	EventOutdated EventStatus = "outdated"
	// EventOutOfSequence means the event skipped ahead of the model's
	// revision; a synchronization session was started to close the gap.
	EventOutOfSequence EventStatus = "out_of_sequence"
	// EventApplyFailed means the apply handler rejected the event.
	EventApplyFailed EventStatus = "apply_failed"
	// EventIgnored means no controller owns the event's model.
	EventIgnored EventStatus = "ignored"
)

// EventReport is published for every processed feed event.
type EventReport struct {
	Event  RemoteEditEvent
	Status EventStatus
	Err    error
}
