package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/jjvainav/editsync/engine"
	"github.com/jjvainav/editsync/types"
)

// listModel is a model whose state is a flat list of child names. Adds and
// removes are idempotent so a synchronization replay that covers an edit
// already applied locally is harmless.
type listModel struct {
	*engine.ModelBase

	mu       sync.Mutex
	children []string
}

func newListModel(id string) *listModel {
	return &listModel{ModelBase: engine.NewModelBase(id, 1)}
}

func (m *listModel) add(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.children {
		if c == name {
			return
		}
	}
	m.children = append(m.children, name)
}

func (m *listModel) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.children {
		if c == name {
			m.children = append(m.children[:i], m.children[i+1:]...)
			return
		}
	}
}

func (m *listModel) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.children))
	copy(out, m.children)
	return out
}

// fakeRemote plays the remote authority: it assigns revisions to accepted
// submissions under a single lock, keeps the resulting edit log, and serves
// fetches from it. Tests may gate or reject the submission of an individual
// child by name.
type fakeRemote struct {
	mu       sync.Mutex
	revision uint64
	log      []types.EditEvent
	entered  map[string]chan struct{}
	gate     map[string]chan struct{}
	reject   map[string]bool
	fetchErr error

	fetchGate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		revision: 1,
		entered:  make(map[string]chan struct{}),
		gate:     make(map[string]chan struct{}),
		reject:   make(map[string]bool),
	}
}

// seed appends one accepted "add" per child to the remote log.
func (r *fakeRemote) seed(children ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range children {
		r.revision++
		r.log = append(r.log, types.EditEvent{
			Edit:      types.NewEdit("add", name),
			Revision:  r.revision,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (r *fakeRemote) submit(edit *types.Edit) types.SubmitResult {
	name, _ := edit.Data.(string)

	r.mu.Lock()
	entered := r.entered[name]
	gate := r.gate[name]
	r.mu.Unlock()

	if entered != nil {
		close(entered)
		r.mu.Lock()
		delete(r.entered, name)
		r.mu.Unlock()
	}
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject[name] {
		return types.SubmitResult{Success: false, Err: xerrors.Errorf("remote rejected %s", name)}
	}
	r.revision++
	r.log = append(r.log, types.EditEvent{
		Edit:      types.NewEdit(edit.Type, edit.Data),
		Revision:  r.revision,
		Timestamp: time.Now().UnixMilli(),
	})
	return types.SubmitResult{Success: true, Revision: r.revision}
}

func (r *fakeRemote) fetch(modelType, modelID string, startRevision uint64) ([]types.EditEvent, error) {
	r.mu.Lock()
	gate := r.fetchGate
	fetchErr := r.fetchErr
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EditEvent
	for _, ev := range r.log {
		if ev.Revision > startRevision {
			out = append(out, ev)
		}
	}
	return out, nil
}

func listHandlers(m *listModel, remote *fakeRemote) *engine.HandlerSet {
	return engine.NewHandlerSet().
		Apply("add", func(edit *types.Edit) types.ApplyResult {
			name, _ := edit.Data.(string)
			m.add(name)
			return types.ApplyResult{Success: true, Reverse: types.NewEdit("remove", name)}
		}).
		Apply("remove", func(edit *types.Edit) types.ApplyResult {
			name, _ := edit.Data.(string)
			m.remove(name)
			return types.ApplyResult{Success: true, Reverse: types.NewEdit("add", name)}
		}).
		Submit("add", remote.submit).
		Submit("remove", remote.submit)
}

func newFixture(t *testing.T) (*engine.Manager, *listModel, *fakeRemote) {
	t.Helper()
	model := newListModel("m1")
	remote := newFakeRemote()
	ctrl, err := engine.NewController("list", model, listHandlers(model, remote), remote.fetch)
	require.NoError(t, err)

	m := engine.NewManager(engine.Config{Log: zerolog.Nop()})
	require.NoError(t, m.Register(ctrl))
	return m, model, remote
}

// Test_Manager_PublishAppliesThenCommits walks one edit through the whole
// pipeline: local apply, remote submission, revision confirmation.
func Test_Manager_PublishAppliesThenCommits(t *testing.T) {
	m, model, remote := newFixture(t)
	defer m.Stop()

	h, err := m.PublishEdit("list", "m1", types.NewEdit("add", "x"))
	require.NoError(t, err)

	apply := h.WaitForApply()
	require.True(t, apply.Success)
	require.Equal(t, []string{"x"}, model.snapshot())

	submit := h.WaitForSubmit()
	require.True(t, submit.Success)
	require.EqualValues(t, 2, submit.Revision)

	m.WaitForIdle()
	require.EqualValues(t, 2, model.Revision())
	require.Len(t, remote.log, 1)
}

// Test_Manager_FanInAssignsSequentialRevisions publishes several edits in a
// burst and verifies the remote assigns each its own revision with no gaps.
func Test_Manager_FanInAssignsSequentialRevisions(t *testing.T) {
	m, model, remote := newFixture(t)
	defer m.Stop()

	var handles []*engine.Handle
	for _, name := range []string{"x", "y", "z"} {
		h, err := m.PublishEdit("list", "m1", types.NewEdit("add", name))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.True(t, h.WaitForSubmit().Success)
	}

	m.WaitForIdle()
	require.EqualValues(t, 4, model.Revision())
	require.ElementsMatch(t, []string{"x", "y", "z"}, model.snapshot())
	require.Len(t, remote.log, 3)
}

// Test_Manager_RollsBackRejectedSubmission verifies a remote rejection
// reverses the optimistic local apply and leaves the revision untouched.
func Test_Manager_RollsBackRejectedSubmission(t *testing.T) {
	m, model, remote := newFixture(t)
	defer m.Stop()
	remote.reject["x"] = true

	h, err := m.PublishEdit("list", "m1", types.NewEdit("add", "x"))
	require.NoError(t, err)

	require.True(t, h.WaitForApply().Success)
	require.Equal(t, []string{"x"}, model.snapshot())

	submit := h.WaitForSubmit()
	require.False(t, submit.Success)
	require.Error(t, submit.Err)

	m.WaitForIdle()
	require.Empty(t, model.snapshot())
	require.EqualValues(t, 1, model.Revision())
}

// Test_Manager_LateFailureDoesNotClobberLaterEdit verifies that when an
// earlier edit's submission fails after a later edit has already applied,
// the stale reverse is skipped so the later edit's effect survives.
func Test_Manager_LateFailureDoesNotClobberLaterEdit(t *testing.T) {
	m, model, remote := newFixture(t)
	defer m.Stop()

	entered := make(chan struct{})
	gate := make(chan struct{})
	remote.entered["x"] = entered
	remote.gate["x"] = gate
	remote.reject["x"] = true

	h1, err := m.PublishEdit("list", "m1", types.NewEdit("add", "x"))
	require.NoError(t, err)
	<-entered

	h2, err := m.PublishEdit("list", "m1", types.NewEdit("add", "y"))
	require.NoError(t, err)
	require.True(t, h2.WaitForSubmit().Success)

	close(gate)
	require.False(t, h1.WaitForSubmit().Success)

	m.WaitForIdle()
	require.ElementsMatch(t, []string{"x", "y"}, model.snapshot())
	require.EqualValues(t, 2, model.Revision())
}

// Test_Manager_CancelBeforeApply verifies an edit can be canceled while it
// still waits for its apply slot, and not after.
func Test_Manager_CancelBeforeApply(t *testing.T) {
	model := newListModel("m1")
	remote := newFakeRemote()
	gate := make(chan struct{})
	handlers := listHandlers(model, remote).
		Apply("slow", func(edit *types.Edit) types.ApplyResult {
			<-gate
			return types.ApplyResult{Success: true}
		}).
		Submit("slow", remote.submit)
	ctrl, err := engine.NewController("list", model, handlers, remote.fetch)
	require.NoError(t, err)
	m := engine.NewManager(engine.Config{Log: zerolog.Nop()})
	require.NoError(t, m.Register(ctrl))
	defer m.Stop()

	h0, err := m.PublishEdit("list", "m1", types.NewEdit("slow", nil))
	require.NoError(t, err)
	h1, err := m.PublishEdit("list", "m1", types.NewEdit("add", "x"))
	require.NoError(t, err)

	// h0 holds the sequential apply slot, so h1 is still pending
	require.True(t, h1.Cancel())
	close(gate)

	require.True(t, h0.WaitForApply().Success)
	require.False(t, h0.Cancel())

	res := h1.WaitForApply()
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, types.ErrCanceled)

	m.WaitForIdle()
	require.Empty(t, model.snapshot())
}

// Test_Manager_PublishFailsForUnknownModel verifies publish validation fails
// fast before anything is enqueued.
func Test_Manager_PublishFailsForUnknownModel(t *testing.T) {
	m, _, _ := newFixture(t)
	defer m.Stop()

	_, err := m.PublishEdit("list", "nope", types.NewEdit("add", "x"))
	require.ErrorIs(t, err, types.ErrControllerNotFound)

	_, err = m.PublishEdit("list", "m1", types.NewEdit("unknown", nil))
	require.ErrorIs(t, err, types.ErrApplyHandlerNotFound)
}

// Test_Manager_AppliesFeedEvent verifies an in-sequence feed event replays
// onto the model and advances its revision.
func Test_Manager_AppliesFeedEvent(t *testing.T) {
	m, model, _ := newFixture(t)
	defer m.Stop()

	var reports []types.EventReport
	var mu sync.Mutex
	m.OnEvent(func(rep types.EventReport) {
		mu.Lock()
		reports = append(reports, rep)
		mu.Unlock()
	})

	report := m.HandleEditEvent(types.RemoteEditEvent{
		ModelType: "list",
		ModelID:   "m1",
		Edit:      types.NewEdit("add", "a"),
		Revision:  2,
		Timestamp: time.Now().UnixMilli(),
	}).Wait()

	require.Equal(t, types.EventApplied, report.Status)
	m.WaitForIdle()
	require.Equal(t, []string{"a"}, model.snapshot())
	require.EqualValues(t, 2, model.Revision())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	require.Equal(t, types.EventApplied, reports[0].Status)
}

// Test_Manager_ReportsOutdatedFeedEvent verifies an event at or below the
// model's revision is reported outdated and not applied.
func Test_Manager_ReportsOutdatedFeedEvent(t *testing.T) {
	m, model, _ := newFixture(t)
	defer m.Stop()

	report := m.HandleEditEvent(types.RemoteEditEvent{
		ModelType: "list",
		ModelID:   "m1",
		Edit:      types.NewEdit("add", "a"),
		Revision:  1,
	}).Wait()

	require.Equal(t, types.EventOutdated, report.Status)
	m.WaitForIdle()
	require.Empty(t, model.snapshot())
	require.EqualValues(t, 1, model.Revision())
}

// Test_Manager_OutOfSequenceEventTriggersSync verifies a feed event that
// skips revisions starts a synchronization session that catches the model
// up through the gap.
func Test_Manager_OutOfSequenceEventTriggersSync(t *testing.T) {
	m, model, remote := newFixture(t)
	defer m.Stop()
	remote.seed("a", "b", "c", "d")

	report := m.HandleEditEvent(types.RemoteEditEvent{
		ModelType: "list",
		ModelID:   "m1",
		Edit:      types.NewEdit("add", "d"),
		Revision:  5,
	}).Wait()

	require.Equal(t, types.EventOutOfSequence, report.Status)
	require.ErrorIs(t, report.Err, types.ErrOutOfSequence)

	m.WaitForIdle()
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, model.snapshot())
	require.EqualValues(t, 5, model.Revision())
}

// Test_Manager_IgnoresEventForUnknownModel verifies events for unregistered
// models are reported ignored without failing the feed.
func Test_Manager_IgnoresEventForUnknownModel(t *testing.T) {
	m, _, _ := newFixture(t)
	defer m.Stop()

	report := m.HandleEditEvent(types.RemoteEditEvent{
		ModelType: "page",
		ModelID:   "nope",
		Edit:      types.NewEdit("add", "a"),
		Revision:  2,
	}).Wait()
	require.Equal(t, types.EventIgnored, report.Status)
}

// Test_Manager_IdleReflectsPipelineState verifies Idle and WaitForIdle track
// live work and are idempotent once drained.
func Test_Manager_IdleReflectsPipelineState(t *testing.T) {
	m, _, _ := newFixture(t)
	defer m.Stop()

	require.True(t, m.Idle())
	m.WaitForIdle()
	m.WaitForIdle()

	h, err := m.PublishEdit("list", "m1", types.NewEdit("add", "x"))
	require.NoError(t, err)
	require.True(t, h.WaitForSubmit().Success)

	m.WaitForIdle()
	require.True(t, m.Idle())
}

// Test_Manager_StopResolvesOutstandingWaiters verifies Stop leaves no waiter
// blocked on a handle.
func Test_Manager_StopResolvesOutstandingWaiters(t *testing.T) {
	model := newListModel("m1")
	remote := newFakeRemote()
	gate := make(chan struct{})
	handlers := listHandlers(model, remote).
		Apply("slow", func(edit *types.Edit) types.ApplyResult {
			<-gate
			return types.ApplyResult{Success: true}
		}).
		Submit("slow", remote.submit)
	ctrl, err := engine.NewController("list", model, handlers, remote.fetch)
	require.NoError(t, err)
	m := engine.NewManager(engine.Config{Log: zerolog.Nop()})
	require.NoError(t, m.Register(ctrl))

	_, err = m.PublishEdit("list", "m1", types.NewEdit("slow", nil))
	require.NoError(t, err)
	h, err := m.PublishEdit("list", "m1", types.NewEdit("add", "x"))
	require.NoError(t, err)

	m.Stop()
	close(gate)

	res := h.WaitForApply()
	require.False(t, res.Success)
	require.Error(t, res.Err)
	require.False(t, errors.Is(res.Err, types.ErrCanceled))
}
