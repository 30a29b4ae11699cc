// Package engine implements the optimistic-concurrency edit pipeline: edits
// are applied to the local model immediately, submitted to the remote
// authority in the background, rolled back if the remote rejects them, and
// reconciled through revision-based synchronization when local and remote
// drift apart.
package engine

import (
	"errors"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/jjvainav/editsync/dispatch"
	"github.com/jjvainav/editsync/scheduler"
	"github.com/jjvainav/editsync/types"
)

// Config configures a Manager.
type Config struct {
	// Log is the engine's logger. Pass zerolog.Nop() to disable logging.
	Log zerolog.Logger
	// Provider resolves which controller owns a model. When nil, the
	// Manager's own registry (populated via Register) is used.
	Provider ControllerProvider
}

// Manager orchestrates the apply-then-submit pipeline for the models of its
// registered controllers and ingests the remote authority's live edit feed.
//
// All apply operations, including rollbacks and synchronization replays,
// funnel through one sequential dispatch queue, so the model is never
// mutated from two places at once. Submissions run on a concurrent queue:
// remote round trips overlap and may complete out of order, which is why a
// rejected submission is only reversed while its edit is still the last one
// applied.
type Manager struct {
	log      zerolog.Logger
	provider ControllerProvider
	registry *controllerRegistry

	applyQueue  *dispatch.Queue
	submitQueue *dispatch.Queue
	applyCh     *dispatch.Channel
	submitCh    *dispatch.Channel
	events      *scheduler.Scheduler
	syncer      *Synchronizer

	mu            sync.Mutex
	contexts      map[string]*editContext
	byEdit        map[*types.Edit]*editContext
	lastApplied   map[string]*editContext
	pendingEvents int
	idleWaiters   []chan struct{}
	eventSubs     []func(types.EventReport)
}

// NewManager creates a process manager.
func NewManager(conf Config) *Manager {
	registry := newControllerRegistry()
	provider := conf.Provider
	if provider == nil {
		provider = registry
	}

	m := &Manager{
		log:         conf.Log,
		provider:    provider,
		registry:    registry,
		contexts:    make(map[string]*editContext),
		byEdit:      make(map[*types.Edit]*editContext),
		lastApplied: make(map[string]*editContext),
	}
	m.applyQueue = dispatch.NewQueue(conf.Log)
	m.submitQueue = dispatch.NewConcurrentQueue(conf.Log)
	m.applyCh = m.applyQueue.OpenChannel("apply", m.dispatchApply)
	m.submitCh = m.submitQueue.OpenChannel("submit", m.dispatchSubmit)
	m.events = scheduler.New(scheduler.Sequential, conf.Log)
	m.syncer = newSynchronizer(m.applyQueue, m.applyCh, conf.Log, m.wake)
	return m
}

// Register adds a controller to the manager's registry.
func (m *Manager) Register(ctrl *Controller) error {
	return m.registry.add(ctrl)
}

// OnEvent registers a callback invoked with the report of every processed
// feed event, including outdated and failed ones.
func (m *Manager) OnEvent(fn func(types.EventReport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSubs = append(m.eventSubs, fn)
}

// OnSynchronized registers a callback invoked with the result of every
// completed synchronization session.
func (m *Manager) OnSynchronized(fn func(types.SyncResult)) {
	m.syncer.onResult(fn)
}

// PublishEdit applies the edit locally through the apply channel and submits
// it to the remote authority in the background. The handle's outcomes
// resolve as the pipeline advances; a caller that never inspects
// WaitForSubmit sees its edit take effect immediately and, if the remote
// later rejects it, silently rolled back.
func (m *Manager) PublishEdit(modelType, modelID string, edit *types.Edit) (*Handle, error) {
	return m.publish(modelType, modelID, edit, 0, false)
}

// ReplayEdit publishes an edit whose revision is already known, e.g. one
// received from the remote feed or from history. The submit step is
// synthesized to confirm that revision without a remote round trip.
func (m *Manager) ReplayEdit(modelType, modelID string, edit *types.Edit, revision uint64) (*Handle, error) {
	return m.publish(modelType, modelID, edit, revision, true)
}

// Synchronize starts, or joins, a reconciliation session for the model.
func (m *Manager) Synchronize(modelType, modelID string) (*SyncOutcome, error) {
	ctrl, ok := m.provider.Controller(modelType, modelID)
	if !ok {
		return nil, xerrors.Errorf("failed to synchronize %s/%s: %w", modelType, modelID, types.ErrControllerNotFound)
	}
	return m.syncer.Synchronize(ctrl), nil
}

// EventOutcome resolves once a feed event has been processed.
type EventOutcome struct {
	f *future[types.EventReport]
}

// Done is closed once the event has been processed.
func (o *EventOutcome) Done() <-chan struct{} { return o.f.done }

// Wait blocks until the event has been processed.
func (o *EventOutcome) Wait() types.EventReport { return o.f.wait() }

// HandleEditEvent ingests one event from the remote authority's live feed.
// Events are processed strictly one at a time in arrival order, so
// out-of-order network delivery cannot corrupt replay order.
func (m *Manager) HandleEditEvent(ev types.RemoteEditEvent) *EventOutcome {
	out := &EventOutcome{f: newFuture[types.EventReport]()}

	m.mu.Lock()
	m.pendingEvents++
	m.mu.Unlock()

	_, err := m.events.Submit(func() error {
		report := m.processEvent(ev)
		m.mu.Lock()
		m.pendingEvents--
		m.mu.Unlock()
		m.notifyEvent(report)
		out.f.resolve(report)
		m.wake()
		return nil
	})
	if err != nil {
		m.mu.Lock()
		m.pendingEvents--
		m.mu.Unlock()
		out.f.resolve(types.EventReport{Event: ev, Status: types.EventIgnored, Err: err})
		m.wake()
	}
	return out
}

// Idle reports whether the manager has no live edit contexts, no running
// synchronization session, and no feed events in flight.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	busy := len(m.contexts) > 0 || m.pendingEvents > 0
	m.mu.Unlock()
	return !busy && m.syncer.activeSessions() == 0
}

// WaitForIdle returns immediately if the manager is idle, otherwise blocks
// until the next transition into the idle state.
func (m *Manager) WaitForIdle() {
	for {
		m.mu.Lock()
		ch := make(chan struct{})
		m.idleWaiters = append(m.idleWaiters, ch)
		m.mu.Unlock()

		if m.Idle() {
			return
		}
		<-ch
	}
}

// Stop aborts the dispatch and event queues and resolves any outstanding
// outcomes so no waiter is left hanging. Further publishes fail.
func (m *Manager) Stop() {
	m.applyQueue.Abort()
	m.submitQueue.Abort()
	m.events.Abort()

	m.mu.Lock()
	ctxs := make([]*editContext, 0, len(m.contexts))
	for _, c := range m.contexts {
		ctxs = append(ctxs, c)
	}
	m.mu.Unlock()

	for _, c := range ctxs {
		c.applied.resolve(types.ApplyResult{Success: false, Err: scheduler.ErrAborted})
		c.submitted.resolve(types.SubmitResult{Success: false, Err: scheduler.ErrAborted})
		m.release(c)
	}
	m.log.Info().Msg("stopped process manager")
}

func (m *Manager) publish(modelType, modelID string, edit *types.Edit, target uint64, replay bool) (*Handle, error) {
	ctrl, ok := m.provider.Controller(modelType, modelID)
	if !ok {
		return nil, xerrors.Errorf("failed to publish %s for %s/%s: %w", edit, modelType, modelID, types.ErrControllerNotFound)
	}
	applyFn, ok := ctrl.applyHandler(edit.Type)
	if !ok {
		return nil, xerrors.Errorf("failed to publish %s for %s/%s: %w", edit, modelType, modelID, types.ErrApplyHandlerNotFound)
	}

	var submitFn SubmitHandler
	if replay {
		rev := target
		submitFn = func(*types.Edit) types.SubmitResult {
			return types.SubmitResult{Success: true, Revision: rev}
		}
	} else {
		submitFn, ok = ctrl.submitHandler(edit.Type)
		if !ok {
			return nil, xerrors.Errorf("failed to publish %s for %s/%s: %w", edit, modelType, modelID, types.ErrSubmitHandlerNotFound)
		}
	}

	c := &editContext{
		id:             xid.New().String(),
		ctrl:           ctrl,
		edit:           edit,
		target:         target,
		replay:         replay,
		apply:          applyFn,
		submit:         submitFn,
		state:          statePending,
		cancelEligible: true,
		applied:        newFuture[types.ApplyResult](),
		submitted:      newFuture[types.SubmitResult](),
	}

	m.mu.Lock()
	m.contexts[c.id] = c
	m.byEdit[edit] = c
	m.mu.Unlock()

	m.log.Debug().Msgf("publishing %s for %s/%s", edit, modelType, modelID)
	m.applyCh.Publish(edit)
	return &Handle{c: c}, nil
}

// dispatchApply runs the apply step inside the apply channel's slot.
func (m *Manager) dispatchApply(edit *types.Edit) types.DispatchResult {
	c := m.contextFor(edit)
	if c == nil {
		err := xerrors.Errorf("no lifecycle context for %s", edit)
		m.log.Error().Err(err).Msg("dropping stray apply dispatch")
		return types.DispatchResult{Success: false, Err: err}
	}

	c.mu.Lock()
	if c.canceled {
		c.state = stateCanceled
		c.mu.Unlock()
		return m.rejectBeforeApply(c, types.ErrCanceled)
	}
	if c.replay {
		rev := c.ctrl.Model().Revision()
		var err error
		switch {
		case rev >= c.target:
			err = types.ErrOutOfDate
		case rev+1 != c.target:
			err = types.ErrOutOfSequence
		}
		if err != nil {
			c.state = stateCanceled
			c.mu.Unlock()
			return m.rejectBeforeApply(c, err)
		}
	}
	// past this point the edit can no longer be canceled
	c.cancelEligible = false
	c.state = stateApplying
	c.mu.Unlock()

	res := runApply(c.apply, edit)
	if !res.Success {
		err := res.Err
		if err == nil {
			err = xerrors.New("apply handler failed")
		}
		m.log.Error().Err(err).Msgf("failed to apply %s", edit)
		c.setState(stateRolledBack)
		c.applied.resolve(types.ApplyResult{Success: false, Err: err})
		c.submitted.resolve(types.SubmitResult{Success: false, Err: err})
		m.release(c)
		return types.DispatchResult{Success: false, Err: err}
	}

	c.mu.Lock()
	c.reverse = res.Reverse
	c.state = stateSubmitting
	c.mu.Unlock()

	m.setLastApplied(c)
	c.applied.resolve(res)
	m.submitCh.Publish(edit)
	return types.DispatchResult{Success: true, Reverse: res.Reverse}
}

// rejectBeforeApply fails both outcomes without invoking any handler; the
// submit outcome is short-circuited so waiters never hang.
func (m *Manager) rejectBeforeApply(c *editContext, err error) types.DispatchResult {
	c.applied.resolve(types.ApplyResult{Success: false, Err: err})
	c.submitted.resolve(types.SubmitResult{Success: false, Err: err})
	m.release(c)
	return types.DispatchResult{Success: false, Err: err}
}

// dispatchSubmit runs the submit step inside the submit channel's slot.
func (m *Manager) dispatchSubmit(edit *types.Edit) types.DispatchResult {
	c := m.contextFor(edit)
	if c == nil {
		err := xerrors.Errorf("no lifecycle context for %s", edit)
		m.log.Error().Err(err).Msg("dropping stray submit dispatch")
		return types.DispatchResult{Success: false, Err: err}
	}

	res := runSubmit(c.submit, edit)
	model := c.ctrl.Model()

	if res.Success {
		if model.Revision()+1 == res.Revision {
			model.SetRevision(res.Revision)
			m.log.Debug().Msgf("confirmed %s at revision %d", edit, res.Revision)
			c.submitted.resolve(res)
			c.setState(stateCommitted)
			m.release(c)
			return types.DispatchResult{Success: true, Response: res.Data}
		}

		// the authoritative revision skipped ahead of the model; reconcile,
		// then still report success: the reconciliation, not this submit,
		// is authoritative for the final value
		m.log.Info().Msgf("submit of %s confirmed revision %d but model is at %d, synchronizing", edit, res.Revision, model.Revision())
		out := m.syncer.Synchronize(c.ctrl)
		go func() {
			out.Wait()
			c.submitted.resolve(res)
			c.setState(stateCommitted)
			m.release(c)
		}()
		return types.DispatchResult{Success: true, Response: res.Data}
	}

	err := res.Err
	if err == nil {
		err = xerrors.New("submit handler failed")
	}
	m.log.Error().Err(err).Msgf("failed to submit %s, rolling back", edit)

	// applying a stale reverse after a later edit has landed would clobber
	// that edit, so only the last-applied edit is reversed. The marker check
	// and the reverse run together under the sequential apply slot so no
	// apply can slip in between.
	if doErr := m.applyQueue.Do(func() {
		if m.isLastApplied(c) {
			m.reverseApply(c)
		} else {
			m.log.Debug().Msgf("skipping reverse of %s, a later edit has applied", edit)
		}
	}); doErr != nil {
		m.log.Error().Err(doErr).Msgf("failed to schedule rollback of %s", edit)
	}

	// the session must be started before the submit outcome resolves
	m.syncer.Synchronize(c.ctrl)
	c.submitted.resolve(types.SubmitResult{Success: false, Err: err})
	c.setState(stateRolledBack)
	m.release(c)
	return types.DispatchResult{Success: false, Err: err}
}

// processEvent handles one feed event inside the event queue's slot.
func (m *Manager) processEvent(ev types.RemoteEditEvent) types.EventReport {
	ctrl, ok := m.provider.Controller(ev.ModelType, ev.ModelID)
	if !ok {
		m.log.Debug().Msgf("ignoring event for unknown model %s/%s", ev.ModelType, ev.ModelID)
		return types.EventReport{Event: ev, Status: types.EventIgnored}
	}

	// the feed is not ordered relative to submission round trips in flight;
	// drain outstanding submissions so the event sees a consistent view
	m.submitCh.WaitForIdle()

	if ev.Revision <= ctrl.Model().Revision() {
		return types.EventReport{Event: ev, Status: types.EventOutdated}
	}

	h, err := m.ReplayEdit(ev.ModelType, ev.ModelID, ev.Edit, ev.Revision)
	if err != nil {
		return types.EventReport{Event: ev, Status: types.EventApplyFailed, Err: err}
	}

	res := h.WaitForApply()
	if res.Success {
		h.WaitForSubmit()
		return types.EventReport{Event: ev, Status: types.EventApplied}
	}
	switch {
	case errors.Is(res.Err, types.ErrOutOfDate):
		return types.EventReport{Event: ev, Status: types.EventOutdated}
	case errors.Is(res.Err, types.ErrOutOfSequence):
		// the feed skipped ahead; reconciliation restores true ordering
		m.syncer.Synchronize(ctrl)
		return types.EventReport{Event: ev, Status: types.EventOutOfSequence, Err: res.Err}
	default:
		return types.EventReport{Event: ev, Status: types.EventApplyFailed, Err: res.Err}
	}
}

func (m *Manager) contextFor(edit *types.Edit) *editContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEdit[edit]
}

func (m *Manager) modelKey(ctrl *Controller) string {
	return ctrl.modelType + "/" + ctrl.model.ID()
}

func (m *Manager) setLastApplied(c *editContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastApplied[m.modelKey(c.ctrl)] = c
}

func (m *Manager) isLastApplied(c *editContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied[m.modelKey(c.ctrl)] == c
}

// reverseApply compensates a rejected submission by applying the reverse
// edit through the controller's apply handler directly. Must run under the
// sequential apply slot.
func (m *Manager) reverseApply(c *editContext) {
	c.mu.Lock()
	rev := c.reverse
	c.mu.Unlock()
	if rev == nil {
		return
	}

	h, ok := c.ctrl.applyHandler(rev.Type)
	if !ok {
		m.log.Error().Msgf("no apply handler to reverse %s", c.edit)
		return
	}
	if res := runApply(h, rev); !res.Success {
		m.log.Error().Err(res.Err).Msgf("failed to apply reverse edit %s", rev)
		return
	}

	m.mu.Lock()
	key := m.modelKey(c.ctrl)
	if m.lastApplied[key] == c {
		delete(m.lastApplied, key)
	}
	m.mu.Unlock()
	m.log.Info().Msgf("rolled back %s", c.edit)
}

// release removes a terminal context from the tables. Removal happens
// exactly once per context; both outcomes have resolved by this point.
func (m *Manager) release(c *editContext) {
	m.mu.Lock()
	delete(m.contexts, c.id)
	delete(m.byEdit, c.edit)
	m.mu.Unlock()
	m.wake()
}

// wake releases idle waiters after a transition that may have reached the
// idle state. Waiters recheck, so a spurious wake is harmless.
func (m *Manager) wake() {
	if !m.Idle() {
		return
	}
	m.mu.Lock()
	waiters := m.idleWaiters
	m.idleWaiters = nil
	m.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (m *Manager) notifyEvent(report types.EventReport) {
	m.mu.Lock()
	subs := slices.Clone(m.eventSubs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(report)
	}
}
