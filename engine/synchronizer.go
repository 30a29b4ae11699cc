package engine

import (
	"cmp"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/jjvainav/editsync/dispatch"
	"github.com/jjvainav/editsync/types"
)

// SyncOutcome resolves when a synchronization session completes.
type SyncOutcome struct {
	f *future[types.SyncResult]
}

// Done is closed once the session has completed.
func (o *SyncOutcome) Done() <-chan struct{} { return o.f.done }

// Wait blocks until the session has completed.
func (o *SyncOutcome) Wait() types.SyncResult { return o.f.wait() }

// Synchronizer reconciles a model with the remote authority by fetching the
// edit events newer than the model's revision and replaying them in revision
// order. At most one session runs per model; requests made while a session
// is pending join that session instead of starting a second one.
type Synchronizer struct {
	log        zerolog.Logger
	applyQueue *dispatch.Queue
	applyCh    *dispatch.Channel
	onDone     func()

	mu        sync.Mutex
	sessions  map[string]*SyncOutcome
	listeners []func(types.SyncResult)
}

func newSynchronizer(applyQueue *dispatch.Queue, applyCh *dispatch.Channel, log zerolog.Logger, onDone func()) *Synchronizer {
	return &Synchronizer{
		log:        log,
		applyQueue: applyQueue,
		applyCh:    applyCh,
		onDone:     onDone,
		sessions:   make(map[string]*SyncOutcome),
	}
}

func (s *Synchronizer) onResult(fn func(types.SyncResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Synchronizer) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Synchronize starts a session for the controller's model, or joins the one
// already running.
func (s *Synchronizer) Synchronize(ctrl *Controller) *SyncOutcome {
	key := ctrl.modelType + "/" + ctrl.model.ID()

	s.mu.Lock()
	if out, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return out
	}
	out := &SyncOutcome{f: newFuture[types.SyncResult]()}
	s.sessions[key] = out
	s.mu.Unlock()

	go s.run(ctrl, key, out)
	return out
}

func (s *Synchronizer) run(ctrl *Controller, key string, out *SyncOutcome) {
	s.log.Info().Msgf("synchronizing %s", key)

	// no local edits apply while reconciling
	s.applyCh.Pause()
	s.applyCh.WaitForIdle()

	result := s.reconcile(ctrl)

	// resume regardless of outcome
	s.applyCh.Resume()

	s.mu.Lock()
	delete(s.sessions, key)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if result.Success {
		s.log.Info().Msgf("synchronized %s at revision %d", key, result.Revision)
	} else {
		s.log.Error().Err(result.Err).Msgf("failed to synchronize %s, model left at revision %d", key, result.Revision)
	}

	out.f.resolve(result)
	for _, fn := range listeners {
		fn(result)
	}
	if s.onDone != nil {
		s.onDone()
	}
}

func (s *Synchronizer) reconcile(ctrl *Controller) types.SyncResult {
	model := ctrl.Model()
	fail := func(err error) types.SyncResult {
		return types.SyncResult{
			ModelType: ctrl.modelType,
			ModelID:   model.ID(),
			Revision:  model.Revision(),
			Err:       err,
		}
	}

	var events []types.EditEvent
	for {
		rev := model.Revision()
		fetched, err := ctrl.fetchEdits(rev)
		if err != nil {
			return fail(xerrors.Errorf("failed to fetch edits after revision %d: %v", rev, err))
		}
		// a submission may have landed during the fetch; discard the stale
		// batch and refetch from the new revision
		if model.Revision() != rev {
			s.log.Debug().Msgf("model %s moved during fetch, retrying", model.ID())
			continue
		}
		events = fetched
		break
	}

	// the provider's ordering is not trusted
	slices.SortFunc(events, func(a, b types.EditEvent) int {
		return cmp.Compare(a.Revision, b.Revision)
	})

	applied := 0
	for _, ev := range events {
		if ev.Revision <= model.Revision() {
			// a submission that landed mid-replay already covered this event
			continue
		}
		// replay under the sequential apply slot so nothing else can mutate
		// the model while an authoritative edit is applied
		var applyErr error
		if err := s.applyQueue.Do(func() {
			applyErr = ctrl.applyImmediate(ev)
		}); err != nil {
			return fail(err)
		}
		if applyErr != nil {
			return fail(applyErr)
		}
		applied++
	}

	s.log.Debug().Msgf("replayed %d edits for model %s", applied, model.ID())
	return types.SyncResult{
		ModelType: ctrl.modelType,
		ModelID:   model.ID(),
		Success:   true,
		Revision:  model.Revision(),
	}
}
