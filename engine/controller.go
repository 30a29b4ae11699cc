package engine

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/jjvainav/editsync/types"
)

// Model is the engine's view of a versioned model: an identity plus a
// monotonically non-decreasing revision. The model's own state is mutated
// only by the caller's apply handlers, only under the engine's sequential
// apply slot; the engine advances the revision after a submission or
// synchronization confirms it, and never moves it backward.
type Model interface {
	ID() string
	Revision() uint64
	SetRevision(rev uint64)
}

// ModelBase is a ready-made Model implementation for embedding.
type ModelBase struct {
	id string

	mu  sync.Mutex
	rev uint64
}

// NewModelBase creates a model base at the given revision.
func NewModelBase(id string, rev uint64) *ModelBase {
	return &ModelBase{id: id, rev: rev}
}

// ID implements Model.
func (m *ModelBase) ID() string { return m.id }

// Revision implements Model.
func (m *ModelBase) Revision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

// SetRevision implements Model. The revision is monotonic; a lower value is
// ignored.
func (m *ModelBase) SetRevision(rev uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev > m.rev {
		m.rev = rev
	}
}

// ApplyHandler locally mutates the model per the edit, returning the reverse
// edit that exactly undoes the mutation.
type ApplyHandler func(edit *types.Edit) types.ApplyResult

// SubmitHandler sends an applied edit to the remote authority and reports
// the authoritative new revision.
type SubmitHandler func(edit *types.Edit) types.SubmitResult

// EditFetcher retrieves all edit events with revision greater than
// startRevision from the remote authority's edit log. The returned order is
// not trusted; the synchronizer sorts by revision.
type EditFetcher func(modelType, modelID string, startRevision uint64) ([]types.EditEvent, error)

// HandlerSet collects the apply and submit handlers for a model type, keyed
// by edit type. The set is sealed into a Controller at construction.
type HandlerSet struct {
	apply  map[string]ApplyHandler
	submit map[string]SubmitHandler
}

// NewHandlerSet creates an empty handler set.
func NewHandlerSet() *HandlerSet {
	return &HandlerSet{
		apply:  make(map[string]ApplyHandler),
		submit: make(map[string]SubmitHandler),
	}
}

// Apply registers the apply handler for an edit type.
func (h *HandlerSet) Apply(editType string, fn ApplyHandler) *HandlerSet {
	h.apply[editType] = fn
	return h
}

// Submit registers the submit handler for an edit type.
func (h *HandlerSet) Submit(editType string, fn SubmitHandler) *HandlerSet {
	h.submit[editType] = fn
	return h
}

// Controller binds one model to its sealed handler tables and edit fetcher.
// Handler resolution happens against tables fixed at construction, so a
// missing handler is a construction-time error where possible rather than a
// first-publish runtime surprise.
type Controller struct {
	modelType string
	model     Model
	apply     map[string]ApplyHandler
	submit    map[string]SubmitHandler
	fetch     EditFetcher
}

// NewController creates a controller for one model. Every edit type with a
// submit handler must have an apply handler.
func NewController(modelType string, model Model, handlers *HandlerSet, fetch EditFetcher) (*Controller, error) {
	if modelType == "" {
		return nil, xerrors.New("failed to create controller: model type is empty")
	}
	if model == nil {
		return nil, xerrors.New("failed to create controller: model is nil")
	}
	if fetch == nil {
		return nil, xerrors.New("failed to create controller: edit fetcher is nil")
	}
	if handlers == nil || len(handlers.apply) == 0 {
		return nil, xerrors.New("failed to create controller: no apply handlers registered")
	}
	for editType := range handlers.submit {
		if _, ok := handlers.apply[editType]; !ok {
			return nil, xerrors.Errorf("failed to create controller: submit handler for %q has no matching apply handler", editType)
		}
	}

	apply := make(map[string]ApplyHandler, len(handlers.apply))
	for k, v := range handlers.apply {
		apply[k] = v
	}
	submit := make(map[string]SubmitHandler, len(handlers.submit))
	for k, v := range handlers.submit {
		submit[k] = v
	}

	return &Controller{
		modelType: modelType,
		model:     model,
		apply:     apply,
		submit:    submit,
		fetch:     fetch,
	}, nil
}

// ModelType returns the controller's model type.
func (c *Controller) ModelType() string { return c.modelType }

// Model returns the controlled model.
func (c *Controller) Model() Model { return c.model }

func (c *Controller) applyHandler(editType string) (ApplyHandler, bool) {
	h, ok := c.apply[editType]
	return h, ok
}

func (c *Controller) submitHandler(editType string) (SubmitHandler, bool) {
	h, ok := c.submit[editType]
	return h, ok
}

func (c *Controller) fetchEdits(startRevision uint64) ([]types.EditEvent, error) {
	return c.fetch(c.modelType, c.model.ID(), startRevision)
}

// applyImmediate applies an already-authoritative edit event directly,
// bypassing the publish/submit pipeline, and advances the model's revision.
func (c *Controller) applyImmediate(ev types.EditEvent) error {
	h, ok := c.applyHandler(ev.Edit.Type)
	if !ok {
		return xerrors.Errorf("failed to apply event at revision %d: %w", ev.Revision, types.ErrApplyHandlerNotFound)
	}
	res := runApply(h, ev.Edit)
	if !res.Success {
		err := res.Err
		if err == nil {
			err = xerrors.New("apply handler failed")
		}
		return xerrors.Errorf("failed to apply event at revision %d: %w", ev.Revision, err)
	}
	c.model.SetRevision(ev.Revision)
	return nil
}

func runApply(h ApplyHandler, edit *types.Edit) (res types.ApplyResult) {
	defer func() {
		if r := recover(); r != nil {
			res = types.ApplyResult{Success: false, Err: xerrors.Errorf("apply handler panicked: %v", r)}
		}
	}()
	return h(edit)
}

func runSubmit(h SubmitHandler, edit *types.Edit) (res types.SubmitResult) {
	defer func() {
		if r := recover(); r != nil {
			res = types.SubmitResult{Success: false, Err: xerrors.Errorf("submit handler panicked: %v", r)}
		}
	}()
	return h(edit)
}

// ControllerProvider resolves the controller owning a model. The Manager's
// default provider is its own registry; parent/child hierarchies sharing one
// Manager can install their own lookup.
type ControllerProvider interface {
	Controller(modelType, modelID string) (*Controller, bool)
}

type controllerRegistry struct {
	mu   sync.Mutex
	byID map[string]*Controller
}

func newControllerRegistry() *controllerRegistry {
	return &controllerRegistry{byID: make(map[string]*Controller)}
}

func (r *controllerRegistry) add(ctrl *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ctrl.modelType + "/" + ctrl.model.ID()
	if _, exists := r.byID[key]; exists {
		return xerrors.Errorf("failed to register controller: %s already registered", key)
	}
	r.byID[key] = ctrl
	return nil
}

// Controller implements ControllerProvider.
func (r *controllerRegistry) Controller(modelType, modelID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.byID[modelType+"/"+modelID]
	return ctrl, ok
}
