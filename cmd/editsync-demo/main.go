// Command editsync-demo drives the edit pipeline against a simulated remote
// authority: a burst of concurrent edits, a rejected submission with its
// rollback, drift repaired by synchronization, and live feed ingestion.
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/jjvainav/editsync/engine"
	"github.com/jjvainav/editsync/types"
)

var logIO = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

func newLogger(level zerolog.Level) zerolog.Logger {
	logger := zerolog.New(logIO).With().Timestamp().Logger()
	return logger.Level(level)
}

func main() {
	app := &cli.App{
		Name:  "editsync-demo",
		Usage: "run the optimistic edit pipeline against a simulated remote",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "edits",
				Usage: "number of concurrent edits in the opening burst",
				Value: 5,
			},
			&cli.DurationFlag{
				Name:  "latency",
				Usage: "simulated remote round-trip latency",
				Value: 25 * time.Millisecond,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := newLogger(level)

	modelID := uuid.NewString()
	doc := newDocument(modelID)
	remote := newRemote(c.Duration("latency"))

	ctrl, err := engine.NewController("document", doc, documentHandlers(doc, remote), remote.Fetch)
	if err != nil {
		return xerrors.Errorf("failed to create controller: %v", err)
	}

	m := engine.NewManager(engine.Config{Log: log})
	if err := m.Register(ctrl); err != nil {
		return xerrors.Errorf("failed to register controller: %v", err)
	}
	defer m.Stop()

	m.OnSynchronized(func(res types.SyncResult) {
		log.Info().Msgf("synchronized %s/%s at revision %d", res.ModelType, res.ModelID, res.Revision)
	})
	m.OnEvent(func(rep types.EventReport) {
		log.Info().Msgf("feed event at revision %d: %s", rep.Event.Revision, rep.Status)
	})

	log.Info().Msgf("document %s starting at revision %d", modelID, doc.Revision())

	// 1. a burst of concurrent edits, each assigned its own revision
	log.Info().Msgf("publishing %d concurrent edits", c.Int("edits"))
	var handles []*engine.Handle
	for i := 0; i < c.Int("edits"); i++ {
		h, err := m.PublishEdit("document", modelID, types.NewEdit("append", fmt.Sprintf("line-%d", i)))
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if res := h.WaitForSubmit(); res.Success {
			log.Info().Msgf("edit %s confirmed at revision %d", h.ID(), res.Revision)
		}
	}

	// 2. a submission the remote rejects; the optimistic apply rolls back
	log.Info().Msg("publishing an edit the remote will reject")
	remote.RejectNext()
	h, err := m.PublishEdit("document", modelID, types.NewEdit("append", "rejected-line"))
	if err != nil {
		return err
	}
	h.WaitForApply()
	log.Info().Msgf("applied optimistically, lines=%d", len(doc.Lines()))
	if res := h.WaitForSubmit(); !res.Success {
		log.Warn().Err(res.Err).Msg("submission rejected, edit rolled back")
	}
	m.WaitForIdle()
	log.Info().Msgf("after rollback, lines=%d revision=%d", len(doc.Lines()), doc.Revision())

	// 3. drift: edits land remotely behind the model's back
	log.Info().Msg("simulating remote drift")
	remote.AppendDirect("remote-line-1")
	remote.AppendDirect("remote-line-2")
	out, err := m.Synchronize("document", modelID)
	if err != nil {
		return err
	}
	if res := out.Wait(); !res.Success {
		return xerrors.Errorf("failed to synchronize: %v", res.Err)
	}

	// 4. live feed ingestion, including one event that skips a revision
	log.Info().Msg("ingesting feed events")
	ev := remote.AppendDirect("feed-line")
	m.HandleEditEvent(types.RemoteEditEvent{
		ModelType: "document",
		ModelID:   modelID,
		Edit:      ev.Edit,
		Revision:  ev.Revision,
		Timestamp: ev.Timestamp,
	}).Wait()

	remote.AppendDirect("skipped-line")
	late := remote.AppendDirect("late-line")
	m.HandleEditEvent(types.RemoteEditEvent{
		ModelType: "document",
		ModelID:   modelID,
		Edit:      late.Edit,
		Revision:  late.Revision,
		Timestamp: late.Timestamp,
	}).Wait()

	m.WaitForIdle()
	log.Info().Msgf("final state: %d lines at revision %d", len(doc.Lines()), doc.Revision())
	for _, line := range doc.Lines() {
		log.Info().Msgf("  %s", line)
	}
	return nil
}

// document is a line-oriented model; appends are idempotent so feed replays
// and synchronization never duplicate a line.
type document struct {
	*engine.ModelBase

	mu    sync.Mutex
	lines []string
}

func newDocument(id string) *document {
	return &document{ModelBase: engine.NewModelBase(id, 1)}
}

func (d *document) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	return out
}

func (d *document) append(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		if l == line {
			return
		}
	}
	d.lines = append(d.lines, line)
}

func (d *document) drop(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.lines {
		if l == line {
			d.lines = append(d.lines[:i], d.lines[i+1:]...)
			return
		}
	}
}

func documentHandlers(doc *document, remote *remote) *engine.HandlerSet {
	return engine.NewHandlerSet().
		Apply("append", func(edit *types.Edit) types.ApplyResult {
			line, _ := edit.Data.(string)
			doc.append(line)
			return types.ApplyResult{Success: true, Reverse: types.NewEdit("drop", line)}
		}).
		Apply("drop", func(edit *types.Edit) types.ApplyResult {
			line, _ := edit.Data.(string)
			doc.drop(line)
			return types.ApplyResult{Success: true, Reverse: types.NewEdit("append", line)}
		}).
		Submit("append", remote.Submit).
		Submit("drop", remote.Submit)
}

// remote simulates the remote authority: it serializes submissions under one
// lock, assigns each accepted edit the next revision, and serves fetches
// from its edit log.
type remote struct {
	latency time.Duration

	mu       sync.Mutex
	revision uint64
	log      []types.EditEvent
	reject   bool
}

func newRemote(latency time.Duration) *remote {
	return &remote{latency: latency, revision: 1}
}

// RejectNext makes the next submission fail.
func (r *remote) RejectNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = true
}

// AppendDirect lands an edit on the remote without going through a local
// submission, creating drift.
func (r *remote) AppendDirect(line string) types.EditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision++
	ev := types.EditEvent{
		Edit:      types.NewEdit("append", line),
		Revision:  r.revision,
		Timestamp: time.Now().UnixMilli(),
	}
	r.log = append(r.log, ev)
	return ev
}

func (r *remote) Submit(edit *types.Edit) types.SubmitResult {
	time.Sleep(r.latency)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		r.reject = false
		return types.SubmitResult{Success: false, Err: xerrors.New("remote rejected the edit")}
	}
	r.revision++
	r.log = append(r.log, types.EditEvent{
		Edit:      types.NewEdit(edit.Type, edit.Data),
		Revision:  r.revision,
		Timestamp: time.Now().UnixMilli(),
	})
	return types.SubmitResult{Success: true, Revision: r.revision}
}

func (r *remote) Fetch(modelType, modelID string, startRevision uint64) ([]types.EditEvent, error) {
	time.Sleep(r.latency)

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
