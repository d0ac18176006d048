package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	gosync "sync"

	"github.com/marusama/semaphore/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// ActionResult is the final disposition of an action.
type ActionResult string

const (
	ResultCommitted ActionResult = "committed"
	ResultFailed    ActionResult = "failed"
	ResultSkipped   ActionResult = "skipped"
	ResultWould     ActionResult = "would" // dry-run projection
)

// ActionOutcome records what happened to one action.
type ActionOutcome struct {
	Action      SyncAction    `json:"action" yaml:"action"`
	Result      ActionResult  `json:"result" yaml:"result"`
	Trace       []ActionState `json:"trace" yaml:"trace"`
	Summary     string        `json:"summary" yaml:"summary"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Bytes       int64         `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	ArchiveIDs  []string      `json:"archiveIds,omitempty" yaml:"archiveIds,omitempty"`
	StartedAt   int64         `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	CompletedAt int64         `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`

	err error
}

// Err returns the error that failed or skipped the action, if any. It is
// not persisted; history keeps the Error string.
func (o ActionOutcome) Err() error { return o.err }

// ArchiveRequest asks the archivist to keep the content of Path on From,
// storing the compressed copy on Store.
type ArchiveRequest struct {
	Store  Drive
	From   Drive
	Path   string
	Reason ArchiveReason
}

// Archivist produces durable compressed copies before destructive steps.
// Archive must not return until the copy and its record are durable.
type Archivist interface {
	Archive(ctx context.Context, req ArchiveRequest) (ArchiveRecord, error)
}

// ExecOptions tunes an execution.
type ExecOptions struct {
	Verify  bool
	Workers int // concurrent destination lanes; <= 0 means one per drive
}

// Executor walks a plan and applies each action with temp-file-then-rename
// writes and archive-before-destroy ordering.
type Executor struct {
	fs        afero.Fs
	drives    map[string]Drive
	archivist Archivist
	opts      ExecOptions
}

// NewExecutor creates an executor over the drives of one run.
func NewExecutor(fs afero.Fs, drives map[string]Drive, archivist Archivist, opts ExecOptions) *Executor {
	return &Executor{fs: fs, drives: drives, archivist: archivist, opts: opts}
}

// Preview returns the projected outcome of every action without side
// effects.
func (e *Executor) Preview(plan *SyncPlan) []ActionOutcome {
	return lo.Map(plan.Actions, func(a SyncAction, _ int) ActionOutcome {
		return ActionOutcome{
			Action:  a,
			Result:  ResultWould,
			Trace:   []ActionState{StatePending},
			Summary: a.Describe(true),
		}
	})
}

// Execute runs the plan. Actions are grouped into one lane per destination
// drive; lanes run concurrently, each lane in plan order. All copy-phase
// lanes finish before any destructive lane starts. A failed action never
// stops the run. Once ctx is done, actions not yet started are skipped.
func (e *Executor) Execute(ctx context.Context, plan *SyncPlan) []ActionOutcome {
	l := sub("executor")
	outcomes := make([]ActionOutcome, len(plan.Actions))

	for _, phase := range []int{PhaseCopy, PhaseDestructive} {
		idx := lo.Filter(lo.Range(len(plan.Actions)), func(i, _ int) bool {
			return plan.Actions[i].Phase == phase
		})
		if len(idx) == 0 {
			continue
		}
		lanes := lo.GroupBy(idx, func(i int) string { return plan.Actions[i].Dest })

		limit := e.opts.Workers
		if limit <= 0 {
			limit = len(lanes)
		}
		sem := semaphore.New(limit)

		var wg gosync.WaitGroup
		for dest, lane := range lanes {
			wg.Add(1)
			go func(dest string, lane []int) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					for _, i := range lane {
						outcomes[i] = skipped(plan.Actions[i])
					}
					return
				}
				defer sem.Release(1)

				l.Debug("lane start", "phase", phase, "dest", dest, "actions", len(lane))
				for _, i := range lane {
					if ctx.Err() != nil {
						outcomes[i] = skipped(plan.Actions[i])
						continue
					}
					outcomes[i] = e.run(ctx, plan.Actions[i])
				}
			}(dest, lane)
		}
		wg.Wait()
	}

	committed := lo.CountBy(outcomes, func(o ActionOutcome) bool { return o.Result == ResultCommitted })
	failed := lo.CountBy(outcomes, func(o ActionOutcome) bool { return o.Result == ResultFailed })
	l.Info("execution complete", "actions", len(outcomes), "committed", committed, "failed", failed)
	return outcomes
}

func skipped(a SyncAction) ActionOutcome {
	return ActionOutcome{
		Action:  a,
		Result:  ResultSkipped,
		Trace:   []ActionState{StatePending},
		Summary: a.Describe(false),
		Error:   ErrCancelled.Error(),
		err:     ErrCancelled,
	}
}

// run drives one action through its state machine.
func (e *Executor) run(ctx context.Context, a SyncAction) (out ActionOutcome) {
	l := sub("executor")
	m := newMachine(StepFor(a, e.opts.Verify))
	out = ActionOutcome{Action: a, Summary: a.Describe(false), StartedAt: nowNano()}

	defer func() {
		out.Trace = m.trace
		out.CompletedAt = nowNano()
		switch {
		case m.state == StateCommitted:
			out.Result = ResultCommitted
			l.Info("action committed", "action", out.Summary, "bytes", out.Bytes)
		case errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded):
			// Interrupted mid-write: nothing became visible at the
			// destination, so the action counts as never started.
			out.Result = ResultSkipped
			out.err = fmt.Errorf("%w: %v", ErrCancelled, out.err)
			out.Error = out.err.Error()
		default:
			if out.err == nil {
				out.err = fmt.Errorf("action stopped in state %s", m.state)
			}
			out.Result = ResultFailed
			out.Error = out.err.Error()
			l.Warn("action failed", "action", out.Summary, "trace", m.trace, "err", out.err)
		}
	}()

	fail := func(err error) {
		out.err = err
		m.fire(EventFail) //nolint:errcheck
	}

	dest, ok := e.drives[a.Dest]
	if !ok {
		fail(fmt.Errorf("unknown destination drive %s", a.Dest))
		return
	}
	dstPath := e.abs(dest, a.Path)

	// The destination must still hold what the plan saw.
	current, err := digestOf(e.fs, dstPath)
	if err != nil {
		fail(fmt.Errorf("read destination: %w", err))
		return
	}
	removing := a.Kind == ActionDelete || a.Kind == ActionArchiveThenDelete
	if removing && current == "" {
		// Already gone: deletion is idempotent, nothing to archive.
		m.step.Archive = false
		m.fire(EventBegin)   //nolint:errcheck
		m.fire(EventWritten) //nolint:errcheck
		return
	}
	if current != a.PreImage {
		fail(ErrDestinationModified)
		return
	}

	if err := m.fire(EventBegin); err != nil {
		fail(err)
		return
	}

	if m.state == StateArchiving {
		ids, err := e.archive(ctx, a, dest)
		out.ArchiveIDs = ids
		if err != nil {
			fail(err)
			return
		}
		if err := m.fire(EventArchived); err != nil {
			fail(err)
			return
		}
	}

	if removing {
		if err := RemoveFile(e.fs, dstPath); err != nil {
			fail(err)
			return
		}
		m.fire(EventWritten) //nolint:errcheck
		return
	}

	src, ok := e.drives[a.Source]
	if !ok {
		fail(fmt.Errorf("unknown source drive %s", a.Source))
		return
	}
	staged, err := stageCopy(ctx, e.fs, e.abs(src, a.readPath()), dstPath)
	if err != nil {
		fail(err)
		return
	}
	if staged.fast != a.SourceDigest {
		staged.abort()
		fail(ErrSourceModified)
		return
	}
	out.Bytes = staged.size

	if !m.step.Verify {
		if err := staged.commit(); err != nil {
			fail(err)
			return
		}
		m.fire(EventWritten) //nolint:errcheck
		return
	}

	m.fire(EventWritten) //nolint:errcheck
	want := a.SourceStrong
	if want == "" {
		want = staged.strong
	}
	if err := staged.verify(want); err != nil {
		staged.abort()
		fail(err)
		return
	}
	if err := staged.commit(); err != nil {
		fail(err)
		return
	}
	m.fire(EventVerified) //nolint:errcheck
	return
}

// archive stores the destination's current content on every archive
// target. Each record must carry the pre-image digest the plan expected.
func (e *Executor) archive(ctx context.Context, a SyncAction, from Drive) ([]string, error) {
	reason := ReasonBeforeOverwrite
	if a.Kind == ActionArchiveThenDelete {
		reason = ReasonBeforeDelete
	}
	if e.archivist == nil {
		return nil, &ArchiveError{Drive: from.ID, Path: a.Path, Err: errors.New("no archivist configured")}
	}

	var ids []string
	for _, id := range a.ArchiveTo {
		store, ok := e.drives[id]
		if !ok {
			return ids, &ArchiveError{Drive: id, Path: a.Path, Err: fmt.Errorf("unknown archive drive")}
		}
		rec, err := e.archivist.Archive(ctx, ArchiveRequest{Store: store, From: from, Path: a.Path, Reason: reason})
		if err != nil {
			return ids, &ArchiveError{Drive: id, Path: a.Path, Err: err}
		}
		ids = append(ids, rec.ID)
		if rec.Digest != a.PreImage {
			return ids, &ArchiveError{Drive: id, Path: a.Path, Err: ErrDestinationModified}
		}
		if logEnabled(slog.LevelDebug) {
			sub("executor").Debug("archived", "drive", id, "path", a.Path, "archive", rec.ID, "size", rec.CompressedSize)
		}
	}
	return ids, nil
}

func (e *Executor) abs(d Drive, rel string) string {
	return filepath.Join(d.EffectiveRoot(), filepath.FromSlash(rel))
}
