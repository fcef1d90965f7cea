package etl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// State is a step of the run state machine.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateIngesting
	StateTransforming
	StateWriting
	StateArchiving
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateIngesting:
		return "ingesting"
	case StateTransforming:
		return "transforming"
	case StateWriting:
		return "writing"
	case StateArchiving:
		return "archiving"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists the allowed successors of each state. Every non-terminal
// state may also move to StateFailed.
var transitions = map[State][]State{
	StateIdle:         {StateSelecting},
	StateSelecting:    {StateIngesting, StateDone},
	StateIngesting:    {StateTransforming},
	StateTransforming: {StateWriting},
	StateWriting:      {StateArchiving},
	StateArchiving:    {StateDone},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	if from == StateDone || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunLog records run outcomes. Implementations must be safe to call with a
// context that is already past its deadline.
type RunLog interface {
	Start(ctx context.Context, runID string, ref time.Time) (int64, error)
	Complete(ctx context.Context, id int64, report *Report) error
	// Fail receives the report as far as the run got, with Error set.
	Fail(ctx context.Context, id int64, report *Report) error
}

// Deps are the collaborators of one run.
type Deps struct {
	Source  SourceStore
	Archive ArchiveStore
	Lake    LakeStore
	// RunLog is optional.
	RunLog RunLog
	// Now defaults to time.Now.
	Now func() time.Time
}

// RunOptions configures one run.
type RunOptions struct {
	Reference   time.Time
	CSV         CSVOptions
	Transform   TransformOptions
	Writer      WriterOptions
	ArchiveTier model.Tier
	Concurrency int
}

// Report summarizes a run.
type Report struct {
	RunID     string             `json:"run_id"`
	State     State              `json:"-"`
	Status    string             `json:"status"`
	History   []State            `json:"-"`
	Reference time.Time          `json:"reference"`
	Selected  []model.SourceFile `json:"selected"`
	InRows    int                `json:"in_rows"`
	KeptRows  int                `json:"kept_rows"`
	Dropped   int                `json:"dropped_rows"`
	Groups    int                `json:"groups"`
	Artifact  *model.Artifact    `json:"artifact,omitempty"`
	Archive   *ArchiveReport     `json:"-"`
	Archived  int                `json:"archived"`
	Error     string             `json:"error,omitempty"`
	Elapsed   time.Duration      `json:"elapsed"`
}

// Orchestrator sequences select → ingest → transform → write → archive.
type Orchestrator struct {
	deps Deps
}

// NewOrchestrator creates an Orchestrator over the given collaborators.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}
}

type run struct {
	report *Report
	log    *zap.Logger
}

func (r *run) enter(to State) {
	from := r.report.State
	if !CanTransition(from, to) {
		// Programming error in the step sequence.
		panic("etl: illegal transition " + from.String() + " -> " + to.String())
	}
	r.report.State = to
	r.report.Status = to.String()
	r.report.History = append(r.report.History, to)
	r.log.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

// Run executes one pipeline run. Any step error moves the run to
// StateFailed and skips the remaining steps; the returned error is the
// step's *Error. Archive copy/delete failures leave the affected files in
// the source container and do not fail the run.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := o.deps.Now()
	if opts.Reference.IsZero() {
		opts.Reference = start
	}
	if opts.Transform.KeepColumns == nil && opts.Transform.GroupColumns == nil {
		opts.Transform = DefaultTransformOptions()
	}

	r := &run{report: &Report{
		RunID:     uuid.NewString(),
		State:     StateIdle,
		Status:    StateIdle.String(),
		History:   []State{StateIdle},
		Reference: opts.Reference,
	}}
	r.log = zap.L().With(zap.String("component", "etl.orchestrator"), zap.String("run_id", r.report.RunID))
	r.log.Info("starting run", zap.Time("reference", opts.Reference))

	var ledgerID int64
	if o.deps.RunLog != nil {
		id, err := o.deps.RunLog.Start(ctx, r.report.RunID, opts.Reference)
		if err != nil {
			r.log.Warn("failed to record run start", zap.Error(err))
		}
		ledgerID = id
	}

	err := o.execute(ctx, r, opts)
	r.report.Elapsed = o.deps.Now().Sub(start)

	if err != nil {
		r.enter(StateFailed)
		r.report.Error = err.Error()
		r.log.Error("run failed", zap.Error(err), zap.Duration("elapsed", r.report.Elapsed))
		if o.deps.RunLog != nil && ledgerID != 0 {
			if logErr := o.deps.RunLog.Fail(context.WithoutCancel(ctx), ledgerID, r.report); logErr != nil {
				r.log.Warn("failed to record run failure", zap.Error(logErr))
			}
		}
		return r.report, err
	}

	r.enter(StateDone)
	r.log.Info("run complete",
		zap.Int("selected", len(r.report.Selected)),
		zap.Int("groups", r.report.Groups),
		zap.Int("archived", r.report.Archived),
		zap.Duration("elapsed", r.report.Elapsed),
	)
	if o.deps.RunLog != nil && ledgerID != 0 {
		if logErr := o.deps.RunLog.Complete(context.WithoutCancel(ctx), ledgerID, r.report); logErr != nil {
			r.log.Warn("failed to record run completion", zap.Error(logErr))
		}
	}
	return r.report, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, opts RunOptions) error {
	rep := r.report

	r.enter(StateSelecting)
	files, err := NewSelector(o.deps.Source).Select(ctx, opts.Reference)
	if err != nil {
		return err
	}
	rep.Selected = files
	if len(files) == 0 {
		r.log.Info("no source files in window, nothing to do")
		return nil
	}

	r.enter(StateIngesting)
	table, err := NewIngestor(o.deps.Source, opts.CSV, opts.Concurrency).Ingest(ctx, files)
	if err != nil {
		return err
	}

	r.enter(StateTransforming)
	result, err := Transform(table, opts.Transform)
	if err != nil {
		return err
	}
	rep.InRows = result.InRows
	rep.KeptRows = result.KeptRows
	rep.Dropped = result.DroppedRows()
	rep.Groups = len(result.Records)
	if err := ctx.Err(); err != nil {
		return newError(KindTimeout, "transform", err)
	}

	r.enter(StateWriting)
	artifact, err := NewWriter(o.deps.Lake, opts.Writer, o.deps.Now).Write(ctx, result.Records)
	if err != nil {
		return err
	}
	rep.Artifact = artifact

	r.enter(StateArchiving)
	archive := NewArchiver(o.deps.Source, o.deps.Archive, opts.ArchiveTier, opts.Concurrency).Archive(ctx, files)
	rep.Archive = archive
	rep.Archived = archive.Archived()
	if archive.TimedOut() {
		return newError(KindTimeout, "archive",
			eris.Errorf("deadline reached with %d of %d files archived", rep.Archived, len(files)))
	}
	return nil
}
