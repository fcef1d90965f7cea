package etl

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// ArchiveOutcome is the result of archiving one source file.
type ArchiveOutcome struct {
	File model.SourceFile
	// Copied is set once the server-side copy has completed.
	Copied bool
	// Deleted is set once the source object has been removed.
	Deleted bool
	Err     error
}

// ArchiveReport collects per-file outcomes in input order.
type ArchiveReport struct {
	Outcomes []ArchiveOutcome
}

// Archived returns the number of files copied and removed from the source.
func (r *ArchiveReport) Archived() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (r *ArchiveReport) Failed() []ArchiveOutcome {
	var out []ArchiveOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// TimedOut reports whether any file was skipped or interrupted by the deadline.
func (r *ArchiveReport) TimedOut() bool {
	for _, o := range r.Outcomes {
		if KindOf(o.Err) == KindTimeout {
			return true
		}
	}
	return false
}

// Archiver moves processed source files into the archive container.
type Archiver struct {
	source      SourceStore
	archive     ArchiveStore
	tier        model.Tier
	concurrency int
}

// NewArchiver creates an Archiver that copies into archive with the given
// tier. concurrency <= 0 uses DefaultConcurrency.
func NewArchiver(source SourceStore, archive ArchiveStore, tier model.Tier, concurrency int) *Archiver {
	if tier == "" {
		tier = model.TierCool
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Archiver{source: source, archive: archive, tier: tier, concurrency: concurrency}
}

// Archive copies each file to the archive container and, only after the
// copy completes, deletes it and its snapshots from the source. A failure on
// one file does not stop the others and nothing is rolled back. Files not
// started before ctx is done are reported with a timeout error.
func (a *Archiver) Archive(ctx context.Context, files []model.SourceFile) *ArchiveReport {
	log := zap.L().With(zap.String("component", "etl.archiver"))
	report := &ArchiveReport{Outcomes: make([]ArchiveOutcome, len(files))}
	if len(files) == 0 {
		return report
	}

	var g errgroup.Group
	g.SetLimit(a.concurrency)

	var archived atomic.Int64
	for i, f := range files {
		report.Outcomes[i].File = f
		if ctx.Err() != nil {
			report.Outcomes[i].Err = newError(KindTimeout, "archive "+f.Name,
				eris.Wrap(ctx.Err(), "not started before deadline"))
			continue
		}
		g.Go(func() error {
			out := &report.Outcomes[i]
			a.archiveOne(ctx, out)
			if out.Err != nil {
				log.Warn("archive failed, source left in place",
					zap.String("file", f.Name),
					zap.Bool("copied", out.Copied),
					zap.Error(out.Err),
				)
				return nil
			}
			archived.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("archived source files",
		zap.Int("files", len(files)),
		zap.Int64("archived", archived.Load()),
		zap.Int("failed", len(files)-int(archived.Load())),
	)
	return report
}

func (a *Archiver) archiveOne(ctx context.Context, out *ArchiveOutcome) {
	name := out.File.Name
	if err := a.archive.CopyFromURL(ctx, a.source.URL(name), name, a.tier); err != nil {
		out.Err = classify(ctx, KindCopy, "copy "+name, err)
		return
	}
	out.Copied = true

	if err := a.source.Delete(ctx, name, true); err != nil {
		out.Err = classify(ctx, KindDelete, "delete "+name, err)
		return
	}
	out.Deleted = true
}
