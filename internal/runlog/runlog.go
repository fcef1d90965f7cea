package runlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/db"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/etl"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// Entry is a row of etl.run_log.
type Entry struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	Reference    time.Time       `json:"reference"`
	Status       model.RunStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Files        int             `json:"files"`
	RowsIn       int             `json:"rows_in"`
	RowsDropped  int             `json:"rows_dropped"`
	Groups       int             `json:"groups"`
	Archived     int             `json:"archived"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	Error        string          `json:"error,omitempty"`
}

var runFileColumns = []string{"run_log_id", "file_name", "created_at", "archived", "error"}

// Ledger reads and writes the run ledger tables.
type Ledger struct {
	pool db.Pool
}

// New creates a Ledger backed by pool.
func New(pool db.Pool) *Ledger {
	return &Ledger{pool: pool}
}

var _ etl.RunLog = (*Ledger)(nil)

// Start records the beginning of a run and returns its ledger ID.
func (l *Ledger) Start(ctx context.Context, runID string, ref time.Time) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO etl.run_log (run_id, reference, status, started_at)
		 VALUES ($1, $2, $3, now()) RETURNING id`,
		runID, ref, string(model.RunStatusRunning),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start run %s", runID)
	}
	return id, nil
}

// Complete marks a run complete and records per-file archive outcomes.
func (l *Ledger) Complete(ctx context.Context, id int64, report *etl.Report) error {
	if err := l.finish(ctx, id, model.RunStatusComplete, report); err != nil {
		return eris.Wrapf(err, "runlog: complete run %d", id)
	}
	return nil
}

// Fail marks a run failed with the report's error. Archive outcomes reached
// before the failure are recorded like those of a complete run.
func (l *Ledger) Fail(ctx context.Context, id int64, report *etl.Report) error {
	if err := l.finish(ctx, id, model.RunStatusFailed, report); err != nil {
		return eris.Wrapf(err, "runlog: fail run %d", id)
	}
	return nil
}

func (l *Ledger) finish(ctx context.Context, id int64, status model.RunStatus, report *etl.Report) error {
	var artifactPath, errMsg *string
	if report.Artifact != nil {
		artifactPath = &report.Artifact.Path
	}
	if report.Error != "" {
		errMsg = &report.Error
	}

	_, err := l.pool.Exec(ctx,
		`UPDATE etl.run_log
		 SET status = $1, completed_at = now(), files = $2, rows_in = $3,
		     rows_dropped = $4, groups = $5, archived = $6, artifact_path = $7, error = $8
		 WHERE id = $9`,
		string(status), len(report.Selected), report.InRows,
		report.Dropped, report.Groups, report.Archived, artifactPath, errMsg, id,
	)
	if err != nil {
		return err
	}

	if report.Archive == nil || len(report.Archive.Outcomes) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(report.Archive.Outcomes))
	for _, o := range report.Archive.Outcomes {
		var fileErr *string
		if o.Err != nil {
			msg := o.Err.Error()
			fileErr = &msg
		}
		rows = append(rows, []any{id, o.File.Name, o.File.CreatedAt, o.Err == nil, fileErr})
	}
	if _, err := db.CopyFromSchema(ctx, l.pool, "etl", "run_files", runFileColumns, rows); err != nil {
		return eris.Wrap(err, "record files")
	}
	return nil
}

// LastSuccess returns the start time of the most recent complete run, or nil.
func (l *Ledger) LastSuccess(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM etl.run_log
		 WHERE status = $1 ORDER BY started_at DESC LIMIT 1`,
		string(model.RunStatusComplete),
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "runlog: last success")
	}
	return &t, nil
}

// ListRecent returns up to limit runs, most recent first.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id, reference, status, started_at, completed_at, files, rows_in,
		        rows_dropped, groups, archived, artifact_path, error
		 FROM etl.run_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list recent")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			status       string
			artifactPath *string
			errStr       *string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Reference, &status, &e.StartedAt, &e.CompletedAt,
			&e.Files, &e.RowsIn, &e.RowsDropped, &e.Groups, &e.Archived, &artifactPath, &errStr); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		e.Status = model.RunStatus(status)
		if artifactPath != nil {
			e.ArtifactPath = *artifactPath
		}
		if errStr != nil {
			e.Error = *errStr
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
