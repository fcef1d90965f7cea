package runlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/etl"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

var testRef = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

var (
	noPath  *string
	noError *string
)

func TestLedger_Start(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO etl.run_log").
		WithArgs("run-1", testRef, "running").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := New(mock).Start(context.Background(), "run-1", testRef)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_StartError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO etl.run_log").
		WithArgs("run-1", testRef, "running").
		WillReturnError(errors.New("duplicate key"))

	_, err = New(mock).Start(context.Background(), "run-1", testRef)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start run run-1")
}

func TestLedger_CompleteRecordsFiles(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := testRef.Add(-time.Hour)
	report := &etl.Report{
		RunID:    "run-1",
		Selected: []model.SourceFile{{Name: "a.csv", CreatedAt: created}, {Name: "b.csv", CreatedAt: created}},
		InRows:   10,
		Dropped:  2,
		Groups:   3,
		Archived: 1,
		Artifact: &model.Artifact{Path: "sales/aggregated/sales_summary_20240315_000000.parquet"},
		Archive: &etl.ArchiveReport{Outcomes: []etl.ArchiveOutcome{
			{File: model.SourceFile{Name: "a.csv", CreatedAt: created}, Copied: true, Deleted: true},
			{File: model.SourceFile{Name: "b.csv", CreatedAt: created}, Err: errors.New("copy failed")},
		}},
	}

	mock.ExpectExec("UPDATE etl.run_log").
		WithArgs("complete", 2, 10, 2, 3, 1, &report.Artifact.Path, noError, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"etl", "run_files"}, runFileColumns).
		WillReturnResult(2)

	err = New(mock).Complete(context.Background(), 7, report)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_CompleteWithoutArchive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE etl.run_log").
		WithArgs("complete", 0, 0, 0, 0, 0, noPath, noError, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = New(mock).Complete(context.Background(), 7, &etl.Report{RunID: "run-1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_CompleteUpdateError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE etl.run_log").WillReturnError(errors.New("conn reset"))

	err = New(mock).Complete(context.Background(), 7, &etl.Report{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "complete run 7")
}

func TestLedger_Fail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	report := &etl.Report{RunID: "run-1", Error: "etl: select: retrieval: list failed"}
	mock.ExpectExec("UPDATE etl.run_log").
		WithArgs("failed", 0, 0, 0, 0, 0, noPath, &report.Error, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = New(mock).Fail(context.Background(), 9, report)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_FailRecordsArchivedFiles(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := testRef.Add(-time.Hour)
	report := &etl.Report{
		RunID:    "run-2",
		Selected: []model.SourceFile{{Name: "a.csv", CreatedAt: created}, {Name: "b.csv", CreatedAt: created}},
		InRows:   4,
		Groups:   1,
		Archived: 1,
		Artifact: &model.Artifact{Path: "sales/aggregated/sales_summary_20240315_000000.parquet"},
		Archive: &etl.ArchiveReport{Outcomes: []etl.ArchiveOutcome{
			{File: model.SourceFile{Name: "a.csv", CreatedAt: created}, Copied: true, Deleted: true},
			{File: model.SourceFile{Name: "b.csv", CreatedAt: created}, Err: &etl.Error{Kind: etl.KindTimeout, Op: "archive b.csv"}},
		}},
		Error: "etl: archive: timeout",
	}

	mock.ExpectExec("UPDATE etl.run_log").
		WithArgs("failed", 2, 4, 0, 1, 1, &report.Artifact.Path, &report.Error, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"etl", "run_files"}, runFileColumns).
		WillReturnResult(2)

	err = New(mock).Fail(context.Background(), 9, report)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_FailUpdateError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE etl.run_log").WillReturnError(errors.New("conn reset"))

	err = New(mock).Fail(context.Background(), 9, &etl.Report{Error: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail run 9")
}

func TestLedger_LastSuccess(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT started_at FROM etl.run_log").
		WithArgs("complete").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(testRef))

	got, err := New(mock).LastSuccess(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(testRef))
}

func TestLedger_LastSuccessNone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT started_at FROM etl.run_log").
		WithArgs("complete").
		WillReturnError(pgx.ErrNoRows)

	got, err := New(mock).LastSuccess(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedger_ListRecent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	done := testRef.Add(time.Minute)
	path := "sales/aggregated/x.parquet"
	errMsg := "timeout: archive"
	cols := []string{"id", "run_id", "reference", "status", "started_at", "completed_at", "files",
		"rows_in", "rows_dropped", "groups", "archived", "artifact_path", "error"}
	rows := pgxmock.NewRows(cols).
		AddRow(int64(2), "run-2", testRef, "complete", testRef, &done, 2, 10, 1, 3, 2, &path, (*string)(nil)).
		AddRow(int64(1), "run-1", testRef, "failed", testRef, &done, 0, 0, 0, 0, 0, (*string)(nil), &errMsg)

	mock.ExpectQuery("SELECT id, run_id").WithArgs(20).WillReturnRows(rows)

	entries, err := New(mock).ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "run-2", entries[0].RunID)
	assert.Equal(t, model.RunStatusComplete, entries[0].Status)
	assert.Equal(t, path, entries[0].ArtifactPath)
	assert.Empty(t, entries[0].Error)
	assert.Equal(t, 3, entries[0].Groups)

	assert.Equal(t, model.RunStatusFailed, entries[1].Status)
	assert.Equal(t, errMsg, entries[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}
