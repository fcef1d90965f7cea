package runlog

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var allVersions = []string{"000_schema", "001_run_log", "002_run_files"}

func expectLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectVersionTable(mock pgxmock.PgxPoolIface, exists bool, applied ...string) {
	mock.ExpectQuery("SELECT to_regclass").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(exists))
	if !exists {
		return
	}
	rows := pgxmock.NewRows([]string{"version"})
	for _, v := range applied {
		rows.AddRow(v)
	}
	mock.ExpectQuery("SELECT version FROM etl.schema_migrations").WillReturnRows(rows)
}

func recordsVersion(v string) string {
	return regexp.QuoteMeta("INSERT INTO etl.schema_migrations (version) VALUES ('" + v + "')")
}

func TestMigrations_Embedded(t *testing.T) {
	all, err := migrations()
	require.NoError(t, err)

	var versions []string
	for _, m := range all {
		versions = append(versions, m.version)
	}
	assert.Equal(t, allVersions, versions)
	assert.Contains(t, all[0].sql, "CREATE TABLE IF NOT EXISTS etl.schema_migrations")
}

func TestMigrationBatch(t *testing.T) {
	m := migration{version: "001_run_log", sql: "CREATE TABLE t (id int);\n\n"}
	assert.Equal(t,
		"CREATE TABLE t (id int);\nINSERT INTO etl.schema_migrations (version) VALUES ('001_run_log');\n",
		m.batch())
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	expectVersionTable(mock, false)
	for _, v := range allVersions {
		mock.ExpectExec(recordsVersion(v)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	expectUnlock(mock)

	applied, err := New(mock).Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, allVersions, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SomeAlreadyApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	expectVersionTable(mock, true, "000_schema", "001_run_log")
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS etl.run_files").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectUnlock(mock)

	applied, err := New(mock).Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"002_run_files"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AllAlreadyApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	expectVersionTable(mock, true, allVersions...)
	expectUnlock(mock)

	applied, err := New(mock).Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnError(errors.New("connection refused"))

	_, err = New(mock).Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyErrorStopsAndReportsVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectLock(mock)
	expectVersionTable(mock, false)
	mock.ExpectExec(recordsVersion("000_schema")).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(recordsVersion("001_run_log")).WillReturnError(errors.New("syntax error"))
	expectUnlock(mock)

	applied, err := New(mock).Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_run_log")
	assert.Equal(t, []string{"000_schema"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVersionTable(mock, true, "000_schema")

	pending, err := New(mock).Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_run_log", "002_run_files"}, pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPending_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectVersionTable(mock, false)

	pending, err := New(mock).Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, allVersions, pending)
}
