// Package runlog records ETL run outcomes in Postgres. The ledger is audit
// data only; runs never read it to decide what to process.
package runlog

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration is one embedded schema file. Its version is the file name
// without the .sql suffix.
type migration struct {
	version string
	sql     string
}

// migrations returns the embedded files in version order. The first one
// creates the etl schema and the version table itself.
func migrations() ([]migration, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list migrations")
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, eris.Wrapf(err, "runlog: read migration %s", name)
		}
		out = append(out, migration{
			version: strings.TrimSuffix(path.Base(name), ".sql"),
			sql:     string(data),
		})
	}
	return out, nil
}

// batch appends the version bookkeeping to a migration so both run as one
// simple-protocol statement batch, which Postgres commits atomically.
func (m migration) batch() string {
	return fmt.Sprintf("%s\nINSERT INTO etl.schema_migrations (version) VALUES ('%s');\n",
		strings.TrimRight(m.sql, "\n"), m.version)
}

// Pending returns the versions not yet applied, in order.
func (l *Ledger) Pending(ctx context.Context) ([]string, error) {
	all, err := migrations()
	if err != nil {
		return nil, err
	}
	applied, err := l.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range all {
		if !applied[m.version] {
			pending = append(pending, m.version)
		}
	}
	return pending, nil
}

// Migrate applies pending migrations under a session advisory lock and
// returns the versions it applied. A failed file leaves no trace, so the
// next call retries it.
func (l *Ledger) Migrate(ctx context.Context) ([]string, error) {
	log := zap.L().With(zap.String("component", "runlog.migrate"))

	if _, err := l.pool.Exec(ctx, "SELECT pg_advisory_lock(hashtext('etl.schema_migrations'))"); err != nil {
		return nil, eris.Wrap(err, "runlog: take migration lock")
	}
	defer func() {
		if _, err := l.pool.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock(hashtext('etl.schema_migrations'))"); err != nil {
			log.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	all, err := migrations()
	if err != nil {
		return nil, err
	}
	applied, err := l.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range all {
		if applied[m.version] {
			continue
		}
		if _, err := l.pool.Exec(ctx, m.batch()); err != nil {
			return done, eris.Wrapf(err, "runlog: migration %s", m.version)
		}
		log.Info("applied migration", zap.String("version", m.version))
		done = append(done, m.version)
	}
	return done, nil
}

// appliedVersions reads the version table. A database the ledger has never
// touched has no table yet, which means nothing is applied.
func (l *Ledger) appliedVersions(ctx context.Context) (map[string]bool, error) {
	var exists bool
	if err := l.pool.QueryRow(ctx,
		"SELECT to_regclass('etl.schema_migrations') IS NOT NULL",
	).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "runlog: check version table")
	}
	applied := make(map[string]bool)
	if !exists {
		return applied, nil
	}

	rows, err := l.pool.Query(ctx, "SELECT version FROM etl.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "runlog: read applied versions")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "runlog: scan version")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
