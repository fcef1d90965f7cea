package main

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/blobstore"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/config"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/db"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/etl"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/runlog"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/secrets"
)

// etlEnv holds the storage containers, secret provider and optional ledger
// needed by the etl and serve commands.
type etlEnv struct {
	Source  *blobstore.AzureContainer
	Archive *blobstore.AzureContainer
	Lake    *blobstore.AzureContainer
	Secrets *secrets.Redactor
	Ledger  *runlog.Ledger // may be nil

	pool *pgxpool.Pool
}

// Close releases resources held by the environment.
func (e *etlEnv) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// Deps returns the collaborators for one orchestrator run.
func (e *etlEnv) Deps() etl.Deps {
	deps := etl.Deps{Source: e.Source, Archive: e.Archive, Lake: e.Lake}
	if e.Ledger != nil {
		deps.RunLog = e.Ledger
	}
	return deps
}

// initSecrets returns a redacting provider backed by Key Vault when a vault
// URL is configured, otherwise by the environment.
func initSecrets() (*secrets.Redactor, error) {
	if cfg.Secrets.VaultURL == "" {
		zap.L().Debug("secrets.vault_url not set, reading secrets from environment")
		return secrets.NewRedactor(secrets.NewEnv()), nil
	}
	kv, err := secrets.NewKeyVault(cfg.Secrets.VaultURL, nil)
	if err != nil {
		return nil, err
	}
	return secrets.NewRedactor(kv), nil
}

// storageCredentials resolves the configured storage secrets.
func storageCredentials(ctx context.Context, sec secrets.Provider, sc config.StorageConfig) (blobstore.Credentials, error) {
	creds := blobstore.Credentials{AccountName: sc.AccountName}
	switch {
	case sc.ConnectionStringSecret != "":
		v, err := sec.Get(ctx, sc.ConnectionStringSecret)
		if err != nil {
			return creds, &etl.Error{Kind: etl.KindAuth, Op: "storage credentials", Err: err}
		}
		creds.ConnectionString = v
	case sc.AccountKeySecret != "":
		v, err := sec.Get(ctx, sc.AccountKeySecret)
		if err != nil {
			return creds, &etl.Error{Kind: etl.KindAuth, Op: "storage credentials", Err: err}
		}
		creds.AccountKey = v
	}
	return creds, nil
}

// initEnv builds the storage containers and, when configured, the run ledger.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*etlEnv, error) {
	if err := cfg.Validate("etl"); err != nil {
		return nil, err
	}

	sec, err := initSecrets()
	if err != nil {
		return nil, err
	}

	creds, err := storageCredentials(ctx, sec, cfg.Storage)
	if err != nil {
		return nil, err
	}
	account, err := blobstore.NewAzureAccount(creds)
	if err != nil {
		return nil, &etl.Error{Kind: etl.KindAuth, Op: "storage account", Err: err}
	}

	env := &etlEnv{
		Source:  account.Container(cfg.Storage.SourceContainer),
		Archive: account.Container(cfg.Storage.ArchiveContainer),
		Lake:    account.Container(cfg.Storage.LakeContainer),
		Secrets: sec,
	}

	if cfg.RunLog.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.RunLog.DatabaseURL)
		if err != nil {
			zap.L().Warn("run ledger unavailable, continuing without it", zap.Error(err))
		} else {
			env.pool = pool
			env.Ledger = runlog.New(pool)
		}
	} else {
		zap.L().Debug("runlog.database_url not set, run ledger disabled")
	}

	return env, nil
}

// runOptions maps configuration onto orchestrator options for ref.
func runOptions(c *config.Config, ref time.Time) etl.RunOptions {
	return etl.RunOptions{
		Reference: ref,
		CSV:       etl.CSVOptions{Delimiter: c.ETL.DelimiterRune()},
		Transform: etl.TransformOptions{
			KeepColumns:  c.ETL.KeepColumns,
			GroupColumns: c.ETL.GroupColumns,
		},
		Writer: etl.WriterOptions{
			Directory: c.ETL.Directory,
			Prefix:    c.ETL.Prefix,
			Format:    strings.ToLower(c.ETL.Format),
		},
		ArchiveTier: model.Tier(c.Storage.ArchiveTier),
		Concurrency: c.ETL.Concurrency,
	}
}

// runTimeout returns the configured run deadline, or zero for none.
func runTimeout(c *config.Config) time.Duration {
	if c.ETL.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.ETL.TimeoutSecs) * time.Second
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// openLedger connects to the run ledger database. Callers must close the pool.
func openLedger(ctx context.Context) (*pgxpool.Pool, *runlog.Ledger, error) {
	if err := cfg.Validate("runlog"); err != nil {
		return nil, nil, err
	}
	pool, err := db.Connect(ctx, cfg.RunLog.DatabaseURL)
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect run ledger")
	}
	return pool, runlog.New(pool), nil
}
