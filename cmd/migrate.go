package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply run ledger schema migrations",
	Long:  "Applies pending SQL migrations to the etl schema in version order. With --status, only lists what is pending.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if status, _ := cmd.Flags().GetBool("status"); status {
			pending, err := ledger.Pending(ctx)
			if err != nil {
				return eris.Wrap(err, "runlog pending")
			}
			if len(pending) == 0 {
				fmt.Fprintln(os.Stdout, "Schema is up to date.")
				return nil
			}
			for _, v := range pending {
				fmt.Fprintln(os.Stdout, v)
			}
			return nil
		}

		applied, err := ledger.Migrate(ctx)
		if err != nil {
			return eris.Wrap(err, "runlog migrate")
		}

		zap.L().Info("run ledger schema up to date", zap.Strings("applied", applied))
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("status", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}
