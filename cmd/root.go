package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "salesetl",
	Short: "Batch ETL for sales files in Azure Blob Storage",
	Long:  "Selects recent sales CSV files, aggregates them by segment, country and month, writes a parquet summary to the data lake and archives the sources.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
