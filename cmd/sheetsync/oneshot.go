package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/store/postgres"
	"github.com/mehmetymw/sheetsync/internal/types"
)

var inboundCmd = &cobra.Command{
	Use:   "inbound",
	Short: "Run one inbound reconciliation and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()
		defer a.Close()

		report, runErr := a.reconciler().Run(cmd.Context())
		a.publishSync(cmd.Context(), report)
		if err := printJSON(report); err != nil {
			return err
		}
		return runErr
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the change log once and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()
		defer a.Close()

		result, runErr := a.replayer().Drain(cmd.Context())
		a.publishDrain(cmd.Context(), result)
		if err := printJSON(result); err != nil {
			return err
		}
		return runErr
	},
}

// A sink failure is logged and never fails the command; the report is still printed.
func (a *app) publishSync(ctx context.Context, report types.SyncReport) {
	if err := a.sink.PublishSync(ctx, report); err != nil {
		a.logger.Warn("Failed to publish sync report", zap.String("cycle_id", report.CycleID), zap.Error(err))
	}
}

func (a *app) publishDrain(ctx context.Context, result types.DrainResult) {
	if err := a.sink.PublishDrain(ctx, result); err != nil {
		a.logger.Warn("Failed to publish drain result", zap.String("cycle_id", result.CycleID), zap.Error(err))
	}
}

var schemaApply bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the sync schema, or apply it with --apply",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !schemaApply {
			fmt.Print(postgres.NewTables(cfg.Mapping.Table, cfg.Mapping.IDColumn, cfg.Mapping.Columns).DDL())
			return nil
		}
		if cfg.Local.Type != "postgres" {
			return errors.Newf("--apply needs the postgres local store, config has %q", cfg.Local.Type)
		}
		// openApp applies the schema on connect.
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.logger.Sync()
		return a.Close()
	},
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaApply, "apply", false, "apply the schema to the configured database")
}
