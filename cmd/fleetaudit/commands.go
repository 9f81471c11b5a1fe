package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ipsix/fleetaudit/internal/daemon"
	"github.com/ipsix/fleetaudit/internal/facts"
	"github.com/ipsix/fleetaudit/internal/inventory"
	"github.com/ipsix/fleetaudit/internal/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled connection scans and the facts inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, restore, err := opts.load(false)
			if err != nil {
				return err
			}
			defer restore()

			logger := newLogger(cfg, os.Stdout)
			defer logger.Close() //nolint:errcheck
			logger.Info("fleetaudit starting", logging.Field{Key: "config", Value: cfg.Redacted()})

			if err := daemon.New(cfg, logger).Run(cmd.Context()); err != nil {
				logger.Error("daemon exited with error", logging.Err(err))
				return err
			}
			return nil
		},
	}
}

func newConnectCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "connect <source-id>",
		Short: "Run one connection scan against a configured source and print its systems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, restore, err := opts.load(false)
			if err != nil {
				return err
			}
			defer restore()
			if dryRun {
				cfg.Storage.Driver = "memory"
			}

			logger := newLogger(cfg, os.Stderr)
			defer logger.Close() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			services, err := daemon.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer services.Close() //nolint:errcheck

			source, ok := services.Registry.Lookup(args[0])
			if !ok {
				return fmt.Errorf("source %q not configured", args[0])
			}
			task := inventory.NewScanTask(uuid.NewString(), uuid.NewString(), source)
			status := services.Executor.Execute(ctx, task)

			results, err := services.Executor.Results(context.WithoutCancel(ctx), task.JobID)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"task":    task.ID,
				"job":     task.JobID,
				"status":  status,
				"results": results,
			}); err != nil {
				return err
			}
			if status != inventory.StatusCompleted {
				return fmt.Errorf("connect scan ended %s", status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Keep results in memory instead of the configured store")
	return cmd
}

func newFingerprintCmd(opts *rootOptions) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "fingerprint <facts.json>",
		Short: "Classify a fact collection and print the inspection report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, restore, err := opts.load(true)
			if err != nil {
				return err
			}
			defer restore()
			cfg.Storage.Driver = "memory"
			cfg.Redis.Enabled = false

			logger := newLogger(cfg, os.Stderr)
			defer logger.Close() //nolint:errcheck

			collection, err := facts.Load(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			services, err := daemon.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer services.Close() //nolint:errcheck

			rep, err := services.Processor.Inspect(ctx, collection)
			if err != nil {
				return err
			}
			if publish {
				delivered := services.Dispatcher.Dispatch(ctx, rep)
				logger.Info("report published", logging.Field{Key: "delivered", Value: delivered})
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "Send the report to the configured publish channels")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print it with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, restore, err := opts.load(false)
			if err != nil {
				return err
			}
			defer restore()
			return writeJSON(cmd.OutOrStdout(), cfg.Redacted())
		},
	}
}

func newStorageCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "storage-check",
		Short: "Open the configured store, apply its schema and close it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, restore, err := opts.load(false)
			if err != nil {
				return err
			}
			defer restore()

			_, closeStore, err := daemon.OpenStore(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			if err := closeStore(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "ok", "driver": cfg.Storage.Driver})
		},
	}
}
