package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sqllab/internal/config"
	"sqllab/internal/db"
)

var (
	version = "dev"
	commit  = "none"
)

// env is filled in by the root command before any subcommand runs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func execute(args []string) int {
	root := newRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	e := &env{}
	var dotenv string

	root := &cobra.Command{
		Use:           "sqllab",
		Short:         "SQL Lab query execution service",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(dotenv); err != nil {
				fmt.Fprintf(stderr, "warning: could not load %s: %v\n", dotenv, err)
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return err
			}
			e.cfg = cfg
			e.logger = newLogger(cfg, stderr)
			for _, w := range cfg.Warnings {
				e.logger.Warn(w)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&dotenv, "env-file", ".env", "dotenv file loaded before the environment")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(e),
		newWorkerCmd(e),
		newMigrateCmd(e),
		newDBCmd(e),
		newRunCmd(e),
	)
	return root
}

// newLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", "sqllab")
}

// openMetastore opens and migrates the metastore. The caller closes both
// handles.
func openMetastore(ctx context.Context, e *env) (writeDB, readDB *sql.DB, err error) {
	writeDB, readDB, err = db.OpenMetastorePair(e.cfg.MetaDBPath, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(writeDB); err != nil {
		_ = readDB.Close()
		_ = writeDB.Close()
		return nil, nil, err
	}
	v, err := db.MigrationVersion(ctx, writeDB)
	if err == nil {
		e.logger.Debug("metastore ready", "path", e.cfg.MetaDBPath, "schema_version", v)
	}
	return writeDB, readDB, nil
}

func closeMetastore(writeDB, readDB *sql.DB) {
	_ = readDB.Close()
	_ = writeDB.Close()
}
