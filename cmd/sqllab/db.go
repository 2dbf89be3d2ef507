package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sqllab/internal/db/crypto"
	"sqllab/internal/db/repository"
	"sqllab/internal/domain"
	"sqllab/internal/engine"
)

func newDBCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the databases exposed to SQL Lab",
	}
	cmd.AddCommand(newDBAddCmd(e), newDBListCmd(e))
	return cmd
}

func databaseRepo(e *env, writeDB *sql.DB) (*repository.DatabaseRepo, error) {
	repo := repository.NewDatabaseRepo(writeDB)
	enc, err := crypto.NewEncryptor(e.cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	repo.SetEncryptor(enc)
	return repo, nil
}

func newDBAddCmd(e *env) *cobra.Command {
	d := &domain.Database{}
	var hidden bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a database",
		Example: `  sqllab db add --name warehouse --engine postgresql --uri postgres://user:pw@host/db --allow-async
  sqllab db add --name scratch --engine duckdb --uri duckdb:////var/lib/scratch.duckdb --allow-ctas`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := engine.DriverDSN(d.Engine, d.URI); err != nil {
				return err
			}
			d.ExposeInSQLLab = !hidden

			writeDB, readDB, err := openMetastore(cmd.Context(), e)
			if err != nil {
				return err
			}
			defer closeMetastore(writeDB, readDB)

			repo, err := databaseRepo(e, writeDB)
			if err != nil {
				return err
			}
			created, err := repo.Create(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered database %q with id %d\n", created.Name, created.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&d.Name, "name", "", "unique database name")
	f.StringVar(&d.Engine, "engine", "", "engine family: duckdb, sqlite, postgresql, mysql, presto, trino")
	f.StringVar(&d.URI, "uri", "", "connection URI (stored encrypted)")
	f.StringVar(&d.ForceCTASSchema, "force-ctas-schema", "", "schema every CREATE TABLE AS lands in")
	f.BoolVar(&d.AllowRunAsync, "allow-async", false, "allow async execution")
	f.BoolVar(&d.AllowCTAS, "allow-ctas", false, "allow CREATE TABLE AS")
	f.BoolVar(&d.AllowCVAS, "allow-cvas", false, "allow CREATE VIEW AS")
	f.BoolVar(&d.AllowDML, "allow-dml", false, "allow statements that modify data")
	f.BoolVar(&hidden, "hidden", false, "do not expose the database in SQL Lab")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("engine")
	return cmd
}

func newDBListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			writeDB, readDB, err := openMetastore(cmd.Context(), e)
			if err != nil {
				return err
			}
			defer closeMetastore(writeDB, readDB)

			repo, err := databaseRepo(e, writeDB)
			if err != nil {
				return err
			}
			dbs, err := repo.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENGINE\tASYNC\tCTAS\tCVAS\tDML\tEXPOSED")
			for _, d := range dbs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%t\t%t\t%t\n",
					d.ID, d.Name, d.Engine, d.AllowRunAsync, d.AllowCTAS, d.AllowCVAS, d.AllowDML, d.ExposeInSQLLab)
			}
			return tw.Flush()
		},
	}
}
