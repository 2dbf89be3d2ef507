package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sqllab/internal/db"
)

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending metastore migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			writeDB, readDB, err := openMetastore(cmd.Context(), e)
			if err != nil {
				return err
			}
			defer closeMetastore(writeDB, readDB)

			v, err := db.MigrationVersion(cmd.Context(), writeDB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "metastore %s at schema version %d\n", e.cfg.MetaDBPath, v)
			return nil
		},
	}
}
