package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"sqllab/internal/app"
	"sqllab/internal/domain"
	"sqllab/internal/service/sqllab"
)

type runFlags struct {
	databaseID int64
	userID     int64
	schema     string
	file       string
	limit      int
	params     string
	ctas       string
	admin      bool
}

func newRunCmd(e *env) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [SQL]",
		Short: "Execute one query synchronously and print the result payload",
		Example: `  sqllab run --database-id 1 "select 1"
  sqllab run --database-id 1 --file report.sql --params '{"ds": "2024-01-01"}'
  echo "select 1" | sqllab run --database-id 1 --file -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readSQL(cmd.InOrStdin(), args, f.file)
			if err != nil {
				return err
			}
			return runOnce(cmd, e, f, sql)
		},
	}
	fl := cmd.Flags()
	fl.Int64Var(&f.databaseID, "database-id", 0, "registered database id")
	fl.Int64Var(&f.userID, "user-id", 1, "user the query runs as")
	fl.StringVar(&f.schema, "schema", "", "default schema")
	fl.StringVarP(&f.file, "file", "f", "", "read SQL from a file (- for stdin)")
	fl.IntVar(&f.limit, "limit", 1000, "row limit; 0 runs unlimited")
	fl.StringVar(&f.params, "params", "", "template parameters as a JSON object")
	fl.StringVar(&f.ctas, "ctas", "", "store the result in this table (CREATE TABLE AS)")
	fl.BoolVar(&f.admin, "admin", false, "run with admin rights")
	_ = cmd.MarkFlagRequired("database-id")
	return cmd
}

func readSQL(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case len(args) == 1 && file != "":
		return "", errors.New("pass SQL as an argument or with --file, not both")
	case len(args) == 1:
		return args[0], nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case file != "":
		b, err := os.ReadFile(file) //nolint:gosec // operator-supplied path
		return string(b), err
	default:
		return "", errors.New("no SQL given")
	}
}

// buildRequest encodes the flags as an execute body so the command goes
// through the same parsing as the HTTP API.
func buildRequest(f runFlags, sql string) (sqllab.Request, error) {
	body := map[string]any{
		"database_id": f.databaseID,
		"sql":         sql,
		"schema":      f.schema,
		"queryLimit":  f.limit,
		"client_id":   domain.NewShortID(),
	}
	if strings.TrimSpace(f.params) != "" {
		body["templateParams"] = f.params
	}
	if f.ctas != "" {
		body["select_as_cta"] = true
		body["tmp_table_name"] = f.ctas
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(body)
	if err != nil {
		return sqllab.Request{}, err
	}
	return sqllab.ParseRequest(b, f.userID)
}

func runOnce(cmd *cobra.Command, e *env, f runFlags, sql string) error {
	ctx := cmd.Context()
	req, err := buildRequest(f, sql)
	if err != nil {
		return err
	}

	writeDB, readDB, err := openMetastore(ctx, e)
	if err != nil {
		return err
	}
	defer closeMetastore(writeDB, readDB)

	a, err := app.New(ctx, app.Deps{Cfg: e.cfg, WriteDB: writeDB, ReadDB: readDB, Logger: e.logger}, app.RoleServer)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(drainTimeout) }()

	ctx = domain.WithPrincipal(ctx, domain.ContextPrincipal{UserID: f.userID, Username: "cli", IsAdmin: f.admin})
	res, err := a.Service.Command.Run(ctx, req, map[string]any{"user_id": f.userID, "source": "cli"})
	if err != nil {
		var sqlErr *domain.SQLLabError
		if errors.As(err, &sqlErr) {
			return fmt.Errorf("%s: %s", sqlErr.ErrorType, sqlErr.Message)
		}
		return err
	}

	var out bytes.Buffer
	if err := jsonIndent(&out, res.Payload); err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out.Bytes())
	return err
}

func jsonIndent(dst *bytes.Buffer, src []byte) error {
	var v any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(src, &v); err != nil {
		return err
	}
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dst.Write(b)
	dst.WriteByte('\n')
	return nil
}
