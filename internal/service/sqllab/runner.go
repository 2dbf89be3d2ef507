package sqllab

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"sqllab/internal/dialect"
	"sqllab/internal/domain"
)

// RunOutcome is what one engine run produced. It is returned alongside
// errors so callers can persist the tracking URL of a failed run.
type RunOutcome struct {
	Result      *domain.SQLResult
	ExecutedSQL string
	SelectSQL   string
	TrackingURL string
}

// Runner validates a rendered script and drives it through the engine.
// Shared by the sync executor and the worker task.
type Runner struct {
	engine  domain.EngineExecutor
	queries domain.QueryRepository
	opts    Options
	logger  *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(engine domain.EngineExecutor, queries domain.QueryRepository, opts Options, logger *slog.Logger) *Runner {
	return &Runner{engine: engine, queries: queries, opts: opts, logger: logger.With("component", "runner")}
}

// Run executes rendered for q against db. Errors are *domain.SQLLabError
// unless ctx ended first, in which case ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, q *domain.Query, db *domain.Database, rendered string) (*RunOutcome, error) {
	out := &RunOutcome{}

	statements := dialect.SplitStatements(rendered)
	if len(statements) == 0 {
		return out, domain.ErrInvalidRequest("The query is empty.")
	}

	if found := dialect.FindFunctions(rendered, dialect.DisallowedFunctions(db.Engine, r.opts.DisallowedFunctions)); len(found) > 0 {
		return out, domain.ErrDisallowedFunctions(found)
	}
	if !db.AllowDML {
		for _, stmt := range statements {
			if dialect.IsMutating(stmt) {
				return out, domain.ErrDMLNotAllowed()
			}
		}
	}

	last := len(statements) - 1
	if q.SelectAsCTA {
		if len(statements) != 1 || !dialect.IsSelect(statements[0]) {
			return out, domain.ErrInvalidCTASQuery(q.CtasMethod)
		}
		if !ctasAllowed(db, q.CtasMethod) {
			return out, domain.ErrQueryIsForbiddenToAccess("CREATE %s AS is not allowed on database %q.", q.CtasMethod, db.Name)
		}
		out.SelectSQL = statements[0]
		statements[0] = dialect.AsCreateTable(statements[0], q.TmpSchemaName, q.TmpTableName, q.CtasMethod, false)
	} else if q.Limit != nil && dialect.SpecFor(db.Engine).LimitMethod == dialect.LimitWrapSQL && dialect.IsSelect(statements[last]) {
		statements[last] = dialect.WrapLimit(statements[last], fetchLimit(q, r.opts.SQLMaxRow))
	}
	out.ExecutedSQL = strings.Join(statements, ";\n")

	n := len(statements)
	res, err := r.engine.Execute(ctx, db, domain.EngineRequest{
		QueryID:     q.ID,
		Statements:  statements,
		Schema:      q.Schema,
		FetchLimit:  fetchLimit(q, r.opts.SQLMaxRow),
		OnStatement: func(i, _ int) { r.reportProgress(ctx, q, i, n) },
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var engErr *domain.EngineError
		if errors.As(err, &engErr) {
			out.TrackingURL = r.transformURL(engErr.TrackingURL, q.ClientID)
			if len(engErr.Errors) > 0 {
				return out, domain.ErrEngineErrors(engErr.Errors)
			}
			return out, domain.ErrGenericDB(engErr.Message)
		}
		return out, domain.ErrGenericDB(err.Error())
	}

	out.TrackingURL = r.transformURL(res.TrackingURL, q.ClientID)
	out.Result = res
	return out, nil
}

func ctasAllowed(db *domain.Database, method domain.CtasMethod) bool {
	if method == domain.CtasMethodView {
		return db.AllowCVAS
	}
	return db.AllowCTAS
}

// reportProgress records 100*i/n before statement i of a multi-statement
// script starts.
func (r *Runner) reportProgress(ctx context.Context, q *domain.Query, i, n int) {
	if n < 2 {
		return
	}
	progress := 100 * i / n
	if _, err := r.queries.Update(ctx, q.ID, domain.QueryPatch{Progress: &progress}); err != nil {
		r.logger.Warn("record progress", "query_id", q.ID, "error", err)
	}
}

func (r *Runner) transformURL(url, clientID string) string {
	if url == "" || r.opts.TrackingURLTransformer == nil {
		return url
	}
	transformed, err := r.opts.TrackingURLTransformer(url, clientID)
	if err != nil {
		r.logger.Warn("transform tracking url", "client_id", clientID, "error", err)
		return url
	}
	return transformed
}
