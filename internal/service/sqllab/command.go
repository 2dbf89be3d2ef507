package sqllab

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sqllab/internal/domain"
)

// Command is the top-level execute orchestrator.
type Command struct {
	queries   domain.QueryRepository
	databases domain.DatabaseRepository
	validator domain.AccessValidator
	renderer  *Renderer
	sync      *SyncExecutor
	async     *AsyncExecutor
	convertor *Convertor
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewCommand wires a Command.
func NewCommand(
	queries domain.QueryRepository,
	databases domain.DatabaseRepository,
	validator domain.AccessValidator,
	renderer *Renderer,
	sync *SyncExecutor,
	async *AsyncExecutor,
	convertor *Convertor,
	opts Options,
	logger *slog.Logger,
) *Command {
	return &Command{
		queries:   queries,
		databases: databases,
		validator: validator,
		renderer:  renderer,
		sync:      sync,
		async:     async,
		convertor: convertor,
		opts:      opts,
		logger:    logger.With("component", "execute_command"),
		now:       time.Now,
	}
}

// Run executes one request. Errors are *domain.SQLLabError; every failure
// after the query record exists is persisted on it first.
func (c *Command) Run(ctx context.Context, req Request, logParams map[string]any) (*ExecutionResult, error) {
	st := &ExecutionState{Request: req}

	existing, err := c.queries.FindOneOrNone(ctx, req.ClientID, req.UserID, req.SQLEditorID)
	if err != nil {
		return nil, domain.ErrInternal(nil, err)
	}
	if existing != nil && bindsToExisting(existing.Status) {
		return c.alreadyCreated(existing)
	}

	db, err := c.databases.FindByID(ctx, req.DatabaseID)
	if err != nil {
		return nil, domain.ErrInternal(nil, err)
	}
	if db == nil {
		return nil, domain.ErrDatabaseNotFound(req.DatabaseID)
	}
	st.Database = db

	q, err := c.newQuery(req, db)
	if err != nil {
		return nil, err
	}
	created, err := c.queries.Insert(ctx, q)
	if err != nil {
		if isConflict(err) {
			// Lost the race for the idempotency triple.
			existing, findErr := c.queries.FindOneOrNone(ctx, req.ClientID, req.UserID, req.SQLEditorID)
			if findErr == nil && existing != nil {
				return c.alreadyCreated(existing)
			}
		}
		return nil, domain.ErrInternal(q, err)
	}
	st.Query = created

	if req.QueryLimit <= 0 {
		c.logger.Warn("queryLimit is not positive, running unlimited", "client_id", req.ClientID, "query_limit", req.QueryLimit)
	}

	if err := c.validator.Validate(ctx, st.Query, db); err != nil {
		sqlErr := asSQLLabError(st.Query, err)
		st.Query = markFailed(ctx, c.queries, st.Query, sqlErr, c.logger)
		return nil, sqlErr
	}

	rendered, err := c.renderer.Render(ctx, st)
	if err != nil {
		return nil, asSQLLabError(st.Query, err)
	}
	st.RenderedSQL = rendered

	if err := c.negotiateLimit(ctx, st); err != nil {
		return nil, c.fail(ctx, st, err)
	}

	if req.RunAsync {
		expand := req.ExpandData && c.opts.ExpandData
		if err := c.async.Execute(ctx, st, expand, logParams); err != nil {
			return nil, c.fail(ctx, st, err)
		}
		return c.queryPayload(st, StatusQueryCreatedAsync)
	}

	payload, err := c.sync.Execute(ctx, st, logParams)
	if err != nil {
		return nil, c.fail(ctx, st, err)
	}
	b, err := c.convertor.SyncPayload(*payload)
	if err != nil {
		return nil, c.fail(ctx, st, err)
	}
	return &ExecutionResult{Status: StatusQueryCreatedSync, Payload: b}, nil
}

// bindsToExisting reports whether a prior record for the idempotency triple
// absorbs a resubmission.
func bindsToExisting(s domain.QueryStatus) bool {
	switch s {
	case domain.QueryStatusPending, domain.QueryStatusRunning, domain.QueryStatusTimedOut:
		return true
	}
	return false
}

func (c *Command) alreadyCreated(q *domain.Query) (*ExecutionResult, error) {
	c.logger.Info("query already created", "query_id", q.ID, "client_id", q.ClientID, "status", q.Status)
	return c.queryPayload(&ExecutionState{Query: q}, StatusQueryAlreadyCreated)
}

func (c *Command) queryPayload(st *ExecutionState, status ExecutionStatus) (*ExecutionResult, error) {
	b, err := c.convertor.QueryPayload(st.Query)
	if err != nil {
		return nil, domain.ErrInternal(st.Query, err)
	}
	return &ExecutionResult{Status: status, Payload: b}, nil
}

func (c *Command) newQuery(req Request, db *domain.Database) (*domain.Query, error) {
	q := &domain.Query{
		ClientID:     req.ClientID,
		UserID:       req.UserID,
		DatabaseID:   db.ID,
		Schema:       req.Schema,
		SQLEditorID:  req.SQLEditorID,
		TabName:      req.TabName,
		SQL:          req.SQL,
		Status:       domain.QueryStatusPending,
		SelectAsCTA:  req.SelectAsCTA,
		CtasMethod:   req.CtasMethod,
		TmpTableName: req.TmpTableName,
		StartTime:    c.now(),
		Extra:        map[string]any{"async": req.RunAsync},
	}
	if !req.SelectAsCTA {
		return q, nil
	}

	if q.TmpTableName == "" {
		q.TmpTableName = fmt.Sprintf("tmp_%d_table_%s", req.UserID, c.now().Format("2006_01_02_15_04_05"))
	}
	switch {
	case db.ForceCTASSchema != "":
		q.TmpSchemaName = db.ForceCTASSchema
	case c.opts.CTASSchemaName != nil:
		schema, err := c.opts.CTASSchemaName(db, req.UserID, req.Schema, req.SQL)
		if err != nil {
			return nil, domain.ErrInternal(q, fmt.Errorf("ctas schema name: %w", err))
		}
		q.TmpSchemaName = schema
	}
	return q, nil
}

// negotiateLimit records the effective limit on the query. CTAS queries
// skip negotiation when configured to run unlimited.
func (c *Command) negotiateLimit(ctx context.Context, st *ExecutionState) error {
	if st.Query.SelectAsCTA && c.opts.CTASNoLimit {
		return nil
	}
	limit := NegotiateLimit(st.RenderedSQL, st.Request.QueryLimit)
	q, err := c.queries.Update(ctx, st.Query.ID, limit.Patch())
	if err != nil {
		return err
	}
	st.Query = q
	return nil
}

// fail makes sure the query records err and returns it as a SQLLabError.
// Timeouts keep whatever status the sync executor left.
func (c *Command) fail(ctx context.Context, st *ExecutionState, err error) *domain.SQLLabError {
	sqlErr := asSQLLabError(st.Query, err)
	if sqlErr.Kind == domain.KindQueryTimeout {
		return sqlErr
	}
	if !st.Query.Status.IsTerminal() {
		st.Query = markFailed(ctx, c.queries, st.Query, sqlErr, c.logger)
	}
	return sqlErr
}
