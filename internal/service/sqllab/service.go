package sqllab

import (
	"log/slog"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

// Deps bundles the collaborators of the pipeline. Results may be nil when
// no result backend is configured; Metrics may be nil.
type Deps struct {
	Queries   domain.QueryRepository
	Databases domain.DatabaseRepository
	Validator domain.AccessValidator
	Results   domain.ResultBackend
	Engine    domain.EngineExecutor
	Tasks     domain.TaskQueue
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service exposes the SQL Lab operations.
type Service struct {
	Command *Command
	Queries *QueryService
	Worker  *Worker
}

// New wires the pipeline from deps and opts.
func New(deps Deps, opts Options) (*Service, error) {
	renderer, err := NewRenderer(deps.Queries, opts.TemplateProcessing, deps.Logger)
	if err != nil {
		return nil, err
	}
	convertor := NewConvertor(opts.DisplayMaxRow, opts.ExpandData)
	runner := NewRunner(deps.Engine, deps.Queries, opts, deps.Logger)

	syncExec := NewSyncExecutor(deps.Queries, deps.Results, runner, convertor, opts, deps.Metrics, deps.Logger)
	asyncExec := NewAsyncExecutor(deps.Queries, deps.Tasks, deps.Metrics, deps.Logger)

	return &Service{
		Command: NewCommand(deps.Queries, deps.Databases, deps.Validator, renderer, syncExec, asyncExec, convertor, opts, deps.Logger),
		Queries: NewQueryService(deps.Queries, deps.Results, deps.Engine, convertor, opts, deps.Logger),
		Worker:  NewWorker(deps.Queries, deps.Databases, deps.Results, runner, convertor, opts, deps.Metrics, deps.Logger),
	}, nil
}
