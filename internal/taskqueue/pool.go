package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"sqllab/internal/domain"
	"sqllab/internal/metrics"
)

var _ domain.TaskQueue = (*Pool)(nil)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("task pool closed")

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Size int
	// Backlog is how many submitted tasks may wait for a free worker.
	// Submit fails with ants.ErrPoolOverload once it is full. Zero means
	// four times Size.
	Backlog int
	// RatePerSecond caps submissions; zero or negative disables the limit.
	RatePerSecond float64
	Burst         int
	// TimeLimit bounds one task run; zero means no limit.
	TimeLimit time.Duration
}

// overloadRetry is how often dispatchRaw retries a full backlog.
const overloadRetry = 50 * time.Millisecond

type queuedTask struct {
	env  envelope
	done chan error
}

// Pool runs tasks on a bounded ants goroutine pool inside this process.
// Submit never waits for a worker: tasks wait in the backlog instead.
type Pool struct {
	pool     *ants.Pool
	limiter  *rate.Limiter
	registry *Registry
	cfg      PoolConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	backlog    chan queuedTask
	dispatched chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]chan error
	closed  bool
}

// NewPool creates a Pool dispatching to registry. m may be nil.
func NewPool(cfg PoolConfig, registry *Registry, m *metrics.Metrics, logger *slog.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 8
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 4 * cfg.Size
	}
	logger = logger.With("component", "task_pool")
	p, err := ants.NewPool(cfg.Size, ants.WithPanicHandler(func(v any) {
		logger.Error("task panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Size
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		pool:       p,
		limiter:    rate.NewLimiter(limit, burst),
		registry:   registry,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		backlog:    make(chan queuedTask, cfg.Backlog),
		dispatched: make(chan struct{}),
		baseCtx:    ctx,
		cancel:     cancel,
		pending:    make(map[string]chan error),
	}
	go pool.dispatch()
	return pool, nil
}

// Submit queues taskName with JSON-encoded params. It returns as soon as
// the task is in the backlog, or fails with ants.ErrPoolOverload when the
// backlog is full.
func (p *Pool) Submit(ctx context.Context, taskName string, params any) (domain.TaskHandle, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("task rate limit: %w", err)
	}
	return p.enqueue(envelope{ID: domain.NewID(), Task: taskName, Params: raw, EnqueuedAt: time.Now().UnixMilli()})
}

func (p *Pool) enqueue(env envelope) (*PoolHandle, error) {
	done := make(chan error, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	select {
	case p.backlog <- queuedTask{env: env, done: done}:
	default:
		p.wg.Done()
		return nil, fmt.Errorf("submit task %q: %w", env.Task, ants.ErrPoolOverload)
	}
	p.pending[env.ID] = done
	return &PoolHandle{id: env.ID, done: done, pool: p}, nil
}

// dispatch moves backlog tasks onto ants workers, waiting for a free one.
func (p *Pool) dispatch() {
	defer close(p.dispatched)
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case t := <-p.backlog:
			if p.baseCtx.Err() != nil {
				t.done <- ErrPoolClosed
				p.wg.Done()
				continue
			}
			err := p.pool.Submit(func() {
				defer p.wg.Done()
				t.done <- p.run(t.env)
			})
			if err != nil {
				p.wg.Done()
				t.done <- fmt.Errorf("submit task %q: %w", t.env.Task, err)
			}
		}
	}
}

// drain fails every task still in the backlog. Only called once dispatch
// has returned.
func (p *Pool) drain() {
	for {
		select {
		case t := <-p.backlog:
			t.done <- ErrPoolClosed
			p.wg.Done()
		default:
			return
		}
	}
}

func (p *Pool) run(env envelope) (err error) {
	ctx := p.baseCtx
	if p.cfg.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TimeLimit)
		defer cancel()
	}
	if p.metrics != nil {
		p.metrics.TasksInQueue.Inc()
		defer p.metrics.TasksInQueue.Dec()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", env.Task, r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			p.logger.Error("task failed", "task", env.Task, "task_id", env.ID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.TasksTotal.WithLabelValues(env.Task, outcome).Inc()
		}
	}()
	return p.registry.Dispatch(ctx, env.Task, env.Params)
}

func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Outstanding returns the number of tasks whose outcome is still held,
// that is submitted and not yet forgotten.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Running returns the number of tasks executing now.
func (p *Pool) Running() int { return p.pool.Running() }

// Close stops accepting tasks and waits up to timeout for queued and
// running ones. After the timeout running tasks see their context
// cancelled and tasks still queued fail with ErrPoolClosed.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		p.cancel()
		<-p.dispatched
		p.drain()
		<-waited
	}
	p.cancel()
	<-p.dispatched
	return p.pool.ReleaseTimeout(timeout)
}

// PoolHandle refers to a task submitted to a Pool.
type PoolHandle struct {
	id   string
	done chan error
	pool *Pool
}

// ID returns the task id.
func (h *PoolHandle) ID() string { return h.id }

// Wait blocks until the task finishes and returns its error.
func (h *PoolHandle) Wait(ctx context.Context) error {
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops the pool's bookkeeping for the task. The task keeps running.
func (h *PoolHandle) Forget() error {
	h.pool.forget(h.id)
	return nil
}

// dispatchRaw queues an already-encoded envelope for the Redis consumer.
// Unlike Submit it waits for backlog space until ctx is done.
func (p *Pool) dispatchRaw(ctx context.Context, env envelope) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	for {
		h, err := p.enqueue(env)
		if err == nil {
			return h.Forget()
		}
		if !errors.Is(err, ants.ErrPoolOverload) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(overloadRetry):
		}
	}
}
