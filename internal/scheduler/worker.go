package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bckoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"careops/internal/domain"
	"careops/internal/metrics"
)

// Result is what a handler reports for a task that did not error.
type Result struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func Succeeded(detail string, data any) Result {
	return Result{Status: domain.TaskSucceeded, Detail: detail, Data: data}
}

// Skipped reports a task whose precondition no longer holds. It is not a failure.
func Skipped(reason string) Result {
	return Result{Status: domain.TaskSkipped, Detail: reason}
}

// Handler runs one task. Errors wrapped with backoff.Permanent fail the task at once;
// any other error is retried.
type Handler func(ctx context.Context, task domain.Task) (Result, error)

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var perm *bckoff.PermanentError
	return errors.As(err, &perm)
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
}

// Worker polls the queue and runs handlers with bounded concurrency.
type Worker struct {
	ID       string
	queue    Queue
	cfg      WorkerConfig
	handlers map[string]Handler
	log      *zap.Logger
	metrics  *metrics.Metrics

	active atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewWorker(q Queue, cfg WorkerConfig, log *zap.Logger, m *metrics.Metrics) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		ID:       "worker-" + uuid.NewString()[:8],
		queue:    q,
		cfg:      cfg,
		handlers: map[string]Handler{},
		log:      log,
		metrics:  m,
	}
}

// Handle registers h for action. It must be called before Start.
func (w *Worker) Handle(action string, h Handler) {
	w.handlers[action] = h
}

func (w *Worker) Actions() []string {
	out := make([]string, 0, len(w.handlers))
	for a := range w.handlers {
		out = append(out, a)
	}
	return out
}

// Start begins polling until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency + 1)
	w.group = g
	g.Go(func() error {
		w.loop(gctx, g)
		return nil
	})
	w.log.Info("worker started", zap.String("worker_id", w.ID), zap.Int("concurrency", w.cfg.Concurrency))
}

// Stop cancels polling and waits for running handlers to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, g := w.cancel, w.group
	w.cancel, w.group = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
	w.log.Info("worker stopped", zap.String("worker_id", w.ID))
}

func (w *Worker) loop(ctx context.Context, g *errgroup.Group) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.dispatch(ctx, g)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatch claims due tasks while there is spare capacity.
func (w *Worker) dispatch(ctx context.Context, g *errgroup.Group) {
	for ctx.Err() == nil && int(w.active.Load()) < w.cfg.Concurrency {
		task, ok, err := w.queue.Claim(ctx, w.ID, w.cfg.Lease)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("claim task failed", zap.Error(err))
			}
			return
		}
		if !ok {
			return
		}
		w.active.Add(1)
		g.Go(func() error {
			defer w.active.Add(-1)
			w.execute(ctx, task)
			return nil
		})
	}
}

// RunOnce claims and runs a single due task synchronously. ok is false when none was due.
func (w *Worker) RunOnce(ctx context.Context) (domain.Task, bool, error) {
	task, ok, err := w.queue.Claim(ctx, w.ID, w.cfg.Lease)
	if err != nil || !ok {
		return task, ok, err
	}
	w.execute(ctx, task)
	done, err := w.queue.Repo.GetTask(ctx, task.ID)
	return done, true, err
}

// Drain runs due tasks until none remain or limit tasks ran.
func (w *Worker) Drain(ctx context.Context, limit int) (int, error) {
	n := 0
	for limit <= 0 || n < limit {
		_, ok, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
	return n, nil
}

func (w *Worker) execute(ctx context.Context, task domain.Task) {
	log := w.log.With(zap.String("task_id", task.ID), zap.String("action", task.Action), zap.Int("attempt", task.Attempts))
	started := time.Now()
	res, err := w.run(ctx, task)
	// Bookkeeping must land even when the worker is stopping.
	store := context.WithoutCancel(ctx)
	status := domain.TaskSucceeded
	switch {
	case err == nil && res.Status == domain.TaskSkipped:
		status = domain.TaskSkipped
		log.Info("task skipped", zap.String("reason", res.Detail))
		err = w.queue.Skip(store, task, w.ID, res.Detail)
	case err == nil:
		log.Debug("task succeeded", zap.String("detail", res.Detail))
		err = w.queue.Complete(store, task, w.ID, res)
	case IsPermanent(err):
		status = domain.TaskFailed
		log.Warn("task failed permanently", zap.Error(err))
		err = w.queue.Fail(store, task, w.ID, err)
	default:
		final, rerr := w.queue.Retry(store, task, w.ID, err)
		if final {
			status = domain.TaskFailed
			log.Error("task failed after retries", zap.Error(err))
		} else {
			status = domain.TaskQueued
			log.Warn("task will be retried", zap.Error(err))
		}
		err = rerr
	}
	if err != nil {
		log.Error("record task outcome failed", zap.Error(err))
	}
	w.metrics.TaskFinished(task.Action, status, time.Since(started).Seconds())
}

func (w *Worker) run(ctx context.Context, task domain.Task) (res Result, err error) {
	h, ok := w.handlers[task.Action]
	if !ok {
		return Result{}, bckoff.Permanent(fmt.Errorf("no handler for action %q", task.Action))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}
