package task

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	picked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekeeper_tasks_picked_total",
		Help: "Tasks leased per queue.",
	}, []string{"queue"})
	completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekeeper_tasks_completed_total",
		Help: "Tasks finished per queue and terminal status.",
	}, []string{"queue", "status"})
)

func init() {
	prometheus.MustRegister(picked, completed)
}

// Handler executes one task. Returning nil marks the task successful; an
// error triggers the retry policy.
type Handler func(ctx context.Context, t *Task) error

// WorkerPool polls registered queues and dispatches tasks. Background work
// ignores request cancellation: each task runs under its own context.
type WorkerPool struct {
	svc          *Service
	pollInterval time.Duration
	handlers     map[string]Handler
}

// NewWorkerPool creates a pool polling at the given interval.
func NewWorkerPool(svc *Service, pollInterval time.Duration) *WorkerPool {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &WorkerPool{
		svc:          svc,
		pollInterval: pollInterval,
		handlers:     map[string]Handler{},
	}
}

// Register binds a queue to its handler.
func (w *WorkerPool) Register(queueName string, h Handler) {
	w.handlers[queueName] = h
}

// Run polls every registered queue until ctx is cancelled. One goroutine per
// queue; tasks of one queue run sequentially per worker, parallelism across
// entities comes from the dedup uniqueness (one task per entity per queue).
func (w *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for queueName, handler := range w.handlers {
		g.Go(func() error {
			ticker := time.NewTicker(w.pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				w.drain(ctx, queueName, handler)
			}
		})
	}
	return g.Wait()
}

// drain processes tasks until the queue is empty.
func (w *WorkerPool) drain(ctx context.Context, queueName string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.svc.PickNext(ctx, queueName)
		if err != nil {
			w.svc.logger.Errorf("Failed to pick task from %s: %v", queueName, err)
			return
		}
		if t == nil {
			return
		}
		picked.WithLabelValues(queueName).Inc()
		w.runTask(ctx, t, handler)
	}
}

func (w *WorkerPool) runTask(ctx context.Context, t *Task, handler Handler) {
	// Heartbeat while the handler runs so a slow task is not re-leased.
	hbCtx, cancelHb := context.WithCancel(ctx)
	defer cancelHb()
	go func() {
		ticker := time.NewTicker(w.svc.HeartbeatMaxAge / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if ok, err := w.svc.Heartbeat(hbCtx, t.ID); err == nil && !ok {
					cancelHb()
					return
				}
			}
		}
	}()

	err := handler(ctx, t)
	cancelHb()
	if err != nil {
		w.svc.logger.Errorf("Task %s (%s) attempt %d failed: %v", t.ID, t.QueueName, t.Attempt, err)
		if failErr := w.svc.Fail(context.WithoutCancel(ctx), t, err); failErr != nil {
			w.svc.logger.Errorf("Failed to record task failure: %v", failErr)
		}
		if t.Attempt >= t.MaxRetries {
			completed.WithLabelValues(t.QueueName, LogFailed).Inc()
		}
		return
	}
	if err := w.svc.Complete(context.WithoutCancel(ctx), t.ID, LogSuccess, ""); err != nil {
		w.svc.logger.Errorf("Failed to complete task %s: %v", t.ID, err)
		return
	}
	completed.WithLabelValues(t.QueueName, LogSuccess).Inc()
}
