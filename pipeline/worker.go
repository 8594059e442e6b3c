package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job and returns its result payload.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Worker polls the queue and dispatches jobs to registered handlers.
type Worker struct {
	queue        *Queue
	log          *slog.Logger
	handlers     map[string]Handler
	concurrency  map[string]int
	pollInterval time.Duration
}

// NewWorker builds a Worker over the queue.
func NewWorker(q *Queue, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:        q,
		log:          log,
		handlers:     make(map[string]Handler),
		concurrency:  make(map[string]int),
		pollInterval: time.Second,
	}
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
	w.log.Info("job handler registered", "type", jobType)
}

// SetConcurrency caps parallel jobs for a type. Default is 1 (sequential).
func (w *Worker) SetConcurrency(jobType string, n int) {
	if n < 1 {
		n = 1
	}
	w.concurrency[jobType] = n
}

func (w *Worker) getConcurrency(jobType string) int {
	if n, ok := w.concurrency[jobType]; ok {
		return n
	}
	return 1
}

// Run is the worker loop. It returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	retryTicker := time.NewTicker(30 * time.Second)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return ctx.Err()

		case <-retryTicker.C:
			retried, err := w.queue.RetryFailed(ctx)
			if err != nil {
				w.log.Error("retry sweep failed", "error", err)
			} else if retried > 0 {
				w.log.Info("requeued failed jobs", "count", retried)
			}

		case <-ticker.C:
			for jobType := range w.handlers {
				if err := w.drain(ctx, jobType); err != nil {
					w.log.Error("job batch failed", "type", jobType, "error", err)
				}
			}
		}
	}
}

// drain claims and processes one batch for jobType, bounded by the type's
// concurrency.
func (w *Worker) drain(ctx context.Context, jobType string) error {
	limit := w.getConcurrency(jobType)
	jobs, err := w.queue.PollBatch(ctx, jobType, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	handler, ok := w.handlers[jobType]
	if !ok {
		return fmt.Errorf("no handler for job type %s", jobType)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, handler, j)
		}(job)
	}
	wg.Wait()
	return nil
}

func (w *Worker) process(ctx context.Context, handler Handler, j *Job) {
	w.log.Info("processing job", "id", j.ID, "type", j.Type, "attempt", j.Attempts+1)
	result, err := handler(ctx, j.Payload)
	if err != nil {
		w.log.Error("job failed", "id", j.ID, "type", j.Type, "error", err)
		if failErr := w.queue.Fail(ctx, j.ID, err.Error()); failErr != nil {
			w.log.Error("could not mark job failed", "id", j.ID, "error", failErr)
		}
		return
	}
	if err := w.queue.Complete(ctx, j.ID, result); err != nil {
		w.log.Error("could not complete job", "id", j.ID, "error", err)
		return
	}
	w.log.Info("job completed", "id", j.ID, "type", j.Type)
}
