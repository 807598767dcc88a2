// ============================================================================
// genflow Worker - 探測執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: each Worker runs in its own goroutine and executes status probes
//
// How it works:
//   1. Receive a task from taskCh (or exit when the pool stops)
//   2. Run the probe under a per-task timeout derived from the pool context
//   3. Send the result to resultCh; the send only gives up when the pool stops,
//      so a probe result is never silently dropped
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Worker represents a probe execution unit
type Worker struct {
	id       int
	prober   Prober
	taskCh   <-chan Task
	resultCh chan<- Result
	logger   zerolog.Logger
}

func newWorker(id int, prober Prober, taskCh <-chan Task, resultCh chan<- Result, logger zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		prober:   prober,
		taskCh:   taskCh,
		resultCh: resultCh,
		logger:   logger.With().Int("worker", id).Logger(),
	}
}

// Run is the main loop. ctx is the pool context; it is cancelled by Stop.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.taskCh:
			result := w.execute(ctx, task)
			select {
			case w.resultCh <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) execute(parent context.Context, task Task) (res Result) {
	start := time.Now()
	res.Task = task

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("key", task.Key).Msg("probe panicked")
			res.Reports = nil
			res.Err = fmt.Errorf("probe panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	res.Reports, res.Err = w.prober.Probe(ctx, task)
	return res
}
