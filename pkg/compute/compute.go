// Package compute runs analytics computations over possessed datasets
// and reports results asynchronously. The production backend executes
// circuit binaries inside a deny-by-default WASI sandbox; a local
// backend with a pluggable run function serves tests and development.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"
)

// ErrBackendClosed is returned when dispatching to a closed backend.
var ErrBackendClosed = errors.New("compute: backend closed")

// Task describes one computation: which dataset to read and which
// circuit to run over it.
type Task struct {
	JobID         uint64 `json:"job_id"`
	DatasetHandle string `json:"dataset_handle"`
	CircuitID     string `json:"circuit_id"`
}

// Outcome is what a successful run produces: the result hash and the
// proof binding the result to its circuit.
type Outcome struct {
	ResultHash string        `json:"result_hash"`
	Proof      zkproof.Proof `json:"proof"`
}

// Result carries the outcome of a dispatched task. Exactly one of
// ResultHash or Err is meaningful.
type Result struct {
	JobID      uint64        `json:"job_id"`
	ResultHash string        `json:"result_hash,omitempty"`
	Proof      zkproof.Proof `json:"proof,omitempty"`
	Err        error         `json:"-"`
}

// Backend accepts tasks and delivers results on a channel. Results may
// arrive in any order relative to dispatch. Close drains in-flight
// work and closes the results channel.
type Backend interface {
	Dispatch(ctx context.Context, task Task) error
	Results() <-chan Result
	Close() error
}

// RunFunc executes a single task synchronously. LocalBackend invokes
// it from worker goroutines.
type RunFunc func(ctx context.Context, task Task) (Outcome, error)

// LocalBackend runs tasks on a fixed pool of goroutines.
type LocalBackend struct {
	run     RunFunc
	tasks   chan Task
	results chan Result
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewLocalBackend starts workers goroutines executing run. workers
// below 1 is treated as 1.
func NewLocalBackend(run RunFunc, workers int) *LocalBackend {
	if workers < 1 {
		workers = 1
	}
	b := &LocalBackend{
		run:     run,
		tasks:   make(chan Task, workers),
		results: make(chan Result, workers),
		logger:  slog.Default().With("component", "compute"),
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *LocalBackend) worker() {
	defer b.wg.Done()
	for task := range b.tasks {
		out, err := b.run(context.Background(), task)
		if err != nil {
			b.logger.Warn("task failed", "job_id", task.JobID, "circuit_id", task.CircuitID, "error", err)
			b.results <- Result{JobID: task.JobID, Err: err}
			continue
		}
		b.results <- Result{JobID: task.JobID, ResultHash: out.ResultHash, Proof: out.Proof}
	}
}

// Dispatch queues a task. The lock is held across the send so a
// concurrent Close cannot close the task channel mid-send.
func (b *LocalBackend) Dispatch(ctx context.Context, task Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}

	select {
	case b.tasks <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("compute: dispatch: %w", ctx.Err())
	}
}

func (b *LocalBackend) Results() <-chan Result { return b.results }

// Close stops accepting tasks, waits for in-flight work, then closes
// the results channel. Safe to call once.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.tasks)
	b.wg.Wait()
	close(b.results)
	return nil
}
