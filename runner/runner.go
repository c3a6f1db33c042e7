// Package runner executes tasks concurrently while keeping tasks that
// share a partition key in the order they were added.
package runner

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrDraining is returned by AddTask once Drain has been called.
var ErrDraining = errors.New("runner is draining")

// Task is one unit of work. Its error is reported to whoever added it.
type Task func(ctx context.Context) error

// Options bound a Runner's resource use.
type Options struct {
	// Concurrency caps the number of tasks running at once across all
	// partitions. 0 means no cap.
	Concurrency int
	// MaxPending caps the number of tasks queued or running. AddTask
	// blocks while the cap is reached. 0 means no cap.
	MaxPending int
}

type item struct {
	ctx  context.Context
	task Task
	done chan error
}

// Runner runs each partition's tasks one at a time, in order, on a
// goroutine that lives while the partition has work.
type Runner struct {
	opts Options
	sem  *semaphore.Weighted

	mu         sync.Mutex
	partitions map[string][]*item
	pending    int
	running    int
	draining   bool
	space      chan struct{} // closed and replaced when a task finishes
	workers    sync.WaitGroup
}

func New(opts Options) *Runner {
	r := &Runner{
		opts:       opts,
		partitions: map[string][]*item{},
		space:      make(chan struct{}),
	}
	if opts.Concurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return r
}

// AddTask queues task behind every earlier task of the same partition.
// The returned channel yields the task's error, or nil, once it has run.
// AddTask blocks while MaxPending tasks are outstanding, until ctx is
// done. ctx is also passed to the task.
func (r *Runner) AddTask(ctx context.Context, partition string, task Task) (<-chan error, error) {
	r.mu.Lock()
	for {
		if r.draining {
			r.mu.Unlock()
			return nil, ErrDraining
		}
		if r.opts.MaxPending <= 0 || r.pending < r.opts.MaxPending {
			break
		}
		space := r.space
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-space:
		}
		r.mu.Lock()
	}
	it := &item{ctx: ctx, task: task, done: make(chan error, 1)}
	queue, active := r.partitions[partition]
	r.partitions[partition] = append(queue, it)
	r.pending++
	if !active {
		r.workers.Add(1)
		go r.work(partition)
	}
	r.mu.Unlock()
	return it.done, nil
}

// work runs a partition's queue until it is empty.
func (r *Runner) work(partition string) {
	defer r.workers.Done()
	for {
		r.mu.Lock()
		queue := r.partitions[partition]
		if len(queue) == 0 {
			delete(r.partitions, partition)
			r.mu.Unlock()
			return
		}
		it := queue[0]
		r.mu.Unlock()

		err := r.run(it)
		if err != nil {
			log.WithFields(log.Fields{
				"partition": partition,
			}).WithError(err).Warn("runner: task failed")
		}
		r.mu.Lock()
		r.partitions[partition] = r.partitions[partition][1:]
		r.pending--
		close(r.space)
		r.space = make(chan struct{})
		r.mu.Unlock()

		it.done <- err
		close(it.done)
	}
}

func (r *Runner) run(it *item) error {
	if r.sem != nil {
		if err := r.sem.Acquire(it.ctx, 1); err != nil {
			return err
		}
		defer r.sem.Release(1)
	}
	r.mu.Lock()
	r.running++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()
	return it.task(it.ctx)
}

// Drain stops accepting tasks and waits until every queued and running
// task has finished, or ctx is done. Running tasks are not cancelled.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	close(r.space)
	r.space = make(chan struct{})
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of tasks queued or running.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Running returns the number of tasks executing right now.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
