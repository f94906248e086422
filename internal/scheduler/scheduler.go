// Package scheduler converts pending jobs into pipeline executions: each
// worker polls the store for an exclusive claim and runs the pipeline
// synchronously, one job at a time per worker.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/store"
)

// JobExecutor runs one claimed job to a terminal state.
type JobExecutor interface {
	Execute(ctx context.Context, job *model.Job) error
}

// Scheduler owns the worker polling loops. Exclusivity comes entirely from
// the store's atomic claim; workers share no other state.
type Scheduler struct {
	store    store.Store
	executor JobExecutor
	interval time.Duration
	workers  int
	clock    Clock
}

func New(s store.Store, executor JobExecutor, interval time.Duration, workers int, clock Clock) *Scheduler {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if workers <= 0 {
		workers = 1
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{
		store:    s,
		executor: executor,
		interval: interval,
		workers:  workers,
		clock:    clock,
	}
}

// Run blocks until ctx is done and all workers have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			s.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := s.store.ClaimNextPending(ctx, workerID)
		if err != nil {
			log.Printf("%s: claim failed: %v", workerID, err)
		} else if job != nil {
			s.process(ctx, workerID, job)
			// Immediately look for more work after finishing a job.
			continue
		}

		select {
		case <-s.clock.After(s.interval):
		case <-ctx.Done():
			return
		}
	}
}

// process shields the polling loop: whatever the executor does, the worker
// keeps servicing other jobs afterwards.
func (s *Scheduler) process(ctx context.Context, workerID string, job *model.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s: panic processing job %s: %v", workerID, job.ID, r)
			s.forceFail(ctx, job.ID)
		}
	}()

	log.Printf("%s: processing job %s", workerID, job.ID)
	if err := s.executor.Execute(ctx, job); err != nil {
		log.Printf("%s: job %s execution fault: %v", workerID, job.ID, err)
		s.forceFail(ctx, job.ID)
	}
}

// forceFail drives a job that escaped the executor's own error handling to
// failed. ErrInvalidState means the executor already finalized it.
func (s *Scheduler) forceFail(ctx context.Context, jobID string) {
	err := s.store.Finalize(ctx, jobID, model.JobStatusFailed, "internal error")
	if err != nil && err != store.ErrInvalidState {
		log.Printf("force-fail job %s: %v", jobID, err)
	}
}
