// Package pipeline runs the fixed analysis stage sequence for one running
// job and drives it to a terminal state.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/loglens/api/internal/client"
	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/store"
)

// EmbeddingProvider is the contract the embed stage consumes.
type EmbeddingProvider interface {
	IsConfigured() bool
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// AnalysisProvider is the contract the analyze stage consumes. The call is
// treated as a single awaited completion regardless of any internal
// streaming.
type AnalysisProvider interface {
	IsConfigured() bool
	Complete(ctx context.Context, model, system, user string) (string, error)
}

// RetryPolicy bounds how a stage's transient failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // base, doubled per attempt
	Timeout     time.Duration // per attempt; expiry is a transient failure
}

// StageResult is what a successful handler reports into the stage-completed
// event.
type StageResult struct {
	Message string
	Detail  map[string]interface{}
}

// Stage is one immutable descriptor of the pipeline. The progress range
// [StartProgress, EndProgress] is this stage's contribution to the overall
// 0–100 scale.
type Stage struct {
	Name          string
	StartProgress int
	EndProgress   int
	Retry         RetryPolicy
	Run           func(ctx context.Context, job *model.Job, st *State) (*StageResult, error)
}

// Config tunes stage behavior.
type Config struct {
	ChunkLines   int
	ChunkOverlap int
	EmbedBatch   int
	MaxAttempts  int
	RetryBackoff time.Duration
	StageTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ChunkLines <= 0 {
		c.ChunkLines = 200
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkLines {
		c.ChunkOverlap = 20
	}
	if c.EmbedBatch <= 0 {
		c.EmbedBatch = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
}

// Executor runs the ordered stages for claimed jobs.
type Executor struct {
	store    store.Store
	storage  client.StorageClient
	embedder EmbeddingProvider
	llm      AnalysisProvider
	cfg      Config
	stages   []Stage

	// sleep is swapped in tests so retry backoff does not wait in real time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(s store.Store, storage client.StorageClient, embedder EmbeddingProvider, llm AnalysisProvider, cfg Config) *Executor {
	cfg.applyDefaults()
	e := &Executor{
		store:    s,
		storage:  storage,
		embedder: embedder,
		llm:      llm,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
	retry := RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.RetryBackoff, Timeout: cfg.StageTimeout}
	// Progress ranges are monotonic and together span 0–100.
	e.stages = []Stage{
		{Name: model.StageClassify, StartProgress: 0, EndProgress: 10, Retry: retry, Run: e.classify},
		{Name: model.StageRedact, StartProgress: 10, EndProgress: 40, Retry: retry, Run: e.redactStage},
		{Name: model.StageChunk, StartProgress: 40, EndProgress: 50, Retry: retry, Run: e.chunk},
		{Name: model.StageEmbed, StartProgress: 50, EndProgress: 60, Retry: retry, Run: e.embed},
		{Name: model.StageStore, StartProgress: 60, EndProgress: 70, Retry: retry, Run: e.storeBundle},
		{Name: model.StageCorrelate, StartProgress: 70, EndProgress: 75, Retry: retry, Run: e.correlate},
		{Name: model.StageAnalyze, StartProgress: 75, EndProgress: 90, Retry: retry, Run: e.analyze},
		{Name: model.StageReport, StartProgress: 90, EndProgress: 100, Retry: retry, Run: e.report},
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stages exposes the descriptors for inspection (order, ranges, policy).
func (e *Executor) Stages() []Stage {
	out := make([]Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// Execute runs the stage sequence for one running job. All stage failures
// are converted into events and a terminal status; the returned error is
// only for store/infrastructure faults the caller should force-fail on.
func (e *Executor) Execute(ctx context.Context, job *model.Job) error {
	st := &State{}

	for _, stage := range e.stages {
		// Cancellation is cooperative: observed only between stages.
		cancelled, err := e.store.CancelRequested(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("cancel check: %w", err)
		}
		if cancelled {
			log.Printf("Job %s cancelled before stage %s", job.ID, stage.Name)
			return e.store.Finalize(ctx, job.ID, model.JobStatusCancelled, "cancelled by request")
		}

		if _, err := e.store.AppendEvent(ctx, job.ID, model.JobEvent{
			Type:     model.EventStageStarted,
			Stage:    stage.Name,
			Progress: stage.StartProgress,
			Message:  fmt.Sprintf("stage %s started", stage.Name),
		}); err != nil {
			return fmt.Errorf("append stage-started: %w", err)
		}

		res, err := e.runWithRetry(ctx, stage, job, st)
		if err != nil {
			log.Printf("Job %s stage %s failed: %v", job.ID, stage.Name, err)
			if _, aerr := e.store.AppendEvent(ctx, job.ID, model.JobEvent{
				Type:     model.EventStageFailed,
				Stage:    stage.Name,
				Progress: stage.StartProgress,
				Message:  err.Error(),
				Detail:   map[string]interface{}{"error": err.Error()},
			}); aerr != nil {
				return fmt.Errorf("append stage-failed: %w", aerr)
			}
			return e.store.Finalize(ctx, job.ID, model.JobStatusFailed, fmt.Sprintf("stage %s: %v", stage.Name, err))
		}

		evt := model.JobEvent{
			Type:     model.EventStageCompleted,
			Stage:    stage.Name,
			Progress: stage.EndProgress,
			Message:  res.Message,
			Detail:   res.Detail,
		}
		if _, err := e.store.AppendEvent(ctx, job.ID, evt); err != nil {
			return fmt.Errorf("append stage-completed: %w", err)
		}
	}

	return e.store.Finalize(ctx, job.ID, model.JobStatusCompleted, "")
}

// runWithRetry retries transient failures per the stage policy. Retries are
// internal: no additional stage-started events are emitted per attempt.
func (e *Executor) runWithRetry(ctx context.Context, stage Stage, job *model.Job, st *State) (*StageResult, error) {
	var lastErr error
	for attempt := 1; attempt <= stage.Retry.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if stage.Retry.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, stage.Retry.Timeout)
		}
		res, err := stage.Run(attemptCtx, job, st)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == stage.Retry.MaxAttempts {
			break
		}
		backoff := stage.Retry.Backoff << (attempt - 1)
		log.Printf("Job %s stage %s attempt %d/%d failed (retrying in %s): %v",
			job.ID, stage.Name, attempt, stage.Retry.MaxAttempts, backoff, err)
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
