package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglens/api/internal/client"
	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/store"
)

const sampleLog = `2026-01-10T12:00:00Z INFO service started
2026-01-10T12:00:01Z INFO listening on 0.0.0.0:8080
2026-01-10T12:00:05Z WARN slow query from 10.1.2.3
2026-01-10T12:00:07Z ERROR connection refused to db-primary
2026-01-10T12:00:08Z ERROR out of memory in worker pool
2026-01-10T12:00:09Z FATAL panic: runtime error
`

// seedRunningJob creates a job with one uploaded file and claims it, which
// is the state the scheduler hands to Execute.
func seedRunningJob(t *testing.T, s store.Store, storage client.StorageClient, content string) *model.Job {
	t.Helper()
	ctx := context.Background()

	id, err := s.CreateDraft(ctx, "user-1", "", "", 0)
	require.NoError(t, err)

	key := fmt.Sprintf("jobs/%s/files/f1/app.log", id)
	_, err = storage.Upload(ctx, key, strings.NewReader(content), "text/plain")
	require.NoError(t, err)

	require.NoError(t, s.AttachAndActivate(ctx, id, model.AttachedFile{
		ID:         "f1",
		Name:       "app.log",
		StorageKey: key,
		Size:       int64(len(content)),
	}))

	job, err := s.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func eventsByType(events []model.JobEvent, typ model.EventType) []model.JobEvent {
	var out []model.JobEvent
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestExecuteRunsAllStagesToCompletion(t *testing.T) {
	s := store.NewMemoryStore()
	storage := client.NewMemoryStorage()
	exec := NewExecutor(s, storage, nil, nil, Config{})
	job := seedRunningJob(t, s, storage, sampleLog)
	ctx := context.Background()

	require.NoError(t, exec.Execute(ctx, job))

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)

	events, err := s.EventsSince(ctx, job.ID, 0)
	require.NoError(t, err)

	started := eventsByType(events, model.EventStageStarted)
	completed := eventsByType(events, model.EventStageCompleted)
	require.Len(t, started, 8)
	require.Len(t, completed, 8)
	assert.Empty(t, eventsByType(events, model.EventStageFailed))

	// Stage order matches the fixed sequence.
	wantOrder := []string{
		model.StageClassify, model.StageRedact, model.StageChunk, model.StageEmbed,
		model.StageStore, model.StageCorrelate, model.StageAnalyze, model.StageReport,
	}
	for i, evt := range started {
		assert.Equal(t, wantOrder[i], evt.Stage)
	}

	// Progress never decreases along the log.
	last := 0
	for _, evt := range events {
		assert.GreaterOrEqual(t, evt.Progress, last, "seq %d", evt.Seq)
		last = evt.Progress
	}
	assert.Equal(t, 100, last)

	// The last event is the terminal lifecycle transition.
	assert.True(t, events[len(events)-1].Terminal())

	// The bundle was persisted under the job's key.
	_, err = storage.Download(ctx, fmt.Sprintf("analyses/%s/bundle.json", job.ID))
	assert.NoError(t, err)
}

func TestExecuteStageRangesSpanScale(t *testing.T) {
	exec := NewExecutor(store.NewMemoryStore(), client.NewMemoryStorage(), nil, nil, Config{})
	stages := exec.Stages()
	require.Len(t, stages, 8)
	assert.Equal(t, 0, stages[0].StartProgress)
	assert.Equal(t, 100, stages[len(stages)-1].EndProgress)
	for i := 1; i < len(stages); i++ {
		assert.Equal(t, stages[i-1].EndProgress, stages[i].StartProgress, "stage %s", stages[i].Name)
	}
}

func TestExecuteTransientFailureRetriesInternally(t *testing.T) {
	s := store.NewMemoryStore()
	storage := client.NewMemoryStorage()
	exec := NewExecutor(s, storage, nil, nil, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	job := seedRunningJob(t, s, storage, sampleLog)
	ctx := context.Background()

	var slept []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	attempts := 0
	flaky := Stage{
		Name:          model.StageEmbed,
		StartProgress: 50,
		EndProgress:   60,
		Retry:         RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		Run: func(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
			attempts++
			if attempts < 3 {
				return nil, Transient(errors.New("provider throttled"))
			}
			return &StageResult{Message: "embedded"}, nil
		},
	}
	exec.stages = []Stage{flaky}

	require.NoError(t, exec.Execute(ctx, job))
	assert.Equal(t, 3, attempts)

	// Backoff doubles per failed attempt.
	require.Len(t, slept, 2)
	assert.Equal(t, time.Millisecond, slept[0])
	assert.Equal(t, 2*time.Millisecond, slept[1])

	// Retries stay internal: one started/completed pair, no failure events.
	events, _ := s.EventsSince(ctx, job.ID, 0)
	assert.Len(t, eventsByType(events, model.EventStageStarted), 1)
	assert.Len(t, eventsByType(events, model.EventStageCompleted), 1)
	assert.Empty(t, eventsByType(events, model.EventStageFailed))

	final, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
}

func TestExecuteTransientExhaustionFailsJob(t *testing.T) {
	s := store.NewMemoryStore()
	storage := client.NewMemoryStorage()
	exec := NewExecutor(s, storage, nil, nil, Config{})
	job := seedRunningJob(t, s, storage, sampleLog)
	ctx := context.Background()

	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	attempts := 0
	exec.stages = []Stage{{
		Name:          model.StageAnalyze,
		StartProgress: 75,
		EndProgress:   90,
		Retry:         RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
		Run: func(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
			attempts++
			return nil, &client.StatusError{StatusCode: 503, Body: "upstream down"}
		},
	}}

	require.NoError(t, exec.Execute(ctx, job))
	assert.Equal(t, 2, attempts)

	final, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "stage analyze")

	events, _ := s.EventsSince(ctx, job.ID, 0)
	assert.Len(t, eventsByType(events, model.EventStageFailed), 1)
}

func TestExecutePermanentFailureStopsSequence(t *testing.T) {
	s := store.NewMemoryStore()
	storage := client.NewMemoryStorage()
	exec := NewExecutor(s, storage, nil, nil, Config{})
	// No file uploaded for this one: classify fails permanently.
	ctx := context.Background()
	id, err := s.CreateDraft(ctx, "user-1", "", "", 0)
	require.NoError(t, err)
	require.NoError(t, s.AttachAndActivate(ctx, id, model.AttachedFile{
		ID:         "f1",
		Name:       "empty.log",
		StorageKey: "jobs/missing/key",
	}))
	job, err := s.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)

	attempts := 0
	exec.stages[0].Run = func(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
		attempts++
		return nil, Permanent(errors.New("unsupported input"))
	}

	require.NoError(t, exec.Execute(ctx, job))
	assert.Equal(t, 1, attempts, "permanent failures are not retried")

	final, _ := s.GetJob(ctx, id)
	assert.Equal(t, model.JobStatusFailed, final.Status)

	// Ordering: started, failed, terminal — and no later stage ever starts.
	events, _ := s.EventsSince(ctx, id, 0)
	started := eventsByType(events, model.EventStageStarted)
	require.Len(t, started, 1)
	assert.Equal(t, model.StageClassify, started[0].Stage)
	failed := eventsByType(events, model.EventStageFailed)
	require.Len(t, failed, 1)
	assert.Greater(t, failed[0].Seq, started[0].Seq)
	assert.True(t, events[len(events)-1].Terminal())
	assert.Greater(t, events[len(events)-1].Seq, failed[0].Seq)
}

func TestExecuteHonorsCancelAtStageBoundary(t *testing.T) {
	s := store.NewMemoryStore()
	storage := client.NewMemoryStorage()
	exec := NewExecutor(s, storage, nil, nil, Config{})
	job := seedRunningJob(t, s, storage, sampleLog)
	ctx := context.Background()

	// Cancellation arrives while the first stage is running.
	orig := exec.stages[0].Run
	exec.stages[0].Run = func(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
		if _, err := s.RequestCancel(context.Background(), job.ID); err != nil {
			return nil, err
		}
		return orig(ctx, job, st)
	}

	require.NoError(t, exec.Execute(ctx, job))

	final, _ := s.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusCancelled, final.Status)

	// The in-flight stage finished, nothing after it started.
	events, _ := s.EventsSince(ctx, job.ID, 0)
	started := eventsByType(events, model.EventStageStarted)
	require.Len(t, started, 1)
	assert.Equal(t, model.StageClassify, started[0].Stage)
	assert.Len(t, eventsByType(events, model.EventStageCompleted), 1)
	assert.True(t, events[len(events)-1].Terminal())
}

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"explicit transient", Transient(errors.New("x")), true},
		{"explicit permanent", Permanent(errors.New("x")), false},
		{"wrapped transient", fmt.Errorf("stage: %w", Transient(errors.New("x"))), true},
		{"status 429", &client.StatusError{StatusCode: 429}, true},
		{"status 503", &client.StatusError{StatusCode: 503}, true},
		{"status 400", &client.StatusError{StatusCode: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("x"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}
