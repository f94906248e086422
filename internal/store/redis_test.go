package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loglens/api/internal/model"
)

// testRedisStore connects to the local Redis on DB 15 (kept separate from
// any dev data) and flushes it. Skips when no Redis is reachable so the
// rest of the suite still runs without one.
func testRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not reachable on localhost:6379: %v", err)
	}
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return NewRedisStore(rdb)
}

func TestRedisAttachActivatesOnce(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	id, err := s.CreateDraft(ctx, "user-1", "groq", "llama-3.3-70b-versatile", 0)
	require.NoError(t, err)

	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f1")))
	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f1"))) // replayed upload
	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f2")))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)

	files, err := s.ListFiles(ctx, id)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].ID)
	assert.Equal(t, "f2", files[1].ID)

	// One activation, one lifecycle event, however many attaches follow.
	events, err := s.EventsSince(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventLifecycleTransition, events[0].Type)
	assert.Equal(t, model.JobStatusPending, events[0].Status)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestRedisClaimIsExclusive(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	id, err := s.CreateDraft(ctx, "user-1", "", "", 0)
	require.NoError(t, err)
	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f1")))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.ClaimNextPending(ctx, "worker")
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if job != nil {
				mu.Lock()
				claimed = append(claimed, job.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, claimed, 1, "exactly one claimer must win")
	assert.Equal(t, id, claimed[0])

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, job.Status)
}

func TestRedisClaimOrderPriorityThenAge(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	lowOld, _ := s.CreateDraft(ctx, "user-1", "", "", 1)
	require.NoError(t, s.AttachAndActivate(ctx, lowOld, testFile("f1")))
	time.Sleep(5 * time.Millisecond) // distinct creation milliseconds
	high, _ := s.CreateDraft(ctx, "user-1", "", "", 8)
	require.NoError(t, s.AttachAndActivate(ctx, high, testFile("f2")))
	time.Sleep(5 * time.Millisecond)
	lowNew, _ := s.CreateDraft(ctx, "user-1", "", "", 1)
	require.NoError(t, s.AttachAndActivate(ctx, lowNew, testFile("f3")))

	var order []string
	for {
		job, err := s.ClaimNextPending(ctx, "worker-1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high, lowOld, lowNew}, order)
}

func TestRedisFinalizeKeepsLastProgressOnFailure(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	id, _ := s.CreateDraft(ctx, "user-1", "", "", 0)
	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f1")))
	_, err := s.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, id, model.JobEvent{Type: model.EventStageCompleted, Stage: model.StageRedact, Progress: 40})
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, id, model.JobStatusFailed, "boom"))

	events, err := s.EventsSince(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	// Sequence numbers are contiguous and the emitted progress never regresses.
	last := 0
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Seq)
		assert.GreaterOrEqual(t, evt.Progress, last)
		last = evt.Progress
	}
	final := events[3]
	assert.Equal(t, model.EventLifecycleTransition, final.Type)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 40, final.Progress, "terminal event carries the last reached progress")

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, 40, job.Progress)
	require.NotNil(t, job.Error)
	assert.Equal(t, "boom", *job.Error)
}

func TestRedisCancelPendingJob(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	id, _ := s.CreateDraft(ctx, "user-1", "", "", 0)
	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f1")))

	status, err := s.RequestCancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, status)

	// The queue entry is gone, nothing left to claim.
	job, err := s.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)

	events, err := s.EventsSince(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.JobStatusCancelled, events[1].Status)

	_, err = s.RequestCancel(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRedisSubscribeReplaysAndTails(t *testing.T) {
	s := testRedisStore(t)
	ctx := context.Background()

	id, _ := s.CreateDraft(ctx, "user-1", "", "", 0)
	require.NoError(t, s.AttachAndActivate(ctx, id, testFile("f1"))) // seq 1
	_, err := s.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err) // seq 2

	ch, err := s.Subscribe(ctx, id, 1)
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, id, model.JobEvent{Type: model.EventStageStarted, Stage: model.StageClassify, Progress: 0}) // seq 3
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, id, model.JobStatusCompleted, "")) // seq 4

	got := collectUntilClosed(t, ch, 3*time.Second)
	require.Len(t, got, 3)
	for i, evt := range got {
		assert.Equal(t, int64(i+2), evt.Seq, "no gaps, no duplicates")
	}
	assert.True(t, got[len(got)-1].Terminal())
}
