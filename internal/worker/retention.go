package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/loglens/api/internal/store"
)

// TaskTypeRetentionSweep is the asynq task type for the periodic
// cleanup of expired terminal jobs.
const TaskTypeRetentionSweep = "retention:sweep"

type retentionPayload struct {
	RetentionHours int `json:"retentionHours"`
}

// NewRetentionTask builds the sweep task enqueued by the periodic scheduler.
func NewRetentionTask(retentionHours int) (*asynq.Task, error) {
	payload, err := json.Marshal(retentionPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retention payload: %w", err)
	}
	return asynq.NewTask(TaskTypeRetentionSweep, payload), nil
}

// RetentionWorker deletes terminal jobs older than the retention window,
// along with their event logs and attached file records.
type RetentionWorker struct {
	store store.Store
}

// NewRetentionWorker creates a new retention worker
func NewRetentionWorker(s store.Store) *RetentionWorker {
	return &RetentionWorker{store: s}
}

// ProcessTask handles a retention sweep
func (w *RetentionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload retentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal retention payload: %w", err)
	}

	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 72
	}

	cutoff := time.Now().Add(-time.Duration(payload.RetentionHours) * time.Hour)
	removed, err := w.store.SweepExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention sweep failed: %w", err)
	}

	if removed > 0 {
		log.Printf("Retention sweep removed %d expired jobs (cutoff %s)", removed, cutoff.Format(time.RFC3339))
	}
	return nil
}
