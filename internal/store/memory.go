package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loglens/api/internal/model"
)

// MemoryStore is a mutex-guarded in-process Store. It backs tests and is
// the fallback when Redis is not configured, mirroring the semantics the
// Redis implementation enforces with Lua scripts.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
	seq  int64 // creation order, tie-breaker for equal timestamps
}

type jobRecord struct {
	job     model.Job
	order   int64
	files   []model.AttachedFile
	fileIDs map[string]bool
	events  []model.JobEvent
	cancel  bool
	subs    map[chan struct{}]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*jobRecord),
	}
}

func (s *MemoryStore) CreateDraft(ctx context.Context, owner, provider, mdl string, priority int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id := uuid.New().String()
	s.seq++
	s.jobs[id] = &jobRecord{
		job: model.Job{
			ID:        id,
			Status:    model.JobStatusDraft,
			Priority:  priority,
			Owner:     owner,
			Provider:  provider,
			Model:     mdl,
			CreatedAt: now,
			UpdatedAt: now,
		},
		order:   s.seq,
		fileIDs: make(map[string]bool),
		subs:    make(map[chan struct{}]bool),
	}
	return id, nil
}

func (s *MemoryStore) AttachAndActivate(ctx context.Context, jobID string, file model.AttachedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if rec.job.Status != model.JobStatusDraft && rec.job.Status != model.JobStatusPending {
		return ErrInvalidState
	}

	now := time.Now().UTC()
	if !rec.fileIDs[file.ID] {
		rec.fileIDs[file.ID] = true
		file.JobID = jobID
		if file.CreatedAt.IsZero() {
			file.CreatedAt = now
		}
		rec.files = append(rec.files, file)
		rec.job.UpdatedAt = now
	}

	// Attachment and activation are one unit of work: the job is never
	// observable as pending with an empty manifest.
	if rec.job.Status == model.JobStatusDraft {
		rec.job.Status = model.JobStatusPending
		rec.job.UpdatedAt = now
		s.appendLocked(rec, model.JobEvent{
			Type:    model.EventLifecycleTransition,
			Status:  model.JobStatusPending,
			Message: "input attached, queued for analysis",
		})
	}
	return nil
}

func (s *MemoryStore) ClaimNextPending(ctx context.Context, workerID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *jobRecord
	for _, rec := range s.jobs {
		if rec.job.Status != model.JobStatusPending {
			continue
		}
		if best == nil || claimBefore(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	best.job.Status = model.JobStatusRunning
	best.job.Worker = workerID
	best.job.StartedAt = &now
	best.job.UpdatedAt = now
	s.appendLocked(best, model.JobEvent{
		Type:    model.EventLifecycleTransition,
		Status:  model.JobStatusRunning,
		Message: "claimed by worker",
		Detail:  map[string]interface{}{"worker": workerID},
	})

	job := best.job
	return &job, nil
}

// claimBefore orders pending jobs: higher priority first, then older
// creation, then creation order.
func claimBefore(a, b *jobRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.order < b.order
}

func (s *MemoryStore) Finalize(ctx context.Context, jobID string, outcome model.JobStatus, errMsg string) error {
	if !outcome.Terminal() {
		return ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if rec.job.Status != model.JobStatusRunning {
		return ErrInvalidState
	}

	now := time.Now().UTC()
	rec.job.Status = outcome
	rec.job.CompletedAt = &now
	rec.job.UpdatedAt = now
	if errMsg != "" {
		rec.job.Error = &errMsg
	}

	evt := model.JobEvent{
		Type:    model.EventLifecycleTransition,
		Status:  outcome,
		Message: errMsg,
	}
	if outcome == model.JobStatusCompleted {
		rec.job.Progress = 100
		evt.Progress = 100
		if evt.Message == "" {
			evt.Message = "analysis complete"
		}
	} else {
		evt.Progress = rec.job.Progress
	}
	s.appendLocked(rec, evt)
	return nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return "", ErrUnknownJob
	}

	switch rec.job.Status {
	case model.JobStatusPending:
		now := time.Now().UTC()
		rec.job.Status = model.JobStatusCancelled
		rec.job.CompletedAt = &now
		rec.job.UpdatedAt = now
		s.appendLocked(rec, model.JobEvent{
			Type:    model.EventLifecycleTransition,
			Status:  model.JobStatusCancelled,
			Message: "cancelled before processing",
		})
		return model.JobStatusCancelled, nil
	case model.JobStatusRunning:
		// Cooperative: the pipeline observes the flag at the next stage
		// boundary.
		rec.cancel = true
		rec.job.UpdatedAt = time.Now().UTC()
		return model.JobStatusRunning, nil
	default:
		return rec.job.Status, ErrInvalidState
	}
}

func (s *MemoryStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return false, ErrUnknownJob
	}
	return rec.cancel, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	job := rec.job
	return &job, nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, jobID string) ([]model.AttachedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	files := make([]model.AttachedFile, len(rec.files))
	copy(files, rec.files)
	return files, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, jobID string, evt model.JobEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrUnknownJob
	}
	return s.appendLocked(rec, evt), nil
}

// appendLocked assigns the next sequence number, records the event and
// wakes subscribers. Progress on the job record only moves forward.
func (s *MemoryStore) appendLocked(rec *jobRecord, evt model.JobEvent) int64 {
	evt.JobID = rec.job.ID
	evt.Seq = int64(len(rec.events)) + 1
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	rec.events = append(rec.events, evt)

	if evt.Progress > rec.job.Progress {
		rec.job.Progress = evt.Progress
	}
	if evt.Stage != "" {
		rec.job.CurrentStage = evt.Stage
	}

	for notify := range rec.subs {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	return evt.Seq
}

func (s *MemoryStore) EventsSince(ctx context.Context, jobID string, from int64) ([]model.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	if from < 0 {
		from = 0
	}
	if from >= int64(len(rec.events)) {
		return nil, nil
	}
	events := make([]model.JobEvent, len(rec.events[from:]))
	copy(events, rec.events[from:])
	return events, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, jobID string, from int64) (<-chan model.JobEvent, error) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownJob
	}
	notify := make(chan struct{}, 1)
	rec.subs[notify] = true
	s.mu.Unlock()

	out := make(chan model.JobEvent, 32)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(rec.subs, notify)
			s.mu.Unlock()
		}()
		tailEvents(ctx, out, notify,
			func(ctx context.Context, cursor int64) ([]model.JobEvent, error) {
				return s.EventsSince(ctx, jobID, cursor)
			},
			func(ctx context.Context) (bool, error) {
				job, err := s.GetJob(ctx, jobID)
				if err != nil {
					return false, err
				}
				return job.Status.Terminal(), nil
			},
			from)
	}()
	return out, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.jobs {
		if !rec.job.Status.Terminal() {
			continue
		}
		if rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}
