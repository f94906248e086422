package model

import "time"

// Job represents one analysis request moving through the lifecycle
// draft → pending → running → completed/failed, with cancelled reachable
// from pending and (between stages) from running.
type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	Owner        string     `json:"owner"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Worker       string     `json:"worker,omitempty"`
	Progress     int        `json:"progress"`
	CurrentStage string     `json:"currentStage,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// AttachedFile is one artifact in a job's input manifest. Immutable once
// attached; StorageKey is an opaque handle resolved by the storage client.
type AttachedFile struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	Name       string    `json:"name"`
	StorageKey string    `json:"storageKey"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"createdAt"`
}

// JobEvent is one entry of a job's append-only event log. Seq is strictly
// increasing per job starting at 1; it is the resume cursor for stream
// subscribers and the ordering authority (never wall-clock).
type JobEvent struct {
	JobID     string                 `json:"jobId"`
	Seq       int64                  `json:"seq"`
	Type      EventType              `json:"type"`
	Stage     string                 `json:"stage,omitempty"`
	Status    JobStatus              `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Progress  int                    `json:"progress"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Terminal reports whether the event marks the end of a job's lifecycle.
func (e JobEvent) Terminal() bool {
	return e.Type == EventLifecycleTransition && e.Status.Terminal()
}

// JobSnapshot is the external view of a job returned by the API.
type JobSnapshot struct {
	Job
	Files []AttachedFile `json:"files"`
}
