// Package store is the single source of truth for jobs, their input
// manifests and their append-only event logs. All lifecycle transitions go
// through the named operations below; no component mutates job fields
// directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loglens/api/internal/model"
)

var (
	// ErrUnknownJob is returned when the referenced job does not exist.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInvalidState is returned when an operation is attempted against a
	// job whose current status does not allow it.
	ErrInvalidState = errors.New("invalid job state")
)

// Store owns job records, attached files and the per-job event log.
//
// Transition semantics:
//
//	CreateDraft       → draft, empty manifest
//	AttachAndActivate → appends a file and, atomically, draft→pending
//	ClaimNextPending  → pending→running for exactly one caller
//	Finalize          → running→completed/failed/cancelled
//	RequestCancel     → pending→cancelled immediately; running: sets a flag
//	                    honored by the pipeline at the next stage boundary
//
// Every transition appends a lifecycle-transition event to the job's log in
// the same unit of work, so the log and the status can never disagree.
type Store interface {
	CreateDraft(ctx context.Context, owner, provider, model string, priority int) (string, error)
	AttachAndActivate(ctx context.Context, jobID string, file model.AttachedFile) error

	// ClaimNextPending atomically selects the highest-priority, oldest
	// pending job, marks it running for workerID and returns it. Returns
	// (nil, nil) when no job is eligible. Two concurrent callers never
	// receive the same job.
	ClaimNextPending(ctx context.Context, workerID string) (*model.Job, error)

	Finalize(ctx context.Context, jobID string, outcome model.JobStatus, errMsg string) error

	// RequestCancel returns the job's status after the call: cancelled if
	// the job was pending, running if the flag was recorded for the
	// pipeline to observe.
	RequestCancel(ctx context.Context, jobID string) (model.JobStatus, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListFiles(ctx context.Context, jobID string) ([]model.AttachedFile, error)

	// AppendEvent durably appends evt to the job's log and returns its
	// sequence number. The event is visible to EventsSince and subscribers
	// only after it is durable.
	AppendEvent(ctx context.Context, jobID string, evt model.JobEvent) (int64, error)

	// EventsSince returns all events with Seq > from, in order.
	EventsSince(ctx context.Context, jobID string, from int64) ([]model.JobEvent, error)

	// Subscribe delivers the backlog after from, then live events, on the
	// returned channel. The channel closes once a terminal
	// lifecycle-transition has been delivered, or when ctx is done. A slow
	// receiver only stalls its own subscription, never AppendEvent.
	Subscribe(ctx context.Context, jobID string, from int64) (<-chan model.JobEvent, error)

	// SweepExpired deletes terminal jobs (with files metadata and event
	// logs) that reached their final state before cutoff. Returns the
	// number of jobs removed.
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)
}
