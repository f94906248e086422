package model

import "time"

// SubmitResponse is returned by POST /api/analyses.
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	FileCount int       `json:"fileCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// AttachResponse is returned by POST /api/analyses/:jobId/files.
type AttachResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	FileCount int       `json:"fileCount"`
}

// CancelResponse is returned by POST /api/analyses/:jobId/cancel.
type CancelResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// EventsResponse is a backlog page of a job's event log.
type EventsResponse struct {
	JobID  string     `json:"jobId"`
	From   int64      `json:"from"`
	Events []JobEvent `json:"events"`
}

// SubmitOptions carries the validated submission fields.
type SubmitOptions struct {
	Provider string `validate:"omitempty,max=64"`
	Model    string `validate:"omitempty,max=128"`
	Priority int    `validate:"gte=0,lte=100"`
}
