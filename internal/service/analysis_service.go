package service

import (
	"context"

	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/store"
)

// AnalysisService serves job snapshots, event backlogs and cancellation.
type AnalysisService struct {
	store store.Store
}

func NewAnalysisService(s store.Store) *AnalysisService {
	return &AnalysisService{store: s}
}

// Get returns the job snapshot (status, progress, manifest).
func (s *AnalysisService) Get(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.JobSnapshot{Job: *job, Files: files}, nil
}

// Cancel requests cancellation: immediate for pending jobs, honored at the
// next stage boundary for running ones.
func (s *AnalysisService) Cancel(ctx context.Context, jobID string) (*model.CancelResponse, error) {
	status, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.CancelResponse{JobID: jobID, Status: status}, nil
}

// Events returns the backlog of the job's event log with Seq > from.
func (s *AnalysisService) Events(ctx context.Context, jobID string, from int64) (*model.EventsResponse, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	events, err := s.store.EventsSince(ctx, jobID, from)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.JobEvent{}
	}
	return &model.EventsResponse{JobID: jobID, From: from, Events: events}, nil
}
