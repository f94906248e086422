package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/loglens/api/internal/client"
	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/store"
)

// UploadFile is one incoming artifact. The reader is consumed exactly once
// during validation.
type UploadFile struct {
	Name   string
	Reader io.Reader
	Size   int64
}

// SubmitService is the only path that creates jobs from incoming
// artifacts. The draft→pending transition lives inside the store's
// AttachAndActivate, so a job is never visible to the scheduler without at
// least one attached input.
type SubmitService struct {
	store   store.Store
	storage client.StorageClient
}

func NewSubmitService(s store.Store, storage client.StorageClient) *SubmitService {
	if storage == nil {
		log.Println("Info: object storage not configured, using in-memory storage")
		storage = client.NewMemoryStorage()
	}
	return &SubmitService{store: s, storage: storage}
}

// Submit validates and reads every file before touching the store, then
// creates a draft and attaches the files one by one. With zero files the
// job simply stays in draft, invisible to the scheduler.
func (s *SubmitService) Submit(ctx context.Context, owner string, opts model.SubmitOptions, files []UploadFile) (*model.JobSnapshot, error) {
	contents, err := readAll(files)
	if err != nil {
		return nil, err
	}

	jobID, err := s.store.CreateDraft(ctx, owner, opts.Provider, opts.Model, opts.Priority)
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}

	if err := s.attachAll(ctx, jobID, files, contents); err != nil {
		return nil, err
	}
	return s.snapshot(ctx, jobID)
}

// Attach adds more files to an existing draft or pending job without
// re-triggering activation.
func (s *SubmitService) Attach(ctx context.Context, jobID string, files []UploadFile) (*model.JobSnapshot, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files provided")
	}
	contents, err := readAll(files)
	if err != nil {
		return nil, err
	}
	if err := s.attachAll(ctx, jobID, files, contents); err != nil {
		return nil, err
	}
	return s.snapshot(ctx, jobID)
}

func readAll(files []UploadFile) ([][]byte, error) {
	contents := make([][]byte, len(files))
	for i, f := range files {
		data, err := io.ReadAll(f.Reader)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("file %s is empty", f.Name)
		}
		contents[i] = data
	}
	return contents, nil
}

func (s *SubmitService) attachAll(ctx context.Context, jobID string, files []UploadFile, contents [][]byte) error {
	for i, f := range files {
		data := contents[i]
		sum := sha256.Sum256(data)

		fileID := uuid.New().String()
		key := fmt.Sprintf("jobs/%s/files/%s/%s", jobID, fileID, f.Name)
		ref, err := s.storage.Upload(ctx, key, bytes.NewReader(data), "text/plain")
		if err != nil {
			return fmt.Errorf("upload %s: %w", f.Name, err)
		}

		attached := model.AttachedFile{
			ID:         fileID,
			Name:       f.Name,
			StorageKey: ref,
			Size:       int64(len(data)),
			Checksum:   hex.EncodeToString(sum[:]),
		}
		if err := s.store.AttachAndActivate(ctx, jobID, attached); err != nil {
			// The store refused the attachment; do not leak the orphaned
			// object.
			if derr := s.storage.Delete(ctx, ref); derr != nil {
				log.Printf("Warning: failed to delete orphaned object %s: %v", ref, derr)
			}
			return err
		}
	}
	return nil
}

func (s *SubmitService) snapshot(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
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
