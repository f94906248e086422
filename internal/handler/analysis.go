package handler

import (
	"errors"
	"mime/multipart"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/loglens/api/internal/middleware"
	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/service"
	"github.com/loglens/api/internal/store"
	"github.com/loglens/api/pkg/response"
)

const maxUploadSize = 50 * 1024 * 1024 // 50MB

// AnalysisHandler serves the job submission, query and cancel endpoints.
type AnalysisHandler struct {
	submit    *service.SubmitService
	analysis  *service.AnalysisService
	validator *validator.Validate
}

func NewAnalysisHandler(submit *service.SubmitService, analysis *service.AnalysisService, v *validator.Validate) *AnalysisHandler {
	return &AnalysisHandler{
		submit:    submit,
		analysis:  analysis,
		validator: v,
	}
}

// Submit handles POST /api/analyses: multipart form with one or more
// "files" parts plus provider/model/priority fields. Zero files is valid
// and leaves the job in draft.
func (h *AnalysisHandler) Submit(c *fiber.Ctx) error {
	opts := model.SubmitOptions{
		Provider: c.FormValue("provider"),
		Model:    c.FormValue("model"),
	}
	if raw := c.FormValue("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return response.ValidationError(c, "priority must be an integer", nil)
		}
		opts.Priority = p
	}
	if err := h.validator.Struct(opts); err != nil {
		return response.ValidationError(c, "Invalid submission fields", err.Error())
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Multipart form required", nil)
	}
	files, err := openFormFiles(form.File["files"])
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	defer closeFormFiles(files)

	snapshot, err := h.submit.Submit(c.Context(), middleware.GetUserID(c), opts, uploads(files))
	if err != nil {
		return mapStoreError(c, err)
	}

	return response.Created(c, model.SubmitResponse{
		JobID:     snapshot.ID,
		Status:    snapshot.Status,
		FileCount: len(snapshot.Files),
		CreatedAt: snapshot.CreatedAt,
	})
}

// Attach handles POST /api/analyses/:jobId/files: adds files to a draft or
// pending job.
func (h *AnalysisHandler) Attach(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Multipart form required", nil)
	}
	files, err := openFormFiles(form.File["files"])
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	if len(files) == 0 {
		return response.ValidationError(c, "At least one file is required", nil)
	}
	defer closeFormFiles(files)

	snapshot, err := h.submit.Attach(c.Context(), jobID, uploads(files))
	if err != nil {
		return mapStoreError(c, err)
	}

	return response.OK(c, model.AttachResponse{
		JobID:     snapshot.ID,
		Status:    snapshot.Status,
		FileCount: len(snapshot.Files),
	})
}

// Get handles GET /api/analyses/:jobId
func (h *AnalysisHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	snapshot, err := h.analysis.Get(c.Context(), jobID)
	if err != nil {
		return mapStoreError(c, err)
	}
	return response.OK(c, snapshot)
}

// Events handles GET /api/analyses/:jobId/events?from=N
func (h *AnalysisHandler) Events(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}
	from, err := strconv.ParseInt(c.Query("from", "0"), 10, 64)
	if err != nil || from < 0 {
		return response.ValidationError(c, "from must be a non-negative integer", nil)
	}

	events, err := h.analysis.Events(c.Context(), jobID, from)
	if err != nil {
		return mapStoreError(c, err)
	}
	return response.OK(c, events)
}

// Cancel handles POST /api/analyses/:jobId/cancel
func (h *AnalysisHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.analysis.Cancel(c.Context(), jobID)
	if err != nil {
		return mapStoreError(c, err)
	}
	return response.OK(c, result)
}

// helpers

type openedFile struct {
	header *multipart.FileHeader
	file   multipart.File
}

func openFormFiles(headers []*multipart.FileHeader) ([]openedFile, error) {
	opened := make([]openedFile, 0, len(headers))
	for _, header := range headers {
		if header.Size > maxUploadSize {
			closeFormFiles(opened)
			return nil, errors.New("file size exceeds 50MB limit")
		}
		f, err := header.Open()
		if err != nil {
			closeFormFiles(opened)
			return nil, errors.New("failed to open uploaded file")
		}
		opened = append(opened, openedFile{header: header, file: f})
	}
	return opened, nil
}

func closeFormFiles(files []openedFile) {
	for _, f := range files {
		_ = f.file.Close()
	}
}

func uploads(files []openedFile) []service.UploadFile {
	out := make([]service.UploadFile, 0, len(files))
	for _, f := range files {
		out = append(out, service.UploadFile{
			Name:   f.header.Filename,
			Reader: f.file,
			Size:   f.header.Size,
		})
	}
	return out
}

func mapStoreError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrUnknownJob):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, store.ErrInvalidState):
		return response.InvalidState(c, "Operation not allowed in the job's current state")
	default:
		return response.ServiceError(c, err.Error())
	}
}
