package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/loglens/api/internal/auth"
	"github.com/loglens/api/internal/client"
	"github.com/loglens/api/internal/handler"
	"github.com/loglens/api/internal/middleware"
	"github.com/loglens/api/internal/pipeline"
	"github.com/loglens/api/internal/scheduler"
	"github.com/loglens/api/internal/service"
	"github.com/loglens/api/internal/store"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds the components needed for testing
type testApp struct {
	app   *fiber.App
	store store.Store
	sched *scheduler.Scheduler
}

// startWorker runs a scheduler worker for the lifetime of the test so
// submitted jobs actually get processed. Tests that assert on the pending
// state simply never call it.
func (ta *testApp) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ta.sched.Run(ctx)
}

// setupApp creates a Fiber app wired like main.go but entirely in-process:
// in-memory store and object storage, unconfigured model providers (local
// fallbacks), legacy HMAC auth and no rate limiting backend.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	jobStore := store.NewMemoryStore()
	storage := client.NewMemoryStorage()

	validate := validator.New()

	executor := pipeline.NewExecutor(jobStore, storage, nil, nil, pipeline.Config{
		RetryBackoff: time.Millisecond,
	})
	sched := scheduler.New(jobStore, executor, 5*time.Millisecond, 1, scheduler.RealClock())

	// Services
	submitService := service.NewSubmitService(jobStore, storage)
	analysisService := service.NewAnalysisService(jobStore)

	// Handlers
	analysisHandler := handler.NewAnalysisHandler(submitService, analysisService, validate)

	// Auth middleware — legacy HMAC only; rate limiting disabled (nil Redis)
	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(nil)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "store": "memory"})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	analyses := api.Group("/analyses")
	analyses.Post("/", rateLimiter.SubmitLimit(10000), analysisHandler.Submit)
	analyses.Post("/:jobId/files", rateLimiter.SubmitLimit(10000), analysisHandler.Attach)
	analyses.Get("/:jobId", rateLimiter.QueryLimit(10000), analysisHandler.Get)
	analyses.Get("/:jobId/events", rateLimiter.QueryLimit(10000), analysisHandler.Events)
	analyses.Post("/:jobId/cancel", rateLimiter.QueryLimit(10000), analysisHandler.Cancel)

	return &testApp{app: app, store: jobStore, sched: sched}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "loglens-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// multipartBody builds a multipart form with the given named log files plus
// optional form fields.
func multipartBody(t *testing.T, files map[string]string, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("failed to write form field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// doMultipart performs an authenticated multipart POST.
func doMultipart(t *testing.T, app *fiber.App, path string, files map[string]string, fields map[string]string) (*http.Response, error) {
	t.Helper()
	body, contentType := multipartBody(t, files, fields)
	req, err := http.NewRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+generateToken(t))
	return app.Test(req, -1)
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForJobStatus polls GET /api/analyses/:jobId until the job reaches
// the wanted status or the deadline passes.
func waitForJobStatus(t *testing.T, app *fiber.App, jobID, want string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/api/analyses/"+jobID, "")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s, last snapshot: %v", jobID, want, last)
	return nil
}
