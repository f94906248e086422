package e2e

import (
	"net/http"
	"testing"
	"time"
)

const sampleLog = `2026-01-10T12:00:00Z INFO service started
2026-01-10T12:00:01Z INFO listening on 0.0.0.0:8080
2026-01-10T12:00:05Z WARN slow query from 10.1.2.3 took 4s
2026-01-10T12:00:07Z ERROR connection refused to db-primary
2026-01-10T12:00:08Z ERROR out of memory in worker pool
2026-01-10T12:00:09Z INFO contact admin@example.com for help
`

func TestSubmitRunsToCompletion(t *testing.T) {
	ta := setupApp(t)
	ta.startWorker(t)

	resp, err := doMultipart(t, ta.app, "/api/analyses", map[string]string{"app.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)

	body := parseJSON(t, resp)
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatalf("no jobId in response: %v", body)
	}
	if fc := body["fileCount"].(float64); fc != 1 {
		t.Errorf("expected fileCount 1, got %v", fc)
	}

	snapshot := waitForJobStatus(t, ta.app, jobID, "completed", 5*time.Second)
	if progress := snapshot["progress"].(float64); progress != 100 {
		t.Errorf("expected progress 100, got %v", progress)
	}
	if snapshot["error"] != nil {
		t.Errorf("completed job carries an error: %v", snapshot["error"])
	}
}

func TestEventLogShapeAfterCompletion(t *testing.T) {
	ta := setupApp(t)
	ta.startWorker(t)

	resp, err := doMultipart(t, ta.app, "/api/analyses", map[string]string{"app.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	jobID := parseJSON(t, resp)["jobId"].(string)
	waitForJobStatus(t, ta.app, jobID, "completed", 5*time.Second)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/analyses/"+jobID+"/events", "")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	events := body["events"].([]interface{})

	// Lifecycle: pending, running, terminal. Stages: 8 started + 8 completed.
	if len(events) != 19 {
		t.Fatalf("expected 19 events, got %d", len(events))
	}

	started, completed := 0, 0
	lastSeq, lastProgress := 0.0, 0.0
	for i, raw := range events {
		evt := raw.(map[string]interface{})
		seq := evt["seq"].(float64)
		if seq != lastSeq+1 {
			t.Errorf("event %d: seq %v after %v, want contiguous", i, seq, lastSeq)
		}
		lastSeq = seq

		progress := evt["progress"].(float64)
		if progress < lastProgress {
			t.Errorf("event %d: progress went backwards %v -> %v", i, lastProgress, progress)
		}
		lastProgress = progress

		switch evt["type"] {
		case "stage-started":
			started++
		case "stage-completed":
			completed++
		}
	}
	if started != 8 || completed != 8 {
		t.Errorf("expected 8 started and 8 completed stage events, got %d/%d", started, completed)
	}

	last := events[len(events)-1].(map[string]interface{})
	if last["type"] != "lifecycle-transition" || last["status"] != "completed" {
		t.Errorf("unexpected final event: %v", last)
	}
}

func TestEventResumeCursorHasNoGapsOrDuplicates(t *testing.T) {
	ta := setupApp(t)
	ta.startWorker(t)

	resp, err := doMultipart(t, ta.app, "/api/analyses", map[string]string{"app.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	jobID := parseJSON(t, resp)["jobId"].(string)
	waitForJobStatus(t, ta.app, jobID, "completed", 5*time.Second)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/analyses/"+jobID+"/events?from=10", "")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	body := parseJSON(t, resp)
	events := body["events"].([]interface{})
	if len(events) != 9 {
		t.Fatalf("expected 9 events after seq 10, got %d", len(events))
	}
	first := events[0].(map[string]interface{})
	if first["seq"].(float64) != 11 {
		t.Errorf("resume must start at seq 11, got %v", first["seq"])
	}
}

func TestSubmitWithoutFilesStaysDraft(t *testing.T) {
	ta := setupApp(t)
	ta.startWorker(t)

	resp, err := doMultipart(t, ta.app, "/api/analyses", nil, map[string]string{"priority": "3"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)

	body := parseJSON(t, resp)
	if body["status"] != "draft" {
		t.Fatalf("expected draft, got %v", body["status"])
	}
	jobID := body["jobId"].(string)

	// Workers poll every few milliseconds here; a draft must survive them.
	time.Sleep(50 * time.Millisecond)
	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/analyses/"+jobID, "")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	snapshot := parseJSON(t, resp)
	if snapshot["status"] != "draft" {
		t.Fatalf("draft was picked up by a worker: %v", snapshot["status"])
	}

	// Attaching the first file activates the job and processing begins.
	resp, err = doMultipart(t, ta.app, "/api/analyses/"+jobID+"/files", map[string]string{"late.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	waitForJobStatus(t, ta.app, jobID, "completed", 5*time.Second)
}

func TestCancelPendingJob(t *testing.T) {
	// No worker: the job stays pending.
	ta := setupApp(t)

	resp, err := doMultipart(t, ta.app, "/api/analyses", map[string]string{"app.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	body := parseJSON(t, resp)
	if body["status"] != "pending" {
		t.Fatalf("expected pending, got %v", body["status"])
	}
	jobID := body["jobId"].(string)

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/analyses/"+jobID+"/cancel", "")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if got := parseJSON(t, resp)["status"]; got != "cancelled" {
		t.Fatalf("expected cancelled, got %v", got)
	}

	// Cancelling a terminal job is a state conflict.
	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/analyses/"+jobID+"/cancel", "")
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
}

func TestAttachToTerminalJobConflicts(t *testing.T) {
	ta := setupApp(t)
	ta.startWorker(t)

	resp, err := doMultipart(t, ta.app, "/api/analyses", map[string]string{"app.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	jobID := parseJSON(t, resp)["jobId"].(string)
	waitForJobStatus(t, ta.app, jobID, "completed", 5*time.Second)

	resp, err = doMultipart(t, ta.app, "/api/analyses/"+jobID+"/files", map[string]string{"extra.log": sampleLog}, nil)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
}

func TestUnknownJobReturns404(t *testing.T) {
	ta := setupApp(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/analyses/does-not-exist"},
		{http.MethodGet, "/api/analyses/does-not-exist/events"},
		{http.MethodPost, "/api/analyses/does-not-exist/cancel"},
	} {
		resp, err := doAuthRequest(t, ta.app, tc.method, tc.path, "")
		if err != nil {
			t.Fatalf("%s %s failed: %v", tc.method, tc.path, err)
		}
		assertStatus(t, resp, http.StatusNotFound)
	}
}

func TestSubmitValidation(t *testing.T) {
	ta := setupApp(t)

	// Priority out of range.
	resp, err := doMultipart(t, ta.app, "/api/analyses", nil, map[string]string{"priority": "1000"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	// Priority not an integer.
	resp, err = doMultipart(t, ta.app, "/api/analyses", nil, map[string]string{"priority": "high"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestAuthenticationRequired(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/analyses/some-id", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/analyses/some-id", "", map[string]string{
		"Authorization": "Bearer not-a-real-token",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestHealthEndpointIsPublic(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if parseJSON(t, resp)["status"] != "ok" {
		t.Error("health endpoint did not report ok")
	}
}
