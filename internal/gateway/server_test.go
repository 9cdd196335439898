package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"submission-pipeline/internal/config"
	"submission-pipeline/internal/models"
	"submission-pipeline/internal/pipeline"
	"submission-pipeline/internal/ratelimit"
	"submission-pipeline/internal/store/memory"
)

const (
	testWorkerKey    = "worker-key-1"
	testIntakeSecret = "intake-secret"
)

func testServer(t *testing.T, limiter *ratelimit.WorkerLimiter) (*httptest.Server, *memory.Store) {
	t.Helper()
	cfg := config.Config{
		MaxAttempts:       3,
		ClaimBatchSize:    5,
		StaleClaimTimeout: 15 * time.Minute,
		SweepBatchSize:    100,
		NoWorkRetryAfter:  30 * time.Second,
		WorkerKeyHashes:   []string{HashKey(testWorkerKey)},
		IntakeSecret:      testIntakeSecret,
		TierQuotas: map[string]int{
			models.TierStarter:      50,
			models.TierGrowth:       100,
			models.TierProfessional: 300,
			models.TierEnterprise:   500,
		},
	}
	st := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := pipeline.New(cfg, st, st, nil, log)
	srv := httptest.NewServer(New(cfg, manager, limiter, log).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func seedCatalog(st *memory.Store, n int) {
	for i := 0; i < n; i++ {
		st.SeedDirectories(models.Directory{
			ID:              fmt.Sprintf("dir-%03d", i),
			Name:            fmt.Sprintf("Directory %d", i),
			URL:             "https://example.com",
			SubmissionURL:   "https://example.com/submit",
			Category:        "general-directory",
			DomainAuthority: 80 - i,
			Difficulty:      models.DifficultyEasy,
			TierRequired:    1,
			Active:          true,
		})
	}
}

func workerRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	req := newRequest(t, method, url, body)
	req.Header.Set("X-Worker-ID", "w1")
	req.Header.Set("Authorization", "Bearer "+testWorkerKey)
	return req
}

func newRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func doJSON(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func intakeJob(t *testing.T, srv *httptest.Server, eventID string) string {
	t.Helper()
	req := newRequest(t, http.MethodPost, srv.URL+"/v1/intake/payment-confirmed", map[string]any{
		"customer_id":      "C1",
		"package_tier":     "starter",
		"business_data":    map[string]any{"name": "Acme Plumbing"},
		"payment_event_id": eventID,
	})
	req.Header.Set("X-Internal-Secret", testIntakeSecret)

	var resp struct {
		Job       models.Job `json:"job"`
		Duplicate bool       `json:"duplicate"`
	}
	if code := doJSON(t, req, &resp); code != http.StatusCreated {
		t.Fatalf("intake returned %d", code)
	}
	return resp.Job.ID
}

func TestAuthRejectedBeforeAnyMutation(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 3)
	jobID := intakeJob(t, srv, "evt_auth")

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"missing credentials", newRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil)},
		{"bad key", func() *http.Request {
			r := newRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil)
			r.Header.Set("X-Worker-ID", "w1")
			r.Header.Set("Authorization", "Bearer wrong-key")
			return r
		}()},
		{"missing worker id", func() *http.Request {
			r := newRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil)
			r.Header.Set("Authorization", "Bearer "+testWorkerKey)
			return r
		}()},
	}
	for _, tc := range cases {
		if code := doJSON(t, tc.req, nil); code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, code)
		}
	}

	// No claim happened: every task is still pending.
	tasks, err := st.ListTasks(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != models.TaskPending {
			t.Fatalf("task %s mutated by unauthenticated request", task.ID)
		}
	}
}

func TestIntakeRequiresInternalSecret(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 3)

	req := newRequest(t, http.MethodPost, srv.URL+"/v1/intake/payment-confirmed", map[string]any{
		"customer_id": "C1", "package_tier": "starter", "payment_event_id": "evt_x",
	})
	if code := doJSON(t, req, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", code)
	}
}

func TestNextJobNoWork(t *testing.T) {
	srv, _ := testServer(t, nil)

	var resp struct {
		NoWork       bool  `json:"no_work"`
		RetryAfterMS int64 `json:"retry_after_ms"`
	}
	code := doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), &resp)
	if code != http.StatusOK {
		t.Fatalf("no-work must be 200, got %d", code)
	}
	if !resp.NoWork {
		t.Fatalf("expected no_work=true")
	}
	if resp.RetryAfterMS != 30_000 {
		t.Fatalf("expected retry_after_ms 30000, got %d", resp.RetryAfterMS)
	}
}

func TestNextJobReturnsClaimedBatch(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 3)
	jobID := intakeJob(t, srv, "evt_claim")

	var resp struct {
		JobID        string         `json:"job_id"`
		BusinessData map[string]any `json:"business_data"`
		Tasks        []struct {
			TaskID        string `json:"task_id"`
			DirectoryID   string `json:"directory_id"`
			SubmissionURL string `json:"submission_url"`
		} `json:"tasks"`
	}
	code := doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.JobID != jobID {
		t.Fatalf("expected job %s, got %s", jobID, resp.JobID)
	}
	if len(resp.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(resp.Tasks))
	}
	if resp.BusinessData["name"] != "Acme Plumbing" {
		t.Fatalf("business data snapshot missing: %v", resp.BusinessData)
	}
	for _, task := range resp.Tasks {
		if task.SubmissionURL == "" {
			t.Fatalf("task %s missing submission url", task.TaskID)
		}
	}
}

func TestUpdateProgressPartialBatch(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 2)
	jobID := intakeJob(t, srv, "evt_progress")

	var claim struct {
		JobID string `json:"job_id"`
		Tasks []struct {
			TaskID string `json:"task_id"`
		} `json:"tasks"`
	}
	doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), &claim)
	if len(claim.Tasks) != 2 {
		t.Fatalf("expected 2 claimed tasks, got %d", len(claim.Tasks))
	}

	body := map[string]any{
		"job_id": jobID,
		"results": []map[string]any{
			{"task_id": claim.Tasks[0].TaskID, "outcome": "submitted", "result_payload": map[string]any{"confirmation_id": "CONF-1"}},
			{"task_id": "not-a-task", "outcome": "submitted"},
			{"task_id": claim.Tasks[1].TaskID, "outcome": "failed", "error": "form changed"},
		},
	}
	var resp struct {
		Results []struct {
			TaskID   string `json:"task_id"`
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason"`
		} `json:"results"`
	}
	code := doJSON(t, workerRequest(t, http.MethodPost, srv.URL+"/v1/update-progress", body), &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 per-item results, got %d", len(resp.Results))
	}
	if !resp.Results[0].Accepted {
		t.Fatalf("first item should be accepted, got reason %q", resp.Results[0].Reason)
	}
	if resp.Results[1].Accepted || resp.Results[1].Reason != "task_not_found" {
		t.Fatalf("second item should be rejected task_not_found, got %+v", resp.Results[1])
	}
	if !resp.Results[2].Accepted {
		t.Fatalf("third item must not be aborted by its bad sibling, got reason %q", resp.Results[2].Reason)
	}
}

func TestUpdateProgressStaleWorkerRejected(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 1)
	jobID := intakeJob(t, srv, "evt_stale")

	var claim struct {
		Tasks []struct {
			TaskID string `json:"task_id"`
		} `json:"tasks"`
	}
	doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), &claim)

	// A different worker reports on w1's claim.
	req := workerRequest(t, http.MethodPost, srv.URL+"/v1/update-progress", map[string]any{
		"job_id": jobID,
		"results": []map[string]any{
			{"task_id": claim.Tasks[0].TaskID, "outcome": "submitted"},
		},
	})
	req.Header.Set("X-Worker-ID", "w2")

	var resp struct {
		Results []struct {
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason"`
		} `json:"results"`
	}
	doJSON(t, req, &resp)
	if resp.Results[0].Accepted || resp.Results[0].Reason != "not_claimant" {
		t.Fatalf("expected not_claimant rejection, got %+v", resp.Results[0])
	}

	tasks, _ := st.ListTasks(context.Background(), jobID)
	if tasks[0].Status != models.TaskClaimed {
		t.Fatalf("task state must be unchanged, got %s", tasks[0].Status)
	}
}

func TestCompleteJobReturnsDerivedStatus(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 2)
	jobID := intakeJob(t, srv, "evt_complete")

	var claim struct {
		Tasks []struct {
			TaskID string `json:"task_id"`
		} `json:"tasks"`
	}
	doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), &claim)

	// Only one of two tasks submitted; the worker still claims "done".
	doJSON(t, workerRequest(t, http.MethodPost, srv.URL+"/v1/update-progress", map[string]any{
		"job_id": jobID,
		"results": []map[string]any{
			{"task_id": claim.Tasks[0].TaskID, "outcome": "submitted"},
		},
	}), nil)

	var resp struct {
		Status               string `json:"status"`
		DirectoriesCompleted int    `json:"directories_completed"`
	}
	code := doJSON(t, workerRequest(t, http.MethodPost, srv.URL+"/v1/complete-job", map[string]any{
		"job_id": jobID, "summary": "all 2 submitted",
	}), &resp)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Status != models.JobInProgress {
		t.Fatalf("derived status must override the worker's summary, got %s", resp.Status)
	}
	if resp.DirectoriesCompleted != 1 {
		t.Fatalf("expected 1 completed, got %d", resp.DirectoriesCompleted)
	}
}

func TestIntakeIdempotentOnPaymentEvent(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 3)
	jobID := intakeJob(t, srv, "evt_dup")

	req := newRequest(t, http.MethodPost, srv.URL+"/v1/intake/payment-confirmed", map[string]any{
		"customer_id": "C1", "package_tier": "starter", "payment_event_id": "evt_dup",
	})
	req.Header.Set("X-Internal-Secret", testIntakeSecret)

	var resp struct {
		Job       models.Job `json:"job"`
		Duplicate bool       `json:"duplicate"`
	}
	code := doJSON(t, req, &resp)
	if code != http.StatusOK {
		t.Fatalf("duplicate intake should be 200, got %d", code)
	}
	if !resp.Duplicate || resp.Job.ID != jobID {
		t.Fatalf("duplicate intake must return the original job: %+v", resp)
	}
}

func TestCancelThenLateReportRejected(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 1)
	jobID := intakeJob(t, srv, "evt_cancel")

	var claim struct {
		Tasks []struct {
			TaskID string `json:"task_id"`
		} `json:"tasks"`
	}
	doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), &claim)

	cancelReq := newRequest(t, http.MethodPost, srv.URL+"/v1/jobs/"+jobID+"/cancel", nil)
	cancelReq.Header.Set("X-Internal-Secret", testIntakeSecret)
	var cancelResp struct {
		Status string `json:"status"`
	}
	if code := doJSON(t, cancelReq, &cancelResp); code != http.StatusOK {
		t.Fatalf("cancel returned %d", code)
	}
	if cancelResp.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", cancelResp.Status)
	}

	var resp struct {
		Results []struct {
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason"`
		} `json:"results"`
	}
	doJSON(t, workerRequest(t, http.MethodPost, srv.URL+"/v1/update-progress", map[string]any{
		"job_id": jobID,
		"results": []map[string]any{
			{"task_id": claim.Tasks[0].TaskID, "outcome": "submitted"},
		},
	}), &resp)
	if resp.Results[0].Accepted || resp.Results[0].Reason != "job_cancelled" {
		t.Fatalf("late report against cancelled job must be rejected, got %+v", resp.Results[0])
	}
}

func TestWorkerRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewWorkerLimiter(client, 2, 0.1, time.Minute)

	srv, _ := testServer(t, limiter)

	for i := 0; i < 2; i++ {
		if code := doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), nil); code != http.StatusOK {
			t.Fatalf("poll %d: expected 200, got %d", i, code)
		}
	}
	if code := doJSON(t, workerRequest(t, http.MethodGet, srv.URL+"/v1/next-job", nil), nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after bucket drained, got %d", code)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	srv, st := testServer(t, nil)
	seedCatalog(st, 2)
	jobID := intakeJob(t, srv, "evt_status")

	req := newRequest(t, http.MethodGet, srv.URL+"/v1/jobs/"+jobID, nil)
	req.Header.Set("X-Internal-Secret", testIntakeSecret)
	var job models.Job
	if code := doJSON(t, req, &job); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if job.Status != models.JobPending || job.DirectoriesTotal != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}

	missing := newRequest(t, http.MethodGet, srv.URL+"/v1/jobs/does-not-exist", nil)
	missing.Header.Set("X-Internal-Secret", testIntakeSecret)
	if code := doJSON(t, missing, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", code)
	}
}
