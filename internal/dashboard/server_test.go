package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := config.DefaultConfig()
	return NewServer(s, cfg.Dashboard, cfg.Loops), s
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, s := newTestServer(t)
	now := time.Now()
	job := &store.Job{TraceID: store.NewTraceID(), Kind: store.JobKindAction, ChatID: "test:c1", Prompt: "p"}
	if err := s.CreateJob(job, now); err != nil {
		t.Fatalf("create job: %v", err)
	}

	var h store.Health
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/health", "", &h)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.JobsByStatus["draft"] != 1 {
		t.Errorf("jobs_by_status = %v", h.JobsByStatus)
	}
}

func TestJobListAndDetail(t *testing.T) {
	srv, s := newTestServer(t)
	now := time.Now()
	job := &store.Job{TraceID: store.NewTraceID(), Kind: store.JobKindAction, ChatID: "test:c1", Prompt: "p"}
	if err := s.CreateJob(job, now); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.AppendLog(job.ID, "stdout", "hello from the sandbox", now); err != nil {
		t.Fatalf("append log: %v", err)
	}

	var jobs []*store.Job
	doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs?status=draft", "", &jobs)
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("jobs = %+v", jobs)
	}

	var detail struct {
		Job  *store.Job       `json:"job"`
		Logs []*store.LogLine `json:"logs"`
	}
	doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs/"+job.ID, "", &detail)
	if detail.Job == nil || detail.Job.ID != job.ID {
		t.Fatalf("detail job = %+v", detail.Job)
	}
	if len(detail.Logs) != 1 {
		t.Errorf("logs = %+v", detail.Logs)
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", rec.Code)
	}
}

func TestCancelJobSuppressesOutbox(t *testing.T) {
	srv, s := newTestServer(t)
	now := time.Now()
	job := &store.Job{TraceID: store.NewTraceID(), Kind: store.JobKindAction, ChatID: "test:c1", Prompt: "p"}
	if err := s.CreateJob(job, now); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.EnqueueOutbox(&store.OutboxRow{
		TraceID: job.TraceID, ChatID: "test:c1", Content: "stale", JobID: job.ID, RewrittenAt: &now,
	}, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	doJSON(t, srv.Handler(), http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "", &resp)
	if !resp.Cancelled {
		t.Fatal("cancel reported false")
	}

	got, err := s.JobByID(job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.Status != store.JobCancelled || got.CancelReason != "dashboard" {
		t.Errorf("status=%s reason=%q", got.Status, got.CancelReason)
	}
	rows, _ := s.PendingOutbox(8)
	if len(rows) != 0 {
		t.Errorf("%d outbox rows survived the cancel", len(rows))
	}

	// Cancelling a terminal job is a reported no-op.
	doJSON(t, srv.Handler(), http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "", &resp)
	if resp.Cancelled {
		t.Error("second cancel reported true")
	}
}

func TestCronToggle(t *testing.T) {
	srv, s := newTestServer(t)
	now := time.Now()
	cron := &store.Cron{
		TraceID: store.NewTraceID(), Name: "standup", Schedule: "0 9 * * 1-5",
		ChatID: "test:c1", Prompt: "post the standup reminder", Enabled: true,
	}
	if err := s.UpsertCron(cron, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var got store.Cron
	doJSON(t, srv.Handler(), http.MethodPost, "/api/crons/"+cron.ID+"/toggle", `{"enabled":false}`, &got)
	if got.Enabled {
		t.Error("cron still enabled after toggle")
	}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/crons/nope/toggle", `{"enabled":true}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing cron status = %d", rec.Code)
	}
}

func TestTraceJoinsAcrossTables(t *testing.T) {
	srv, s := newTestServer(t)
	now := time.Now()
	traceID := store.NewTraceID()
	if _, _, err := s.UpsertInbound(&store.Message{
		TraceID: traceID, PlatformID: "p1", PlatformChatID: "test:c1", Content: "hi",
	}, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	job := &store.Job{TraceID: traceID, Kind: store.JobKindAction, ChatID: "test:c1", Prompt: "p"}
	if err := s.CreateJob(job, now); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.AppendEvent(traceID, "triage", "triage.routed", nil, now); err != nil {
		t.Fatalf("event: %v", err)
	}

	var trace store.Trace
	doJSON(t, srv.Handler(), http.MethodGet, "/api/traces/"+traceID, "", &trace)
	if len(trace.Messages) != 1 || len(trace.Jobs) != 1 || len(trace.Events) != 1 {
		t.Errorf("trace = %d msgs, %d jobs, %d events", len(trace.Messages), len(trace.Jobs), len(trace.Events))
	}
}

func TestLimitParamBounds(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/messages?limit=99999", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("oversized limit rejected with %d", rec.Code)
	}
}
