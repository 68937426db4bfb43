package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/service"
)

type testServer struct {
	router  http.Handler
	jobs    *repository.JobRepository
	batches *repository.BatchRepository
	sermons *repository.SermonRepository
	hub     *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	jobs := repository.NewJobRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	sermons := repository.NewSermonRepository(db)
	queue := repository.NewQueueRepository(db)
	hub := events.NewHub()

	batches := service.NewBatchManager(batchRepo, jobs, hub)
	automation := service.NewAutomation(service.NewDiscoveryService(sermons, time.Second), batches)
	scheduler, err := service.NewScheduler(queue, nil, config.SchedulerConfig{
		DiscoveryCron: "0 6 * * 0,1,4",
		MaxRetries:    3,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
		LeaseTimeout:  time.Minute,
	}, []domain.BatchVariant{domain.VariantSermon})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	approval := service.NewApprovalGate(jobs, hub)
	router := SetupRouter(Deps{
		Jobs:       jobs,
		Queue:      queue,
		Batches:    batches,
		Approval:   approval,
		Review:     service.NewReview(approval, jobs, hub),
		Automation: automation,
		Tasks:      scheduler,
		Hub:        hub,
	}, config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}})

	return &testServer{router: router, jobs: jobs, batches: batchRepo, sermons: sermons, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

// seedJob stores a one-job batch of variant with the job in state.
func (s *testServer) seedJob(t *testing.T, variant domain.BatchVariant, state domain.JobState) *domain.Job {
	t.Helper()
	ctx := context.Background()
	sermons, err := s.sermons.InsertNew(ctx, []*domain.Sermon{{
		SourceType: "test",
		SourceID:   uuid.New().String(),
		Title:      "Grace",
	}})
	if err != nil || len(sermons) != 1 {
		t.Fatalf("seed sermon: %v", err)
	}
	batch := &domain.Batch{ID: uuid.New().String(), Variant: variant, JobCount: 1}
	job := &domain.Job{ID: uuid.New().String(), BatchID: batch.ID, SermonID: sermons[0].ID, State: state}
	if err := s.batches.CreateWithJobs(ctx, batch, []*domain.Job{job}, nil); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return job
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("GET /health = %d %v", w.Code, body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	jobs, _ := body["jobs"].(map[string]interface{})
	for _, state := range domain.AllJobStates {
		if _, ok := jobs[string(state)]; !ok {
			t.Errorf("health misses a count for %s: %v", state, jobs)
		}
	}
	if body["queue_open"] != float64(0) {
		t.Errorf("queue_open = %v, want 0", body["queue_open"])
	}
}

func TestStartAutomation(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/automation", map[string]interface{}{
		"urls": []string{"https://church.example/sermons/living-water", "http://10.0.0.5/internal"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /automation = %d %v", w.Code, body)
	}
	batchID, _ := body["batch_id"].(string)
	if batchID == "" {
		t.Fatalf("no batch_id in %v", body)
	}
	if invalid, _ := body["invalid_urls"].([]interface{}); len(invalid) != 1 {
		t.Errorf("invalid_urls = %v", body["invalid_urls"])
	}

	w, body = s.do(t, http.MethodGet, "/api/v1/batches/"+batchID+"/progress", nil)
	if w.Code != http.StatusOK || body["status"] != string(domain.BatchStatusPending) || body["percent"] != float64(0) {
		t.Errorf("progress = %d %v", w.Code, body)
	}
	w, body = s.do(t, http.MethodGet, "/api/v1/batches/"+batchID+"/status", nil)
	if w.Code != http.StatusOK || body["status"] != string(domain.BatchStatusPending) {
		t.Errorf("status = %d %v", w.Code, body)
	}

	// a sermon batch is not served by the youtube endpoints
	w, _ = s.do(t, http.MethodGet, "/api/v1/youtube/batches/"+batchID+"/progress", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("youtube progress of a sermon batch = %d, want 404", w.Code)
	}

	w, body = s.do(t, http.MethodGet, "/api/v1/batches", nil)
	if w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("list = %d %v", w.Code, body)
	}
}

func TestStartAutomationRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/automation", map[string]interface{}{
		"urls": []string{"javascript:alert(1)"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("all-invalid URLs = %d %v", w.Code, body)
	}
	if invalid, _ := body["invalid_urls"].([]interface{}); len(invalid) != 1 {
		t.Errorf("invalid_urls = %v", body["invalid_urls"])
	}

	// no source configured for discovery
	w, _ = s.do(t, http.MethodPost, "/api/v1/automation", map[string]interface{}{"source": "youtube"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unconfigured source = %d, want 400", w.Code)
	}
}

func TestYouTubeBatchEndpoints(t *testing.T) {
	s := newTestServer(t)
	job := s.seedJob(t, domain.VariantYouTube, domain.JobStatePublished)

	w, body := s.do(t, http.MethodGet, "/api/v1/youtube/batches/"+job.BatchID+"/status", nil)
	if w.Code != http.StatusOK || body["status"] != string(domain.BatchStatusCompleted) {
		t.Errorf("status = %d %v", w.Code, body)
	}
	w, body = s.do(t, http.MethodGet, "/api/v1/youtube/batches/"+job.BatchID+"/progress", nil)
	if w.Code != http.StatusOK || body["percent"] != float64(100) {
		t.Errorf("progress = %d %v", w.Code, body)
	}
}

func TestBatchNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/v1/batches/nope/status", "/api/v1/batches/nope/progress"} {
		if w, _ := s.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
}

func TestApproveAndReject(t *testing.T) {
	s := newTestServer(t)
	awaiting := s.seedJob(t, domain.VariantSermon, domain.JobStateAwaitingApproval)
	pending := s.seedJob(t, domain.VariantSermon, domain.JobStatePending)
	decider := map[string]string{"decider_id": "pastor-tim"}

	tests := []struct {
		name      string
		path      string
		body      interface{}
		wantCode  int
		wantState domain.JobState
	}{
		{"missing decider", "/api/v1/jobs/" + awaiting.ID + "/approve", map[string]string{}, http.StatusBadRequest, ""},
		{"approve", "/api/v1/jobs/" + awaiting.ID + "/approve", decider, http.StatusOK, domain.JobStateApproved},
		{"approve again", "/api/v1/jobs/" + awaiting.ID + "/approve", decider, http.StatusOK, domain.JobStateApproved},
		{"reject after approve", "/api/v1/jobs/" + awaiting.ID + "/reject", decider, http.StatusOK, domain.JobStateApproved},
		{"undecidable", "/api/v1/jobs/" + pending.ID + "/approve", decider, http.StatusConflict, ""},
		{"unknown job", "/api/v1/jobs/nope/reject", decider, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%v)", w.Code, tt.wantCode, body)
			}
			if tt.wantState != "" && body["state"] != string(tt.wantState) {
				t.Errorf("state = %v, want %s", body["state"], tt.wantState)
			}
		})
	}
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t)
	s.seedJob(t, domain.VariantSermon, domain.JobStateAwaitingApproval)
	s.seedJob(t, domain.VariantSermon, domain.JobStatePending)

	w, body := s.do(t, http.MethodGet, "/api/v1/jobs?state=awaiting_approval", nil)
	if w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("filtered list = %d %v", w.Code, body)
	}
	w, body = s.do(t, http.MethodGet, "/api/v1/jobs", nil)
	if w.Code != http.StatusOK || body["count"] != float64(2) {
		t.Errorf("full list = %d %v", w.Code, body)
	}
	if w, _ = s.do(t, http.MethodGet, "/api/v1/jobs?state=done", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad state = %d, want 400", w.Code)
	}
}

func TestTriggerTask(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/admin/tasks/discover", nil)
	if w.Code != http.StatusAccepted || body["created"] != true {
		t.Fatalf("first trigger = %d %v", w.Code, body)
	}
	w, body = s.do(t, http.MethodPost, "/api/v1/admin/tasks/discover", nil)
	if w.Code != http.StatusAccepted || body["created"] != false {
		t.Errorf("second trigger = %d %v", w.Code, body)
	}
	if w, _ = s.do(t, http.MethodPost, "/api/v1/admin/tasks/publish", nil); w.Code != http.StatusBadRequest {
		t.Errorf("publish trigger = %d, want 400", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://admin.church.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestWebSocketStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.hub.Publish(events.Event{Type: events.TypeJobUpdate, JobID: "j1", State: domain.JobStateApproved})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.JobID != "j1" || ev.State != domain.JobStateApproved {
		t.Errorf("event = %+v", ev)
	}
}

func TestRetryFailedJob(t *testing.T) {
	s := newTestServer(t)
	failed := s.seedJob(t, domain.VariantSermon, domain.JobStateFailed)
	awaiting := s.seedJob(t, domain.VariantSermon, domain.JobStateAwaitingApproval)
	operator := map[string]string{"operator_id": "admin"}

	tests := []struct {
		name      string
		path      string
		body      interface{}
		wantCode  int
		wantState domain.JobState
	}{
		{"missing operator", "/api/v1/jobs/" + failed.ID + "/retry", map[string]string{}, http.StatusBadRequest, ""},
		{"retry", "/api/v1/jobs/" + failed.ID + "/retry", operator, http.StatusOK, domain.JobStatePending},
		{"retry again", "/api/v1/jobs/" + failed.ID + "/retry", operator, http.StatusConflict, ""},
		{"not failed", "/api/v1/jobs/" + awaiting.ID + "/retry", operator, http.StatusConflict, ""},
		{"unknown job", "/api/v1/jobs/nope/retry", operator, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%v)", w.Code, tt.wantCode, body)
			}
			if tt.wantState != "" && body["state"] != string(tt.wantState) {
				t.Errorf("state = %v, want %s", body["state"], tt.wantState)
			}
		})
	}
}

func TestBulkJobs(t *testing.T) {
	s := newTestServer(t)
	first := s.seedJob(t, domain.VariantSermon, domain.JobStateAwaitingApproval)
	second := s.seedJob(t, domain.VariantSermon, domain.JobStateAwaitingApproval)
	pending := s.seedJob(t, domain.VariantSermon, domain.JobStatePending)

	w, body := s.do(t, http.MethodPost, "/api/v1/jobs/bulk", map[string]interface{}{
		"action":   "approve",
		"job_ids":  []string{first.ID, pending.ID, second.ID},
		"actor_id": "pastor-tim",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("bulk approve = %d %v", w.Code, body)
	}
	if body["succeeded"] != float64(2) || body["failed"] != float64(1) {
		t.Errorf("bulk approve counts = %v/%v", body["succeeded"], body["failed"])
	}
	results, _ := body["results"].([]interface{})
	if len(results) != 3 {
		t.Fatalf("results = %v", body["results"])
	}
	refused, _ := results[1].(map[string]interface{})
	if refused["job_id"] != pending.ID || refused["ok"] != false || refused["state"] != string(domain.JobStatePending) {
		t.Errorf("refused outcome = %v", refused)
	}
	if job, _ := s.jobs.GetByID(context.Background(), second.ID); job.State != domain.JobStateApproved {
		t.Errorf("second job = %s, want approved", job.State)
	}

	bad := []struct {
		name string
		body map[string]interface{}
	}{
		{"unknown action", map[string]interface{}{"action": "publish", "job_ids": []string{first.ID}, "actor_id": "a"}},
		{"no jobs", map[string]interface{}{"action": "reject", "job_ids": []string{}, "actor_id": "a"}},
		{"no actor", map[string]interface{}{"action": "reject", "job_ids": []string{first.ID}}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if w, body := s.do(t, http.MethodPost, "/api/v1/jobs/bulk", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400 (%v)", w.Code, body)
			}
		})
	}
}
