package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/events"
	"github.com/timmy/sermontube/internal/processor"
	"github.com/timmy/sermontube/internal/repository"
	"github.com/timmy/sermontube/internal/retry"
	"github.com/timmy/sermontube/internal/source"
	"github.com/timmy/sermontube/internal/storage"
	"github.com/timmy/sermontube/internal/youtube"
)

// fakeProcessor renders instantly into the store, or fails at transcode.
type fakeProcessor struct {
	store storage.ObjectStorage
	keys  storage.Keys

	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeProcessor) Process(ctx context.Context, req processor.Request) (<-chan processor.Event, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()

	ch := make(chan processor.Event, 4)
	defer close(ch)

	ch <- processor.Event{Stage: processor.StageExtract, Percent: 25}
	if fail != nil {
		ch <- processor.Event{Stage: processor.StageTranscode, Err: fail}
		return ch, nil
	}
	videoKey := f.keys.Video(req.JobID)
	body := "video of " + req.Sermon.Title
	if err := f.store.Upload(ctx, videoKey, strings.NewReader(body), int64(len(body)), "video/mp4"); err != nil {
		return nil, err
	}
	ch <- processor.Event{Stage: processor.StageTranscode, Percent: 60}
	ch <- processor.Event{Stage: processor.StageThumbnail, Percent: 90}
	ch <- processor.Event{
		Stage:   processor.StageMetadata,
		Percent: 100,
		Result: &processor.Result{
			VideoKey: videoKey,
			Metadata: processor.Metadata{
				Title:       req.Sermon.Title,
				Description: "Full sermon: " + req.Sermon.URL,
				Tags:        []string{"sermon"},
			},
		},
	}
	return ch, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeUploader remembers uploaded videos by marker.
type fakeUploader struct {
	mu      sync.Mutex
	uploads int
	byMark  map[string]string
	bodies  map[string]string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{byMark: map[string]string{}, bodies: map[string]string{}}
}

func (f *fakeUploader) Upload(ctx context.Context, v youtube.Video, media io.Reader) (string, error) {
	data, err := io.ReadAll(media)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	id := fmt.Sprintf("yt-%d", f.uploads)
	f.byMark[v.Marker] = id
	f.bodies[id] = string(data)
	return id, nil
}

func (f *fakeUploader) SetThumbnail(ctx context.Context, videoID string, image io.Reader) error {
	return nil
}

func (f *fakeUploader) FindByMarker(ctx context.Context, marker string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byMark[marker]
	return id, ok, nil
}

func (f *fakeUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type staticToken struct{ err error }

func (s staticToken) Token() (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "token"}, nil
}

// recorder collects published events.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	db         *gorm.DB
	sermons    *repository.SermonRepository
	jobs       *repository.JobRepository
	queue      *repository.QueueRepository
	store      *storage.LocalStorage
	processor  *fakeProcessor
	uploader   *fakeUploader
	events     *recorder
	discovery  *DiscoveryService
	batches    *BatchManager
	jobProc    *JobProcessor
	approval   *ApprovalGate
	publisher  *Publisher
	automation *Automation
	reconciler *Reconciler
	review     *Review
	cleanup    *CleanupService
	pool       *WorkerPool
}

func newHarness(t *testing.T, policy retry.Policy) *harness {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "test.db"),
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

	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	h := &harness{
		db:       db,
		sermons:  repository.NewSermonRepository(db),
		jobs:     repository.NewJobRepository(db),
		queue:    repository.NewQueueRepository(db),
		store:    store,
		uploader: newFakeUploader(),
		events:   &recorder{},
	}
	h.processor = &fakeProcessor{store: store, keys: storage.Keys{Prefix: "videos"}}
	lease := time.Minute

	h.discovery = NewDiscoveryService(h.sermons, 5*time.Second)
	h.batches = NewBatchManager(repository.NewBatchRepository(db), h.jobs, h.events)
	h.jobProc = NewJobProcessor(h.jobs, h.sermons, h.processor, policy, lease, h.events)
	h.approval = NewApprovalGate(h.jobs, h.events)
	h.publisher = NewPublisher(h.jobs, store, h.uploader, staticToken{}, policy, lease, h.events)
	h.automation = NewAutomation(h.discovery, h.batches)
	h.reconciler = NewReconciler(h.jobs, h.sermons, h.queue, h.batches, h.automation)
	h.review = NewReview(h.approval, h.jobs, h.events)
	h.cleanup = NewCleanupService(h.jobs, h.queue, store, t.TempDir(), time.Hour)
	h.pool = NewWorkerPool(h.queue, WorkerPoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
	RegisterHandlers(h.pool, h.jobProc, h.publisher, h.automation, h.reconciler, h.cleanup)
	return h
}

func defaultPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, Base: time.Minute, Max: time.Hour}
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.pool.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return n
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return job
}

// newBatch stores n fresh sermons and batches them.
func (h *harness) newBatch(t *testing.T, n int) (*domain.Batch, []domain.Job) {
	t.Helper()
	ctx := context.Background()
	candidates := make([]*domain.Sermon, n)
	for i := range candidates {
		id := uuid.New().String()
		candidates[i] = &domain.Sermon{
			SourceType: "test",
			SourceID:   id,
			Title:      fmt.Sprintf("Sermon %d", i+1),
			URL:        "https://church.example/sermons/" + id,
		}
	}
	sermons, err := h.sermons.InsertNew(ctx, candidates)
	if err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	batch, err := h.batches.CreateBatch(ctx, domain.VariantSermon, "test", sermons)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	jobs, err := h.jobs.ListByBatch(ctx, batch.ID)
	if err != nil || len(jobs) != n {
		t.Fatalf("ListByBatch = %d jobs, %v", len(jobs), err)
	}
	return batch, jobs
}

// pagedSource serves one page and then fails.
type pagedSource struct {
	items []source.SermonItem
}

func (p *pagedSource) GetSourceID() string    { return "paged" }
func (p *pagedSource) GetDisplayName() string { return "Paged" }
func (p *pagedSource) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.SermonItem, string, error) {
	if cursor == "" {
		return p.items, "page-2", nil
	}
	return nil, "", errors.New("connection reset")
}

func items(ids ...string) []source.SermonItem {
	out := make([]source.SermonItem, len(ids))
	for i, id := range ids {
		out[i] = source.SermonItem{SourceID: id, URL: "https://church.example/" + id, Title: "Sermon " + id}
	}
	return out
}

func TestDiscoverySkipsKnownSermons(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	first, err := h.discovery.Discover(ctx, source.NewStatic("site", items("a", "b", "b")))
	if err != nil {
		t.Fatalf("first Discover: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first run found %d sermons, want 2", len(first))
	}

	second, err := h.discovery.Discover(ctx, source.NewStatic("site", items("a", "b", "c")))
	if err != nil {
		t.Fatalf("second Discover: %v", err)
	}
	if len(second) != 1 || second[0].SourceID != "c" {
		t.Fatalf("second run = %+v, want only c", second)
	}

	count, err := h.sermons.Count(ctx)
	if err != nil || count != 3 {
		t.Errorf("Count = %d, %v; want 3", count, err)
	}
}

func TestDiscoveryFailurePersistsNothing(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	_, err := h.discovery.Discover(ctx, &pagedSource{items: items("a", "b")})
	if !errors.Is(err, domain.ErrTransientExternal) {
		t.Fatalf("Discover error = %v, want transient", err)
	}
	if count, _ := h.sermons.Count(ctx); count != 0 {
		t.Errorf("%d sermons stored after a failed listing", count)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	tests := []struct {
		name    string
		variant domain.BatchVariant
		sermons []*domain.Sermon
	}{
		{"empty", domain.VariantSermon, nil},
		{"unknown variant", "podcast", []*domain.Sermon{{ID: "s1"}}},
		{"unsaved sermon", domain.VariantSermon, []*domain.Sermon{{Title: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.batches.CreateBatch(ctx, tt.variant, "test", tt.sermons)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("CreateBatch error = %v, want invalid input", err)
			}
		})
	}
}

func TestBatchLifecycle(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	batch, jobs := h.newBatch(t, 3)
	if status, _ := h.batches.GetStatus(ctx, batch.ID); status != domain.BatchStatusPending {
		t.Errorf("new batch status = %s, want pending", status)
	}

	if n := h.drain(t); n != 3 {
		t.Fatalf("drained %d entries, want 3", n)
	}
	progress, err := h.batches.GetProgress(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if progress.Status != domain.BatchStatusAwaitingApproval || progress.Percent != 100 {
		t.Fatalf("after processing: status %s, percent %d", progress.Status, progress.Percent)
	}
	for _, j := range progress.Jobs {
		if j.State != domain.JobStateAwaitingApproval || j.Progress != 100 {
			t.Errorf("job %s: %s at %d%%", j.ID, j.State, j.Progress)
		}
	}

	decisions := []domain.Decision{domain.DecisionApprove, domain.DecisionReject, domain.DecisionApprove}
	for i, d := range decisions {
		if _, err := h.approval.Decide(ctx, jobs[i].ID, d, "pastor-tim"); err != nil {
			t.Fatalf("Decide(%s): %v", d, err)
		}
	}
	if status, _ := h.batches.GetStatus(ctx, batch.ID); status != domain.BatchStatusPublishing {
		t.Errorf("status with approved jobs = %s, want publishing", status)
	}

	h.drain(t)

	if status, _ := h.batches.GetStatus(ctx, batch.ID); status != domain.BatchStatusCompleted {
		t.Errorf("final status = %s, want completed", status)
	}
	if got := h.uploader.uploadCount(); got != 2 {
		t.Errorf("uploads = %d, want 2", got)
	}
	first := h.job(t, jobs[0].ID)
	if first.State != domain.JobStatePublished || first.ExternalVideoID == "" {
		t.Errorf("approved job = %s with video %q", first.State, first.ExternalVideoID)
	}
	if body := h.uploader.bodies[first.ExternalVideoID]; body != "video of Sermon 1" {
		t.Errorf("uploaded body = %q", body)
	}
	if got := h.job(t, jobs[1].ID).State; got != domain.JobStateRejected {
		t.Errorf("rejected job = %s", got)
	}
	if h.events.count(events.TypeBatchCreated) != 1 || h.events.count(events.TypeJobUpdate) == 0 {
		t.Errorf("events = %+v", h.events.evs)
	}
}

func TestDecideTwiceIsInvalidState(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)
	h.drain(t)

	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionApprove, "elder"); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	_, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionReject, "elder")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second Decide error = %v, want invalid state", err)
	}
	if got := h.job(t, jobs[0].ID); got.State != domain.JobStateApproved || got.Decision != domain.DecisionApprove {
		t.Errorf("job = %s/%s after refused decision", got.State, got.Decision)
	}
}

func TestDecideValidatesInput(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)

	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionApprove, " "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty decider: %v", err)
	}
	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionApprove, "elder"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("deciding a pending job: %v", err)
	}
}

func TestProcessingFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	h.processor.fail = errors.New("render node unreachable")
	batch, jobs := h.newBatch(t, 1)

	h.drain(t)

	job := h.job(t, jobs[0].ID)
	if job.State != domain.JobStateFailed || job.FailedStage != domain.StageProcess {
		t.Fatalf("job = %s/%s, want failed/process", job.State, job.FailedStage)
	}
	if job.RetryCount != 1 || job.NextRetryAt == nil {
		t.Fatalf("retry_count %d, next_retry_at %v", job.RetryCount, job.NextRetryAt)
	}
	if !strings.Contains(job.ErrorDetail, "render node unreachable") {
		t.Errorf("error detail = %q", job.ErrorDetail)
	}
	open, _ := h.queue.HasOpen(context.Background(), domain.QueueKindProcess, job.ID)
	if !open {
		t.Error("no delayed retry entry")
	}
	if status, _ := h.batches.GetStatus(context.Background(), batch.ID); status != domain.BatchStatusProcessing {
		t.Errorf("status with scheduled retry = %s, want processing", status)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	h := newHarness(t, retry.Policy{MaxRetries: 1, Base: time.Millisecond, Max: time.Millisecond})
	h.processor.fail = errors.New("transcode crashed")
	batch, jobs := h.newBatch(t, 1)

	for i := 0; i < 3; i++ {
		h.drain(t)
		time.Sleep(20 * time.Millisecond)
	}

	job := h.job(t, jobs[0].ID)
	if job.State != domain.JobStateFailed || job.NextRetryAt != nil {
		t.Fatalf("job = %s, next_retry_at %v; want permanent failure", job.State, job.NextRetryAt)
	}
	if job.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", job.RetryCount)
	}
	if !strings.Contains(job.ErrorDetail, domain.ErrPermanentFailure.Error()) {
		t.Errorf("error detail = %q", job.ErrorDetail)
	}
	if got := h.processor.callCount(); got != 2 {
		t.Errorf("processor ran %d times, want 2", got)
	}

	progress, _ := h.batches.GetProgress(context.Background(), batch.ID)
	if progress.Status != domain.BatchStatusFailed || progress.Percent != 100 {
		t.Errorf("status %s, percent %d", progress.Status, progress.Percent)
	}
}

func TestProcessLeasedJobIsNoop(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)

	if _, err := h.jobs.ClaimForProcessing(ctx, jobs[0].ID, "other-worker", time.Now(), time.Minute); err != nil {
		t.Fatalf("ClaimForProcessing: %v", err)
	}
	if err := h.jobProc.Process(ctx, jobs[0].ID, "me"); err != nil {
		t.Fatalf("Process = %v, want nil", err)
	}
	if h.processor.callCount() != 0 {
		t.Error("processor ran for a job leased elsewhere")
	}
	if got := h.job(t, jobs[0].ID).LeaseOwner; got != "other-worker" {
		t.Errorf("lease owner = %q", got)
	}
}

func TestProcessTakesOverExpiredLease(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)

	past := time.Now().Add(-time.Hour)
	if _, err := h.jobs.ClaimForProcessing(ctx, jobs[0].ID, "crashed-worker", past, time.Minute); err != nil {
		t.Fatalf("ClaimForProcessing: %v", err)
	}
	if err := h.jobProc.Process(ctx, jobs[0].ID, "me"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := h.job(t, jobs[0].ID).State; got != domain.JobStateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", got)
	}
}

func TestPublishReusesVideoFoundByMarker(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)
	h.drain(t)
	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionApprove, "elder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// an earlier attempt uploaded but crashed before committing
	h.uploader.byMark[domain.PublishMarker(jobs[0].ID)] = "yt-existing"

	if err := h.publisher.Publish(ctx, jobs[0].ID, "me"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	job := h.job(t, jobs[0].ID)
	if job.State != domain.JobStatePublished || job.ExternalVideoID != "yt-existing" {
		t.Errorf("job = %s with %q", job.State, job.ExternalVideoID)
	}
	if h.uploader.uploadCount() != 0 {
		t.Error("video uploaded twice")
	}
}

func TestPublishRequiresApproval(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	_, jobs := h.newBatch(t, 1)
	h.drain(t)

	err := h.publisher.Publish(context.Background(), jobs[0].ID, "me")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("Publish error = %v, want invalid state", err)
	}
	if got := h.job(t, jobs[0].ID).State; got != domain.JobStateAwaitingApproval {
		t.Errorf("state = %s", got)
	}
}

func TestPublishCredentialFailureIsRecorded(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)
	h.drain(t)
	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionApprove, "elder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	h.publisher.creds = staticToken{err: errors.New("token endpoint down")}

	if err := h.publisher.Publish(ctx, jobs[0].ID, "me"); err != nil {
		t.Fatalf("Publish = %v, want failure recorded on the job", err)
	}
	job := h.job(t, jobs[0].ID)
	if job.State != domain.JobStateFailed || job.FailedStage != domain.StagePublish || job.NextRetryAt == nil {
		t.Fatalf("job = %s/%s retry %v", job.State, job.FailedStage, job.NextRetryAt)
	}
	if job.RetryTarget() != domain.JobStateApproved {
		t.Errorf("retry target = %s, want approved", job.RetryTarget())
	}
}

func TestReconcileRequeuesStrandedJobs(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 2)

	// lose the process entries
	if err := h.db.Where("kind = ?", domain.QueueKindProcess).Delete(&domain.QueueEntry{}).Error; err != nil {
		t.Fatalf("delete entries: %v", err)
	}

	stats, err := h.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.StrandedJobs != 2 {
		t.Errorf("stranded = %d, want 2", stats.StrandedJobs)
	}
	for _, j := range jobs {
		if open, _ := h.queue.HasOpen(ctx, domain.QueueKindProcess, j.ID); !open {
			t.Errorf("job %s has no process entry", j.ID)
		}
	}

	again, err := h.reconciler.Run(ctx)
	if err != nil || again.StrandedJobs != 0 {
		t.Errorf("second Run = %+v, %v", again, err)
	}
}

func TestReconcileBatchesOrphanSermons(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	if _, err := h.discovery.Discover(ctx, source.NewStatic("site", items("x", "y"))); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	h.reconciler.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	stats, err := h.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.OrphanSermons != 2 || len(stats.OrphanBatchIDs) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	jobs, _ := h.jobs.ListByBatch(ctx, stats.OrphanBatchIDs[0])
	if len(jobs) != 2 {
		t.Errorf("orphan batch has %d jobs", len(jobs))
	}
}

func TestReconcileGroupsOrphansByVariant(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	playlist := source.NewStatic("playlist", items("v1", "v2"))
	h.automation.AddSource(domain.VariantYouTube, playlist)
	if _, err := h.discovery.Discover(ctx, playlist); err != nil {
		t.Fatalf("Discover playlist: %v", err)
	}
	if _, err := h.discovery.Discover(ctx, source.NewStatic("site", items("s1"))); err != nil {
		t.Fatalf("Discover site: %v", err)
	}
	h.reconciler.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	stats, err := h.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.OrphanSermons != 3 || len(stats.OrphanBatchIDs) != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	tests := []struct {
		batchID string
		variant domain.BatchVariant
		jobs    int
	}{
		{stats.OrphanBatchIDs[0], domain.VariantSermon, 1},
		{stats.OrphanBatchIDs[1], domain.VariantYouTube, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.variant), func(t *testing.T) {
			batch, err := repository.NewBatchRepository(h.db).GetByID(ctx, tt.batchID)
			if err != nil {
				t.Fatalf("GetBatch: %v", err)
			}
			if batch.Variant != tt.variant {
				t.Errorf("variant = %s, want %s", batch.Variant, tt.variant)
			}
			jobs, _ := h.jobs.ListByBatch(ctx, tt.batchID)
			if len(jobs) != tt.jobs {
				t.Errorf("jobs = %d, want %d", len(jobs), tt.jobs)
			}
		})
	}
}

func TestCreateBatchForBatchedSermon(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 1)

	sermon, err := h.sermons.GetByID(ctx, jobs[0].SermonID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	_, err = h.batches.CreateBatch(ctx, domain.VariantSermon, "again", []*domain.Sermon{sermon})
	if !errors.Is(err, domain.ErrSermonHasJob) {
		t.Fatalf("CreateBatch = %v, want ErrSermonHasJob", err)
	}
	if h.events.count(events.TypeBatchCreated) != 1 {
		t.Errorf("batch_created events = %d, want 1", h.events.count(events.TypeBatchCreated))
	}
}

func TestConcurrentReconcileBatchesOrphansOnce(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	if _, err := h.discovery.Discover(ctx, source.NewStatic("site", items("a", "b", "c"))); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	h.reconciler.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	const runs = 4
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.reconciler.Run(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Run: %v", err)
	}

	var perSermon []struct {
		SermonID string
		N        int
	}
	if err := h.db.Model(&domain.Job{}).
		Select("sermon_id, count(*) as n").
		Group("sermon_id").
		Scan(&perSermon).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if len(perSermon) != 3 {
		t.Fatalf("sermons with jobs = %d, want 3", len(perSermon))
	}
	for _, row := range perSermon {
		if row.N != 1 {
			t.Errorf("sermon %s has %d jobs", row.SermonID, row.N)
		}
	}
}

func TestRetryRestartsExhaustedJob(t *testing.T) {
	h := newHarness(t, retry.Policy{MaxRetries: 1, Base: time.Millisecond, Max: time.Millisecond})
	ctx := context.Background()
	h.processor.fail = errors.New("transcode crashed")
	_, jobs := h.newBatch(t, 1)
	for i := 0; i < 3; i++ {
		h.drain(t)
		time.Sleep(20 * time.Millisecond)
	}
	if job := h.job(t, jobs[0].ID); job.State != domain.JobStateFailed || job.NextRetryAt != nil {
		t.Fatalf("setup: job = %s, next_retry_at %v", job.State, job.NextRetryAt)
	}

	if _, err := h.review.Retry(ctx, jobs[0].ID, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing operator: %v", err)
	}

	h.processor.fail = nil
	job, err := h.review.Retry(ctx, jobs[0].ID, "admin")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if job.State != domain.JobStatePending || job.RetryCount != 0 || job.ErrorDetail != "" {
		t.Fatalf("restarted job = %s, retry_count %d, detail %q", job.State, job.RetryCount, job.ErrorDetail)
	}

	h.drain(t)
	if got := h.job(t, jobs[0].ID).State; got != domain.JobStateAwaitingApproval {
		t.Errorf("state after restart = %s, want awaiting_approval", got)
	}
	if _, err := h.review.Retry(ctx, jobs[0].ID, "admin"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("retrying a healthy job: %v", err)
	}
}

func TestBulkDecideReportsEachJob(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 2)
	h.drain(t)
	if _, err := h.approval.Decide(ctx, jobs[1].ID, domain.DecisionReject, "elder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	out, err := h.review.BulkDecide(ctx, []string{jobs[0].ID, jobs[1].ID, "missing"}, domain.DecisionApprove, "elder")
	if err != nil {
		t.Fatalf("BulkDecide: %v", err)
	}
	tests := []struct {
		name  string
		ok    bool
		state domain.JobState
	}{
		{"awaiting job approved", true, domain.JobStateApproved},
		{"rejected job refused", false, domain.JobStateRejected},
		{"unknown job refused", false, ""},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out[i].OK != tt.ok || out[i].State != tt.state {
				t.Errorf("outcome = %+v", out[i])
			}
			if !tt.ok && out[i].Error == "" {
				t.Error("refusal without an error")
			}
		})
	}

	bad := []struct {
		name     string
		ids      []string
		decision domain.Decision
		decider  string
	}{
		{"no ids", nil, domain.DecisionApprove, "elder"},
		{"too many ids", make([]string, maxBulk+1), domain.DecisionApprove, "elder"},
		{"no decider", []string{jobs[0].ID}, domain.DecisionApprove, " "},
		{"no decision", []string{jobs[0].ID}, domain.DecisionNone, "elder"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.review.BulkDecide(ctx, tt.ids, tt.decision, tt.decider); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("error = %v, want invalid input", err)
			}
		})
	}
}

// lostResponseUploader creates the video and then reports a timeout once, as
// when the connection drops before the upload response arrives.
type lostResponseUploader struct {
	*fakeUploader
	timedOut bool
}

func (u *lostResponseUploader) Upload(ctx context.Context, v youtube.Video, media io.Reader) (string, error) {
	id, err := u.fakeUploader.Upload(ctx, v, media)
	if err != nil || u.timedOut {
		return id, err
	}
	u.timedOut = true
	return "", fmt.Errorf("read upload response: %w", context.DeadlineExceeded)
}

func TestPublishAfterTimedOutUploadFindsVideo(t *testing.T) {
	h := newHarness(t, retry.Policy{MaxRetries: 3, Base: time.Millisecond, Max: time.Millisecond})
	ctx := context.Background()
	uploader := &lostResponseUploader{fakeUploader: h.uploader}
	h.publisher.uploader = uploader
	_, jobs := h.newBatch(t, 1)
	h.drain(t)
	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionApprove, "elder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	h.drain(t)
	job := h.job(t, jobs[0].ID)
	if job.State != domain.JobStateFailed || job.FailedStage != domain.StagePublish || job.NextRetryAt == nil {
		t.Fatalf("after timeout: job = %s/%s retry %v", job.State, job.FailedStage, job.NextRetryAt)
	}
	if job.RetryTarget() != domain.JobStateApproved {
		t.Fatalf("retry target = %s, want approved", job.RetryTarget())
	}

	time.Sleep(20 * time.Millisecond)
	h.drain(t)

	job = h.job(t, jobs[0].ID)
	if job.State != domain.JobStatePublished || job.ExternalVideoID != "yt-1" {
		t.Fatalf("job = %s with %q, want published yt-1", job.State, job.ExternalVideoID)
	}
	if got := h.uploader.uploadCount(); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
	if job.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", job.RetryCount)
	}
}

func TestCleanupDeletesFinishedArtifacts(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	_, jobs := h.newBatch(t, 2)
	h.drain(t)
	if _, err := h.approval.Decide(ctx, jobs[0].ID, domain.DecisionReject, "elder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	videoKey := h.job(t, jobs[0].ID).VideoKey

	h.cleanup.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	stats, err := h.cleanup.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.ArtifactJobs != 1 {
		t.Errorf("artifact jobs = %d, want 1", stats.ArtifactJobs)
	}
	if ok, _ := h.store.Exists(ctx, videoKey); ok {
		t.Error("rejected job's video still stored")
	}
	if got := h.job(t, jobs[0].ID).VideoKey; got != "" {
		t.Errorf("video key = %q after cleanup", got)
	}
	if got := h.job(t, jobs[1].ID).VideoKey; got == "" {
		t.Error("awaiting job lost its video")
	}
	if stats.PurgedEntries != 2 {
		t.Errorf("purged entries = %d, want 2", stats.PurgedEntries)
	}
}

func TestStartAutomationFromURLs(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()

	res, err := h.automation.StartAutomation(ctx, AutomationRequest{URLs: []string{
		"https://church.example/sermons/grace-and-truth",
		"http://127.0.0.1/admin",
		"ftp://church.example/file",
	}})
	if err != nil {
		t.Fatalf("StartAutomation: %v", err)
	}
	if res.BatchID == "" || res.SermonCount != 1 || len(res.InvalidURLs) != 2 {
		t.Fatalf("result = %+v", res)
	}
	jobs, _ := h.jobs.ListByBatch(ctx, res.BatchID)
	if len(jobs) != 1 || jobs[0].Title != "Grace And Truth" {
		t.Errorf("jobs = %+v", jobs)
	}

	_, err = h.automation.StartAutomation(ctx, AutomationRequest{URLs: []string{"https://church.example/sermons/grace-and-truth"}})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("resubmission error = %v, want invalid input", err)
	}
	_, err = h.automation.StartAutomation(ctx, AutomationRequest{URLs: []string{"http://localhost/x"}})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("all-invalid error = %v, want invalid input", err)
	}
}

func TestRunDiscoveryAcrossSources(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	h.automation.AddSource(domain.VariantSermon, source.NewStatic("site", items("a", "b")))
	h.automation.AddSource(domain.VariantSermon, &pagedSource{items: items("c")})

	batch, err := h.automation.RunDiscovery(ctx, domain.VariantSermon)
	if batch == nil || batch.JobCount != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	if !errors.Is(err, domain.ErrTransientExternal) {
		t.Errorf("error = %v, want the failing source's transient error", err)
	}

	if got := h.events.count(events.TypeDiscovery); got != 1 {
		t.Errorf("discovery events = %d, want 1", got)
	}

	batch, err = h.automation.RunDiscovery(ctx, domain.VariantSermon)
	if batch != nil {
		t.Errorf("second run created batch %s", batch.ID)
	}
	if _, err := h.automation.RunDiscovery(ctx, domain.VariantYouTube); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unconfigured variant: %v", err)
	}
}

func TestTitleFromURL(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/sermons/grace-and-truth", "Grace And Truth"},
		{"/sermons/the_good_shepherd.html", "The Good Shepherd"},
		{"/", "church.example"},
		{"", "church.example"},
	}
	for _, tt := range tests {
		if got := titleFromURL(tt.path, "church.example"); got != tt.want {
			t.Errorf("titleFromURL(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

func TestSchedulerTrigger(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	notifier := &countingNotifier{}
	cfg := config.SchedulerConfig{
		DiscoveryCron: "0 6 * * 0,1,4",
		ReconcileCron: "@hourly",
		CleanupCron:   "0 0 * * *",
		MaxRetries:    3,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
		LeaseTimeout:  time.Minute,
	}
	s, err := NewScheduler(h.queue, notifier, cfg, []domain.BatchVariant{domain.VariantSermon})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	created, err := s.Trigger(ctx, domain.QueueKindDiscover, "")
	if err != nil || !created {
		t.Fatalf("first Trigger = %v, %v", created, err)
	}
	created, err = s.Trigger(ctx, domain.QueueKindDiscover, "sermon")
	if err != nil || created {
		t.Errorf("duplicate Trigger = %v, %v; want collapsed", created, err)
	}
	if notifier.n != 1 {
		t.Errorf("notified %d times, want 1", notifier.n)
	}
	if _, err := s.Trigger(ctx, domain.QueueKindProcess, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("process trigger: %v", err)
	}
	if _, err := s.Trigger(ctx, domain.QueueKindDiscover, "podcast"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown variant: %v", err)
	}

	cfg.ReconcileCron = "every tuesday"
	if _, err := NewScheduler(h.queue, notifier, cfg, nil); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}

func TestWorkerPoolReleasesPanickingEntry(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	h.pool.Handle(domain.QueueKindCleanup, func(context.Context, string, *domain.QueueEntry) error {
		panic("boom")
	})
	if _, err := h.queue.EnqueueTaskOnce(ctx, domain.QueueKindCleanup, "", time.Now()); err != nil {
		t.Fatalf("EnqueueTaskOnce: %v", err)
	}

	if n := h.drain(t); n != 1 {
		t.Fatalf("drained %d, want 1", n)
	}
	open, err := h.queue.CountOpen(ctx)
	if err != nil || open != 1 {
		t.Errorf("open entries = %d, %v; want the entry redelivered later", open, err)
	}
}

func TestWorkerPoolRunsDiscoverTask(t *testing.T) {
	h := newHarness(t, defaultPolicy())
	ctx := context.Background()
	h.automation.AddSource(domain.VariantSermon, source.NewStatic("site", items("a", "b", "c")))
	if _, err := h.queue.EnqueueTaskOnce(ctx, domain.QueueKindDiscover, "sermon", time.Now()); err != nil {
		t.Fatalf("EnqueueTaskOnce: %v", err)
	}

	// the discover entry, then one process entry per new sermon
	if n := h.drain(t); n != 4 {
		t.Fatalf("drained %d, want 4", n)
	}
	awaiting, err := h.jobs.ListByState(ctx, domain.JobStateAwaitingApproval, 10, 0)
	if err != nil || len(awaiting) != 3 {
		t.Errorf("awaiting approval = %d, %v", len(awaiting), err)
	}
}

func TestEstimateCompletion(t *testing.T) {
	created := time.Date(2024, 3, 3, 6, 0, 0, 0, time.UTC)
	now := created.Add(10 * time.Minute)

	if got := estimateCompletion(created, now, 0, 4); got != nil {
		t.Errorf("no terminal jobs: %v, want nil", got)
	}
	if got := estimateCompletion(created, now, 4, 4); got != nil {
		t.Errorf("all terminal: %v, want nil", got)
	}
	got := estimateCompletion(created, now, 1, 4)
	if got == nil || !got.Equal(now.Add(30*time.Minute)) {
		t.Errorf("estimate = %v, want %v", got, now.Add(30*time.Minute))
	}
}
