package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
	"github.com/timmy/sermontube/internal/storage"
)

// Render statuses reported by the render service.
const (
	renderQueued    = "queued"
	renderRunning   = "running"
	renderSucceeded = "succeeded"
	renderFailed    = "failed"
)

type createRenderRequest struct {
	SourceURL string `json:"source_url"`
	Title     string `json:"title"`
	Scripture string `json:"scripture,omitempty"`
	Reference string `json:"reference"`
}

type renderResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	VideoURL     string `json:"video_url"`
	ThumbnailURL string `json:"thumbnail_url"`
	Error        string `json:"error"`
}

// RemoteProcessor drives an HTTP render service: it submits the sermon,
// polls until the render finishes, then copies the artifacts into object
// storage.
type RemoteProcessor struct {
	client       *resty.Client
	store        storage.ObjectStorage
	keys         storage.Keys
	cfg          config.ProcessorConfig
	tempDir      string
	pollInterval time.Duration
	stageTimeout time.Duration
}

// NewRemoteProcessor creates a processor for the configured render service.
func NewRemoteProcessor(cfg config.ProcessorConfig, store storage.ObjectStorage, keys storage.Keys, tempDir string) (*RemoteProcessor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("processor: base_url is required")
	}
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetTimeout(60 * time.Second)

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	stageTimeout := cfg.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = 15 * time.Minute
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &RemoteProcessor{
		client:       client,
		store:        store,
		keys:         keys,
		cfg:          cfg,
		tempDir:      tempDir,
		pollInterval: poll,
		stageTimeout: stageTimeout,
	}, nil
}

// Process submits the render and streams stage events until it completes.
func (p *RemoteProcessor) Process(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Sermon == nil || req.Sermon.URL == "" {
		return nil, fmt.Errorf("%w: sermon has no source url", domain.ErrInvalidInput)
	}

	var created renderResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(createRenderRequest{
			SourceURL: req.Sermon.URL,
			Title:     req.Sermon.Title,
			Scripture: req.Sermon.Scripture,
			Reference: req.JobID,
		}).
		SetResult(&created).
		Post("/v1/renders")
	if err := checkResponse(resp, err, "create render"); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, domain.Transient(fmt.Errorf("create render: empty render id"))
	}

	events := make(chan Event, len(Stages)+1)
	go p.run(ctx, req, created.ID, events)
	return events, nil
}

func (p *RemoteProcessor) run(ctx context.Context, req Request, renderID string, events chan<- Event) {
	defer close(events)
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldJobID: req.JobID, "render_id": renderID})

	emit := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	last := StageExtract
	if !emit(Event{Stage: StageExtract, Percent: StageExtract.Percent()}) {
		return
	}

	stageStarted := time.Now()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var done renderResponse
	for {
		select {
		case <-ctx.Done():
			emit(Event{Stage: last, Err: ctx.Err()})
			return
		case <-ticker.C:
		}

		var status renderResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetResult(&status).
			Get("/v1/renders/" + renderID)
		if err := checkResponse(resp, err, "poll render"); err != nil {
			if errors.Is(err, domain.ErrTransientExternal) && time.Since(stageStarted) < p.stageTimeout {
				logger.CtxWarn(ctx, "Render poll failed, will retry: %v", err)
				continue
			}
			emit(Event{Stage: last, Err: err})
			return
		}

		switch status.Status {
		case renderFailed:
			emit(Event{Stage: last, Err: fmt.Errorf("render %s failed at %s: %s", renderID, status.Stage, status.Error)})
			return
		case renderSucceeded:
			done = status
		case renderQueued, renderRunning, "":
			if st := Stage(status.Stage); st.rank() > last.rank() && st != StageMetadata {
				last = st
				stageStarted = time.Now()
				if !emit(Event{Stage: st, Percent: st.Percent()}) {
					return
				}
			}
			if time.Since(stageStarted) > p.stageTimeout {
				emit(Event{Stage: last, Err: fmt.Errorf("stage %s: %w", last, context.DeadlineExceeded)})
				return
			}
			continue
		default:
			emit(Event{Stage: last, Err: fmt.Errorf("render %s: unknown status %q", renderID, status.Status)})
			return
		}
		break
	}

	for _, st := range []Stage{StageTranscode, StageThumbnail} {
		if st.rank() > last.rank() {
			last = st
			if !emit(Event{Stage: st, Percent: st.Percent()}) {
				return
			}
		}
	}

	result, err := p.collect(ctx, req, done)
	if err != nil {
		emit(Event{Stage: last, Err: err})
		return
	}
	emit(Event{Stage: StageMetadata, Percent: StageMetadata.Percent(), Result: result})
}

// collect copies the rendered artifacts into object storage and builds the
// upload metadata.
func (p *RemoteProcessor) collect(ctx context.Context, req Request, done renderResponse) (*Result, error) {
	if done.VideoURL == "" {
		return nil, fmt.Errorf("render %s finished without a video", done.ID)
	}
	dir := filepath.Join(p.tempDir, req.JobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	result := &Result{Metadata: BuildMetadata(req.Sermon, p.cfg)}

	videoPath := filepath.Join(dir, "video.mp4")
	if err := p.download(ctx, done.VideoURL, videoPath); err != nil {
		return nil, err
	}
	result.VideoKey = p.keys.Video(req.JobID)
	if err := p.upload(ctx, videoPath, result.VideoKey, "video/mp4"); err != nil {
		return nil, err
	}

	if done.ThumbnailURL != "" {
		thumbPath := filepath.Join(dir, "thumbnail.jpg")
		if err := p.download(ctx, done.ThumbnailURL, thumbPath); err != nil {
			return nil, err
		}
		result.ThumbnailKey = p.keys.Thumbnail(req.JobID)
		if err := p.upload(ctx, thumbPath, result.ThumbnailKey, "image/jpeg"); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *RemoteProcessor) download(ctx context.Context, url, dest string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetOutput(dest).
		Get(url)
	return checkResponse(resp, err, "download artifact")
}

func (p *RemoteProcessor) upload(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := p.store.Upload(ctx, key, f, info.Size(), contentType); err != nil {
		return domain.Transient(err)
	}
	return nil
}

// checkResponse folds a resty response into the error taxonomy.
func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return domain.Transient(fmt.Errorf("%s: %w", op, err))
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.Transient(fmt.Errorf("%s: HTTP %d", op, code))
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: HTTP 404", op, domain.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w: HTTP %d: %s", op, domain.ErrInvalidInput, code, string(resp.Body()))
	}
}
