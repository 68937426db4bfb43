// Package processor turns a sermon recording into a rendered short video,
// thumbnail and upload metadata.
package processor

import (
	"context"

	"github.com/timmy/sermontube/internal/domain"
)

// Stage names one step of the render pipeline.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTranscode Stage = "transcode"
	StageThumbnail Stage = "thumbnail"
	StageMetadata  Stage = "metadata"
)

// Stages lists the pipeline in order.
var Stages = []Stage{StageExtract, StageTranscode, StageThumbnail, StageMetadata}

// Percent is the job progress reported once a stage is reached.
func (s Stage) Percent() int {
	switch s {
	case StageExtract:
		return 25
	case StageTranscode:
		return 60
	case StageThumbnail:
		return 90
	case StageMetadata:
		return 100
	}
	return 0
}

func (s Stage) rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Request identifies the sermon to render and the job that owns the output.
type Request struct {
	JobID  string
	Sermon *domain.Sermon
}

// Result is the output of a successful run. Artifacts are already in object
// storage under the returned keys.
type Result struct {
	VideoKey     string
	ThumbnailKey string
	Metadata     Metadata
}

// Event is one message on the progress stream. The final event carries
// either Result or Err.
type Event struct {
	Stage   Stage
	Percent int
	Result  *Result
	Err     error
}

// Done reports whether e is the terminal event.
func (e Event) Done() bool {
	return e.Result != nil || e.Err != nil
}

// VideoProcessor renders sermons. Process returns once the run has started;
// the channel is closed after the terminal event.
type VideoProcessor interface {
	Process(ctx context.Context, req Request) (<-chan Event, error)
}
