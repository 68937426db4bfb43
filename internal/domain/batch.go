package domain

import "time"

// BatchStatus is the aggregate state of a Batch. It is never stored; it is
// derived from the Batch's Jobs on every read.
type BatchStatus string

const (
	BatchStatusPending          BatchStatus = "pending"
	BatchStatusProcessing       BatchStatus = "processing"
	BatchStatusAwaitingApproval BatchStatus = "awaiting_approval"
	BatchStatusPublishing       BatchStatus = "publishing"
	BatchStatusCompleted        BatchStatus = "completed"
	BatchStatusFailed           BatchStatus = "failed"
)

// BatchVariant tells which automation flow created the Batch.
type BatchVariant string

const (
	VariantSermon  BatchVariant = "sermon"
	VariantYouTube BatchVariant = "youtube"
)

// IsValid reports whether v is a known variant.
func (v BatchVariant) IsValid() bool {
	return v == VariantSermon || v == VariantYouTube
}

// Batch groups the Jobs created together from one discovery run or trigger.
type Batch struct {
	ID        string       `gorm:"type:text;primaryKey" json:"id"`
	Variant   BatchVariant `gorm:"type:text;not null;index;default:sermon" json:"variant"`
	Source    string       `gorm:"type:text" json:"source"`
	JobCount  int          `gorm:"not null" json:"job_count"`
	CreatedAt time.Time    `gorm:"index" json:"created_at"`
}

// TableName returns the database table name for Batch.
func (Batch) TableName() string {
	return "batches"
}

// JobSummary is the per-job line of a progress report.
type JobSummary struct {
	ID              string   `json:"id"`
	SermonID        string   `json:"sermon_id"`
	Title           string   `json:"title,omitempty"`
	State           JobState `json:"state"`
	Progress        int      `json:"progress"`
	RetryCount      int      `json:"retry_count"`
	ErrorDetail     string   `json:"error_detail,omitempty"`
	ExternalVideoID string   `json:"external_video_id,omitempty"`
}

// BatchProgress is the read model served to the web layer.
type BatchProgress struct {
	ID                  string       `json:"id"`
	Variant             BatchVariant `json:"variant"`
	Status              BatchStatus  `json:"status"`
	Percent             int          `json:"percent"`
	Total               int          `json:"total"`
	Terminal            int          `json:"terminal"`
	CreatedAt           time.Time    `json:"created_at"`
	EstimatedCompletion *time.Time   `json:"estimated_completion,omitempty"`
	Jobs                []JobSummary `json:"jobs"`
}

// Aggregate derives the batch status and progress percentage from its Jobs.
// Percent is floor(terminal*100/total). An empty slice yields pending/0.
func Aggregate(jobs []Job) (BatchStatus, int) {
	total := len(jobs)
	if total == 0 {
		return BatchStatusPending, 0
	}

	var pending, inFlight, awaiting, approved, done, failed, terminal int
	for i := range jobs {
		j := &jobs[i]
		if j.IsTerminalStage() {
			terminal++
		}
		switch j.State {
		case JobStatePending:
			pending++
		case JobStateProcessing:
			inFlight++
		case JobStateAwaitingApproval:
			awaiting++
		case JobStateApproved:
			approved++
		case JobStatePublished, JobStateRejected:
			done++
		case JobStateFailed:
			if j.RetryScheduled() {
				inFlight++
			} else {
				failed++
			}
		}
	}

	percent := terminal * 100 / total

	switch {
	case pending == total:
		return BatchStatusPending, percent
	case inFlight > 0 || pending > 0:
		return BatchStatusProcessing, percent
	case awaiting > 0:
		return BatchStatusAwaitingApproval, percent
	case approved > 0:
		return BatchStatusPublishing, percent
	case done == total:
		return BatchStatusCompleted, percent
	default:
		return BatchStatusFailed, percent
	}
}
