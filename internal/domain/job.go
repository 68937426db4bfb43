package domain

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a single video Job.
type JobState string

const (
	JobStatePending          JobState = "pending"
	JobStateProcessing       JobState = "processing"
	JobStateAwaitingApproval JobState = "awaiting_approval"
	JobStateApproved         JobState = "approved"
	JobStateRejected         JobState = "rejected"
	JobStatePublished        JobState = "published"
	JobStateFailed           JobState = "failed"
)

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{
	JobStatePending,
	JobStateProcessing,
	JobStateAwaitingApproval,
	JobStateApproved,
	JobStateRejected,
	JobStatePublished,
	JobStateFailed,
}

// IsValid reports whether s is a known state.
func (s JobState) IsValid() bool {
	switch s {
	case JobStatePending, JobStateProcessing, JobStateAwaitingApproval,
		JobStateApproved, JobStateRejected, JobStatePublished, JobStateFailed:
		return true
	}
	return false
}

// ParseJobState converts a raw string into a JobState.
func ParseJobState(raw string) (JobState, error) {
	s := JobState(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown job state %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// JobStage identifies which half of the pipeline a failure happened in.
type JobStage string

const (
	StageProcess JobStage = "process"
	StagePublish JobStage = "publish"
)

// allowedTransitions is the complete job state machine. A processing self-loop
// covers progress updates and the re-pickup of a Job whose lease expired.
var allowedTransitions = map[JobState]map[JobState]bool{
	JobStatePending: {
		JobStateProcessing: true,
	},
	JobStateProcessing: {
		JobStateProcessing:       true,
		JobStateAwaitingApproval: true,
		JobStateFailed:           true,
	},
	JobStateAwaitingApproval: {
		JobStateApproved: true,
		JobStateRejected: true,
	},
	JobStateApproved: {
		JobStatePublished: true,
		JobStateFailed:    true,
	},
	JobStateFailed: {
		JobStatePending:  true, // process-stage retry
		JobStateApproved: true, // publish-stage retry
	},
	JobStateRejected:  {},
	JobStatePublished: {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to JobState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// CheckTransition returns ErrInvalidState for an illegal move.
func CheckTransition(from, to JobState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a job transition", ErrInvalidState, from, to)
	}
	return nil
}

// Decision is the outcome of a human review.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionApprove Decision = "approved"
	DecisionReject  Decision = "rejected"
)

// ParseDecision accepts "approve"/"approved" and "reject"/"rejected".
func ParseDecision(raw string) (Decision, error) {
	switch raw {
	case "approve", "approved":
		return DecisionApprove, nil
	case "reject", "rejected":
		return DecisionReject, nil
	}
	return DecisionNone, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, raw)
}

// TargetState returns the state a decision moves an awaiting Job into.
func (d Decision) TargetState() JobState {
	if d == DecisionApprove {
		return JobStateApproved
	}
	return JobStateRejected
}

// Job tracks one sermon's video through processing, approval and publishing.
type Job struct {
	ID       string   `gorm:"type:text;primaryKey" json:"id"`
	BatchID  string   `gorm:"type:text;not null;index" json:"batch_id"`
	SermonID string   `gorm:"type:text;not null;uniqueIndex" json:"sermon_id"`
	Position int      `gorm:"not null;default:0" json:"position"`
	State    JobState `gorm:"type:text;not null;index;default:pending" json:"state"`
	Progress int      `gorm:"not null;default:0" json:"progress"`

	ErrorDetail string     `gorm:"type:text" json:"error_detail,omitempty"`
	RetryCount  int        `gorm:"not null;default:0" json:"retry_count"`
	FailedStage JobStage   `gorm:"type:text" json:"failed_stage,omitempty"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at,omitempty"`

	LeaseOwner     string     `gorm:"type:text;index" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Decision  Decision   `gorm:"type:text" json:"decision,omitempty"`
	DecidedBy string     `gorm:"type:text" json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	VideoKey     string      `gorm:"type:text" json:"video_key,omitempty"`
	ThumbnailKey string      `gorm:"type:text" json:"thumbnail_key,omitempty"`
	Title        string      `gorm:"type:text" json:"title,omitempty"`
	Description  string      `gorm:"type:text" json:"description,omitempty"`
	Tags         StringArray `gorm:"type:text" json:"tags,omitempty"`

	ExternalVideoID string     `gorm:"type:text;index" json:"external_video_id,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// RetryScheduled reports whether a failed Job will be revived automatically.
func (j *Job) RetryScheduled() bool {
	return j.State == JobStateFailed && j.NextRetryAt != nil
}

// IsTerminalStage reports whether no automatic processing is outstanding for
// the Job's current stage. Failed only counts once retries are exhausted.
func (j *Job) IsTerminalStage() bool {
	switch j.State {
	case JobStateAwaitingApproval, JobStateApproved, JobStateRejected, JobStatePublished:
		return true
	case JobStateFailed:
		return !j.RetryScheduled()
	default:
		return false
	}
}

// LeaseActive reports whether the Job is owned by some worker at now.
func (j *Job) LeaseActive(now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// RetryTarget is the state a scheduled retry revives the Job into.
func (j *Job) RetryTarget() JobState {
	if j.FailedStage == StagePublish {
		return JobStateApproved
	}
	return JobStatePending
}

// PublishMarker is embedded in uploaded metadata so a retry can find a video
// the remote side created even though the local commit never happened.
func PublishMarker(jobID string) string {
	return "sermontube-job:" + jobID
}
