package domain

import "time"

// QueueKind selects the handler for a queue entry.
type QueueKind string

const (
	QueueKindProcess   QueueKind = "process"
	QueueKindPublish   QueueKind = "publish"
	QueueKindDiscover  QueueKind = "discover"
	QueueKindReconcile QueueKind = "reconcile"
	QueueKindCleanup   QueueKind = "cleanup"
)

// IsValid reports whether k is a known kind.
func (k QueueKind) IsValid() bool {
	switch k {
	case QueueKindProcess, QueueKindPublish, QueueKindDiscover, QueueKindReconcile, QueueKindCleanup:
		return true
	}
	return false
}

// IsTask reports whether k is a scheduler task rather than a per-job entry.
func (k QueueKind) IsTask() bool {
	return k == QueueKindDiscover || k == QueueKindReconcile || k == QueueKindCleanup
}

// QueueEntry is one durable unit of work. Entries are leased by a worker and
// become visible again when the lease expires without an ack.
type QueueEntry struct {
	ID             string     `gorm:"type:text;primaryKey" json:"id"`
	Kind           QueueKind  `gorm:"type:text;not null;index:idx_queue_open" json:"kind"`
	JobID          string     `gorm:"type:text;index" json:"job_id,omitempty"`
	Payload        string     `gorm:"type:text" json:"payload,omitempty"`
	AvailableAt    time.Time  `gorm:"not null;index:idx_queue_open" json:"available_at"`
	LeaseOwner     string     `gorm:"type:text" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	DoneAt         *time.Time `gorm:"index:idx_queue_open" json:"done_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TableName returns the database table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "queue_entries"
}
