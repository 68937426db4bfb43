package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields are carried in context through the call chain.
const (
	FieldRequestID = "request_id"
	FieldBatchID   = "batch_id"
	FieldJobID     = "job_id"
	FieldSermonID  = "sermon_id"
	FieldWorkerID  = "worker_id"
	FieldQueueID   = "queue_entry_id"
	FieldComponent = "component"
	FieldSource    = "source"
	FieldTask      = "task"
)

// Metric fields are attached per entry for aggregation and alerting.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
	FieldState      = "state"
	FieldProgress   = "progress"
	FieldAttempt    = "attempt"
)
