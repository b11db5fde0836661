package core

import "time"

// JobStatus is the server-side lifecycle state of a job. The client
// treats it as observed data; transitions are owned by the server.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusClaimed    JobStatus = "claimed"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusDeadletter JobStatus = "deadletter"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusDeadletter:
		return true
	default:
		return false
	}
}

// Job is the queue entry as observed by the client. Fields beyond the
// identifying and lease-tracking ones are opaque to the runtimes.
type Job struct {
	ID             string                 `json:"id"`
	Queue          string                 `json:"queue_name"`
	Status         JobStatus              `json:"status"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Priority       int                    `json:"priority,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	LeaseExpiresAt *time.Time             `json:"lease_expires_at,omitempty"`
	ScheduledFor   *time.Time             `json:"scheduled_for,omitempty"`
	CreatedAt      *time.Time             `json:"created_at,omitempty"`
	UpdatedAt      *time.Time             `json:"updated_at,omitempty"`
}

// WorkerStatus is what a worker reports in its liveness heartbeat.
type WorkerStatus string

const (
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusDegraded WorkerStatus = "degraded"
)

// WorkerRegistration is sent on registration and echoed back with
// server-assigned values. Server-advised intervals take precedence over
// configured defaults when present.
type WorkerRegistration struct {
	ID                string            `json:"id,omitempty"`
	Queue             string            `json:"queue_name"`
	Hostname          string            `json:"hostname,omitempty"`
	Concurrency       int               `json:"concurrency,omitempty"`
	WorkerType        string            `json:"worker_type,omitempty"`
	Version           string            `json:"version,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	HeartbeatInterval int               `json:"heartbeat_interval_secs,omitempty"`
	LeaseDuration     int               `json:"lease_duration_secs,omitempty"`
}

// QueueStats is the per-queue counter snapshot.
type QueueStats struct {
	Queue      string `json:"queue_name"`
	Pending    int64  `json:"pending"`
	Scheduled  int64  `json:"scheduled"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	Deadletter int64  `json:"deadletter"`

	// OldestPendingAgeSecs is zero when the queue is empty.
	OldestPendingAgeSecs int64 `json:"oldest_pending_age_secs,omitempty"`
}
