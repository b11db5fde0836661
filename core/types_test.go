package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobStatusPending:     false,
		JobStatusScheduled:   false,
		JobStatusClaimed:     false,
		JobStatusProcessing:  false,
		JobStatusCompleted:   true,
		JobStatusFailed:      true,
		JobStatusCancelled:   true,
		JobStatusDeadletter:  true,
		JobStatus("unknown"): false,
	}
	for status, want := range terminal {
		assert.Equal(t, want, status.IsTerminal(), "status %q", status)
	}
}

// TestJobDecode verifies the wire names that differ from the field
// names, queue_name and the lease timestamp in particular.
func TestJobDecode(t *testing.T) {
	body := `{
		"id": "job_01h",
		"queue_name": "emails",
		"status": "claimed",
		"payload": {"customer_email": "a@b.co"},
		"retry_count": 1,
		"max_retries": 3,
		"lease_expires_at": "2026-01-02T15:04:05Z"
	}`

	var job Job
	require.NoError(t, json.Unmarshal([]byte(body), &job))

	assert.Equal(t, "job_01h", job.ID)
	assert.Equal(t, "emails", job.Queue)
	assert.Equal(t, JobStatusClaimed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.Equal(t, 2026, job.LeaseExpiresAt.Year())
	assert.False(t, job.Status.IsTerminal())
}
