package model

import "time"

type JobID string
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status will never change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a persisted deferred post.
type Job struct {
	ID        JobID            `json:"id"`
	Status    JobStatus        `json:"status"`
	Request   PostRequest      `json:"request"`
	Delay     time.Duration    `json:"delay"`
	RunAt     time.Time        `json:"runAt"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Result    *AggregateResult `json:"result,omitempty"`
	LastError string           `json:"lastError,omitempty"`

	// Owner and LeaseUntil are set while a worker holds the job. A lease
	// that is not renewed in time marks the job as interrupted.
	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`
	Attempts   int       `json:"attempts"`
}

// Lease is a worker's claim on executing jobs.
type Lease struct {
	Owner string
	Until time.Time
}

func (j *Job) Handle() *JobHandle {
	return &JobHandle{
		ID:      j.ID,
		Status:  j.Status,
		DelayMS: j.Delay.Milliseconds(),
		RunAt:   j.RunAt,
	}
}

// JobHandle acknowledges a deferred post.
type JobHandle struct {
	ID      JobID     `json:"id"`
	Status  JobStatus `json:"status"`
	DelayMS int64     `json:"delayMs"`
	RunAt   time.Time `json:"runAt"`
}
