package models

import (
	"encoding/json"
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStuck      Status = "stuck"
	StatusDead       Status = "dead"
)

// Terminal reports whether a record in this status is never mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDead
}

// QueueType identifies the broker family a record belongs to.
type QueueType string

const (
	QueueBull   QueueType = "bull"
	QueueBullMQ QueueType = "bullmq"
	QueueBee    QueueType = "bee"
)

// Valid reports whether t is one of the supported broker families.
func (t QueueType) Valid() bool {
	return t == QueueBull || t == QueueBullMQ || t == QueueBee
}

// JobRecord mirrors one broker job into the jobguard_jobs table.
type JobRecord struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queue_name"`
	QueueType     QueueType       `json:"queue_type"`
	JobID         string          `json:"job_id"`
	JobName       *string         `json:"job_name,omitempty"`
	Data          json.RawMessage `json:"data"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
}

// RetriesLeft reports whether the record may still be re-enqueued after a stuck harvest.
func (r *JobRecord) RetriesLeft() bool {
	return r.Attempts < r.MaxAttempts
}

// Statistics aggregates per-status row counts for one queue.
type Statistics struct {
	QueueName string           `json:"queue_name"`
	Total     int64            `json:"total"`
	ByStatus  map[Status]int64 `json:"by_status"`
}
