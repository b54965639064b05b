package model

import "time"

// JobStatus はバックグラウンドジョブの状態。
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job はバックグラウンドで実行されるジョブ。
// ジョブは実行のトリガーに過ぎず、永続的な意図はPENDINGのFix行が表す。
type Job struct {
	ID          string
	Type        string
	Payload     []byte
	Status      JobStatus
	Progress    int
	Attempts    int
	MaxAttempts int
	LastError   string
	RunAt       time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
