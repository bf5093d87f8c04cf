package domain

import "time"

// CronJob is a scheduled job reported by the local agent tooling and
// mirrored into the remote store.
type CronJob struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Schedule  CronSchedule `json:"schedule"`
	Enabled   bool         `json:"enabled"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt *time.Time   `json:"next_run_at,omitempty"`
	RunCount  int          `json:"run_count,omitempty"`
}

// CronSchedule supports three kinds: "at" (one-shot), "every" (interval),
// "cron" (expression).
type CronSchedule struct {
	Kind       string `json:"kind"`
	At         string `json:"at,omitempty"`
	EveryMs    int64  `json:"every_ms,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Cron action verbs accepted by LocalControl.RunCronAction.
const (
	CronActionEnable  = "enable"
	CronActionDisable = "disable"
	CronActionRun     = "run"
	CronActionRemove  = "remove"
)

// CronActionRequest is a job action queued in the remote store for the relay
// to execute against the local tooling.
type CronActionRequest struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Cron action completion statuses reported back to the remote store.
const (
	CronActionStatusCompleted = "completed"
	CronActionStatusError     = "error"
)
