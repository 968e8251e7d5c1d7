// Package registry implements the durable map of jobs (C5): the single
// mutator of job status and schedule state, guarded by one mutex so a
// compare-and-swap run claim is never observed half-applied.
package registry

import (
	"time"

	"github.com/cronward/cronward/runtime/breaker"
)

// Status is a Job's position in its lifecycle.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusArmed    Status = "armed"
	StatusRunning  Status = "running"
	StatusDisabled Status = "disabled"
	StatusStuck    Status = "stuck"
)

// LastStatus records the outcome of a job's most recent completed run.
type LastStatus string

const (
	LastStatusSuccess LastStatus = "success"
	LastStatusFailure LastStatus = "failure"
	LastStatusTimeout LastStatus = "timeout"
)

// ScheduleKind names how Schedule.Expression is interpreted.
type ScheduleKind string

const (
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleOnce  ScheduleKind = "once"
)

// Schedule pairs an interpretation kind with its expression: a
// time.ParseDuration string for "every", a five-field cron expression for
// "cron", or an RFC3339 timestamp for "once".
type Schedule struct {
	Kind       ScheduleKind `json:"kind"`
	Expression string       `json:"expression"`
}

// ConcurrencyPolicy names how a due job that is already running should be
// treated. "queue" is declared but not implemented; see DESIGN.md.
type ConcurrencyPolicy string

const (
	ConcurrencySkip  ConcurrencyPolicy = "skip"
	ConcurrencyQueue ConcurrencyPolicy = "queue"
)

// Job is the durable unit the Cron Service schedules and the Job Runner
// executes. The registry is the sole owner of Status and NextRunAtMs;
// the runner receives a snapshot plus a run token and must not mutate the
// Job directly.
type Job struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	TemplateID        string            `json:"templateId"`
	Schedule          Schedule          `json:"schedule"`
	Status            Status            `json:"status"`
	ConcurrencyPolicy ConcurrencyPolicy `json:"concurrencyPolicy"`
	Enabled           bool              `json:"enabled"`
	OneShot           bool              `json:"oneShot"`
	Config            map[string]any    `json:"config,omitempty"`

	CircuitBreaker breaker.PersistedState `json:"circuitBreaker"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastRunAtMs int64      `json:"lastRunAtMs,omitempty"`
	NextRunAtMs int64      `json:"nextRunAtMs,omitempty"`
	LastStatus  LastStatus `json:"lastStatus,omitempty"`

	// CurrentRunULID is present iff Status == StatusRunning. Invariant
	// enforced entirely within TryClaimRun/ReleaseRun.
	CurrentRunULID string `json:"currentRunUlid,omitempty"`
}

// RunRecord is one append-only entry in a job's JSONL run log.
type RunRecord struct {
	JobID          string     `json:"jobId"`
	RunULID        string     `json:"runUlid"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	Status         LastStatus `json:"status"`
	ItemsProcessed int        `json:"itemsProcessed"`
	ToolCalls      int        `json:"toolCalls"`
	DurationMs     int64      `json:"durationMs"`
	Error          string     `json:"error,omitempty"`
}
