package store

import (
	"context"
	"time"
)

type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	// StatusSkipped means the branch filter rejected the trigger.
	StatusSkipped RunStatus = "skipped"
)

type Run struct {
	RunID         int64 `param:"run_id"`
	RunPipelineID int64
	Branch        string
	// Event is the trigger type: push, pull_request, cron or api.
	Event     string
	Output    *string
	Status    RunStatus
	CreatedOn time.Time
	StartedOn *time.Time
	EndedOn   *time.Time
}

type RunStore interface {
	CreateRun(context.Context, int64, string, string) (*Run, error)
	ReadRunByID(context.Context, int64) (*Run, error)
	UpdateRunStartedOn(context.Context, int64, RunStatus, *time.Time) error
	UpdateRunEndedOn(context.Context, int64, RunStatus, *time.Time) error
	AppendRunOutput(context.Context, int64, string) error
	DeleteRun(context.Context, int64) error
	ListPipelineRuns(context.Context, int64) ([]Run, error)
	ListLatestPipelineRuns(context.Context, int64, int64) ([]Run, error)
	CountPipelineRuns(context.Context, int64) (int64, error)
}
