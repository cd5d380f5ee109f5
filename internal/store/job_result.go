package store

import (
	"context"
	"time"
)

// JobResult is the persisted terminal state of one job in a run. Output is
// stored post-redaction only.
type JobResult struct {
	JobResultID int64
	ResultRunID int64
	// JobID is the expansion-time job identifier.
	JobID            string
	Stage            string
	Name             string
	Status           string
	FailingCommand   *string
	ExitCode         *int64
	ErrorKind        *string
	DeploySkipped    bool
	DeploySkipReason *string
	Output           *string
	CreatedOn        time.Time
}

type JobResultStore interface {
	CreateJobResult(context.Context, *JobResult) (*JobResult, error)
	ListRunJobResults(context.Context, int64) ([]JobResult, error)
	DeleteRunJobResults(context.Context, int64) error
}
