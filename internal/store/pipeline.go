package store

import (
	"context"
	"time"
)

type Pipeline struct {
	PipelineID int64 `param:"pipeline_id"`
	Name       string
	Description string
	// Declaration is the pipeline declaration YAML.
	Declaration string
	// Schedule is a cron expression for scheduled runs.
	Schedule *string
	// Git branch for scheduled runs
	ScheduleBranch *string
	// Scheduled job ID
	ScheduleJobID *string
	CreatedOn     time.Time
}

type PipelineStore interface {
	CreatePipeline(context.Context, string, string, string) (*Pipeline, error)
	ReadPipelineByID(context.Context, int64) (*Pipeline, error)
	UpdatePipeline(context.Context, int64, string, string, string) error
	UpdatePipelineSchedule(context.Context, int64, *string, *string, *string) error
	UpdatePipelineScheduleJobID(context.Context, int64, *string) error
	DeletePipeline(context.Context, int64) error
	ListPipelines(context.Context) ([]*Pipeline, error)
	ListScheduledPipelines(context.Context) ([]*Pipeline, error)
}
