// Package schedule orchestrates a pipeline run: jobs within a stage run
// concurrently, stages run strictly in declaration order, and a stage must
// pass completely before the next one is dispatched.
package schedule

import (
	"context"
	"io"
	"sync"

	"github.com/matrixci/matrixci/internal/job"
	"github.com/matrixci/matrixci/internal/types"
)

// Stage is a named, ordinally-positioned group of jobs.
type Stage struct {
	Name    string
	Ordinal int
	Jobs    []*job.Definition
}

// GroupByStage buckets expanded definitions by declared stage order.
// Expansion already validated every stage reference, so an unknown stage
// here cannot happen.
func GroupByStage(stageNames []string, defs []*job.Definition) []Stage {
	stages := make([]Stage, len(stageNames))
	for i, name := range stageNames {
		stages[i] = Stage{Name: name, Ordinal: i}
	}
	byName := make(map[string]int, len(stageNames))
	for i, name := range stageNames {
		byName[name] = i
	}
	for _, def := range defs {
		i := byName[def.Stage]
		stages[i].Jobs = append(stages[i].Jobs, def)
	}
	return stages
}

// JobRunner executes one job to a terminal state. The production
// implementation pairs a step runner with the job executor; tests
// substitute fakes.
type JobRunner interface {
	Execute(
		ctx context.Context,
		def *job.Definition,
		bctx *types.BuildContext,
		sink io.Writer,
	) job.Result
}

// SinkFactory hands out the live-output sink for one job. A nil factory
// (or a nil sink) discards live output; the captured output still lands in
// the job result.
type SinkFactory func(def *job.Definition) io.Writer

// Scheduler runs stages in ordinal order. Within a stage every job gets
// its own goroutine and execution context; the scheduler waits for all of
// them to reach a terminal state before deciding whether to proceed.
type Scheduler struct {
	runner JobRunner
}

func NewScheduler(runner JobRunner) *Scheduler {
	return &Scheduler{runner: runner}
}

// RunStages executes stages until one fails. It returns the results of
// every dispatched job, ordered by stage then by matrix order, and whether
// every dispatched job succeeded. A stage advances iff all of its jobs
// terminated Succeeded; any Failed, Errored or Cancelled job stops the
// pipeline and no later stage is dispatched.
func (s *Scheduler) RunStages(
	ctx context.Context,
	stages []Stage,
	bctx *types.BuildContext,
	sinks SinkFactory,
) ([]job.Result, bool) {
	var all []job.Result
	for _, stage := range stages {
		if len(stage.Jobs) == 0 {
			continue
		}
		results := make([]job.Result, len(stage.Jobs))
		var wg sync.WaitGroup
		for i, def := range stage.Jobs {
			wg.Go(func() {
				var sink io.Writer
				if sinks != nil {
					sink = sinks(def)
				}
				results[i] = s.runner.Execute(ctx, def, bctx, sink)
			})
		}
		wg.Wait()

		passed := true
		for _, r := range results {
			if r.Status != job.StatusSucceeded {
				passed = false
			}
		}
		all = append(all, results...)
		if !passed {
			// later stages must never run against a codebase that did not
			// pass earlier validation stages
			return all, false
		}
	}
	return all, true
}
