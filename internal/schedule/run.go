package schedule

import (
	"context"
	"io"
	"slices"

	"github.com/matrixci/matrixci/internal/declaration"
	"github.com/matrixci/matrixci/internal/job"
	"github.com/matrixci/matrixci/internal/matrix"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
)

// Status is the overall terminal status of a pipeline run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusSkipped means the branch filter rejected the trigger and no
	// run was created.
	StatusSkipped Status = "skipped"
)

// RunResult reports a finished run: its overall status and the terminal
// result of every dispatched job, in stage order.
type RunResult struct {
	Status   Status
	Filtered bool
	Jobs     []job.Result
}

// Cancelled reports whether any job ended Cancelled. The run status is
// still Failed; this distinguishes a superseded run from a broken one.
func (rr *RunResult) Cancelled() bool {
	for _, r := range rr.Jobs {
		if r.Status == job.StatusCancelled {
			return true
		}
	}
	return false
}

// Pipeline is the top-level driver: branch filter, matrix expansion, then
// stage-ordered execution.
type Pipeline struct {
	runner       JobRunner
	secretScheme security.Scheme
	providers    []string
}

func NewPipeline(runner JobRunner, secretScheme security.Scheme) *Pipeline {
	return &Pipeline{runner: runner, secretScheme: secretScheme}
}

// RestrictProviders limits deploy providers to the given names. When a set
// is given, an expanded job naming any other provider is a ConfigError
// before any job is dispatched.
func (p *Pipeline) RestrictProviders(names ...string) {
	p.providers = names
}

// Run interprets a declaration against a build context and drives it to
// completion. A ConfigError from expansion aborts before any job runs.
func (p *Pipeline) Run(
	ctx context.Context,
	decl *declaration.Declaration,
	bctx *types.BuildContext,
	sinks SinkFactory,
) (*RunResult, error) {
	if !decl.BranchAllowed(bctx.Branch()) {
		return &RunResult{Status: StatusSkipped, Filtered: true}, nil
	}

	defs, err := matrix.Expand(decl, p.secretScheme)
	if err != nil {
		return nil, err
	}
	if len(p.providers) > 0 {
		for _, def := range defs {
			if def.Deploy == nil || slices.Contains(p.providers, def.Deploy.Provider) {
				continue
			}
			return nil, declaration.NewConfigError(
				"deploy provider %q is not registered", def.Deploy.Provider,
			)
		}
	}
	stages := GroupByStage(decl.Stages, defs)

	scheduler := NewScheduler(p.runner)
	results, passed := scheduler.RunStages(ctx, stages, bctx, sinks)

	status := StatusSucceeded
	if !passed {
		status = StatusFailed
	}
	return &RunResult{Status: status, Jobs: results}, nil
}

// EngineRunner is the production JobRunner: it builds a step runner per
// job and hands it to the executor.
type EngineRunner struct {
	executor *job.Executor
	factory  job.RunnerFactory
}

func NewEngineRunner(executor *job.Executor, factory job.RunnerFactory) *EngineRunner {
	return &EngineRunner{executor: executor, factory: factory}
}

func (er *EngineRunner) Execute(
	ctx context.Context,
	def *job.Definition,
	bctx *types.BuildContext,
	sink io.Writer,
) job.Result {
	runner, err := er.factory(def)
	if err != nil {
		return job.Result{
			JobID:     def.ID,
			Name:      def.Name,
			Stage:     def.Stage,
			Status:    job.StatusErrored,
			ErrorKind: job.ErrKindExecutorFault,
			Output:    "failed to build step runner: " + err.Error() + "\n",
		}
	}
	return er.executor.Execute(ctx, runner, def, bctx, sink)
}
