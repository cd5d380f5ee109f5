package job

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
)

// Executor drives one job through its state machine:
//
//	Pending -> Running -> {Succeeded, Failed, Errored, Cancelled}
//
// Step-groups run strictly in order; the first non-zero exit fails the job
// and aborts the remaining commands and groups. Cancellation is
// cooperative: the current command finishes, then the job transitions to
// Cancelled before the next command starts. A configured wall-clock
// timeout kills the running command and fails the job with a timeout kind.
type Executor struct {
	secrets   security.Resolver
	redactor  *security.Redactor
	deployers map[string]Deployer
	timeout   time.Duration
}

func NewExecutor(
	secrets security.Resolver,
	redactor *security.Redactor,
	deployers map[string]Deployer,
	timeout time.Duration,
) *Executor {
	return &Executor{
		secrets:   secrets,
		redactor:  redactor,
		deployers: deployers,
		timeout:   timeout,
	}
}

// Execute runs one job to a terminal state. ctx carries cancellation from
// the scheduler (supersession, shutdown); the job's wall-clock budget is
// tracked separately so a cancel lets the current command finish while a
// timeout does not. All output is redacted before it reaches sink or the
// returned Result.
func (e *Executor) Execute(
	ctx context.Context,
	runner StepRunner,
	def *Definition,
	bctx *types.BuildContext,
	sink io.Writer,
) (result Result) {
	result = Result{
		JobID:  def.ID,
		Name:   def.Name,
		Stage:  def.Stage,
		Status: StatusPending,
	}

	capture := new(bytes.Buffer)
	if sink == nil {
		sink = io.Discard
	}
	out := e.redactor.Writer(io.MultiWriter(capture, sink))
	defer func() {
		out.Flush()
		result.Output = capture.String()
	}()

	// separate budget context: cancellation must not kill the command in
	// flight, the per-job timeout must
	budgetCtx := context.Background()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(budgetCtx, e.timeout)
		defer cancel()
	}

	result.Status = StatusRunning
	if err := runner.Prepare(budgetCtx); err != nil {
		fmt.Fprintf(out, "failed to provision job environment: %v\n", err)
		result.Status = StatusErrored
		result.ErrorKind = ErrKindExecutorFault
		e.closeRunner(runner)
		return result
	}
	defer e.closeRunner(runner)

	env := e.jobEnv(def, bctx)

	for _, group := range def.commandGroups() {
		for _, command := range group.commands {
			if ctx.Err() != nil {
				fmt.Fprintln(out, "job cancelled")
				result.Status = StatusCancelled
				return result
			}
			fmt.Fprintf(out, "$ %s\n", command)
			exit, err := runner.Run(budgetCtx, command, env, out)
			if budgetCtx.Err() == context.DeadlineExceeded {
				fmt.Fprintf(out, "job exceeded wall-clock budget of %s\n", e.timeout)
				result.Status = StatusFailed
				result.ErrorKind = ErrKindTimeout
				result.FailingCommand = command
				return result
			}
			if err != nil {
				fmt.Fprintf(out, "executor fault in %s: %v\n", group.name, err)
				result.Status = StatusErrored
				result.ErrorKind = ErrKindExecutorFault
				return result
			}
			if exit != 0 {
				fmt.Fprintf(out, "command exited with %d\n", exit)
				result.Status = StatusFailed
				result.ErrorKind = ErrKindCommandFailure
				result.FailingCommand = command
				result.ExitCode = exit
				return result
			}
		}
	}

	if def.Deploy != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(out, "job cancelled")
			result.Status = StatusCancelled
			return result
		}
		e.deploy(budgetCtx, runner, def, bctx, env, out, &result)
		if result.Status.Terminal() {
			return result
		}
	}

	result.Status = StatusSucceeded
	return result
}

// deploy gates and dispatches the deploy step. A false condition, a
// condition referencing an unknown field, or a secret that fails to
// resolve all skip the deploy: the job still succeeds, the skip and its
// reason are recorded, and a warning is logged. Skipping is not a failure.
func (e *Executor) deploy(
	budgetCtx context.Context,
	runner StepRunner,
	def *Definition,
	bctx *types.BuildContext,
	env []types.EnvVar,
	out io.Writer,
	result *Result,
) {
	d := def.Deploy

	if d.Condition != nil {
		ok, err := d.Condition.Eval(bctx)
		if err != nil {
			log.Printf("job %s: deploy condition %q: %v", def.Name, d.RawCondition, err)
			fmt.Fprintf(out, "skipping deploy: condition error: %v\n", err)
			result.DeploySkipped = true
			result.DeploySkipReason = SkipReasonConditionError
			return
		}
		if !ok {
			fmt.Fprintf(out, "skipping deploy: condition %q not met\n", d.RawCondition)
			result.DeploySkipped = true
			result.DeploySkipReason = SkipReasonConditionFalse
			return
		}
	}

	deployEnv := env
	if d.Password != nil {
		plaintext, err := e.secrets.Resolve(*d.Password, bctx)
		if err != nil {
			log.Printf("job %s: %v", def.Name, err)
			fmt.Fprintf(out, "skipping deploy: secret %q could not be resolved\n", d.Password.Name)
			result.DeploySkipped = true
			result.DeploySkipReason = SkipReasonSecretError
			return
		}
		// plaintext lives only in this job's deploy environment; every
		// captured line already passes through the redactor
		e.redactor.Add(plaintext)
		deployEnv = append(append([]types.EnvVar{}, env...), types.EnvVar{
			Name:  secretEnvName(d.Password.Name),
			Value: plaintext,
		})
	}

	deployer, ok := e.deployers[d.Provider]
	if !ok {
		fmt.Fprintf(out, "no deployer registered for provider %q\n", d.Provider)
		result.Status = StatusErrored
		result.ErrorKind = ErrKindExecutorFault
		return
	}

	fmt.Fprintf(out, "deploying with provider %q\n", d.Provider)
	if err := deployer.Deploy(budgetCtx, runner, d, deployEnv, out); err != nil {
		if budgetCtx.Err() == context.DeadlineExceeded {
			result.Status = StatusFailed
			result.ErrorKind = ErrKindTimeout
			return
		}
		fmt.Fprintf(out, "deploy failed: %v\n", err)
		result.Status = StatusFailed
		result.ErrorKind = ErrKindDeployFailure
		result.FailingCommand = GroupDeploy + ":" + d.Provider
		return
	}
}

// jobEnv builds the process environment for a job's steps: engine
// built-ins first, then the definition's merged variables so declared
// values win.
func (e *Executor) jobEnv(def *Definition, bctx *types.BuildContext) []types.EnvVar {
	env := []types.EnvVar{
		{Name: "CI", Value: "true"},
		{Name: "MATRIXCI", Value: "true"},
		{Name: "MATRIXCI_BRANCH", Value: bctx.Branch()},
		{Name: "MATRIXCI_EVENT_TYPE", Value: string(bctx.Event())},
		{Name: "MATRIXCI_REPO", Value: bctx.Repo()},
		{Name: "MATRIXCI_STAGE", Value: def.Stage},
		{Name: "MATRIXCI_OS", Value: def.OS},
		{Name: "MATRIXCI_RUNTIME", Value: def.Runtime},
	}
	return append(env, def.Env...)
}

func (e *Executor) closeRunner(runner StepRunner) {
	if err := runner.Close(); err != nil {
		log.Printf("err closing step runner: %+v", err)
	}
}

func secretEnvName(name string) string {
	name = strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
	return "DEPLOY_" + name
}
