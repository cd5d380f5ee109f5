package job

// Status is the job state machine. Pending and Running are transient; the
// other four are terminal and a job never leaves a terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Error kinds recorded on a failing result. A non-zero command exit is a
// CommandFailure; an infrastructure-level failure to run the job at all is
// an ExecutorFault, which callers may retry (the engine itself never does).
const (
	ErrKindCommandFailure = "command_failure"
	ErrKindExecutorFault  = "executor_fault"
	ErrKindTimeout        = "timeout"
	ErrKindDeployFailure  = "deploy_failure"
)

// Reasons a deploy step was skipped. Skipping is not a failure; the job
// still ends Succeeded.
const (
	SkipReasonConditionFalse = "condition_false"
	SkipReasonConditionError = "condition_error"
	SkipReasonSecretError    = "secret_error"
)

// Result is the terminal report of one job: enough detail to reproduce a
// failure without re-running the whole matrix.
type Result struct {
	JobID string
	Name  string
	Stage string

	Status Status

	// FailingCommand and ExitCode identify the first failing step when
	// Status is Failed with a command failure.
	FailingCommand string
	ExitCode       int
	ErrorKind      string

	DeploySkipped    bool
	DeploySkipReason string

	// Output is the captured, redacted job output.
	Output string
}
