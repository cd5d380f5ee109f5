package job

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matrixci/matrixci/internal/condition"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
	"github.com/stretchr/testify/assert"
)

type fakeRunner struct {
	mu         sync.Mutex
	prepareErr error
	closed     bool
	commands   []string
	envs       map[string][]types.EnvVar
	exits      map[string]int
	errs       map[string]error
	outputs    map[string]string
	onRun      func(command string)
}

func (f *fakeRunner) Prepare(ctx context.Context) error {
	return f.prepareErr
}

func (f *fakeRunner) Run(
	ctx context.Context,
	command string,
	env []types.EnvVar,
	output io.Writer,
) (int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	if f.envs == nil {
		f.envs = make(map[string][]types.EnvVar)
	}
	f.envs[command] = env
	f.mu.Unlock()

	if f.onRun != nil {
		f.onRun(command)
	}
	if out, ok := f.outputs[command]; ok {
		io.WriteString(output, out)
	}
	if err := f.errs[command]; err != nil {
		return -1, err
	}
	return f.exits[command], nil
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSecrets struct {
	value string
	err   error
}

func (f fakeSecrets) Resolve(ref security.Ref, bctx *types.BuildContext) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

func testDefinition() *Definition {
	return &Definition{
		ID:            "job-1",
		Name:          "linux/3.7",
		Stage:         "test",
		OS:            "linux",
		Runtime:       "3.7",
		Env:           []types.EnvVar{{Name: "COVERAGE", Value: "1"}},
		BeforeInstall: []string{"pip install -r requirements.txt"},
		Install:       []string{"pip install -e ."},
		Script:        []string{"make lint", "make test"},
	}
}

func testExecutor(secrets security.Resolver, deployers map[string]Deployer, timeout time.Duration) *Executor {
	if secrets == nil {
		secrets = fakeSecrets{}
	}
	if deployers == nil {
		deployers = map[string]Deployer{"script": ScriptDeployer{}}
	}
	return NewExecutor(secrets, security.NewRedactor(), deployers, timeout)
}

func pushContext() *types.BuildContext {
	return types.NewBuildContext("master", types.EventPush, "cirq/cirq", "", nil)
}

func TestExecute(t *testing.T) {
	t.Run("success - step-groups run in order", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, testDefinition(), pushContext(), nil)

		// assert
		assert.Equal(t, StatusSucceeded, result.Status)
		assert.Equal(t, []string{
			"pip install -r requirements.txt",
			"pip install -e .",
			"make lint",
			"make test",
		}, runner.commands)
		assert.True(t, runner.closed)
	})

	t.Run("commands see built-in and declared environment", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		e := testExecutor(nil, nil, 0)

		// act
		e.Execute(context.Background(), runner, testDefinition(), pushContext(), nil)

		// assert
		env := runner.envs["make test"]
		byName := make(map[string]string, len(env))
		for _, ev := range env {
			byName[ev.Name] = ev.Value
		}
		assert.Equal(t, "true", byName["CI"])
		assert.Equal(t, "master", byName["MATRIXCI_BRANCH"])
		assert.Equal(t, "push", byName["MATRIXCI_EVENT_TYPE"])
		assert.Equal(t, "test", byName["MATRIXCI_STAGE"])
		assert.Equal(t, "1", byName["COVERAGE"])
	})

	t.Run("failure - non-zero exit stops remaining commands", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{exits: map[string]int{"make lint": 2}}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, testDefinition(), pushContext(), nil)

		// assert
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, ErrKindCommandFailure, result.ErrorKind)
		assert.Equal(t, "make lint", result.FailingCommand)
		assert.Equal(t, 2, result.ExitCode)
		assert.NotContains(t, runner.commands, "make test")
	})

	t.Run("errored - runner fault is not a command failure", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{errs: map[string]error{"make lint": io.ErrUnexpectedEOF}}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, testDefinition(), pushContext(), nil)

		// assert
		assert.Equal(t, StatusErrored, result.Status)
		assert.Equal(t, ErrKindExecutorFault, result.ErrorKind)
		assert.Empty(t, result.FailingCommand)
	})

	t.Run("errored - prepare failure", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{prepareErr: io.ErrClosedPipe}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, testDefinition(), pushContext(), nil)

		// assert
		assert.Equal(t, StatusErrored, result.Status)
		assert.Equal(t, ErrKindExecutorFault, result.ErrorKind)
		assert.Empty(t, runner.commands)
		assert.True(t, runner.closed)
	})

	t.Run("cancellation lets the current command finish", func(t *testing.T) {
		// arrange
		ctx, cancel := context.WithCancel(context.Background())
		runner := &fakeRunner{onRun: func(command string) {
			if command == "make lint" {
				cancel()
			}
		}}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(ctx, runner, testDefinition(), pushContext(), nil)

		// assert
		assert.Equal(t, StatusCancelled, result.Status)
		assert.Contains(t, runner.commands, "make lint")
		assert.NotContains(t, runner.commands, "make test")
		assert.Contains(t, result.Output, "job cancelled")
	})

	t.Run("timeout fails the job with a timeout kind", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{onRun: func(command string) {
			time.Sleep(150 * time.Millisecond)
		}}
		e := testExecutor(nil, nil, 20*time.Millisecond)

		// act
		result := e.Execute(context.Background(), runner, testDefinition(), pushContext(), nil)

		// assert
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, ErrKindTimeout, result.ErrorKind)
		assert.Equal(t, "pip install -r requirements.txt", result.FailingCommand)
	})

	t.Run("output is captured and echoed to the sink", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{outputs: map[string]string{"make test": "42 passed\n"}}
		sink := new(strings.Builder)
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, testDefinition(), pushContext(), sink)

		// assert
		assert.Contains(t, result.Output, "$ make test\n")
		assert.Contains(t, result.Output, "42 passed\n")
		assert.Contains(t, sink.String(), "42 passed\n")
	})
}

func deployDefinition(on string) *Definition {
	def := testDefinition()
	def.Deploy = &Deploy{
		Provider:     "script",
		RawCondition: on,
		Script:       []string{"make publish"},
	}
	if on != "" {
		expr, err := condition.Parse(on)
		if err != nil {
			panic(err)
		}
		def.Deploy.Condition = expr
	}
	return def
}

func TestExecuteDeploy(t *testing.T) {
	t.Run("deploy runs when the condition holds", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(
			context.Background(), runner, deployDefinition("branch = master"), pushContext(), nil,
		)

		// assert
		assert.Equal(t, StatusSucceeded, result.Status)
		assert.False(t, result.DeploySkipped)
		assert.Contains(t, runner.commands, "make publish")
	})

	t.Run("false condition skips the deploy, job still succeeds", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(
			context.Background(), runner, deployDefinition("branch = develop"), pushContext(), nil,
		)

		// assert
		assert.Equal(t, StatusSucceeded, result.Status)
		assert.True(t, result.DeploySkipped)
		assert.Equal(t, SkipReasonConditionFalse, result.DeploySkipReason)
		assert.NotContains(t, runner.commands, "make publish")
	})

	t.Run("unknown condition field skips the deploy with a warning", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(
			context.Background(), runner, deployDefinition("commit_message = go"), pushContext(), nil,
		)

		// assert
		assert.Equal(t, StatusSucceeded, result.Status)
		assert.True(t, result.DeploySkipped)
		assert.Equal(t, SkipReasonConditionError, result.DeploySkipReason)
		assert.NotContains(t, runner.commands, "make publish")
	})

	t.Run("secret failure skips the deploy, job still succeeds", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		def := deployDefinition("")
		def.Deploy.Password = &security.Ref{Name: "pypi password", Ciphertext: "00"}
		e := testExecutor(fakeSecrets{err: security.SecretError{Name: "pypi password"}}, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, def, pushContext(), nil)

		// assert
		assert.Equal(t, StatusSucceeded, result.Status)
		assert.True(t, result.DeploySkipped)
		assert.Equal(t, SkipReasonSecretError, result.DeploySkipReason)
		assert.NotContains(t, runner.commands, "make publish")
	})

	t.Run("resolved secret enters the deploy environment redacted", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{outputs: map[string]string{
			"make publish": "uploading with hunter2secret\n",
		}}
		def := deployDefinition("")
		def.Deploy.Password = &security.Ref{Name: "pypi password", Ciphertext: "00"}
		e := testExecutor(fakeSecrets{value: "hunter2secret"}, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, def, pushContext(), nil)

		// assert
		assert.Equal(t, StatusSucceeded, result.Status)
		env := runner.envs["make publish"]
		byName := make(map[string]string, len(env))
		for _, ev := range env {
			byName[ev.Name] = ev.Value
		}
		assert.Equal(t, "hunter2secret", byName["DEPLOY_PYPI_PASSWORD"])
		assert.NotContains(t, result.Output, "hunter2secret")
		assert.Contains(t, result.Output, security.Mask)
	})

	t.Run("secret stays out of non-deploy command environments", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		def := deployDefinition("")
		def.Deploy.Password = &security.Ref{Name: "pypi password", Ciphertext: "00"}
		e := testExecutor(fakeSecrets{value: "hunter2secret"}, nil, 0)

		// act
		e.Execute(context.Background(), runner, def, pushContext(), nil)

		// assert
		for _, ev := range runner.envs["make test"] {
			assert.NotEqual(t, "hunter2secret", ev.Value)
		}
	})

	t.Run("unregistered provider errors the job", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		def := deployDefinition("")
		def.Deploy.Provider = "pypi"
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, def, pushContext(), nil)

		// assert
		assert.Equal(t, StatusErrored, result.Status)
		assert.Equal(t, ErrKindExecutorFault, result.ErrorKind)
	})

	t.Run("deploy command failure fails the job", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{exits: map[string]int{"make publish": 1}}
		e := testExecutor(nil, nil, 0)

		// act
		result := e.Execute(context.Background(), runner, deployDefinition(""), pushContext(), nil)

		// assert
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, ErrKindDeployFailure, result.ErrorKind)
	})
}
