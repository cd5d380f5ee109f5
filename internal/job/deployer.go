package job

import (
	"context"
	"fmt"
	"io"

	"github.com/matrixci/matrixci/internal/types"
)

// Deployer performs the provider-specific upload for a deploy step. The
// provider's own protocol is outside the engine; the executor only decides
// whether to call it and with which environment (resolved secrets
// included).
type Deployer interface {
	Deploy(
		ctx context.Context,
		runner StepRunner,
		d *Deploy,
		env []types.EnvVar,
		output io.Writer,
	) error
}

// ScriptDeployer is the built-in "script" provider: it runs the deploy
// spec's commands through the job's own step runner.
type ScriptDeployer struct{}

func (ScriptDeployer) Deploy(
	ctx context.Context,
	runner StepRunner,
	d *Deploy,
	env []types.EnvVar,
	output io.Writer,
) error {
	return runCommands(ctx, runner, d.Script, env, output)
}

// PyPIDeployer is the "pypi" provider: it builds the declared
// distributions and uploads them with twine. Credentials enter the upload
// through TWINE_USERNAME and TWINE_PASSWORD.
type PyPIDeployer struct{}

func (PyPIDeployer) Deploy(
	ctx context.Context,
	runner StepRunner,
	d *Deploy,
	env []types.EnvVar,
	output io.Writer,
) error {
	dists := d.Distributions
	if dists == "" {
		dists = "sdist"
	}
	uploadEnv := append([]types.EnvVar{}, env...)
	if d.Username != "" {
		uploadEnv = append(uploadEnv, types.EnvVar{Name: "TWINE_USERNAME", Value: d.Username})
	}
	if d.Password != nil {
		if v, ok := lookupEnv(env, secretEnvName(d.Password.Name)); ok {
			uploadEnv = append(uploadEnv, types.EnvVar{Name: "TWINE_PASSWORD", Value: v})
		}
	}
	commands := []string{
		"pip install twine",
		"python setup.py " + dists,
		"twine upload dist/*",
	}
	return runCommands(ctx, runner, commands, uploadEnv, output)
}

func runCommands(
	ctx context.Context,
	runner StepRunner,
	commands []string,
	env []types.EnvVar,
	output io.Writer,
) error {
	for _, command := range commands {
		exit, err := runner.Run(ctx, command, env, output)
		if err != nil {
			return err
		}
		if exit != 0 {
			return fmt.Errorf("deploy command %q exited with %d", command, exit)
		}
	}
	return nil
}

func lookupEnv(env []types.EnvVar, name string) (string, bool) {
	for _, ev := range env {
		if ev.Name == name {
			return ev.Value, true
		}
	}
	return "", false
}
