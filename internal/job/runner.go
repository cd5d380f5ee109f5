package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/matrixci/matrixci/internal/types"
	"github.com/matrixci/matrixci/internal/util"
)

// StepRunner executes one job's shell commands in an isolated workspace.
// Runners are created per job; concurrent jobs never share one. Prepare
// provisions the workspace and restores cache directories, Close writes
// the cache back (last writer wins) and tears the workspace down.
type StepRunner interface {
	Prepare(ctx context.Context) error
	// Run executes a single command and returns its exit status. A non-nil
	// error means the runner itself failed, not the command.
	Run(ctx context.Context, command string, env []types.EnvVar, output io.Writer) (int, error)
	Close() error
}

// RunnerFactory builds the runner for one job definition.
type RunnerFactory func(def *Definition) (StepRunner, error)

// LocalRunner runs commands through `sh -c` in a per-job temp directory on
// the controller host.
type LocalRunner struct {
	cacheRoot string
	cacheDirs []string
	workdir   string
}

func NewLocalRunner(cacheRoot string, cacheDirs []string) *LocalRunner {
	return &LocalRunner{cacheRoot: cacheRoot, cacheDirs: cacheDirs}
}

func (r *LocalRunner) Prepare(ctx context.Context) error {
	workdir, err := os.MkdirTemp("", "matrixci-job-")
	if err != nil {
		return err
	}
	r.workdir = workdir
	for _, dir := range r.cacheDirs {
		src := filepath.Join(r.cacheRoot, dir)
		if exists, _ := util.PathExists(src); !exists {
			continue
		}
		if err := util.CopyDir(src, filepath.Join(workdir, dir)); err != nil {
			return fmt.Errorf("restoring cache %s: %w", dir, err)
		}
	}
	return ctx.Err()
}

func (r *LocalRunner) Run(
	ctx context.Context,
	command string,
	env []types.EnvVar,
	output io.Writer,
) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.workdir
	cmd.Env = os.Environ()
	for _, ev := range env {
		cmd.Env = append(cmd.Env, ev.Name+"="+ev.Value)
	}
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (r *LocalRunner) Close() error {
	if r.workdir == "" {
		return nil
	}
	// cache write-back is last-writer-wins on purpose: cache content is an
	// optimization, not a correctness dependency
	for _, dir := range r.cacheDirs {
		src := filepath.Join(r.workdir, dir)
		if exists, _ := util.PathExists(src); !exists {
			continue
		}
		if err := util.CopyDir(src, filepath.Join(r.cacheRoot, dir)); err != nil {
			return err
		}
	}
	return os.RemoveAll(r.workdir)
}
