package job

import (
	"context"
	"io"
	"testing"

	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestScriptDeployer(t *testing.T) {
	t.Run("success - runs the deploy script in order", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		d := &Deploy{Provider: "script", Script: []string{"make build", "make publish"}}

		// act
		err := ScriptDeployer{}.Deploy(context.Background(), runner, d, nil, io.Discard)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, []string{"make build", "make publish"}, runner.commands)
	})

	t.Run("fail - non-zero exit stops the script", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{exits: map[string]int{"make build": 1}}
		d := &Deploy{Provider: "script", Script: []string{"make build", "make publish"}}

		// act
		err := ScriptDeployer{}.Deploy(context.Background(), runner, d, nil, io.Discard)

		// assert
		assert.ErrorContains(t, err, `"make build" exited with 1`)
		assert.Equal(t, []string{"make build"}, runner.commands)
	})
}

func TestPyPIDeployer(t *testing.T) {
	t.Run("success - builds distributions and uploads with twine", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		d := &Deploy{
			Provider:      "pypi",
			Distributions: "sdist bdist_wheel",
			Username:      "ci-bot",
			Password:      &security.Ref{Name: "pypi password"},
		}
		env := []types.EnvVar{{Name: "DEPLOY_PYPI_PASSWORD", Value: "hunter2"}}

		// act
		err := PyPIDeployer{}.Deploy(context.Background(), runner, d, env, io.Discard)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, []string{
			"pip install twine",
			"python setup.py sdist bdist_wheel",
			"twine upload dist/*",
		}, runner.commands)
		uploadEnv := runner.envs["twine upload dist/*"]
		assert.Contains(t, uploadEnv, types.EnvVar{Name: "TWINE_USERNAME", Value: "ci-bot"})
		assert.Contains(t, uploadEnv, types.EnvVar{Name: "TWINE_PASSWORD", Value: "hunter2"})
	})

	t.Run("success - distributions default to sdist", func(t *testing.T) {
		// arrange
		runner := &fakeRunner{}
		d := &Deploy{Provider: "pypi"}

		// act
		err := PyPIDeployer{}.Deploy(context.Background(), runner, d, nil, io.Discard)

		// assert
		assert.Nil(t, err)
		assert.Contains(t, runner.commands, "python setup.py sdist")
	})
}
