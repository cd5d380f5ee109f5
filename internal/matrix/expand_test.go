package matrix

import (
	"testing"

	"github.com/matrixci/matrixci/internal/declaration"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
	"github.com/stretchr/testify/assert"
)

func testDeclaration() *declaration.Declaration {
	return &declaration.Declaration{
		Stages:        []string{"lint", "test", "deploy"},
		OS:            "linux",
		Runtime:       "3.7",
		BeforeInstall: declaration.StringList{"pip install -r requirements.txt"},
		Env: declaration.EnvBlock{
			Global: declaration.OrderedEnv{
				{Name: "PYTHONPATH", Value: "src"},
				{Name: "COVERAGE", Value: "0"},
			},
		},
		Matrix: declaration.Matrix{
			Include: []declaration.Include{
				{Stage: "lint", Script: declaration.StringList{"make lint"}},
				{
					Stage:   "test",
					Runtime: "3.8",
					Env: declaration.OrderedEnv{
						{Name: "COVERAGE", Value: "1"},
						{Name: "SHARD", Value: "2"},
					},
					Script: declaration.StringList{"make test"},
				},
				{Stage: "deploy", Script: declaration.StringList{"make build"}},
			},
		},
	}
}

func TestExpand(t *testing.T) {
	t.Run("one definition per include entry", func(t *testing.T) {
		// arrange
		decl := testDeclaration()

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Len(t, defs, 3)
		for _, def := range defs {
			assert.NotEmpty(t, def.ID)
			assert.NotEmpty(t, def.Name)
		}
	})

	t.Run("entry values override top-level defaults", func(t *testing.T) {
		// arrange
		decl := testDeclaration()

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "3.7", defs[0].Runtime)
		assert.Equal(t, "3.8", defs[1].Runtime)
		assert.Equal(t, "linux", defs[1].OS)
	})

	t.Run("env merge keeps global order and entry precedence", func(t *testing.T) {
		// arrange
		decl := testDeclaration()

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, []types.EnvVar{
			{Name: "PYTHONPATH", Value: "src"},
			{Name: "COVERAGE", Value: "1"},
			{Name: "SHARD", Value: "2"},
		}, defs[1].Env)
	})

	t.Run("before_install is the only inherited step-group", func(t *testing.T) {
		// arrange
		decl := testDeclaration()

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, []string{"pip install -r requirements.txt"}, defs[0].BeforeInstall)
		assert.Empty(t, defs[0].Install)
		assert.Empty(t, defs[0].BeforeDeploy)
	})

	t.Run("entry before_install replaces the default", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		decl.Matrix.Include[0].BeforeInstall = declaration.StringList{"apt-get update"}

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, []string{"apt-get update"}, defs[0].BeforeInstall)
	})

	t.Run("definitions are ordered by stage ordinal", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		// declare includes out of stage order
		decl.Matrix.Include[0], decl.Matrix.Include[2] = decl.Matrix.Include[2], decl.Matrix.Include[0]

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, []string{"lint", "test", "deploy"}, []string{
			defs[0].Stage, defs[1].Stage, defs[2].Stage,
		})
	})

	t.Run("top-level deploy attaches to last-stage jobs only", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		decl.Deploy = []declaration.DeploySpec{{
			Provider: "script",
			On:       "branch = master",
			Script:   declaration.StringList{"make publish"},
			Password: &declaration.SecureValue{Secure: "deadbeef"},
		}}

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Nil(t, defs[0].Deploy)
		assert.Nil(t, defs[1].Deploy)
		assert.NotNil(t, defs[2].Deploy)
		assert.Equal(t, "script", defs[2].Deploy.Provider)
		assert.NotNil(t, defs[2].Deploy.Condition)
		assert.Equal(t, "script password", defs[2].Deploy.Password.Name)
		assert.Equal(t, security.SchemeAES, defs[2].Deploy.Password.Scheme)
		assert.Equal(t, "deadbeef", defs[2].Deploy.Password.Ciphertext)
	})

	t.Run("entry deploy wins over top-level deploy", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		decl.Deploy = []declaration.DeploySpec{{Provider: "script"}}
		decl.Matrix.Include[2].Deploy = &declaration.DeploySpec{Provider: "pypi"}

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "pypi", defs[2].Deploy.Provider)
	})

	t.Run("failure - malformed deploy condition", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		decl.Matrix.Include[2].Deploy = &declaration.DeploySpec{
			Provider: "script",
			On:       "branch == master",
		}

		// act
		_, err := Expand(decl, security.SchemeAES)

		// assert
		assert.NotNil(t, err)
		assert.IsType(t, declaration.ConfigError{}, err)
	})

	t.Run("failure - undeclared stage", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		decl.Matrix.Include[1].Stage = "benchmark"

		// act
		_, err := Expand(decl, security.SchemeAES)

		// assert
		assert.IsType(t, declaration.ConfigError{}, err)
	})
}

func TestDescribe(t *testing.T) {
	t.Run("name includes os, runtime and env", func(t *testing.T) {
		// arrange
		decl := testDeclaration()

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "linux/3.8 (PYTHONPATH=src COVERAGE=1 SHARD=2)", defs[1].Name)
	})

	t.Run("name falls back to ordinal without os or runtime", func(t *testing.T) {
		// arrange
		decl := testDeclaration()
		decl.OS = ""
		decl.Runtime = ""
		decl.Env = declaration.EnvBlock{}
		decl.Matrix.Include = []declaration.Include{
			{Stage: "test", Script: declaration.StringList{"true"}},
		}

		// act
		defs, err := Expand(decl, security.SchemeAES)

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "job 1", defs[0].Name)
	})
}
