package condition

import (
	"testing"

	"github.com/matrixci/matrixci/internal/types"
	"github.com/stretchr/testify/assert"
)

func pushContext(branch string) *types.BuildContext {
	return types.NewBuildContext(branch, types.EventPush, "cirq/cirq", "", map[string]string{
		"RELEASE": "true",
	})
}

func TestParse(t *testing.T) {
	t.Run("success - equality atom", func(t *testing.T) {
		// act
		expr, err := Parse("branch = master")

		// assert
		assert.Nil(t, err)
		assert.Equal(t, "branch = master", expr.String())
	})

	t.Run("success - IN list and conjunction", func(t *testing.T) {
		// act
		_, err := Parse("repo IN (cirq/cirq, cirq/cirq-rc) AND type = push")

		// assert
		assert.Nil(t, err)
	})

	t.Run("success - quoted literal", func(t *testing.T) {
		// arrange
		expr, err := Parse(`branch = "release branch"`)
		assert.Nil(t, err)

		// act
		ok, evalErr := expr.Eval(pushContext("release branch"))

		// assert
		assert.Nil(t, evalErr)
		assert.True(t, ok)
	})

	t.Run("failure - missing operator", func(t *testing.T) {
		// act
		_, err := Parse("branch master")

		// assert
		assert.NotNil(t, err)
		assert.IsType(t, SyntaxError{}, err)
	})

	t.Run("failure - unterminated IN list", func(t *testing.T) {
		// act
		_, err := Parse("repo IN (cirq/cirq")

		// assert
		assert.IsType(t, SyntaxError{}, err)
	})

	t.Run("failure - trailing garbage", func(t *testing.T) {
		// act
		_, err := Parse("branch = master type = push")

		// assert
		assert.IsType(t, SyntaxError{}, err)
	})

	t.Run("failure - empty expression", func(t *testing.T) {
		// act
		_, err := Parse("")

		// assert
		assert.IsType(t, SyntaxError{}, err)
	})
}

func TestEval(t *testing.T) {
	t.Run("equality against branch", func(t *testing.T) {
		expr, _ := Parse("branch = master")

		ok, err := expr.Eval(pushContext("master"))
		assert.Nil(t, err)
		assert.True(t, ok)

		ok, err = expr.Eval(pushContext("develop"))
		assert.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("IN is membership", func(t *testing.T) {
		expr, _ := Parse("branch IN (master, develop)")

		ok, _ := expr.Eval(pushContext("develop"))
		assert.True(t, ok)

		ok, _ = expr.Eval(pushContext("feature"))
		assert.False(t, ok)
	})

	t.Run("conjunction requires every atom", func(t *testing.T) {
		expr, _ := Parse("branch = master AND type = cron")

		ok, err := expr.Eval(pushContext("master"))
		assert.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("env field reads the build context", func(t *testing.T) {
		expr, _ := Parse("env:RELEASE = true")

		ok, err := expr.Eval(pushContext("master"))
		assert.Nil(t, err)
		assert.True(t, ok)
	})

	t.Run("unset env variable reads as empty string", func(t *testing.T) {
		expr, _ := Parse(`env:UNSET = ""`)

		ok, err := expr.Eval(pushContext("master"))
		assert.Nil(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown field is a ConditionError", func(t *testing.T) {
		expr, _ := Parse("commit_message = release")

		_, err := expr.Eval(pushContext("master"))
		assert.NotNil(t, err)
		assert.IsType(t, ConditionError{}, err)
		assert.ErrorContains(t, err, "commit_message")
	})

	t.Run("short-circuit skips later unknown fields", func(t *testing.T) {
		// a false atom decides the outcome before the unknown field is
		// resolved
		expr, _ := Parse("branch = other AND commit_message = release")

		ok, err := expr.Eval(pushContext("master"))
		assert.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("tag and repo fields", func(t *testing.T) {
		expr, _ := Parse("repo = cirq/cirq AND tag = \"\"")

		ok, err := expr.Eval(pushContext("master"))
		assert.Nil(t, err)
		assert.True(t, ok)
	})
}
