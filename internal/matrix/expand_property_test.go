package matrix

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/matrixci/matrixci/internal/declaration"
	"github.com/matrixci/matrixci/internal/security"
)

func genRuntime() gopter.Gen {
	return gen.OneConstOf("", "3.6", "3.7", "3.8", "3.9")
}

func TestExpandCardinalityAndDefaults(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every include yields exactly one definition", prop.ForAll(
		func(runtimes []string) bool {
			if len(runtimes) == 0 {
				return true
			}
			decl := &declaration.Declaration{
				Stages:  []string{"test"},
				Runtime: "3.7",
			}
			for _, rt := range runtimes {
				decl.Matrix.Include = append(decl.Matrix.Include, declaration.Include{
					Stage:   "test",
					Runtime: rt,
					Script:  declaration.StringList{"true"},
				})
			}

			defs, err := Expand(decl, security.SchemeAES)
			if err != nil || len(defs) != len(runtimes) {
				return false
			}
			for i, def := range defs {
				want := runtimes[i]
				if want == "" {
					want = decl.Runtime
				}
				if def.Runtime != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRuntime()),
	))

	properties.TestingRun(t)
}
