// Package matrix turns a declaration's include list into fully-resolved
// job definitions. Expansion is a pure transformation: it either produces
// the complete job set or fails with a ConfigError, never a partial set.
package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/matrixci/matrixci/internal/condition"
	"github.com/matrixci/matrixci/internal/declaration"
	"github.com/matrixci/matrixci/internal/job"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
)

// Expand resolves every matrix entry against the top-level defaults and
// returns the job definitions ordered by stage ordinal, then by include
// order. Entry fields win over top-level values; step-groups other than
// before_install are never inherited, so a group absent from an entry is
// empty. Deploy conditions are parsed here, once, so malformed expressions
// fail the whole declaration before any job runs.
func Expand(decl *declaration.Declaration, secretScheme security.Scheme) ([]*job.Definition, error) {
	defs := make([]*job.Definition, 0, len(decl.Matrix.Include))

	for i, inc := range decl.Matrix.Include {
		ordinal := decl.StageOrdinal(inc.Stage)
		if ordinal < 0 {
			return nil, declaration.NewConfigError(
				"matrix.include[%d] references undeclared stage %q", i, inc.Stage,
			)
		}
		if len(inc.Script) == 0 {
			return nil, declaration.NewConfigError(
				"matrix.include[%d] has no script", i,
			)
		}

		def := &job.Definition{
			ID:            uuid.NewString(),
			Stage:         inc.Stage,
			OS:            valueOrDefault(inc.OS, decl.OS),
			Runtime:       valueOrDefault(inc.Runtime, decl.Runtime),
			Env:           mergeEnv(decl.Env.Global, inc.Env),
			BeforeInstall: commands(inc.BeforeInstall, decl.BeforeInstall),
			Install:       []string(inc.Install),
			Script:        []string(inc.Script),
			BeforeDeploy:  []string(inc.BeforeDeploy),
		}
		def.Name = describe(def, i)

		spec := inc.Deploy
		if spec == nil && ordinal == len(decl.Stages)-1 {
			spec = lastStageDeploy(decl)
		}
		if spec != nil {
			d, err := buildDeploy(spec, secretScheme)
			if err != nil {
				return nil, err
			}
			def.Deploy = d
		}

		defs = append(defs, def)
	}

	sort.SliceStable(defs, func(a, b int) bool {
		return decl.StageOrdinal(defs[a].Stage) < decl.StageOrdinal(defs[b].Stage)
	})
	return defs, nil
}

// lastStageDeploy returns the top-level deploy step that attaches to
// last-stage jobs without a deploy of their own. Validation guarantees at
// most one top-level deploy step.
func lastStageDeploy(decl *declaration.Declaration) *declaration.DeploySpec {
	if len(decl.Deploy) == 0 {
		return nil
	}
	return &decl.Deploy[0]
}

func buildDeploy(spec *declaration.DeploySpec, scheme security.Scheme) (*job.Deploy, error) {
	d := &job.Deploy{
		Provider:      spec.Provider,
		RawCondition:  spec.On,
		Distributions: spec.Distributions,
		Username:      spec.Username,
		Script:        []string(spec.Script),
	}
	if spec.On != "" {
		expr, err := condition.Parse(spec.On)
		if err != nil {
			return nil, declaration.NewConfigError("deploy condition: %v", err)
		}
		d.Condition = expr
	}
	if spec.Password != nil {
		d.Password = &security.Ref{
			Name:       spec.Provider + " password",
			Scheme:     scheme,
			Ciphertext: spec.Password.Secure,
		}
	}
	return d, nil
}

// mergeEnv layers entry variables over the globals: globals keep their
// declared order, an entry value replaces a global of the same name in
// place, and new entry variables follow.
func mergeEnv(global, entry declaration.OrderedEnv) []types.EnvVar {
	merged := make([]types.EnvVar, 0, len(global)+len(entry))
	for _, ev := range global {
		if v, ok := entry.Lookup(ev.Name); ok {
			merged = append(merged, types.EnvVar{Name: ev.Name, Value: v})
			continue
		}
		merged = append(merged, ev)
	}
	for _, ev := range entry {
		if _, ok := global.Lookup(ev.Name); ok {
			continue
		}
		merged = append(merged, ev)
	}
	return merged
}

// commands applies the one inheritance exception: before_install is the
// only step-group with a top-level default, used when the entry declares
// none.
func commands(entry, topLevel declaration.StringList) []string {
	if len(entry) > 0 {
		return []string(entry)
	}
	return []string(topLevel)
}

func valueOrDefault(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

// describe builds a human-readable job name from the entry's runtime, OS
// and environment, e.g. "linux/3.7 (COVERAGE=1)".
func describe(def *job.Definition, ordinal int) string {
	var sb strings.Builder
	switch {
	case def.OS != "" && def.Runtime != "":
		fmt.Fprintf(&sb, "%s/%s", def.OS, def.Runtime)
	case def.OS != "":
		sb.WriteString(def.OS)
	case def.Runtime != "":
		sb.WriteString(def.Runtime)
	default:
		fmt.Fprintf(&sb, "job %d", ordinal+1)
	}
	if len(def.Env) > 0 {
		pairs := make([]string, 0, len(def.Env))
		for _, ev := range def.Env {
			pairs = append(pairs, ev.Name+"="+ev.Value)
		}
		fmt.Fprintf(&sb, " (%s)", strings.Join(pairs, " "))
	}
	return sb.String()
}
