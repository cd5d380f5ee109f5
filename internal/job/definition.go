// Package job defines the execution unit of a pipeline: a fully-resolved
// matrix entry, the step runners that execute its commands, and the
// executor state machine that drives one job to a terminal status.
package job

import (
	"github.com/matrixci/matrixci/internal/condition"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/types"
)

// Step-group names, in the fixed order they execute. The deploy group is
// represented by the structured Deploy spec rather than a command list.
const (
	GroupBeforeInstall = "before_install"
	GroupInstall       = "install"
	GroupScript        = "script"
	GroupBeforeDeploy  = "before_deploy"
	GroupDeploy        = "deploy"
)

// Deploy is a structured deploy-provider step. The provider's own upload
// protocol is external; the engine only gates and dispatches it.
type Deploy struct {
	Provider      string
	RawCondition  string
	Condition     *condition.Expr
	Distributions string
	Username      string
	Script        []string
	Password      *security.Ref
}

// Definition is one concrete execution unit, produced by the matrix
// expander. It is treated as read-only after expansion; executors never
// write to it.
type Definition struct {
	ID      string
	Name    string
	Stage   string
	OS      string
	Runtime string
	// Env holds the top-level globals merged with the entry's own
	// variables, entry values taking precedence, declaration order kept.
	Env []types.EnvVar

	BeforeInstall []string
	Install       []string
	Script        []string
	BeforeDeploy  []string
	Deploy        *Deploy
}

// commandGroups returns the command step-groups in execution order. The
// deploy group is handled separately because it is gated.
func (d *Definition) commandGroups() []struct {
	name     string
	commands []string
} {
	return []struct {
		name     string
		commands []string
	}{
		{GroupBeforeInstall, d.BeforeInstall},
		{GroupInstall, d.Install},
		{GroupScript, d.Script},
		{GroupBeforeDeploy, d.BeforeDeploy},
	}
}
