// Package declaration holds the typed model of a pipeline declaration and
// its YAML parser. The engine only understands the schema below; everything
// a job actually does is an opaque shell command executed by a step runner.
package declaration

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/matrixci/matrixci/internal/types"
)

// ConfigError is a malformed or incomplete declaration. It is fatal before
// any job runs.
type ConfigError struct {
	Message string
}

func (ce ConfigError) Error() string {
	return "config error: " + ce.Message
}

func NewConfigError(format string, args ...any) ConfigError {
	return ConfigError{Message: fmt.Sprintf(format, args...)}
}

// StringList accepts either a single scalar command or a sequence of
// commands in YAML.
type StringList []string

func (sl *StringList) UnmarshalYAML(data []byte) error {
	var single string
	if err := yaml.Unmarshal(data, &single); err == nil {
		*sl = StringList{single}
		return nil
	}
	var many []string
	if err := yaml.Unmarshal(data, &many); err != nil {
		return err
	}
	*sl = StringList(many)
	return nil
}

// OrderedEnv is an environment-variable map that preserves declaration
// order. It accepts both the mapping form ({K: V}) and the list form
// (- K=V). Keys are unique; a duplicate key is a ConfigError at
// validation.
type OrderedEnv []types.EnvVar

func (oe *OrderedEnv) UnmarshalYAML(data []byte) error {
	var ms yaml.MapSlice
	if err := yaml.Unmarshal(data, &ms); err == nil {
		env := make(OrderedEnv, 0, len(ms))
		for _, item := range ms {
			env = append(env, types.EnvVar{
				Name:  fmt.Sprint(item.Key),
				Value: fmt.Sprint(item.Value),
			})
		}
		*oe = env
		return nil
	}
	var entries StringList
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return err
	}
	env := make(OrderedEnv, 0, len(entries))
	for _, entry := range entries {
		name, value, _ := strings.Cut(entry, "=")
		env = append(env, types.EnvVar{Name: name, Value: value})
	}
	*oe = env
	return nil
}

func (oe OrderedEnv) Lookup(name string) (string, bool) {
	for _, ev := range oe {
		if ev.Name == name {
			return ev.Value, true
		}
	}
	return "", false
}

// SecureValue carries an encrypted credential. The ciphertext is opaque to
// the declaration layer; the security package decrypts it inside the scope
// of the deploy job that needs it.
type SecureValue struct {
	Secure string `yaml:"secure"`
}

// DeploySpec is a structured deploy-provider step. Provider upload
// protocols are external to the engine; the step is handed to a registered
// deployer as-is.
type DeploySpec struct {
	Provider      string       `yaml:"provider"`
	On            string       `yaml:"on"`
	Distributions string       `yaml:"distributions"`
	Username      string       `yaml:"username"`
	Script        StringList   `yaml:"script"`
	Password      *SecureValue `yaml:"password"`
}

// Include is one matrix entry: a partial override resolved against the
// top-level defaults by the matrix expander.
type Include struct {
	Stage         string      `yaml:"stage"`
	OS            string      `yaml:"os"`
	Runtime       string      `yaml:"runtime"`
	Env           OrderedEnv  `yaml:"env"`
	BeforeInstall StringList  `yaml:"before_install"`
	Install       StringList  `yaml:"install"`
	Script        StringList  `yaml:"script"`
	BeforeDeploy  StringList  `yaml:"before_deploy"`
	Deploy        *DeploySpec `yaml:"deploy"`
}

type Branches struct {
	Only []string `yaml:"only"`
}

type Cache struct {
	Directories []string `yaml:"directories"`
}

type Matrix struct {
	Include []Include `yaml:"include"`
}

type EnvBlock struct {
	Global OrderedEnv `yaml:"global"`
}

// Declaration is the top level of a pipeline declaration file.
type Declaration struct {
	Stages        []string     `yaml:"stages"`
	Branches      Branches     `yaml:"branches"`
	Cache         Cache        `yaml:"cache"`
	Env           EnvBlock     `yaml:"env"`
	OS            string       `yaml:"os"`
	Runtime       string       `yaml:"runtime"`
	BeforeInstall StringList   `yaml:"before_install"`
	Matrix        Matrix       `yaml:"matrix"`
	// Jobs is an accepted alias for Matrix; Parse folds it into Matrix.
	Jobs   Matrix       `yaml:"jobs"`
	Deploy []DeploySpec `yaml:"deploy"`
}

// Parse unmarshals and validates a declaration. Any schema violation is a
// ConfigError; no partial declaration is ever returned.
func Parse(data []byte) (*Declaration, error) {
	d := new(Declaration)
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, NewConfigError("invalid yaml: %v", err)
	}
	if len(d.Jobs.Include) > 0 {
		if len(d.Matrix.Include) > 0 {
			return nil, NewConfigError("declaration sets both matrix and jobs")
		}
		d.Matrix = d.Jobs
		d.Jobs = Matrix{}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Declaration) Validate() error {
	if len(d.Stages) == 0 {
		return NewConfigError("declaration has no stages")
	}
	seen := make(map[string]struct{}, len(d.Stages))
	for _, s := range d.Stages {
		if s == "" {
			return NewConfigError("empty stage name")
		}
		if _, ok := seen[s]; ok {
			return NewConfigError("duplicate stage %q", s)
		}
		seen[s] = struct{}{}
	}
	if len(d.Matrix.Include) == 0 {
		return NewConfigError("matrix has no include entries")
	}
	if err := validateEnv(d.Env.Global, "env.global"); err != nil {
		return err
	}
	for i, inc := range d.Matrix.Include {
		if inc.Stage == "" {
			return NewConfigError("matrix.include[%d] has no stage", i)
		}
		if !slices.Contains(d.Stages, inc.Stage) {
			return NewConfigError(
				"matrix.include[%d] references undeclared stage %q", i, inc.Stage,
			)
		}
		if len(inc.Script) == 0 {
			return NewConfigError("matrix.include[%d] has no script", i)
		}
		if err := validateEnv(inc.Env, fmt.Sprintf("matrix.include[%d].env", i)); err != nil {
			return err
		}
		if inc.Deploy != nil && inc.Deploy.Provider == "" {
			return NewConfigError("matrix.include[%d].deploy has no provider", i)
		}
	}
	if len(d.Deploy) > 1 {
		return NewConfigError("only one top-level deploy step is supported, got %d", len(d.Deploy))
	}
	for i, ds := range d.Deploy {
		if ds.Provider == "" {
			return NewConfigError("deploy[%d] has no provider", i)
		}
	}
	return nil
}

func validateEnv(env OrderedEnv, where string) error {
	seen := make(map[string]struct{}, len(env))
	for _, ev := range env {
		if ev.Name == "" {
			return NewConfigError("%s: empty variable name", where)
		}
		if _, ok := seen[ev.Name]; ok {
			return NewConfigError("%s: duplicate variable %q", where, ev.Name)
		}
		seen[ev.Name] = struct{}{}
	}
	return nil
}

// StageOrdinal returns the ordinal position of a stage name, or -1 when the
// stage is not declared. Stage order is total: stages execute strictly in
// declaration order.
func (d *Declaration) StageOrdinal(name string) int {
	return slices.Index(d.Stages, name)
}

// BranchAllowed reports whether a run should be created for the given
// branch. branches.only patterns use glob-style matching; an empty filter
// allows every branch. Evaluated once, before any stage runs.
func (d *Declaration) BranchAllowed(branch string) bool {
	if len(d.Branches.Only) == 0 {
		return true
	}
	for _, pattern := range d.Branches.Only {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
