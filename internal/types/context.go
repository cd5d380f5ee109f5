package types

// EventType identifies what triggered a pipeline run.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventCron        EventType = "cron"
	EventAPI         EventType = "api"
)

// EnvVar is a single environment variable. Slices of EnvVar preserve
// declaration order, which matters when later variables reference earlier
// ones in shell commands.
type EnvVar struct {
	Name  string
	Value string
}

// BuildContext holds the read-only facts about the event that triggered a
// run. It is built once when the run is created and never mutated; a new
// push starts a new run with a fresh context.
type BuildContext struct {
	branch string
	event  EventType
	repo   string
	tag    string
	env    map[string]string
}

func NewBuildContext(
	branch string,
	event EventType,
	repo, tag string,
	env map[string]string,
) *BuildContext {
	copied := make(map[string]string, len(env))
	for k, v := range env {
		copied[k] = v
	}
	return &BuildContext{
		branch: branch,
		event:  event,
		repo:   repo,
		tag:    tag,
		env:    copied,
	}
}

func (bc *BuildContext) Branch() string   { return bc.branch }
func (bc *BuildContext) Event() EventType { return bc.event }
func (bc *BuildContext) Repo() string     { return bc.repo }
func (bc *BuildContext) Tag() string      { return bc.tag }

// EnvValue returns the value of an environment variable from the triggering
// context. Unset variables read as the empty string.
func (bc *BuildContext) EnvValue(name string) string {
	return bc.env[name]
}
