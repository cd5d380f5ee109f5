package handler

type PipelineParams struct {
	PipelineID  int64  `param:"pipeline_id" json:"-"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Declaration string `json:"declaration"`
}

type ScheduleParams struct {
	PipelineID int64   `param:"pipeline_id" json:"-"`
	Schedule   *string `json:"schedule"`
	Branch     *string `json:"branch"`
}

type RunParams struct {
	PipelineID int64  `param:"pipeline_id" json:"-"`
	RunID      int64  `param:"run_id"      json:"-"`
	Branch     string `param:"branch"      json:"branch"`
	Event      string `json:"event"`
}

type ListRunsParams struct {
	PipelineID int64 `param:"pipeline_id"`
	Limit      int64 `query:"limit"`
}
