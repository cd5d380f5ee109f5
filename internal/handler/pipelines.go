package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/matrixci/matrixci/internal/service"
	"github.com/matrixci/matrixci/internal/store"
	"github.com/matrixci/matrixci/internal/types"
)

func SetupPipelineRoutes(
	g *echo.Group,
	runService RunServicer,
	webhookKey string,
) {
	h := NewPipelineHandler(runService)
	g.POST(
		"/api/pipelines/:pipeline_id/webhook-trigger/:branch",
		h.PostRunWebhookTrigger,
		WebhookKeyMiddleware(webhookKey),
	)
	pipelinesGroup := g.Group("/api/pipelines")
	pipelinesGroup.GET("", h.GetPipelines)
	pipelinesGroup.POST("", h.PostPipeline)
	pipelinesGroup.GET("/:pipeline_id", h.GetPipeline)
	pipelinesGroup.PATCH("/:pipeline_id", h.PatchPipeline)
	pipelinesGroup.DELETE("/:pipeline_id", h.DeletePipeline)
	pipelinesGroup.PATCH("/:pipeline_id/schedule", h.PatchPipelineSchedule)
	pipelinesGroup.POST("/:pipeline_id/runs", h.PostRun)
	pipelinesGroup.GET("/:pipeline_id/runs", h.GetRuns)
	pipelinesGroup.GET("/:pipeline_id/latest-runs", h.GetLatestRuns)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id", h.GetRun)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/output", h.GetRunOutput)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/jobs", h.GetRunJobResults)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/output/sse", h.GetRunOutputSSE)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/status/sse", h.GetRunStatusSSE)
	pipelinesGroup.POST("/:pipeline_id/runs/:run_id/cancel", h.PostCancelRun)
	pipelinesGroup.DELETE("/:pipeline_id/runs/:run_id", h.DeleteRun)
}

type RunServicer interface {
	CreatePipeline(ctx context.Context, name, description, decl string) (*store.Pipeline, error)
	GetPipelineByID(ctx context.Context, pipelineID int64) (*store.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*store.Pipeline, error)
	UpdatePipeline(ctx context.Context, pipelineID int64, name, description, decl string) error
	UpdatePipelineSchedule(ctx context.Context, id int64, cronExpr, branch *string) error
	DeletePipeline(ctx context.Context, pipelineID int64) error

	TriggerRun(
		ctx context.Context,
		pipelineID int64,
		branch string,
		event types.EventType,
	) (*store.Run, error)
	CancelRun(runID int64)
	GetRunByID(ctx context.Context, runID int64) (*store.Run, error)
	ListPipelineRuns(ctx context.Context, pipelineID int64) ([]store.Run, error)
	ListLatestPipelineRuns(ctx context.Context, pipelineID, limit int64) ([]store.Run, error)
	GetRunJobResults(ctx context.Context, runID int64) ([]store.JobResult, error)
	DeleteRun(ctx context.Context, runID int64) error

	OutputSSE() *service.SSEClientMap[string]
	StatusSSE() *service.SSEClientMap[store.Run]
}

func NewPipelineHandler(runService RunServicer) *PipelineHandler {
	return &PipelineHandler{runService: runService}
}

type PipelineHandler struct {
	runService RunServicer
}

type PipelineResponse struct {
	PipelineID     int64     `json:"pipeline_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Declaration    string    `json:"declaration"`
	Schedule       *string   `json:"schedule,omitempty"`
	ScheduleBranch *string   `json:"schedule_branch,omitempty"`
	CreatedOn      time.Time `json:"created_on"`
}

func toPipelineResponse(p *store.Pipeline) PipelineResponse {
	return PipelineResponse{
		PipelineID:     p.PipelineID,
		Name:           p.Name,
		Description:    p.Description,
		Declaration:    p.Declaration,
		Schedule:       p.Schedule,
		ScheduleBranch: p.ScheduleBranch,
		CreatedOn:      p.CreatedOn,
	}
}

type RunResponse struct {
	RunID      int64      `json:"run_id"`
	PipelineID int64      `json:"pipeline_id"`
	Branch     string     `json:"branch"`
	Event      string     `json:"event"`
	Status     string     `json:"status"`
	CreatedOn  time.Time  `json:"created_on"`
	StartedOn  *time.Time `json:"started_on,omitempty"`
	EndedOn    *time.Time `json:"ended_on,omitempty"`
}

func toRunResponse(r *store.Run) RunResponse {
	return RunResponse{
		RunID:      r.RunID,
		PipelineID: r.RunPipelineID,
		Branch:     r.Branch,
		Event:      r.Event,
		Status:     string(r.Status),
		CreatedOn:  r.CreatedOn,
		StartedOn:  r.StartedOn,
		EndedOn:    r.EndedOn,
	}
}

type JobResultResponse struct {
	JobID            string  `json:"job_id"`
	Stage            string  `json:"stage"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	FailingCommand   *string `json:"failing_command,omitempty"`
	ExitCode         *int64  `json:"exit_code,omitempty"`
	ErrorKind        *string `json:"error_kind,omitempty"`
	DeploySkipped    bool    `json:"deploy_skipped"`
	DeploySkipReason *string `json:"deploy_skip_reason,omitempty"`
	Output           *string `json:"output,omitempty"`
}

func toJobResultResponse(jr store.JobResult) JobResultResponse {
	return JobResultResponse{
		JobID:            jr.JobID,
		Stage:            jr.Stage,
		Name:             jr.Name,
		Status:           jr.Status,
		FailingCommand:   jr.FailingCommand,
		ExitCode:         jr.ExitCode,
		ErrorKind:        jr.ErrorKind,
		DeploySkipped:    jr.DeploySkipped,
		DeploySkipReason: jr.DeploySkipReason,
		Output:           jr.Output,
	}
}

func (h *PipelineHandler) GetPipelines(c echo.Context) error {
	pipelines, err := h.runService.ListPipelines(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list pipelines")
	}
	res := make([]PipelineResponse, len(pipelines))
	for i, p := range pipelines {
		res[i] = toPipelineResponse(p)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) PostPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}
	if pp.Name == "" {
		return newError(nil, http.StatusBadRequest, "pipeline name is required")
	}

	p, err := h.runService.CreatePipeline(
		c.Request().Context(), pp.Name, pp.Description, pp.Declaration,
	)
	if err != nil {
		if isConfigError(err) {
			return newError(err, http.StatusBadRequest, err.Error())
		}
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "pipeline name is already in use")
		}
		return newError(err, http.StatusInternalServerError, "unable to create pipeline")
	}
	return c.JSON(http.StatusCreated, toPipelineResponse(p))
}

func (h *PipelineHandler) GetPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	p, err := h.runService.GetPipelineByID(c.Request().Context(), pp.PipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read pipeline")
	}
	return c.JSON(http.StatusOK, toPipelineResponse(p))
}

func (h *PipelineHandler) PatchPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}

	if err := h.runService.UpdatePipeline(
		c.Request().Context(), pp.PipelineID, pp.Name, pp.Description, pp.Declaration,
	); err != nil {
		if isConfigError(err) {
			return newError(err, http.StatusBadRequest, err.Error())
		}
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "pipeline name is already in use")
		}
		return newError(err, http.StatusInternalServerError, "unable to update pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) DeletePipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	if err := h.runService.DeletePipeline(c.Request().Context(), pp.PipelineID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) PatchPipelineSchedule(c echo.Context) error {
	sp := new(ScheduleParams)
	if err := c.Bind(sp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid schedule data")
	}
	if sp.Schedule != nil && sp.Branch == nil {
		return newError(nil, http.StatusBadRequest, "schedule requires a branch")
	}

	if err := h.runService.UpdatePipelineSchedule(
		c.Request().Context(), sp.PipelineID, sp.Schedule, sp.Branch,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to update schedule")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) PostRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run data")
	}
	if rp.Branch == "" {
		return newError(nil, http.StatusBadRequest, "branch is required")
	}
	event := types.EventType(rp.Event)
	if rp.Event == "" {
		event = types.EventAPI
	}

	r, err := h.runService.TriggerRun(c.Request().Context(), rp.PipelineID, rp.Branch, event)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		var full *service.ErrRunQueueFull
		if errors.As(err, &full) {
			return newError(err, http.StatusTooManyRequests, "pipeline run queue is full")
		}
		return newError(err, http.StatusInternalServerError, "unable to create run")
	}
	return c.JSON(http.StatusCreated, toRunResponse(r))
}

func (h *PipelineHandler) PostRunWebhookTrigger(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run data")
	}
	if rp.Branch == "" {
		rp.Branch = "main"
	}

	r, err := h.runService.TriggerRun(
		c.Request().Context(), rp.PipelineID, rp.Branch, types.EventPush,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		var full *service.ErrRunQueueFull
		if errors.As(err, &full) {
			return newError(err, http.StatusTooManyRequests, "pipeline run queue is full")
		}
		return newError(err, http.StatusInternalServerError, "unable to create run")
	}
	return c.JSON(http.StatusCreated, toRunResponse(r))
}

func (h *PipelineHandler) GetRuns(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}

	runs, err := h.runService.ListPipelineRuns(c.Request().Context(), rp.PipelineID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	res := make([]RunResponse, len(runs))
	for i := range runs {
		res[i] = toRunResponse(&runs[i])
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) GetLatestRuns(c echo.Context) error {
	lrp := new(ListRunsParams)
	if err := c.Bind(lrp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid request data")
	}
	if lrp.Limit <= 0 {
		lrp.Limit = 10
	}

	runs, err := h.runService.ListLatestPipelineRuns(
		c.Request().Context(), lrp.PipelineID, lrp.Limit,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	res := make([]RunResponse, len(runs))
	for i := range runs {
		res[i] = toRunResponse(&runs[i])
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) GetRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	r, err := h.runService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}
	return c.JSON(http.StatusOK, toRunResponse(r))
}

func (h *PipelineHandler) GetRunOutput(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	r, err := h.runService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}
	output := ""
	if r.Output != nil {
		output = *r.Output
	}
	return c.String(http.StatusOK, output)
}

func (h *PipelineHandler) GetRunJobResults(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	results, err := h.runService.GetRunJobResults(c.Request().Context(), rp.RunID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list job results")
	}
	res := make([]JobResultResponse, len(results))
	for i, jr := range results {
		res[i] = toJobResultResponse(jr)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *PipelineHandler) GetRunOutputSSE(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	ch := h.runService.OutputSSE().AddClient(rp.RunID, id)
	defer h.runService.OutputSSE().RemoveClient(rp.RunID, id)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case out, ok := <-ch:
			if !ok {
				return nil
			}
			event := &Event{Data: []byte(out)}
			if err := event.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func (h *PipelineHandler) GetRunStatusSSE(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	ch := h.runService.StatusSSE().AddClient(rp.RunID, id)
	defer h.runService.StatusSSE().RemoveClient(rp.RunID, id)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case r, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(toRunResponse(&r))
			if err != nil {
				continue
			}
			event := &Event{Data: data, Event: []byte("status")}
			if err := event.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
			if r.Status != store.StatusQueued && r.Status != store.StatusRunning {
				return nil
			}
		}
	}
}

func (h *PipelineHandler) PostCancelRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	r, err := h.runService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}
	if r.Status != store.StatusQueued && r.Status != store.StatusRunning {
		return newError(nil, http.StatusConflict, "run has already finished")
	}

	h.runService.CancelRun(rp.RunID)
	return c.NoContent(http.StatusAccepted)
}

func (h *PipelineHandler) DeleteRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	if err := h.runService.DeleteRun(c.Request().Context(), rp.RunID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete run")
	}
	return c.NoContent(http.StatusNoContent)
}
