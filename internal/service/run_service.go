package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/matrixci/matrixci/internal"
	"github.com/matrixci/matrixci/internal/declaration"
	"github.com/matrixci/matrixci/internal/job"
	"github.com/matrixci/matrixci/internal/schedule"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/store"
	"github.com/matrixci/matrixci/internal/types"
	"github.com/matrixci/matrixci/internal/util"
)

type RunService struct {
	pipelineStore  store.PipelineStore
	runStore       store.RunStore
	jobResultStore store.JobResultStore
	scheduler      gocron.Scheduler
	keychain       *security.Keychain
	secretScheme   security.Scheme
	repo           string
	cacheRoot      string
	jobTimeout     time.Duration
	deployers      map[string]job.Deployer
	agent          *AgentConfig

	outputSSE *SSEClientMap[string]
	statusSSE *SSEClientMap[store.Run]

	registry *RunRegistry
	mu       sync.Mutex
	queues   map[int64]*RunQueue
}

func NewRunService(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	jobResultStore store.JobResultStore,
	scheduler gocron.Scheduler,
	keychain *security.Keychain,
	secretScheme security.Scheme,
	repo, cacheRoot string,
	jobTimeout time.Duration,
) *RunService {
	return &RunService{
		pipelineStore:  pipelineStore,
		runStore:       runStore,
		jobResultStore: jobResultStore,
		scheduler:      scheduler,
		keychain:       keychain,
		secretScheme:   secretScheme,
		repo:           repo,
		cacheRoot:      cacheRoot,
		jobTimeout:     jobTimeout,
		deployers: map[string]job.Deployer{
			"script": job.ScriptDeployer{},
			"pypi":   job.PyPIDeployer{},
		},
		outputSSE: NewSSEClientMap[string](),
		statusSSE: NewSSEClientMap[store.Run](),
		registry:  NewRunRegistry(),
		queues:    make(map[int64]*RunQueue),
	}
}

// OutputSSE exposes the per-run output subscriber map.
func (s *RunService) OutputSSE() *SSEClientMap[string] { return s.outputSSE }

// StatusSSE exposes the per-run status subscriber map.
func (s *RunService) StatusSSE() *SSEClientMap[store.Run] { return s.statusSSE }

// RegisterDeployer adds a deploy provider implementation under name.
func (s *RunService) RegisterDeployer(name string, d job.Deployer) {
	s.deployers[name] = d
}

func (s *RunService) providerNames() []string {
	names := make([]string, 0, len(s.deployers))
	for name := range s.deployers {
		names = append(names, name)
	}
	return names
}

// AgentConfig identifies a remote agent that jobs execute on over SSH.
type AgentConfig struct {
	Username   string
	Hostname   string
	PrivateKey []byte
	Workspace  string
}

// UseAgent routes job execution to a remote agent instead of the local
// host.
func (s *RunService) UseAgent(agent *AgentConfig) {
	s.agent = agent
}

func (s *RunService) InitializeRunQueues(ctx context.Context) error {
	pipelines, err := s.ListPipelines(ctx)
	if err != nil {
		return err
	}

	ids := make([]int64, len(pipelines))
	for i, p := range pipelines {
		ids[i] = p.PipelineID
	}

	s.AddRunQueues(ids, internal.Config.QueueSize)
	s.StartRunQueues()
	return nil
}

func (s *RunService) CreatePipeline(
	ctx context.Context,
	name, description, decl string,
) (*store.Pipeline, error) {
	if _, err := declaration.Parse([]byte(decl)); err != nil {
		return nil, err
	}
	p, err := s.pipelineStore.CreatePipeline(ctx, name, description, decl)
	if err != nil {
		return nil, err
	}
	s.AddRunQueue(p.PipelineID, internal.Config.QueueSize)
	if err := s.StartRunQueue(p.PipelineID); err != nil {
		return p, err
	}
	return p, nil
}

func (s *RunService) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
}

func (s *RunService) ListPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *RunService) ListScheduledPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListScheduledPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *RunService) UpdatePipeline(
	ctx context.Context,
	pipelineID int64,
	name, description, decl string,
) error {
	if _, err := declaration.Parse([]byte(decl)); err != nil {
		return err
	}
	return s.pipelineStore.UpdatePipeline(ctx, pipelineID, name, description, decl)
}

func (s *RunService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	cronExpr, branch *string,
) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return err
	}

	if p.ScheduleJobID != nil && s.scheduler != nil {
		if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
			log.Println("unable to remove existing job: ", err)
		}
	}
	if cronExpr == nil {
		return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, nil, nil, nil)
	}

	jobID, err := s.SchedulePipelineRun(p.PipelineID, *cronExpr, *branch)
	if err != nil {
		return err
	}
	return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, cronExpr, branch, jobID)
}

func (s *RunService) SchedulePipelineRun(
	pipelineID int64,
	cronExpr, branch string,
) (*string, error) {
	if s.scheduler == nil {
		return nil, nil
	}
	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			if _, err := s.TriggerRun(
				context.Background(),
				pipelineID,
				branch,
				types.EventCron,
			); err != nil {
				log.Printf("err triggering scheduled run for pipeline %d: %+v\n", pipelineID, err)
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("error scheduling pipeline job: %+w", err)
	}
	return util.AsPtr(j.ID().String()), nil
}

// SchedulePipelines re-arms the cron trigger of every pipeline with a
// stored schedule. Called once at startup, before the scheduler starts.
func (s *RunService) SchedulePipelines(ctx context.Context) error {
	pipelines, err := s.ListScheduledPipelines(ctx)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		jobID, err := s.SchedulePipelineRun(p.PipelineID, *p.Schedule, *p.ScheduleBranch)
		if err != nil {
			log.Println("err re-scheduling pipeline:", err)
			continue
		}
		if err := s.pipelineStore.UpdatePipelineScheduleJobID(
			ctx, p.PipelineID, jobID,
		); err != nil {
			log.Println("err updating re-scheduled pipeline job id:", err)
		}
	}
	return nil
}

func (s *RunService) DeletePipeline(
	ctx context.Context, pipelineID int64,
) error {
	if err := s.pipelineStore.DeletePipeline(ctx, pipelineID); err != nil {
		return err
	}
	s.RemoveRunQueue(pipelineID)
	return nil
}

// TriggerRun creates a queued run for an event and enqueues it. Older
// active runs on the same branch are superseded before the new run is
// queued.
func (s *RunService) TriggerRun(
	ctx context.Context,
	pipelineID int64,
	branch string,
	event types.EventType,
) (*store.Run, error) {
	if _, err := s.pipelineStore.ReadPipelineByID(ctx, pipelineID); err != nil {
		return nil, err
	}
	r, err := s.runStore.CreateRun(ctx, pipelineID, branch, string(event))
	if err != nil {
		return nil, err
	}
	s.registry.Track(r.RunID, pipelineID, branch)
	if err := s.EnqueueRun(r); err != nil {
		s.registry.Finish(r.RunID, pipelineID, branch)
		endedOn := time.Now().UTC()
		if sqlErr := s.runStore.UpdateRunEndedOn(
			ctx, r.RunID, store.StatusCancelled, &endedOn,
		); sqlErr != nil {
			return nil, errors.Join(err, sqlErr)
		}
		return nil, err
	}
	return r, nil
}

func (s *RunService) CancelRun(runID int64) {
	s.registry.Cancel(runID)
}

func (s *RunService) GetRunByID(
	ctx context.Context, runID int64,
) (*store.Run, error) {
	return s.runStore.ReadRunByID(ctx, runID)
}

func (s *RunService) ListPipelineRuns(
	ctx context.Context,
	pipelineID int64,
) ([]store.Run, error) {
	runs, err := s.runStore.ListPipelineRuns(ctx, pipelineID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return runs, nil
}

func (s *RunService) ListLatestPipelineRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	return s.runStore.ListLatestPipelineRuns(ctx, pipelineID, limit)
}

func (s *RunService) GetRunJobResults(
	ctx context.Context, runID int64,
) ([]store.JobResult, error) {
	results, err := s.jobResultStore.ListRunJobResults(ctx, runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return results, nil
}

func (s *RunService) DeleteRun(ctx context.Context, runID int64) error {
	if err := s.jobResultStore.DeleteRunJobResults(ctx, runID); err != nil {
		return err
	}
	return s.runStore.DeleteRun(ctx, runID)
}

// ProcessRun drives one queued run to a terminal state. It is invoked by
// the pipeline's RunQueue, one run at a time.
func (s *RunService) ProcessRun(run *store.Run) error {
	ctx, ok := s.registry.Begin(run.RunID)
	if !ok {
		// superseded while still queued
		return s.finishRun(run, store.StatusCancelled)
	}
	defer s.registry.Finish(run.RunID, run.RunPipelineID, run.Branch)

	outputCh := make(chan string)
	var wg sync.WaitGroup
	wg.Go(func() {
		s.handleOutput(run.RunID, outputCh)
	})

	if err := s.startRun(run); err != nil {
		close(outputCh)
		wg.Wait()
		return err
	}

	status, runErr := s.executeRun(ctx, run, outputCh)

	close(outputCh)
	wg.Wait()

	if err := s.finishRun(run, status); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (s *RunService) startRun(run *store.Run) error {
	startedOn := time.Now().UTC()
	if err := s.runStore.UpdateRunStartedOn(
		context.Background(), run.RunID, store.StatusRunning, &startedOn,
	); err != nil {
		return err
	}
	r, err := s.runStore.ReadRunByID(context.Background(), run.RunID)
	if err != nil {
		return err
	}
	*run = *r
	s.statusSSE.SendToClients(run.RunID, *r)
	return nil
}

func (s *RunService) finishRun(run *store.Run, status store.RunStatus) error {
	endedOn := time.Now().UTC()
	if err := s.runStore.UpdateRunEndedOn(
		context.Background(), run.RunID, status, &endedOn,
	); err != nil {
		return err
	}
	r, err := s.runStore.ReadRunByID(context.Background(), run.RunID)
	if err != nil {
		return err
	}
	*run = *r
	s.statusSSE.SendToClients(run.RunID, *r)
	return nil
}

func (s *RunService) executeRun(
	ctx context.Context,
	run *store.Run,
	outputCh chan string,
) (store.RunStatus, error) {
	p, err := s.pipelineStore.ReadPipelineByID(context.Background(), run.RunPipelineID)
	if err != nil {
		outputCh <- fmt.Sprintf("err reading pipeline: %+v\n", err)
		return store.StatusFailed, err
	}

	decl, err := declaration.Parse([]byte(p.Declaration))
	if err != nil {
		outputCh <- fmt.Sprintf("invalid declaration: %s\n", err)
		return store.StatusFailed, err
	}

	env := make(map[string]string, len(decl.Env.Global))
	for _, ev := range decl.Env.Global {
		env[ev.Name] = ev.Value
	}
	bctx := types.NewBuildContext(run.Branch, types.EventType(run.Event), s.repo, "", env)

	executor := job.NewExecutor(s.keychain, security.NewRedactor(), s.deployers, s.jobTimeout)
	factory := func(def *job.Definition) (job.StepRunner, error) {
		if s.agent != nil {
			return job.NewSSHRunner(
				s.agent.Username,
				s.agent.Hostname,
				s.agent.PrivateKey,
				s.agent.Workspace,
				s.cacheRoot,
				decl.Cache.Directories,
			), nil
		}
		return job.NewLocalRunner(s.cacheRoot, decl.Cache.Directories), nil
	}
	engine := schedule.NewPipeline(schedule.NewEngineRunner(executor, factory), s.secretScheme)
	engine.RestrictProviders(s.providerNames()...)

	sinks := func(def *job.Definition) io.Writer {
		return &jobSink{name: def.Name, ch: outputCh}
	}

	rr, err := engine.Run(ctx, decl, bctx, sinks)
	if err != nil {
		outputCh <- fmt.Sprintf("matrix expansion failed: %s\n", err)
		return store.StatusFailed, err
	}

	for _, jr := range rr.Jobs {
		if err := s.persistJobResult(run.RunID, jr); err != nil {
			log.Printf("err persisting job result %s: %+v\n", jr.JobID, err)
		}
	}

	switch {
	case rr.Filtered:
		outputCh <- fmt.Sprintf("branch '%s' is not in branches.only, run skipped\n", run.Branch)
		return store.StatusSkipped, nil
	case rr.Cancelled():
		return store.StatusCancelled, nil
	case rr.Status == schedule.StatusSucceeded:
		return store.StatusSucceeded, nil
	default:
		return store.StatusFailed, nil
	}
}

func (s *RunService) persistJobResult(runID int64, jr job.Result) error {
	rec := &store.JobResult{
		ResultRunID:   runID,
		JobID:         jr.JobID,
		Stage:         jr.Stage,
		Name:          jr.Name,
		Status:        string(jr.Status),
		DeploySkipped: jr.DeploySkipped,
	}
	if jr.FailingCommand != "" {
		rec.FailingCommand = util.AsPtr(jr.FailingCommand)
		rec.ExitCode = util.AsPtr(int64(jr.ExitCode))
	}
	if jr.ErrorKind != "" {
		rec.ErrorKind = util.AsPtr(jr.ErrorKind)
	}
	if jr.DeploySkipReason != "" {
		rec.DeploySkipReason = util.AsPtr(jr.DeploySkipReason)
	}
	if jr.Output != "" {
		rec.Output = util.AsPtr(jr.Output)
	}
	_, err := s.jobResultStore.CreateJobResult(context.Background(), rec)
	return err
}

func (s *RunService) handleOutput(runID int64, outputCh chan string) {
	for out := range outputCh {
		if err := s.runStore.AppendRunOutput(context.Background(), runID, out); err != nil {
			log.Printf("err appending run output: %+v\n", err)
		}
		s.outputSSE.SendToClients(runID, out)
	}
}

func (s *RunService) AddRunQueues(ids []int64, maxRuns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.queues[id] = NewRunQueue(s, maxRuns)
	}
}

func (s *RunService) StartRunQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queues {
		go s.queues[i].Run()
	}
}

func (s *RunService) AddRunQueue(id int64, maxRuns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = NewRunQueue(s, maxRuns)
}

func (s *RunService) StartRunQueue(id int64) error {
	rq, ok := s.GetPipelineRunQueue(id)
	if !ok {
		return ErrNoRunQueue{PipelineID: id}
	}
	go rq.Run()
	return nil
}

func (s *RunService) GetPipelineRunQueue(id int64) (*RunQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.queues[id]
	return rq, ok
}

func (s *RunService) RemoveRunQueue(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, id)
}

func (s *RunService) EnqueueRun(r *store.Run) error {
	rq, ok := s.GetPipelineRunQueue(r.RunPipelineID)
	if !ok {
		return ErrNoRunQueue{PipelineID: r.RunPipelineID}
	}
	return rq.Enqueue(r)
}

func (s *RunService) ShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wg sync.WaitGroup
	for _, rq := range s.queues {
		wg.Go(func() {
			rq.Shutdown()
		})
	}
	wg.Wait()
}

// jobSink forwards a job's redacted output to the run's output channel,
// prefixing each complete line with the job name so interleaved matrix
// output stays attributable.
type jobSink struct {
	name string
	ch   chan<- string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *jobSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			s.buf.WriteString(line)
			break
		}
		s.ch <- fmt.Sprintf("[%s] %s", s.name, line)
	}
	return len(p), nil
}
