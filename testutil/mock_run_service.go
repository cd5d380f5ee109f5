package testutil

import (
	"context"

	"github.com/matrixci/matrixci/internal/service"
	"github.com/matrixci/matrixci/internal/store"
	"github.com/matrixci/matrixci/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRunService struct {
	mock.Mock
	outputSSE *service.SSEClientMap[string]
	statusSSE *service.SSEClientMap[store.Run]
}

func NewMockRunService() *MockRunService {
	return &MockRunService{
		outputSSE: service.NewSSEClientMap[string](),
		statusSSE: service.NewSSEClientMap[store.Run](),
	}
}

func (m *MockRunService) CreatePipeline(
	ctx context.Context,
	name, description, decl string,
) (*store.Pipeline, error) {
	args := m.Called(ctx, name, description, decl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockRunService) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	args := m.Called(ctx, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockRunService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	var pipelines []*store.Pipeline
	if args.Get(0) != nil {
		pipelines = args.Get(0).([]*store.Pipeline)
	}
	return pipelines, args.Error(1)
}

func (m *MockRunService) UpdatePipeline(
	ctx context.Context,
	pipelineID int64,
	name, description, decl string,
) error {
	args := m.Called(ctx, pipelineID, name, description, decl)
	return args.Error(0)
}

func (m *MockRunService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	cronExpr, branch *string,
) error {
	args := m.Called(ctx, id, cronExpr, branch)
	return args.Error(0)
}

func (m *MockRunService) DeletePipeline(ctx context.Context, pipelineID int64) error {
	args := m.Called(ctx, pipelineID)
	return args.Error(0)
}

func (m *MockRunService) TriggerRun(
	ctx context.Context,
	pipelineID int64,
	branch string,
	event types.EventType,
) (*store.Run, error) {
	args := m.Called(ctx, pipelineID, branch, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockRunService) CancelRun(runID int64) {
	m.Called(runID)
}

func (m *MockRunService) GetRunByID(ctx context.Context, runID int64) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockRunService) ListPipelineRuns(
	ctx context.Context,
	pipelineID int64,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockRunService) ListLatestPipelineRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockRunService) GetRunJobResults(
	ctx context.Context,
	runID int64,
) ([]store.JobResult, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.JobResult), args.Error(1)
}

func (m *MockRunService) DeleteRun(ctx context.Context, runID int64) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockRunService) OutputSSE() *service.SSEClientMap[string] {
	return m.outputSSE
}

func (m *MockRunService) StatusSSE() *service.SSEClientMap[store.Run] {
	return m.statusSSE
}
