package service

import (
	"context"
	"fmt"
	"sync"
)

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		cancels:    make(map[int64]context.CancelFunc),
		branches:   make(map[string][]int64),
		superseded: make(map[int64]struct{}),
	}
}

// RunRegistry tracks the active runs of each pipeline branch. A newer run
// on the same branch supersedes the older ones: a running run gets its
// context cancelled, a queued run is dropped before it starts.
type RunRegistry struct {
	m          sync.Mutex
	cancels    map[int64]context.CancelFunc
	branches   map[string][]int64
	superseded map[int64]struct{}
}

func branchKey(pipelineID int64, branch string) string {
	return fmt.Sprintf("%d:%s", pipelineID, branch)
}

// Track registers a freshly created run and supersedes every older active
// run on the same pipeline branch.
func (r *RunRegistry) Track(runID, pipelineID int64, branch string) {
	r.m.Lock()
	defer r.m.Unlock()
	key := branchKey(pipelineID, branch)
	for _, old := range r.branches[key] {
		if cancel, ok := r.cancels[old]; ok {
			cancel()
		} else {
			r.superseded[old] = struct{}{}
		}
	}
	r.branches[key] = append(r.branches[key], runID)
}

// Begin transitions a queued run to running. It returns false when the
// run was superseded while still queued; otherwise it returns a context
// cancelled by supersession or an explicit cancel request.
func (r *RunRegistry) Begin(runID int64) (context.Context, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.superseded[runID]; ok {
		delete(r.superseded, runID)
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[runID] = cancel
	return ctx, true
}

// Cancel requests cancellation of a run. Queued runs are dropped when
// dequeued, running runs get their context cancelled.
func (r *RunRegistry) Cancel(runID int64) {
	r.m.Lock()
	defer r.m.Unlock()
	if cancel, ok := r.cancels[runID]; ok {
		cancel()
		return
	}
	r.superseded[runID] = struct{}{}
}

// Finish releases a terminal run's cancel func and branch bookkeeping.
func (r *RunRegistry) Finish(runID, pipelineID int64, branch string) {
	r.m.Lock()
	defer r.m.Unlock()
	if cancel, ok := r.cancels[runID]; ok {
		cancel()
		delete(r.cancels, runID)
	}
	key := branchKey(pipelineID, branch)
	ids := r.branches[key]
	for i, id := range ids {
		if id == runID {
			r.branches[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.branches[key]) == 0 {
		delete(r.branches, key)
	}
}
