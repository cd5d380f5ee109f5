package service

import (
	"log"
	"sync"

	"github.com/matrixci/matrixci/internal/store"
)

// RunProcessor drives one queued run to a terminal state.
type RunProcessor interface {
	ProcessRun(run *store.Run) error
}

func NewRunQueue(processor RunProcessor, maxRuns int64) *RunQueue {
	return &RunQueue{
		processor: processor,
		queue:     make(chan *store.Run, maxRuns),
		done:      make(chan struct{}),
	}
}

// RunQueue serializes the runs of a single pipeline. Jobs inside a run
// still execute in parallel; two runs of the same pipeline never overlap.
type RunQueue struct {
	processor RunProcessor
	queue     chan *store.Run
	done      chan struct{}
	mu        sync.Mutex
}

func (rq *RunQueue) Enqueue(r *store.Run) error {
	select {
	case rq.queue <- r:
		return nil
	default:
		return NewErrRunQueueFull()
	}
}

func (rq *RunQueue) Run() {
	for {
		select {
		case run := <-rq.queue:
			if err := rq.processor.ProcessRun(run); err != nil {
				log.Printf("err processing run %d: %+v\n", run.RunID, err)
			}
		case <-rq.done:
			// the queue channel stays open: Enqueue may still be sending
			return
		}
	}
}

func (rq *RunQueue) Shutdown() {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	select {
	case <-rq.done:
	default:
		close(rq.done)
	}
}
