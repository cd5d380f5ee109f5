package service

import (
	"sync"
	"testing"
	"time"

	"github.com/matrixci/matrixci/internal/store"
	"github.com/stretchr/testify/assert"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []int64
	running   chan int64
}

func (p *fakeProcessor) ProcessRun(run *store.Run) error {
	p.mu.Lock()
	p.processed = append(p.processed, run.RunID)
	p.mu.Unlock()
	if p.running != nil {
		p.running <- run.RunID
	}
	return nil
}

func (p *fakeProcessor) snapshot() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64{}, p.processed...)
}

func TestRunQueue(t *testing.T) {
	t.Run("success - queued runs are processed in order", func(t *testing.T) {
		// arrange
		processor := &fakeProcessor{running: make(chan int64)}
		rq := NewRunQueue(processor, 3)
		defer rq.Shutdown()

		assert.Nil(t, rq.Enqueue(&store.Run{RunID: 1}))
		assert.Nil(t, rq.Enqueue(&store.Run{RunID: 2}))
		assert.Nil(t, rq.Enqueue(&store.Run{RunID: 3}))

		// act
		go rq.Run()

		// assert
		for _, expected := range []int64{1, 2, 3} {
			select {
			case id := <-processor.running:
				assert.Equal(t, expected, id)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for run", expected)
			}
		}
	})

	t.Run("fail - enqueue on a full queue", func(t *testing.T) {
		// arrange
		processor := &fakeProcessor{}
		rq := NewRunQueue(processor, 1)
		defer rq.Shutdown()
		assert.Nil(t, rq.Enqueue(&store.Run{RunID: 1}))

		// act
		err := rq.Enqueue(&store.Run{RunID: 2})

		// assert
		assert.NotNil(t, err)
		var full *ErrRunQueueFull
		assert.ErrorAs(t, err, &full)
	})

	t.Run("success - shutdown is idempotent and stops the loop", func(t *testing.T) {
		// arrange
		processor := &fakeProcessor{}
		rq := NewRunQueue(processor, 1)
		done := make(chan struct{})
		go func() {
			rq.Run()
			close(done)
		}()

		// act
		rq.Shutdown()
		rq.Shutdown()

		// assert
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("queue loop did not stop")
		}
		assert.Empty(t, processor.snapshot())
	})

	t.Run("success - enqueue racing a shutdown does not panic", func(t *testing.T) {
		// arrange
		processor := &fakeProcessor{}
		rq := NewRunQueue(processor, 1)
		done := make(chan struct{})
		go func() {
			rq.Run()
			close(done)
		}()

		// act
		rq.Shutdown()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("queue loop did not stop")
		}

		// assert
		assert.NotPanics(t, func() {
			assert.Nil(t, rq.Enqueue(&store.Run{RunID: 1}))
		})
	})
}
