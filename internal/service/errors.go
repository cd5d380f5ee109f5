package service

import "fmt"

type ErrRunQueueFull struct{}

func (e ErrRunQueueFull) Error() string {
	return "run queue is full"
}

func NewErrRunQueueFull() *ErrRunQueueFull {
	return &ErrRunQueueFull{}
}

type ErrNoRunQueue struct {
	PipelineID int64
}

func (e ErrNoRunQueue) Error() string {
	return fmt.Sprintf("run queue for pipeline %d does not exist", e.PipelineID)
}
