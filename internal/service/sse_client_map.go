package service

import (
	"sync"
)

func NewSSEClientMap[T any]() *SSEClientMap[T] {
	return &SSEClientMap[T]{
		clients: make(map[int64]map[string]chan T),
	}
}

// SSEClientMap holds the SSE subscribers of each run. Messages for a run
// are fanned out to every client subscribed to it.
type SSEClientMap[T any] struct {
	m       sync.Mutex
	clients map[int64]map[string]chan T
}

func (cm *SSEClientMap[T]) AddClient(runID int64, uid string) chan T {
	cm.m.Lock()
	defer cm.m.Unlock()
	if cm.clients[runID] == nil {
		cm.clients[runID] = make(map[string]chan T)
	}
	ch := make(chan T, 16)
	cm.clients[runID][uid] = ch
	return ch
}

func (cm *SSEClientMap[T]) RemoveClient(runID int64, uid string) {
	cm.m.Lock()
	defer cm.m.Unlock()
	if ch, ok := cm.clients[runID][uid]; ok {
		close(ch)
		delete(cm.clients[runID], uid)
	}
	if len(cm.clients[runID]) == 0 {
		delete(cm.clients, runID)
	}
}

// SendToClients delivers message to every subscriber of runID. Slow
// clients whose buffer is full miss the message instead of blocking the
// run.
func (cm *SSEClientMap[T]) SendToClients(runID int64, message T) {
	cm.m.Lock()
	defer cm.m.Unlock()
	for _, ch := range cm.clients[runID] {
		select {
		case ch <- message:
		default:
		}
	}
}
