package memory

import (
	"context"
	"sync"

	"github.com/dataspace-hub/connector/internal/domain/command"
)

// Queue is a process-local command.Queue.
type Queue struct {
	mu    sync.Mutex
	items []command.Command
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(ctx context.Context, cmd command.Command) error {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	return nil
}

func (q *Queue) Drain(ctx context.Context) ([]command.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out, nil
}

// Len is the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
