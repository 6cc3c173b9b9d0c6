// Package redis shares command queues between replicas through Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
)

const defaultPrefix = "connector:commands:"

// Queue implements command.Queue on a Redis list.
type Queue struct {
	client backend.UniversalClient
	key    string
}

type Option func(*Queue)

// WithPrefix sets the key prefix. The queue name is appended to it.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		q.key = prefix
	}
}

// NewClient connects to addr.
func NewClient(addr, password string, db int) *backend.Client {
	return backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewQueue returns the queue called name. Each process kind drains its own name.
func NewQueue(client backend.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{client: client, key: defaultPrefix}
	for _, opt := range opts {
		opt(q)
	}
	q.key += name
	return q
}

func (q *Queue) Enqueue(ctx context.Context, cmd command.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return entity.Transient(fmt.Errorf("enqueue %s: %w", cmd.ID, err))
	}
	return nil
}

// Drain reads and deletes the list in one MULTI block, so a command pushed by
// another replica is either in this batch or left for the next one.
func (q *Queue) Drain(ctx context.Context) ([]command.Command, error) {
	var items *backend.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		items = pipe.LRange(ctx, q.key, 0, -1)
		pipe.Del(ctx, q.key)
		return nil
	})
	if err != nil {
		return nil, entity.Transient(fmt.Errorf("drain %s: %w", q.key, err))
	}
	raw := items.Val()
	out := make([]command.Command, 0, len(raw))
	for _, s := range raw {
		var cmd command.Command
		if err := json.Unmarshal([]byte(s), &cmd); err != nil {
			// A malformed entry can never be applied; drop it.
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Len is the number of queued commands.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
