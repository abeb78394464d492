package taskqueue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	coreq "github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// RedisQueue implements ActionEventQueue on Redis lists.
//
// Keys:
//
//	<prefix>actions:<actionName>   one list per action name
//	<prefix>results                shared result stream
//
// Values are the JSON wire encoding from the core queue codec, so
// workers written in other languages can join the same queue. LPUSH
// with BRPOP gives FIFO per list and blocks consumers without polling.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue constructs a Redis-backed queue.
// prefix is optional but recommended (e.g. "conduit:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "conduit:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

// Ensure RedisQueue implements ActionEventQueue.
var _ coreq.ActionEventQueue = (*RedisQueue)(nil)

func (q *RedisQueue) actionKey(actionName string) string {
	return q.prefix + "actions:" + actionName
}

func (q *RedisQueue) resultKey() string {
	return q.prefix + "results"
}

func (q *RedisQueue) Enqueue(ctx context.Context, input api.ActionInput) error {
	data, err := coreq.EncodeInput(input)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.actionKey(input.ActionName), data).Err()
}

// Dequeue blocks on BRPOP until input is available or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, actionName string) (*api.ActionInput, error) {
	res, err := q.client.BRPop(ctx, 0, q.actionKey(actionName)).Result()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis queue: BRPOP returned unexpected result: %#v", res)
	}
	return coreq.DecodeInput([]byte(res[1]))
}

func (q *RedisQueue) PostResult(ctx context.Context, event api.ActionEvent) error {
	data, err := coreq.EncodeEvent(event)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.resultKey(), data).Err()
}

// TakeResult blocks on BRPOP until a result is available or ctx is
// cancelled.
func (q *RedisQueue) TakeResult(ctx context.Context) (*api.ActionEvent, error) {
	res, err := q.client.BRPop(ctx, 0, q.resultKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis queue: BRPOP returned unexpected result: %#v", res)
	}
	return coreq.DecodeEvent([]byte(res[1]))
}

func (q *RedisQueue) Drop(ctx context.Context, actionName string) (int, error) {
	key := q.actionKey(actionName)
	n, err := q.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := q.client.Del(ctx, key).Err(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *RedisQueue) Size(ctx context.Context, actionName string) (int, error) {
	n, err := q.client.LLen(ctx, q.actionKey(actionName)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
