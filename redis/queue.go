// Package redis provides the Redis-backed action queue for conduit.
// It is the transport for running the engine and its action workers as
// separate processes: the engine enqueues per-action work lists and
// consumes a shared result list, both over blocking pops.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conduit"
	rqueue "github.com/petrijr/conduit/redis/internal/taskqueue"
)

// NewRedisQueue returns a Redis-backed action queue. prefix defaults to
// "conduit:" if empty.
func NewRedisQueue(client *redis.Client, prefix string) conduit.Queue {
	return rqueue.NewRedisQueue(client, prefix)
}
