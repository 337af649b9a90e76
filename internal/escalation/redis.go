package escalation

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/resilience"
)

// DefaultRedisList is the list review jobs are pushed onto.
const DefaultRedisList = "origin:human-review"

// RedisQueue pushes jobs as JSON onto a Redis list for reviewers to pop.
type RedisQueue struct {
	client *redis.Client
	list   string
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "escalation: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "escalation: redis ping")
	}
	return client, nil
}

// NewRedisQueue creates a queue on list; empty uses DefaultRedisList.
func NewRedisQueue(client *redis.Client, list string) *RedisQueue {
	if list == "" {
		list = DefaultRedisList
	}
	return &RedisQueue{client: client, list: list}
}

func (q *RedisQueue) Name() string { return "redis" }

func (q *RedisQueue) Enqueue(ctx context.Context, job model.HumanReviewJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "escalation: marshal job")
	}
	if err := q.client.LPush(ctx, q.list, payload).Err(); err != nil {
		if resilience.Unreachable(err) {
			return resilience.Transient(eris.Wrap(err, "escalation: redis lpush"), 0)
		}
		return eris.Wrap(err, "escalation: redis lpush")
	}
	return nil
}
