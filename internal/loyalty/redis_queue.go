package loyalty

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisQueueKey = "farmapos:loyalty:tasks"

// RedisQueue backs the analytics retry queue with a redis list so pending
// updates survive a process restart.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(addr string, password string, db int) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisQueue{client: client}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, redisQueueKey, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (Task, bool, error) {
	if wait <= 0 {
		wait = time.Second
	}

	res, err := q.client.BRPop(ctx, wait, redisQueueKey).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	if len(res) < 2 {
		return Task{}, false, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}
