package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	redisPopTimeout  = 5 * time.Second
	redisPushTimeout = 2 * time.Second
	redisRetryDelay  = time.Second
)

// RedisQueue parks job ids on a Redis list so they survive until a worker
// slot is free. The consumer only pops when it holds a slot, and BRPOP
// removes the id before the job runs, so each id runs at most once.
type RedisQueue struct {
	rdb  *goredis.Client
	key  string
	pool *Pool
	log  *slog.Logger
}

// NewRedisQueue connects to Redis and returns a queue feeding pool.
func NewRedisQueue(ctx context.Context, addr, key string, pool *Pool, logger *slog.Logger) (*RedisQueue, error) {
	if addr == "" {
		return nil, errors.New("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		// BRPOP blocks longer than the default read timeout.
		ReadTimeout: redisPopTimeout + 2*time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		rdb:  rdb,
		key:  key,
		pool: pool,
		log:  logger.With("component", "dispatch", "queue", "redis"),
	}, nil
}

// Dispatch pushes the job id onto the list. If Redis is unavailable the
// job goes straight to the pool.
func (q *RedisQueue) Dispatch(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), redisPushTimeout)
	defer cancel()
	if err := q.rdb.LPush(ctx, q.key, jobID).Err(); err != nil {
		q.log.Warn("Redis push failed, dispatching in process", "job_id", jobID, "error", err)
		q.pool.Dispatch(jobID)
	}
}

// TriggerSweep forwards to the pool.
func (q *RedisQueue) TriggerSweep() {
	q.pool.TriggerSweep()
}

// Start runs the consumer until ctx is cancelled. The returned channel is
// closed when it exits.
func (q *RedisQueue) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.log.Info("Redis consumer started", "key", q.key)
		for {
			if err := q.pool.sem.Acquire(ctx, 1); err != nil {
				q.log.Info("Redis consumer shutting down", "reason", ctx.Err())
				return
			}
			jobID, err := q.pop(ctx)
			if err != nil {
				q.pool.sem.Release(1)
				if ctx.Err() != nil {
					q.log.Info("Redis consumer shutting down", "reason", ctx.Err())
					return
				}
				if !errors.Is(err, goredis.Nil) {
					q.log.Error("Redis pop failed", "error", err)
					sleepCtx(ctx, redisRetryDelay)
				}
				continue
			}
			q.pool.runAcquired(jobID)
		}
	}()
	return done
}

func (q *RedisQueue) pop(ctx context.Context) (int64, error) {
	res, err := q.rdb.BRPop(ctx, redisPopTimeout, q.key).Result()
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected BRPOP reply %v", res)
	}
	return parseJobID(res[1])
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q in queue", s)
	}
	return id, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
