package metadata

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"pumpfeed/internal/domain"
)

// Redis keys for the shared job store.
const (
	redisJobsKey      = "metadata:jobs"      // ZSET mint -> enqueued_at ms
	redisAttemptsKey  = "metadata:attempts"  // HASH mint -> attempts
	redisExhaustedKey = "metadata:exhausted" // SET of abandoned mints
)

// RedisJobStore shares jobs between backfill instances.
type RedisJobStore struct {
	client *redis.Client
}

// NewRedisJobStore creates a RedisJobStore on client.
func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func (s *RedisJobStore) Add(ctx context.Context, job domain.MetadataJob) (bool, error) {
	exhausted, err := s.client.SIsMember(ctx, redisExhaustedKey, job.Mint).Result()
	if err != nil {
		return false, fmt.Errorf("check exhausted: %w", err)
	}
	if exhausted {
		return false, nil
	}
	n, err := s.client.ZAddNX(ctx, redisJobsKey, redis.Z{
		Score:  float64(job.EnqueuedAt),
		Member: job.Mint,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("add job: %w", err)
	}
	return n > 0, nil
}

func (s *RedisJobStore) Pending(ctx context.Context, limit int) ([]domain.MetadataJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	entries, err := s.client.ZRangeWithScores(ctx, redisJobsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	mints := make([]string, len(entries))
	for i, e := range entries {
		mints[i] = e.Member.(string)
	}
	attempts, err := s.client.HMGet(ctx, redisAttemptsKey, mints...).Result()
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}

	jobs := make([]domain.MetadataJob, len(entries))
	for i, e := range entries {
		jobs[i] = domain.MetadataJob{Mint: mints[i], EnqueuedAt: int64(e.Score)}
		if raw, ok := attempts[i].(string); ok {
			jobs[i].Attempts, _ = strconv.Atoi(raw)
		}
	}
	return jobs, nil
}

func (s *RedisJobStore) Update(ctx context.Context, job domain.MetadataJob) error {
	if err := s.client.HSet(ctx, redisAttemptsKey, job.Mint, job.Attempts).Err(); err != nil {
		return fmt.Errorf("update attempts: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Remove(ctx context.Context, mint string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisJobsKey, mint)
		pipe.HDel(ctx, redisAttemptsKey, mint)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Exhaust(ctx context.Context, mint string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisJobsKey, mint)
		pipe.HDel(ctx, redisAttemptsKey, mint)
		pipe.SAdd(ctx, redisExhaustedKey, mint)
		return nil
	})
	if err != nil {
		return fmt.Errorf("exhaust job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, redisJobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return int(n), nil
}
