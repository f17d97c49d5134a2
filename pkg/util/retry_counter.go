package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter 重试计数器，Redis INCR 实现
// 只做观测镜像，权威的重试上限判断在存储层的 retry_count 字段上
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet 自增并返回新的计数，第一次自增时设置过期
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		r.rdb.Expire(ctx, key, r.ttl)
	}
	return count, nil
}

// Get 当前计数，key 不存在时为 0
func (r *RetryCounter) Get(ctx context.Context, key string) (int64, error) {
	count, err := r.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Reset 清除单个计数
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// ClearStage 清除某个 stage 的全部计数（admin reset 用）
func (r *RetryCounter) ClearStage(ctx context.Context, stage string) error {
	return deleteByPattern(ctx, r.rdb, fmt.Sprintf("retry:%s:*", stage))
}

// FormatRetryKey 组装重试计数 key
func FormatRetryKey(stage, emailID string) string {
	return fmt.Sprintf("retry:%s:%s", stage, emailID)
}
