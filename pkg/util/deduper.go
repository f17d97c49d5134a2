package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 Redis SETNX 的处理去重
// Redis 不可用时放行，不阻塞业务（存储层的 claim 仍然兜底）
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper 创建 Deduper，logger 可以为 nil
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce 尝试获取 stage + emailID 的去重锁
// 第一次处理返回 true，重复返回 false
func (d *Deduper) AcquireOnce(ctx context.Context, stage, emailID string) bool {
	key := fmt.Sprintf("dedup:%s:%s", stage, emailID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("redis dedup check failed, allowing processing",
				zap.String("stage", stage),
				zap.String("email_id", emailID),
				zap.Error(err),
			)
		}
		return true
	}

	if !ok && d.logger != nil {
		d.logger.Info("skipped duplicated submission",
			zap.String("stage", stage),
			zap.String("email_id", emailID),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Clear 清掉某个 stage 的全部去重锁（admin reset 用）
func (d *Deduper) Clear(ctx context.Context, stage string) error {
	return deleteByPattern(ctx, d.rdb, fmt.Sprintf("dedup:%s:*", stage))
}

// deleteByPattern 按模式扫描删除 key，dedup 和 retry 的 reset 共用
func deleteByPattern(ctx context.Context, rdb *redis.Client, pattern string) error {
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
