package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tripforge/internal/model"
	"tripforge/internal/repository"
	"tripforge/pkg/metrics"
	"tripforge/pkg/util"
)

// Stage 去重与重试计数的命名空间
const Stage = "detect"

const (
	defaultMaxRetries   = 3
	defaultStaleTimeout = 10 * time.Minute
)

// Tracker 管理邮件处理状态机 pending → processing → {completed, failed}
// 认领的权威在存储层的条件更新；Redis 只做去重短路和重试观测镜像
type Tracker struct {
	emails       repository.EmailStore
	deduper      *util.Deduper
	retries      *util.RetryCounter
	maxRetries   int
	staleTimeout time.Duration
	logger       *zap.Logger
}

// NewTracker 创建 Tracker；deduper / retries 传 nil 时退化为纯存储模式
func NewTracker(emails repository.EmailStore, deduper *util.Deduper, retries *util.RetryCounter, maxRetries int, staleTimeout time.Duration, logger *zap.Logger) *Tracker {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if staleTimeout <= 0 {
		staleTimeout = defaultStaleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		emails:       emails,
		deduper:      deduper,
		retries:      retries,
		maxRetries:   maxRetries,
		staleTimeout: staleTimeout,
		logger:       logger,
	}
}

// MaxRetries 重试上限
func (t *Tracker) MaxRetries() int {
	return t.maxRetries
}

// Claim 认领一封邮件进入 processing
// 返回 false 表示别的批次已经拿走（或重复提交），调用方直接跳过
func (t *Tracker) Claim(ctx context.Context, runID, emailID string) (bool, error) {
	// Redis SETNX 先挡一道重复提交，run 之间互不影响
	if t.deduper != nil && !t.deduper.AcquireOnce(ctx, runStage(runID), emailID) {
		metrics.IncrementEmailProcessed("skipped")
		return false, nil
	}

	claimed, err := t.emails.ClaimProcessing(ctx, emailID)
	if err != nil {
		return false, fmt.Errorf("claim email %s: %w", emailID, err)
	}
	if !claimed {
		t.logger.Debug("email claim lost, skipping",
			zap.String("email_id", emailID),
			zap.String("run_id", runID),
		)
		metrics.IncrementEmailProcessed("skipped")
	}
	return claimed, nil
}

// Complete 标记处理成功并清掉重试计数
func (t *Tracker) Complete(ctx context.Context, emailID string) error {
	if err := t.emails.MarkCompleted(ctx, emailID); err != nil {
		return fmt.Errorf("mark email %s completed: %w", emailID, err)
	}
	if t.retries != nil {
		if err := t.retries.Reset(ctx, util.FormatRetryKey(Stage, emailID)); err != nil {
			t.logger.Warn("failed to reset retry counter",
				zap.String("email_id", emailID),
				zap.Error(err),
			)
		}
	}
	metrics.IncrementEmailProcessed("completed")
	return nil
}

// Fail 标记处理失败，返回是否还在重试预算内
func (t *Tracker) Fail(ctx context.Context, emailID string, cause error) (bool, error) {
	count, err := t.emails.MarkFailed(ctx, emailID)
	if err != nil {
		return false, fmt.Errorf("mark email %s failed: %w", emailID, err)
	}
	if t.retries != nil {
		if _, err := t.retries.IncrementAndGet(ctx, util.FormatRetryKey(Stage, emailID)); err != nil {
			t.logger.Warn("failed to mirror retry counter",
				zap.String("email_id", emailID),
				zap.Error(err),
			)
		}
	}
	metrics.IncrementEmailProcessed("failed")

	retryable := count < t.maxRetries
	t.logger.Warn("email processing failed",
		zap.String("email_id", emailID),
		zap.Int("retry_count", count),
		zap.Int("max_retries", t.maxRetries),
		zap.Bool("retryable", retryable),
		zap.Error(cause),
	)
	return retryable, nil
}

// Recover run 启动时的恢复：回收超时的 processing，重新排队预算内的 failed
// 重启后 completed 不会被重放，时间戳保证了这一点
func (t *Tracker) Recover(ctx context.Context) error {
	stale, err := t.emails.RequeueStale(ctx, t.staleTimeout)
	if err != nil {
		return fmt.Errorf("requeue stale emails: %w", err)
	}
	retried, err := t.emails.RequeueRetryable(ctx, t.maxRetries)
	if err != nil {
		return fmt.Errorf("requeue retryable emails: %w", err)
	}
	if stale > 0 || retried > 0 {
		t.logger.Info("recovered emails for reprocessing",
			zap.Int64("stale_requeued", stale),
			zap.Int64("failed_requeued", retried),
		)
	}
	return nil
}

// Counts 各状态的邮件数，进度接口用
func (t *Tracker) Counts(ctx context.Context) (map[model.ProcessingState]int64, error) {
	return t.emails.CountByState(ctx)
}

// Reset 清空全部处理状态、去重锁和重试计数（admin reset 用）
func (t *Tracker) Reset(ctx context.Context) error {
	if err := t.emails.ResetStates(ctx); err != nil {
		return fmt.Errorf("reset email states: %w", err)
	}
	if t.deduper != nil {
		if err := t.deduper.Clear(ctx, Stage); err != nil {
			t.logger.Warn("failed to clear dedup keys", zap.Error(err))
		}
	}
	if t.retries != nil {
		if err := t.retries.ClearStage(ctx, Stage); err != nil {
			t.logger.Warn("failed to clear retry counters", zap.Error(err))
		}
	}
	return nil
}

// runStage 去重 key 带上 run ID，重试 run 不会被上一轮的锁挡住
func runStage(runID string) string {
	if runID == "" {
		return Stage
	}
	return Stage + ":" + runID
}
