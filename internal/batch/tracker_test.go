package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripforge/internal/model"
	"tripforge/internal/repository/memstore"
	"tripforge/pkg/logger"
	"tripforge/pkg/util"
)

func seedEmail(t *testing.T, store *memstore.Store, id string) {
	t.Helper()
	err := store.Emails().Upsert(context.Background(), &model.Email{
		ID:             id,
		Subject:        "Your booking confirmation",
		Classification: model.ClassFlight,
		ReceivedAt:     time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestClaimAdmitsPendingOnce(t *testing.T) {
	store := memstore.New()
	tracker := NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, logger.Nop())
	seedEmail(t, store, "em-1")

	claimed, err := tracker.Claim(context.Background(), "run-1", "em-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// 第二次认领输掉，跳过而不是排队
	claimed, err = tracker.Claim(context.Background(), "run-1", "em-1")
	require.NoError(t, err)
	assert.False(t, claimed)

	counts, err := tracker.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.StateProcessing])
}

func TestClaimUnknownEmailIsSkipped(t *testing.T) {
	store := memstore.New()
	tracker := NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, logger.Nop())

	claimed, err := tracker.Claim(context.Background(), "run-1", "em-missing")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestFailRetriesUntilBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tracker := NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, logger.Nop())
	seedEmail(t, store, "em-1")

	cause := errors.New("oracle timeout")
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := tracker.Claim(ctx, "run-1", "em-1")
		require.NoError(t, err)
		require.True(t, claimed, "attempt %d should claim", attempt)

		retryable, err := tracker.Fail(ctx, "em-1", cause)
		require.NoError(t, err)
		if attempt < 3 {
			assert.True(t, retryable)
			require.NoError(t, tracker.Recover(ctx))
		} else {
			// 预算用完，Recover 不再把它排回来
			assert.False(t, retryable)
			require.NoError(t, tracker.Recover(ctx))
			claimed, err := tracker.Claim(ctx, "run-2", "em-1")
			require.NoError(t, err)
			assert.False(t, claimed)
		}
	}

	counts, err := tracker.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.StateFailed])
}

func TestCompleteIsTerminalAcrossRecover(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tracker := NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, logger.Nop())
	seedEmail(t, store, "em-1")

	claimed, err := tracker.Claim(ctx, "run-1", "em-1")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, tracker.Complete(ctx, "em-1"))

	// 重启恢复不会重放 completed
	require.NoError(t, tracker.Recover(ctx))
	claimed, err = tracker.Claim(ctx, "run-2", "em-1")
	require.NoError(t, err)
	assert.False(t, claimed)

	counts, err := tracker.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.StateCompleted])
}

func TestRecoverSweepsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)
	store := memstore.NewWithClock(func() time.Time { return now })
	tracker := NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, logger.Nop())
	seedEmail(t, store, "em-1")

	claimed, err := tracker.Claim(ctx, "run-1", "em-1")
	require.NoError(t, err)
	require.True(t, claimed)

	// 10 分钟内不算卡死
	now = now.Add(5 * time.Minute)
	require.NoError(t, tracker.Recover(ctx))
	counts, err := tracker.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.StateProcessing])

	// 超时后回收，能被下一轮 run 认领
	now = now.Add(6 * time.Minute)
	require.NoError(t, tracker.Recover(ctx))
	claimed, err = tracker.Claim(ctx, "run-2", "em-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimDegradesWhenRedisUnavailable(t *testing.T) {
	store := memstore.New()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	deduper := util.NewDeduper(rdb, time.Minute, logger.Nop())
	tracker := NewTracker(store.Emails(), deduper, nil, 3, 10*time.Minute, logger.Nop())
	seedEmail(t, store, "em-1")

	// Redis 不可用时放行，由存储层的条件更新兜底
	claimed, err := tracker.Claim(context.Background(), "run-1", "em-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = tracker.Claim(context.Background(), "run-1", "em-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestResetReturnsEverythingToPending(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	tracker := NewTracker(store.Emails(), nil, nil, 1, 10*time.Minute, logger.Nop())
	seedEmail(t, store, "em-1")
	seedEmail(t, store, "em-2")

	claimed, err := tracker.Claim(ctx, "run-1", "em-1")
	require.NoError(t, err)
	require.True(t, claimed)
	retryable, err := tracker.Fail(ctx, "em-1", errors.New("malformed payload"))
	require.NoError(t, err)
	require.False(t, retryable)

	require.NoError(t, tracker.Reset(ctx))

	counts, err := tracker.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.StatePending])

	// reset 把重试预算也清零
	claimed, err = tracker.Claim(ctx, "run-2", "em-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}
