package repository

import (
	"context"
	"errors"
	"time"

	"tripforge/internal/model"
)

// ErrNotFound 跨存储驱动统一的未命中错误
var ErrNotFound = errors.New("not found")

// EmailStore email 行的读写，状态迁移是 Batch State Tracker 的唯一落点
type EmailStore interface {
	Upsert(ctx context.Context, email *model.Email) error
	GetByID(ctx context.Context, id string) (*model.Email, error)
	ListByIDs(ctx context.Context, ids []string) ([]*model.Email, error)
	ListByState(ctx context.Context, state model.ProcessingState, limit int) ([]*model.Email, error)
	// ClaimProcessing pending → processing 的条件迁移，false 表示没抢到
	ClaimProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed 递增 retry_count 并返回新值
	MarkFailed(ctx context.Context, id string) (int, error)
	RequeueRetryable(ctx context.Context, maxRetries int) (int64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	CountByState(ctx context.Context) (map[model.ProcessingState]int64, error)
	ResetStates(ctx context.Context) error
}

// BookingStore booking 版本链的读写
type BookingStore interface {
	ListByIdentityKey(ctx context.Context, key string) ([]*model.BookingRecord, error)
	Save(ctx context.Context, rec *model.BookingRecord) error
	// ListByTrip 该 trip 的全部最新版本成员，含 cancelled
	ListByTrip(ctx context.Context, tripID int64) ([]*model.BookingRecord, error)
	AssignTrip(ctx context.Context, recordIDs []string, tripID int64) error
	DeleteAll(ctx context.Context) error
}

// TripStore trip 聚合的读写
type TripStore interface {
	Create(ctx context.Context, trip *model.Trip) error
	Update(ctx context.Context, trip *model.Trip) error
	GetByID(ctx context.Context, id int64) (*model.Trip, error)
	List(ctx context.Context) ([]*model.Trip, error)
	DeleteAll(ctx context.Context) error
}

// RunStore detection run 回执
type RunStore interface {
	Create(ctx context.Context, run *model.DetectionRun) error
	Update(ctx context.Context, run *model.DetectionRun) error
	GetByID(ctx context.Context, id string) (*model.DetectionRun, error)
	Latest(ctx context.Context) (*model.DetectionRun, error)
}
