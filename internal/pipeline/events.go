package pipeline

import "context"

// EventSink 领域事件出口
// postgres 驱动下接 outbox（与 dispatcher 配合保证至少一次投递），
// 内存驱动和测试用 NopSink
type EventSink interface {
	Emit(ctx context.Context, aggregateType, aggregateID, routingKey string, payload any) error
}

// NopSink 丢弃所有事件
type NopSink struct{}

func (NopSink) Emit(context.Context, string, string, string, any) error { return nil }

// TripUpdatedEvent trip.updated 载荷
type TripUpdatedEvent struct {
	TripID  int64  `json:"trip_id"`
	BatchID string `json:"batch_id"`
	Change  string `json:"change"` // created / updated
}

// BatchCompletedEvent batch.completed 载荷
type BatchCompletedEvent struct {
	BatchID      string `json:"batch_id"`
	State        string `json:"state"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	TripsTouched int    `json:"trips_touched"`
}
