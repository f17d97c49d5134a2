package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"tripforge/pkg/mq"
	"tripforge/pkg/trace"
)

// ReplayService 手动重放 outbox 事件（admin 接口用）
type ReplayService struct {
	repo      *Repository
	publisher *mq.Publisher
}

func NewReplayService(repo *Repository, publisher *mq.Publisher) *ReplayService {
	return &ReplayService{repo: repo, publisher: publisher}
}

// ReplayEvent 立即重发指定事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	var payload interface{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	if event.TraceID != "" {
		ctx = trace.WithContext(ctx, event.TraceID)
	}
	if err := s.publisher.Publish(ctx, event.RoutingKey, payload); err != nil {
		if markErr := s.repo.MarkAsFailed(ctx, eventID, 5); markErr != nil {
			return fmt.Errorf("publish failed: %w (mark error: %v)", err, markErr)
		}
		return fmt.Errorf("publish failed: %w", err)
	}
	return s.repo.MarkAsSent(ctx, eventID)
}

// ReplayFailedEvents 重发全部终态失败的事件，返回成功数
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, err
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			continue
		}
		successCount++
	}
	return successCount, nil
}
