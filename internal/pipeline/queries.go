package pipeline

import (
	"context"
	"fmt"

	"tripforge/internal/model"
)

// IngestEmail 落一封已分类邮件，重复 ID 幂等
// HTTP ingest 端点和 email.classified 消费端共用
func (s *Service) IngestEmail(ctx context.Context, e *model.Email) error {
	if e.ID == "" {
		return fmt.Errorf("email id is required")
	}
	if !e.Classification.IsTravel() {
		return fmt.Errorf("classification %q is not travel related", e.Classification)
	}
	return s.emails.Upsert(ctx, e)
}

// ListTrips 全部 trip，按开始日期排序
func (s *Service) ListTrips(ctx context.Context) ([]*model.Trip, error) {
	return s.tripStore.List(ctx)
}

// TripDetail trip 及按变体分组的成员明细
func (s *Service) TripDetail(ctx context.Context, id int64) (*model.TripWithBookings, error) {
	trip, err := s.tripStore.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := s.bookings.ListByTrip(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &model.TripWithBookings{Trip: *trip}
	for _, m := range members {
		switch m.Kind {
		case model.KindTransport:
			out.Transport = append(out.Transport, *m)
		case model.KindAccommodation:
			out.Accommodations = append(out.Accommodations, *m)
		case model.KindActivity:
			out.Activities = append(out.Activities, *m)
		case model.KindCruise:
			out.Cruises = append(out.Cruises, *m)
		}
	}
	return out, nil
}

// LatestRun 最近一次 run 的回执
func (s *Service) LatestRun(ctx context.Context) (*model.DetectionRun, error) {
	return s.runs.Latest(ctx)
}

// RunByID 指定 run 的回执
func (s *Service) RunByID(ctx context.Context, id string) (*model.DetectionRun, error) {
	return s.runs.GetByID(ctx, id)
}

// Reset 管理员重置，run 在跑时拒绝
// processing_state 只回拨邮件状态机；trips 清掉全部衍生数据（trip + booking 版本链）
func (s *Service) Reset(ctx context.Context, scope string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	switch scope {
	case ScopeProcessing:
		return s.tracker.Reset(ctx)
	case ScopeTrips:
		return s.resetTrips(ctx)
	case ScopeAll:
		if err := s.resetTrips(ctx); err != nil {
			return err
		}
		return s.tracker.Reset(ctx)
	default:
		return fmt.Errorf("unknown reset scope %q", scope)
	}
}

func (s *Service) resetTrips(ctx context.Context) error {
	if err := s.bookings.DeleteAll(ctx); err != nil {
		return err
	}
	return s.tripStore.DeleteAll(ctx)
}
