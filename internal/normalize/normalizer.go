package normalize

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"tripforge/internal/model"
)

// Draft 规范化后的 booking 草稿，等待 Version Reconciler 裁决
type Draft struct {
	Record          *model.BookingRecord
	Confirmation    string // 首个确认号，可能为空
	EmailReceivedAt time.Time
	TripHint        string
}

// Normalizer 把 oracle 的异构 enrichment payload 规范化为类型化草稿
// 纯函数：除了给草稿打上来源邮件 ID 外没有任何副作用
type Normalizer struct {
	homeCity string
	logger   *zap.Logger
}

func New(homeCity string, logger *zap.Logger) *Normalizer {
	return &Normalizer{homeCity: homeCity, logger: logger}
}

// Normalize 处理单封邮件的提取结果
// non_booking 返回零草稿；必填字段缺失返回 IncompleteBookingError，
// 此时整封邮件按失败处理，所有草稿作废
func (n *Normalizer) Normalize(email *model.Email, enr *model.EmailEnrichment) ([]Draft, error) {
	if enr == nil || enr.NonBooking {
		return nil, nil
	}

	var drafts []Draft
	for i := range enr.Bookings {
		payload := &enr.Bookings[i]
		if payload.Type == model.PayloadNonBooking {
			continue
		}

		got, err := n.normalizePayload(email, payload, enr.TripHint)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, got...)
	}
	return drafts, nil
}

func (n *Normalizer) normalizePayload(email *model.Email, p *model.BookingPayload, hint string) ([]Draft, error) {
	status := p.Status
	if status == "" {
		status = model.BookingConfirmed
	}
	confirmation := firstConfirmation(p.ConfirmationNumbers)

	if isTestBooking(confirmation) {
		n.logger.Info("dropping test booking",
			zap.String("email_id", email.ID),
			zap.String("confirmation", confirmation),
		)
		return nil, nil
	}

	switch p.Type {
	case model.PayloadFlight, model.PayloadTrain, model.PayloadBus, model.PayloadFerry, model.PayloadCarRental:
		return n.normalizeTransport(email, p, status, confirmation, hint)
	case model.PayloadHotel:
		return n.normalizeAccommodation(email, p, status, confirmation, hint)
	case model.PayloadActivity:
		return n.normalizeActivity(email, p, status, confirmation, hint)
	case model.PayloadCruise:
		return n.normalizeCruise(email, p, status, confirmation, hint)
	default:
		return nil, &model.IncompleteBookingError{Kind: model.BookingKind(p.Type), Missing: []string{"recognized booking type"}}
	}
}

func (n *Normalizer) normalizeTransport(email *model.Email, p *model.BookingPayload, status model.BookingStatus, confirmation, hint string) ([]Draft, error) {
	if len(p.Segments) == 0 {
		return nil, &model.IncompleteBookingError{Kind: model.KindTransport, Missing: []string{"segments"}}
	}

	drafts := make([]Draft, 0, len(p.Segments))
	for i := range p.Segments {
		seg := p.Segments[i]
		var missing []string
		if strings.TrimSpace(seg.DepartureLocation) == "" {
			missing = append(missing, "departure_location")
		}
		if strings.TrimSpace(seg.ArrivalLocation) == "" {
			missing = append(missing, "arrival_location")
		}
		if seg.DepartureAt.IsZero() {
			missing = append(missing, "departure_at")
		}
		if seg.ArrivalAt.IsZero() {
			missing = append(missing, "arrival_at")
		}
		if len(missing) > 0 {
			return nil, &model.IncompleteBookingError{Kind: model.KindTransport, Missing: missing}
		}
		if seg.ArrivalAt.Before(seg.DepartureAt) {
			return nil, &model.IncompleteBookingError{Kind: model.KindTransport, Missing: []string{"arrival_at not before departure_at"}}
		}

		if seg.Mode == "" {
			seg.Mode = modeForPayloadType(p.Type)
		}

		record := &model.BookingRecord{
			Kind:      model.KindTransport,
			Status:    status,
			StartAt:   seg.DepartureAt,
			EndAt:     seg.ArrivalAt,
			Locations: []string{seg.DepartureLocation, seg.ArrivalLocation},
			Currency:  strings.ToUpper(p.Cost.Currency),
			Transport: &model.TransportDetails{
				Mode:              seg.Mode,
				Carrier:           seg.Carrier,
				SegmentNumber:     seg.SegmentNumber,
				DepartureLocation: seg.DepartureLocation,
				ArrivalLocation:   seg.ArrivalLocation,
				DepartureAt:       seg.DepartureAt,
				ArrivalAt:         seg.ArrivalAt,
				DistanceKM:        seg.DistanceKM,
				DistanceType:      seg.DistanceType,
			},
			SourceEmailIDs: []string{email.ID},
		}
		// 金额记在首段上，避免多段重复计入 trip 总额
		if i == 0 {
			record.Cost = p.Cost.Amount
		}
		drafts = append(drafts, Draft{
			Record:          record,
			Confirmation:    confirmation,
			EmailReceivedAt: email.ReceivedAt,
			TripHint:        hint,
		})
	}
	return drafts, nil
}

func (n *Normalizer) normalizeAccommodation(email *model.Email, p *model.BookingPayload, status model.BookingStatus, confirmation, hint string) ([]Draft, error) {
	acc := p.Accommodation
	var missing []string
	if acc == nil || strings.TrimSpace(acc.PropertyName) == "" {
		missing = append(missing, "property_name")
	}
	if acc == nil || acc.CheckIn.IsZero() {
		missing = append(missing, "check_in")
	}
	if acc == nil || acc.CheckOut.IsZero() {
		missing = append(missing, "check_out")
	}
	if len(missing) > 0 {
		return nil, &model.IncompleteBookingError{Kind: model.KindAccommodation, Missing: missing}
	}
	if acc.CheckOut.Before(acc.CheckIn) {
		return nil, &model.IncompleteBookingError{Kind: model.KindAccommodation, Missing: []string{"check_out not before check_in"}}
	}

	if isTestBooking(acc.PropertyName) {
		n.logger.Info("dropping test booking",
			zap.String("email_id", email.ID),
			zap.String("property", acc.PropertyName),
		)
		return nil, nil
	}
	if n.isLocalStay(acc.City, acc.CheckIn, acc.CheckOut) {
		n.logger.Info("dropping home-city local stay",
			zap.String("email_id", email.ID),
			zap.String("city", acc.City),
		)
		return nil, nil
	}

	record := &model.BookingRecord{
		Kind:      model.KindAccommodation,
		Status:    status,
		StartAt:   acc.CheckIn,
		EndAt:     acc.CheckOut,
		Locations: []string{acc.City},
		Cost:      p.Cost.Amount,
		Currency:  strings.ToUpper(p.Cost.Currency),
		Accommodation: &model.AccommodationDetails{
			PropertyName: acc.PropertyName,
			Address:      acc.Address,
			City:         acc.City,
			CheckIn:      acc.CheckIn,
			CheckOut:     acc.CheckOut,
			Guests:       acc.Guests,
			RoomType:     acc.RoomType,
		},
		SourceEmailIDs: []string{email.ID},
	}
	return []Draft{{Record: record, Confirmation: confirmation, EmailReceivedAt: email.ReceivedAt, TripHint: hint}}, nil
}

func (n *Normalizer) normalizeActivity(email *model.Email, p *model.BookingPayload, status model.BookingStatus, confirmation, hint string) ([]Draft, error) {
	act := p.Activity
	var missing []string
	if act == nil || strings.TrimSpace(act.Name) == "" {
		missing = append(missing, "name")
	}
	if act == nil || act.StartAt.IsZero() {
		missing = append(missing, "start_at")
	}
	if len(missing) > 0 {
		return nil, &model.IncompleteBookingError{Kind: model.KindActivity, Missing: missing}
	}

	if isTestBooking(act.Name) {
		n.logger.Info("dropping test booking",
			zap.String("email_id", email.ID),
			zap.String("activity", act.Name),
		)
		return nil, nil
	}

	end := act.EndAt
	if end.IsZero() {
		end = act.StartAt // 点事件
	}
	if n.isLocalStay(act.City, act.StartAt, end) {
		n.logger.Info("dropping home-city local event",
			zap.String("email_id", email.ID),
			zap.String("city", act.City),
		)
		return nil, nil
	}

	record := &model.BookingRecord{
		Kind:      model.KindActivity,
		Status:    status,
		StartAt:   act.StartAt,
		EndAt:     end,
		Locations: []string{act.City},
		Cost:      p.Cost.Amount,
		Currency:  strings.ToUpper(p.Cost.Currency),
		Activity: &model.ActivityDetails{
			ActivityName: act.Name,
			City:         act.City,
			StartAt:      act.StartAt,
			EndAt:        end,
			Participants: act.Participants,
		},
		SourceEmailIDs: []string{email.ID},
	}
	return []Draft{{Record: record, Confirmation: confirmation, EmailReceivedAt: email.ReceivedAt, TripHint: hint}}, nil
}

func (n *Normalizer) normalizeCruise(email *model.Email, p *model.BookingPayload, status model.BookingStatus, confirmation, hint string) ([]Draft, error) {
	cr := p.Cruise
	var missing []string
	if cr == nil || strings.TrimSpace(cr.CruiseLine) == "" {
		missing = append(missing, "cruise_line")
	}
	if cr == nil || cr.DepartureAt.IsZero() {
		missing = append(missing, "departure_at")
	}
	if cr == nil || cr.ArrivalAt.IsZero() {
		missing = append(missing, "arrival_at")
	}
	if len(missing) > 0 {
		return nil, &model.IncompleteBookingError{Kind: model.KindCruise, Missing: missing}
	}

	record := &model.BookingRecord{
		Kind:      model.KindCruise,
		Status:    status,
		StartAt:   cr.DepartureAt,
		EndAt:     cr.ArrivalAt,
		Locations: []string{cr.DeparturePort, cr.ArrivalPort},
		Cost:      p.Cost.Amount,
		Currency:  strings.ToUpper(p.Cost.Currency),
		Cruise: &model.CruiseDetails{
			CruiseLine:    cr.CruiseLine,
			ShipName:      cr.ShipName,
			DeparturePort: cr.DeparturePort,
			ArrivalPort:   cr.ArrivalPort,
			DepartureAt:   cr.DepartureAt,
			ArrivalAt:     cr.ArrivalAt,
			Cabin:         cr.Cabin,
		},
		SourceEmailIDs: []string{email.ID},
	}
	return []Draft{{Record: record, Confirmation: confirmation, EmailReceivedAt: email.ReceivedAt, TripHint: hint}}, nil
}

// isLocalStay 本地城市内不足一天的住宿/活动，按本地日程而非旅行处理
func (n *Normalizer) isLocalStay(city string, start, end time.Time) bool {
	if n.homeCity == "" || !strings.EqualFold(strings.TrimSpace(city), n.homeCity) {
		return false
	}
	return end.Sub(start) < 24*time.Hour
}

func firstConfirmation(numbers []string) string {
	for _, c := range numbers {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var testMarkers = []string{"test", "example", "dummy", "sample"}

// isTestBooking 确认号或名称里出现独立的 test/example 之类记号
func isTestBooking(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		for _, marker := range testMarkers {
			if token == marker {
				return true
			}
		}
	}
	return false
}

func modeForPayloadType(t model.PayloadType) model.TransportMode {
	switch t {
	case model.PayloadFlight:
		return model.ModeFlight
	case model.PayloadTrain:
		return model.ModeTrain
	case model.PayloadBus:
		return model.ModeBus
	case model.PayloadFerry:
		return model.ModeFerry
	case model.PayloadCarRental:
		return model.ModeCar
	default:
		return model.ModeOther
	}
}
