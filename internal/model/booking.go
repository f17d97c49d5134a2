package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// BookingKind booking 变体标签
type BookingKind string

const (
	KindTransport     BookingKind = "transport"
	KindAccommodation BookingKind = "accommodation"
	KindActivity      BookingKind = "activity"
	KindCruise        BookingKind = "cruise"
)

// BookingStatus booking 状态
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// TransportMode 交通方式
type TransportMode string

const (
	ModeFlight TransportMode = "flight"
	ModeTrain  TransportMode = "train"
	ModeBus    TransportMode = "bus"
	ModeFerry  TransportMode = "ferry"
	ModeCar    TransportMode = "car"
	ModeOther  TransportMode = "other"
)

// TransportDetails 交通段明细
type TransportDetails struct {
	Mode              TransportMode `json:"mode"`
	Carrier           string        `json:"carrier,omitempty"`
	SegmentNumber     string        `json:"segment_number,omitempty"`
	DepartureLocation string        `json:"departure_location"`
	ArrivalLocation   string        `json:"arrival_location"`
	DepartureAt       time.Time     `json:"departure_at"`
	ArrivalAt         time.Time     `json:"arrival_at"`
	DistanceKM        float64       `json:"distance_km,omitempty"`
	DistanceType      string        `json:"distance_type,omitempty"`
}

// AccommodationDetails 住宿明细
type AccommodationDetails struct {
	PropertyName string    `json:"property_name"`
	Address      string    `json:"address,omitempty"`
	City         string    `json:"city"`
	CheckIn      time.Time `json:"check_in"`
	CheckOut     time.Time `json:"check_out"`
	Guests       int       `json:"guests,omitempty"`
	RoomType     string    `json:"room_type,omitempty"`
}

// ActivityDetails 活动/门票明细
type ActivityDetails struct {
	ActivityName string    `json:"activity_name"`
	City         string    `json:"city"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
	Participants int       `json:"participants,omitempty"`
}

// CruiseDetails 邮轮明细
type CruiseDetails struct {
	CruiseLine    string    `json:"cruise_line"`
	ShipName      string    `json:"ship_name,omitempty"`
	DeparturePort string    `json:"departure_port"`
	ArrivalPort   string    `json:"arrival_port"`
	DepartureAt   time.Time `json:"departure_at"`
	ArrivalAt     time.Time `json:"arrival_at"`
	Cabin         string    `json:"cabin,omitempty"`
}

// BookingRecord 版本化的 booking 记录
// 同一 identity_key 下最多一条 is_latest_version=true（除非全部 cancelled，
// 此时最近的 cancellation 是 latest）；更新永远追加新版本并用 supersedes 回指
type BookingRecord struct {
	ID              string        `json:"id"`
	Kind            BookingKind   `json:"kind"`
	IdentityKey     string        `json:"identity_key"`
	SyntheticKey    bool          `json:"synthetic_key,omitempty"`
	Status          BookingStatus `json:"status"`
	StartAt         time.Time     `json:"start_at"`
	EndAt           time.Time     `json:"end_at"`
	Locations       []string      `json:"locations,omitempty"`
	Cost            float64       `json:"cost"`
	Currency        string        `json:"currency,omitempty"`
	IsLatestVersion bool          `json:"is_latest_version"`
	Supersedes      *string       `json:"supersedes,omitempty"`
	SourceEmailIDs  []string      `json:"source_email_ids"`
	LastSourceAt    time.Time     `json:"last_source_at"` // 来源邮件里最大的 received_at，版本裁决 tie-break 用
	TripID          *int64        `json:"trip_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`

	// 变体明细，Kind 对应的那个非空
	Transport     *TransportDetails     `json:"transport,omitempty"`
	Accommodation *AccommodationDetails `json:"accommodation,omitempty"`
	Activity      *ActivityDetails      `json:"activity,omitempty"`
	Cruise        *CruiseDetails        `json:"cruise,omitempty"`
}

// Window booking 的时间窗 [start, end]，点事件 start == end
func (b *BookingRecord) Window() (time.Time, time.Time) {
	return b.StartAt, b.EndAt
}

// PrimaryLocation 主要地点，identity key 合成和目的地聚类用
func (b *BookingRecord) PrimaryLocation() string {
	switch b.Kind {
	case KindTransport:
		if b.Transport != nil {
			return b.Transport.ArrivalLocation
		}
	case KindAccommodation:
		if b.Accommodation != nil {
			return b.Accommodation.City
		}
	case KindActivity:
		if b.Activity != nil {
			return b.Activity.City
		}
	case KindCruise:
		if b.Cruise != nil {
			return b.Cruise.DeparturePort
		}
	}
	if len(b.Locations) > 0 {
		return b.Locations[len(b.Locations)-1]
	}
	return ""
}

// Cities booking 按时间顺序经过的城市
func (b *BookingRecord) Cities() []string {
	switch b.Kind {
	case KindTransport:
		if b.Transport != nil {
			return []string{b.Transport.DepartureLocation, b.Transport.ArrivalLocation}
		}
	case KindCruise:
		if b.Cruise != nil {
			return []string{b.Cruise.DeparturePort, b.Cruise.ArrivalPort}
		}
	}
	if loc := b.PrimaryLocation(); loc != "" {
		return []string{loc}
	}
	return nil
}

// SameContent 字段级等价比较，NoOp 判定用
// 只比较会触发 supersede 的可比字段，不比较版本链和来源信息
func (b *BookingRecord) SameContent(other *BookingRecord) bool {
	if other == nil {
		return false
	}
	if b.Kind != other.Kind || b.Status != other.Status {
		return false
	}
	if !b.StartAt.Equal(other.StartAt) || !b.EndAt.Equal(other.EndAt) {
		return false
	}
	if b.Cost != other.Cost || !strings.EqualFold(b.Currency, other.Currency) {
		return false
	}
	if len(b.Locations) != len(other.Locations) {
		return false
	}
	for i := range b.Locations {
		if !strings.EqualFold(b.Locations[i], other.Locations[i]) {
			return false
		}
	}
	return true
}

// AddSourceEmail 记录来源邮件，保持集合语义和有序
func (b *BookingRecord) AddSourceEmail(emailID string) {
	if slices.Contains(b.SourceEmailIDs, emailID) {
		return
	}
	b.SourceEmailIDs = append(b.SourceEmailIDs, emailID)
	slices.Sort(b.SourceEmailIDs)
}

// ConfirmationIdentityKey 基于确认号的 identity key
func ConfirmationIdentityKey(kind BookingKind, confirmation string) string {
	return fmt.Sprintf("%s:%s", kind, strings.ToUpper(strings.TrimSpace(confirmation)))
}

// SynthesizedIdentityKey 无确认号时的合成 key：类型 + 取整的开始时间 + 主要地点
// 合成 key 属于低置信度匹配，调用方应记录 AmbiguousIdentityError
func SynthesizedIdentityKey(kind BookingKind, startAt time.Time, location string, window time.Duration) string {
	if window <= 0 {
		window = time.Hour
	}
	rounded := startAt.UTC().Truncate(window)
	normalized := strings.Join(strings.Fields(strings.ToLower(location)), " ")
	return fmt.Sprintf("%s@%s@%s", kind, rounded.Format(time.RFC3339), normalized)
}
