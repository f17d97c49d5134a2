package model

import "time"

// PayloadType oracle 给出的 booking 类型标签
type PayloadType string

const (
	PayloadFlight     PayloadType = "flight"
	PayloadTrain      PayloadType = "train"
	PayloadBus        PayloadType = "bus"
	PayloadFerry      PayloadType = "ferry"
	PayloadCarRental  PayloadType = "car_rental"
	PayloadHotel      PayloadType = "hotel"
	PayloadActivity   PayloadType = "activity"
	PayloadCruise     PayloadType = "cruise"
	PayloadNonBooking PayloadType = "non_booking"
)

// NonBookingType 非 booking 邮件的细分（营销、提醒、状态更新等）
type NonBookingType string

const (
	NonBookingMarketing    NonBookingType = "marketing"
	NonBookingReminder     NonBookingType = "reminder"
	NonBookingStatusUpdate NonBookingType = "status_update"
	NonBookingGeneralInfo  NonBookingType = "general_info"
)

// CostBlock 金额信息
type CostBlock struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// SegmentBlock 单个交通段（一封往返机票邮件会给出两个 segment）
type SegmentBlock struct {
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

// AccommodationBlock 住宿块
type AccommodationBlock struct {
	PropertyName string    `json:"property_name"`
	Address      string    `json:"address,omitempty"`
	City         string    `json:"city"`
	CheckIn      time.Time `json:"check_in"`
	CheckOut     time.Time `json:"check_out"`
	Guests       int       `json:"guests,omitempty"`
	RoomType     string    `json:"room_type,omitempty"`
}

// ActivityBlock 活动块
type ActivityBlock struct {
	Name         string    `json:"name"`
	City         string    `json:"city"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
	Participants int       `json:"participants,omitempty"`
}

// CruiseBlock 邮轮块
type CruiseBlock struct {
	CruiseLine    string    `json:"cruise_line"`
	ShipName      string    `json:"ship_name,omitempty"`
	DeparturePort string    `json:"departure_port"`
	ArrivalPort   string    `json:"arrival_port"`
	DepartureAt   time.Time `json:"departure_at"`
	ArrivalAt     time.Time `json:"arrival_at"`
	Cabin         string    `json:"cabin,omitempty"`
}

// BookingPayload 一条提取出的 booking 信息，Normalizer 的输入单元
type BookingPayload struct {
	Type                PayloadType          `json:"type"`
	Status              BookingStatus        `json:"status"`
	ConfirmationNumbers []string             `json:"confirmation_numbers,omitempty"`
	Cost                CostBlock            `json:"cost"`
	Segments            []SegmentBlock       `json:"segments,omitempty"`
	Accommodation       *AccommodationBlock  `json:"accommodation,omitempty"`
	Activity            *ActivityBlock       `json:"activity,omitempty"`
	Cruise              *CruiseBlock         `json:"cruise,omitempty"`
}

// EmailEnrichment oracle 对单封邮件的提取结果
// TripHint 是 oracle 提议的分组标签，只作为聚类种子，从不直接采信
type EmailEnrichment struct {
	EmailID        string           `json:"email_id"`
	NonBooking     bool             `json:"non_booking"`
	NonBookingType NonBookingType   `json:"non_booking_type,omitempty"`
	Bookings       []BookingPayload `json:"bookings,omitempty"`
	TripHint       string           `json:"trip_hint,omitempty"`
}

// BatchEnrichment 整个批次的 oracle 结果
type BatchEnrichment struct {
	Results []EmailEnrichment `json:"results"`
}

// ResultFor 找某封邮件的结果，找不到返回 nil
func (b *BatchEnrichment) ResultFor(emailID string) *EmailEnrichment {
	for i := range b.Results {
		if b.Results[i].EmailID == emailID {
			return &b.Results[i]
		}
	}
	return nil
}
