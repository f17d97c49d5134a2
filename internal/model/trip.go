package model

import "time"

// TripStatus trip 聚合状态
type TripStatus string

const (
	TripConfirmed        TripStatus = "confirmed"
	TripHasCancellations TripStatus = "has_cancellations"
)

// Trip 日期区间内相关 booking 的聚合
// 由 pipeline 创建和重算，除 admin reset 外永不删除
type Trip struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	PrimaryDestination string     `json:"primary_destination"`
	OriginCity         string     `json:"origin_city,omitempty"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            time.Time  `json:"end_date"`
	CitiesVisited      []string   `json:"cities_visited"`
	TotalCost          float64    `json:"total_cost"`
	Currency           string     `json:"currency"`
	Converted          bool       `json:"converted"`
	Status             TripStatus `json:"status"`
	DataSource         string     `json:"data_source"`

	// 各变体的成员 booking ID
	TransportIDs     []string `json:"transport_ids,omitempty"`
	AccommodationIDs []string `json:"accommodation_ids,omitempty"`
	ActivityIDs      []string `json:"activity_ids,omitempty"`
	CruiseIDs        []string `json:"cruise_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllBookingIDs 全部成员 booking ID
func (t *Trip) AllBookingIDs() []string {
	out := make([]string, 0, len(t.TransportIDs)+len(t.AccommodationIDs)+len(t.ActivityIDs)+len(t.CruiseIDs))
	out = append(out, t.TransportIDs...)
	out = append(out, t.AccommodationIDs...)
	out = append(out, t.ActivityIDs...)
	out = append(out, t.CruiseIDs...)
	return out
}

// DurationDays 行程天数，含首尾两端
func (t *Trip) DurationDays() int {
	if t.EndDate.Before(t.StartDate) {
		return 0
	}
	return int(t.EndDate.Sub(t.StartDate).Hours()/24) + 1
}

// AddMember 把 booking 挂进对应变体的成员集合
func (t *Trip) AddMember(b *BookingRecord) {
	switch b.Kind {
	case KindTransport:
		t.TransportIDs = appendUnique(t.TransportIDs, b.ID)
	case KindAccommodation:
		t.AccommodationIDs = appendUnique(t.AccommodationIDs, b.ID)
	case KindActivity:
		t.ActivityIDs = appendUnique(t.ActivityIDs, b.ID)
	case KindCruise:
		t.CruiseIDs = appendUnique(t.CruiseIDs, b.ID)
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// TripWithBookings 读接口返回的完整视图
type TripWithBookings struct {
	Trip           Trip            `json:"trip"`
	Transport      []BookingRecord `json:"transport_segments"`
	Accommodations []BookingRecord `json:"accommodations"`
	Activities     []BookingRecord `json:"tour_activities"`
	Cruises        []BookingRecord `json:"cruises"`
}
