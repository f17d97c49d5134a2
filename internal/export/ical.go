package export

import (
	"fmt"
	"strings"

	ics "github.com/arran4/golang-ical"

	"tripforge/internal/model"
)

// TripCalendar 把 trip 及其成员 booking 渲染成 iCalendar
// trip 本身是一个全天跨度事件，active 的成员 booking 各占一个定时事件；
// cancelled 的版本不导出
func TripCalendar(detail *model.TripWithBookings) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//tripforge//trip-export//EN")

	trip := detail.Trip
	ev := cal.AddEvent(fmt.Sprintf("trip-%d@tripforge", trip.ID))
	ev.SetDtStampTime(trip.UpdatedAt)
	ev.SetAllDayStartAt(trip.StartDate)
	// DTEND 全天事件按惯例是开区间，要多加一天
	ev.SetAllDayEndAt(trip.EndDate.AddDate(0, 0, 1))
	ev.SetSummary(trip.Name)
	ev.SetLocation(trip.PrimaryDestination)
	ev.SetDescription(tripDescription(&trip))

	for _, b := range activeMembers(detail) {
		bev := cal.AddEvent(fmt.Sprintf("booking-%s@tripforge", b.ID))
		bev.SetDtStampTime(b.CreatedAt)
		bev.SetStartAt(b.StartAt)
		bev.SetEndAt(b.EndAt)
		bev.SetSummary(bookingSummary(b))
		bev.SetLocation(b.PrimaryLocation())
		if b.Cost > 0 {
			bev.SetDescription(fmt.Sprintf("%.2f %s", b.Cost, b.Currency))
		}
	}

	return cal.Serialize()
}

func activeMembers(detail *model.TripWithBookings) []*model.BookingRecord {
	groups := [][]model.BookingRecord{
		detail.Transport, detail.Accommodations, detail.Activities, detail.Cruises,
	}
	var out []*model.BookingRecord
	for _, g := range groups {
		for i := range g {
			b := &g[i]
			if b.IsLatestVersion && b.Status != model.BookingCancelled {
				out = append(out, b)
			}
		}
	}
	return out
}

func bookingSummary(b *model.BookingRecord) string {
	switch b.Kind {
	case model.KindTransport:
		if t := b.Transport; t != nil {
			label := strings.TrimSpace(fmt.Sprintf("%s %s", t.Carrier, t.SegmentNumber))
			if label == "" {
				label = string(t.Mode)
			}
			return fmt.Sprintf("%s: %s → %s", label, t.DepartureLocation, t.ArrivalLocation)
		}
	case model.KindAccommodation:
		if a := b.Accommodation; a != nil {
			return fmt.Sprintf("Stay: %s", a.PropertyName)
		}
	case model.KindActivity:
		if a := b.Activity; a != nil {
			return fmt.Sprintf("Activity: %s", a.ActivityName)
		}
	case model.KindCruise:
		if c := b.Cruise; c != nil {
			return fmt.Sprintf("Cruise: %s", c.CruiseLine)
		}
	}
	return string(b.Kind)
}

func tripDescription(t *model.Trip) string {
	parts := []string{fmt.Sprintf("Cities: %s", strings.Join(t.CitiesVisited, " → "))}
	if t.TotalCost > 0 {
		parts = append(parts, fmt.Sprintf("Total: %.2f %s", t.TotalCost, t.Currency))
	}
	if t.Status == model.TripHasCancellations {
		parts = append(parts, "Contains cancellations")
	}
	return strings.Join(parts, "; ")
}
