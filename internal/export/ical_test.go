package export

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tripforge/internal/model"
)

func tripFixture() *model.TripWithBookings {
	return &model.TripWithBookings{
		Trip: model.Trip{
			ID:                 7,
			Name:               "Paris Dec 2024",
			PrimaryDestination: "Paris",
			StartDate:          time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC),
			EndDate:            time.Date(2024, 12, 18, 0, 0, 0, 0, time.UTC),
			CitiesVisited:      []string{"Zurich", "Paris", "Zurich"},
			TotalCost:          372,
			Currency:           "CHF",
			Status:             model.TripConfirmed,
			UpdatedAt:          time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC),
		},
		Transport: []model.BookingRecord{
			{
				ID: "b-out", Kind: model.KindTransport, Status: model.BookingConfirmed, IsLatestVersion: true,
				StartAt: time.Date(2024, 12, 15, 9, 0, 0, 0, time.UTC),
				EndAt:   time.Date(2024, 12, 15, 10, 20, 0, 0, time.UTC),
				Cost:    200, Currency: "EUR",
				Transport: &model.TransportDetails{
					Mode: model.ModeFlight, Carrier: "Swiss", SegmentNumber: "LX652",
					DepartureLocation: "Zurich", ArrivalLocation: "Paris",
				},
			},
			{
				ID: "b-old", Kind: model.KindTransport, Status: model.BookingConfirmed, IsLatestVersion: false,
				StartAt: time.Date(2024, 12, 15, 7, 0, 0, 0, time.UTC),
				EndAt:   time.Date(2024, 12, 15, 8, 20, 0, 0, time.UTC),
				Transport: &model.TransportDetails{
					Mode:              model.ModeFlight,
					DepartureLocation: "Zurich", ArrivalLocation: "Paris",
				},
			},
		},
		Accommodations: []model.BookingRecord{
			{
				ID: "b-hotel", Kind: model.KindAccommodation, Status: model.BookingCancelled, IsLatestVersion: true,
				StartAt: time.Date(2024, 12, 15, 15, 0, 0, 0, time.UTC),
				EndAt:   time.Date(2024, 12, 18, 11, 0, 0, 0, time.UTC),
				Accommodation: &model.AccommodationDetails{
					PropertyName: "Hotel du Louvre", City: "Paris",
				},
			},
		},
	}
}

func TestTripCalendarShape(t *testing.T) {
	out := TripCalendar(tripFixture())

	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
	assert.Contains(t, out, "METHOD:PUBLISH")
	assert.Contains(t, out, "UID:trip-7@tripforge")
	assert.Contains(t, out, "SUMMARY:Paris Dec 2024")
	// 全天事件 DTEND 是开区间，要落在行程结束次日
	assert.Contains(t, out, "DTEND;VALUE=DATE:20241219")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "END:VCALENDAR"))
}

func TestTripCalendarOnlyActiveMembers(t *testing.T) {
	out := TripCalendar(tripFixture())

	assert.Contains(t, out, "UID:booking-b-out@tripforge")
	// 被取代的版本和 cancelled 的成员不导出
	assert.NotContains(t, out, "b-old")
	assert.NotContains(t, out, "b-hotel")
}

func TestTripCalendarSummaries(t *testing.T) {
	out := TripCalendar(tripFixture())
	assert.Contains(t, out, "Swiss LX652")
}
