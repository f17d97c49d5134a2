package oracle

import (
	"fmt"
	"strings"
	"time"

	"tripforge/internal/model"
)

const maxBodyChars = 6000

// systemPrompt 输出契约：严格 JSON，schema 对齐 model.BatchEnrichment
const systemPrompt = `You are a travel booking extraction engine. You receive a batch of
classified travel emails and must extract structured booking data from each one.

Respond with a single JSON object and nothing else. No markdown, no prose. Schema:

{
  "results": [
    {
      "email_id": "<id exactly as given>",
      "non_booking": false,
      "non_booking_type": "marketing|reminder|status_update|general_info",
      "trip_hint": "<short label for bookings you believe belong to the same trip, optional>",
      "bookings": [
        {
          "type": "flight|train|bus|ferry|car_rental|hotel|activity|cruise",
          "status": "confirmed|cancelled",
          "confirmation_numbers": ["ABC123"],
          "cost": {"amount": 0.0, "currency": "EUR"},
          "segments": [
            {
              "mode": "flight|train|bus|ferry|car|other",
              "carrier": "",
              "segment_number": "",
              "departure_location": "",
              "arrival_location": "",
              "departure_at": "RFC3339 UTC",
              "arrival_at": "RFC3339 UTC"
            }
          ],
          "accommodation": {
            "property_name": "", "address": "", "city": "",
            "check_in": "RFC3339 UTC", "check_out": "RFC3339 UTC",
            "guests": 0, "room_type": ""
          },
          "activity": {
            "name": "", "city": "",
            "start_at": "RFC3339 UTC", "end_at": "RFC3339 UTC",
            "participants": 0
          },
          "cruise": {
            "cruise_line": "", "ship_name": "",
            "departure_port": "", "arrival_port": "",
            "departure_at": "RFC3339 UTC", "arrival_at": "RFC3339 UTC",
            "cabin": ""
          }
        }
      ]
    }
  ]
}

Rules:
- Include exactly one result per input email, with its email_id unchanged.
- A round-trip itinerary in one email yields one booking with multiple segments.
- Set non_booking=true (and non_booking_type) for marketing, reminders about
  existing bookings, and other emails that introduce no new booking.
- A cancellation email yields the cancelled booking with status "cancelled"
  and its confirmation number.
- Only fill the detail block matching the booking type; omit the others.
- All timestamps RFC3339 in UTC. Unknown numeric fields are 0, unknown strings are "".`

// buildUserPrompt 组装批次邮件和开放 trip 快照
func buildUserPrompt(emails []*model.Email, openTrips []*model.Trip) string {
	var b strings.Builder

	if len(openTrips) > 0 {
		b.WriteString("Currently open trips (context only, bookings may continue one of these):\n")
		for _, t := range openTrips {
			fmt.Fprintf(&b, "- trip %d %q: %s to %s, cities %s\n",
				t.ID, t.Name,
				t.StartDate.Format("2006-01-02"), t.EndDate.Format("2006-01-02"),
				strings.Join(t.CitiesVisited, " > "),
			)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Extract bookings from these %d emails:\n\n", len(emails))
	for i, e := range emails {
		fmt.Fprintf(&b, "=== EMAIL %d ===\n", i+1)
		fmt.Fprintf(&b, "email_id: %s\n", e.ID)
		fmt.Fprintf(&b, "classification: %s\n", e.Classification)
		fmt.Fprintf(&b, "received_at: %s\n", e.ReceivedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "subject: %s\n", e.Subject)
		fmt.Fprintf(&b, "sender: %s\n", e.Sender)
		fmt.Fprintf(&b, "body:\n%s\n\n", truncateBody(e.BodyText))
	}
	return b.String()
}

// truncateBody 超长正文截断，预订信息几乎总在前面
func truncateBody(body string) string {
	if len(body) <= maxBodyChars {
		return body
	}
	return body[:maxBodyChars] + "\n[truncated]"
}
