package oracle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripforge/internal/model"
)

func TestParseBatchPlainJSON(t *testing.T) {
	raw := `{
		"results": [
			{
				"email_id": "em-1",
				"non_booking": false,
				"trip_hint": "paris-december",
				"bookings": [
					{
						"type": "flight",
						"status": "confirmed",
						"confirmation_numbers": ["LX9XKQ"],
						"cost": {"amount": 320.5, "currency": "EUR"},
						"segments": [
							{
								"mode": "flight",
								"carrier": "Swiss",
								"segment_number": "LX318",
								"departure_location": "Zurich",
								"arrival_location": "Paris",
								"departure_at": "2024-12-15T07:30:00Z",
								"arrival_at": "2024-12-15T08:45:00Z"
							}
						]
					}
				]
			},
			{"email_id": "em-2", "non_booking": true, "non_booking_type": "marketing"}
		]
	}`

	batch, err := ParseBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch.Results, 2)

	first := batch.ResultFor("em-1")
	require.NotNil(t, first)
	assert.Equal(t, "paris-december", first.TripHint)
	require.Len(t, first.Bookings, 1)
	assert.Equal(t, model.PayloadFlight, first.Bookings[0].Type)
	assert.Equal(t, []string{"LX9XKQ"}, first.Bookings[0].ConfirmationNumbers)
	assert.InDelta(t, 320.5, first.Bookings[0].Cost.Amount, 0.001)

	second := batch.ResultFor("em-2")
	require.NotNil(t, second)
	assert.True(t, second.NonBooking)
	assert.Equal(t, model.NonBookingMarketing, second.NonBookingType)
}

func TestParseBatchToleratesCodeFence(t *testing.T) {
	raw := "Here is the extraction:\n```json\n" +
		`{"results": [{"email_id": "em-1", "non_booking": true}]}` +
		"\n```\nLet me know if you need anything else."

	batch, err := ParseBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, "em-1", batch.Results[0].EmailID)
}

func TestParseBatchToleratesBareFence(t *testing.T) {
	raw := "```\n{\"results\": [{\"email_id\": \"em-9\", \"non_booking\": true}]}\n```"

	batch, err := ParseBatch(raw)
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, "em-9", batch.Results[0].EmailID)
}

func TestParseBatchRejectsNonJSON(t *testing.T) {
	_, err := ParseBatch("I could not find any bookings in these emails.")

	var malformed *model.OracleMalformedResponseError
	require.ErrorAs(t, err, &malformed)
}

func TestParseBatchRejectsInvalidJSON(t *testing.T) {
	_, err := ParseBatch(`{"results": [{"email_id": "em-1", "non_booking": }]}`)

	var malformed *model.OracleMalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.NotEmpty(t, malformed.Snippet)
}

func TestParseBatchRejectsEmptyResults(t *testing.T) {
	_, err := ParseBatch(`{"results": []}`)

	var malformed *model.OracleMalformedResponseError
	require.ErrorAs(t, err, &malformed)
}

func TestParseBatchRejectsMissingEmailID(t *testing.T) {
	_, err := ParseBatch(`{"results": [{"non_booking": true}]}`)

	var malformed *model.OracleMalformedResponseError
	require.ErrorAs(t, err, &malformed)
}

func TestParseBatchSnippetIsBounded(t *testing.T) {
	_, err := ParseBatch("{" + strings.Repeat("x", 5000))

	var malformed *model.OracleMalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.LessOrEqual(t, len(malformed.Snippet), 200)
}
