package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripforge/internal/batch"
	"tripforge/internal/handler"
	"tripforge/internal/httpserver"
	"tripforge/internal/model"
	"tripforge/internal/normalize"
	"tripforge/internal/pipeline"
	"tripforge/internal/rates"
	"tripforge/internal/reconcile"
	"tripforge/internal/repository/memstore"
	"tripforge/internal/trips"
	"tripforge/pkg/logger"
	"tripforge/pkg/util"
)

const testJWTSecret = "handler-test-secret"

// stubOracle 每封邮件返回预置结果
type stubOracle struct {
	results map[string]model.EmailEnrichment
}

func (o *stubOracle) EnrichBatch(_ context.Context, emails []*model.Email, _ []*model.Trip) (*model.BatchEnrichment, error) {
	out := &model.BatchEnrichment{}
	for _, e := range emails {
		if res, ok := o.results[e.ID]; ok {
			res.EmailID = e.ID
			out.Results = append(out.Results, res)
		}
	}
	return out, nil
}

type env struct {
	svc    *pipeline.Service
	oracle *stubOracle
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	orc := &stubOracle{results: map[string]model.EmailEnrichment{}}
	log := logger.Nop()
	tracker := batch.NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, log)
	table := rates.NewStaticTable("CHF", map[string]float64{"EUR": 0.93})

	svc := pipeline.New(
		store.Emails(), store.Bookings(), store.Trips(), store.Runs(),
		tracker, orc,
		normalize.New("Zurich", log),
		reconcile.New(time.Hour, log),
		trips.NewResolver("Zurich", 0, 14, log),
		trips.NewAggregator("Zurich", "CHF", table, log),
		nil, pipeline.Options{}, log,
	)

	router := httpserver.NewRouter(httpserver.Deps{
		Emails:    handler.NewEmailHandler(svc, log),
		Detection: handler.NewDetectionHandler(svc, tracker, log),
		Trips:     handler.NewTripHandler(svc, log),
		Admin:     handler.NewAdminHandler(svc, nil, log),
		JWTSecret: testJWTSecret,
	})
	return &env{svc: svc, oracle: orc, router: router.Engine}
}

func (e *env) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) ingest(t *testing.T, id string, receivedAt time.Time) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/emails", map[string]any{
		"id":             id,
		"subject":        "Booking confirmation",
		"classification": "flight",
		"received_at":    receivedAt.Format(time.RFC3339),
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

// runDetection 提交并等 run 跑完
func (e *env) runDetection(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/detection/batches", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Eventually(t, func() bool { return !e.svc.Running() }, 5*time.Second, 5*time.Millisecond)
	return resp.BatchID
}

func roundTripEnrichment() model.EmailEnrichment {
	return model.EmailEnrichment{
		Bookings: []model.BookingPayload{{
			Type:                model.PayloadFlight,
			Status:              model.BookingConfirmed,
			ConfirmationNumbers: []string{"LX100ABC"},
			Cost:                model.CostBlock{Amount: 400, Currency: "EUR"},
			Segments: []model.SegmentBlock{
				{
					Mode: model.ModeFlight, DepartureLocation: "Zurich", ArrivalLocation: "Paris",
					DepartureAt: time.Date(2024, 12, 15, 9, 0, 0, 0, time.UTC),
					ArrivalAt:   time.Date(2024, 12, 15, 10, 20, 0, 0, time.UTC),
				},
				{
					Mode: model.ModeFlight, DepartureLocation: "Paris", ArrivalLocation: "Zurich",
					DepartureAt: time.Date(2024, 12, 18, 18, 0, 0, 0, time.UTC),
					ArrivalAt:   time.Date(2024, 12, 18, 19, 20, 0, 0, time.UTC),
				},
			},
		}},
	}
}

func TestIngestValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/emails", map[string]any{"subject": "no id"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/emails", map[string]any{
		"id":             "em-1",
		"classification": "marketing",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitWithoutPendingEmails(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/detection/batches", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDetectionEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, "em-1", time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC))
	e.oracle.results["em-1"] = roundTripEnrichment()

	batchID := e.runDetection(t)

	rec := e.do(t, http.MethodGet, "/api/detection/batches/"+batchID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.DetectionRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.RunCompleted, run.State)
	assert.Equal(t, 1, run.Completed)

	rec = e.do(t, http.MethodGet, "/api/detection/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress struct {
		IsRunning   bool             `json:"is_running"`
		TripsFound  int              `json:"trips_found"`
		Finished    bool             `json:"finished"`
		EmailStates map[string]int64 `json:"email_states"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.False(t, progress.IsRunning)
	assert.True(t, progress.Finished)
	assert.Equal(t, 1, progress.TripsFound)
	assert.Equal(t, int64(1), progress.EmailStates["completed"])

	rec = e.do(t, http.MethodGet, "/api/trips", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Trips []model.Trip `json:"trips"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, []string{"Zurich", "Paris", "Zurich"}, listed.Trips[0].CitiesVisited)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/trips/%d", listed.Trips[0].ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail model.TripWithBookings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Len(t, detail.Transport, 2)
}

func TestTripNotFound(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/trips/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/trips/not-a-number", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTripICalExport(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, "em-1", time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC))
	e.oracle.results["em-1"] = roundTripEnrichment()
	e.runDetection(t)

	rec := e.do(t, http.MethodGet, "/api/trips/1/ical", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "BEGIN:VCALENDAR"))
	assert.Contains(t, body, "BEGIN:VEVENT")
	assert.Contains(t, body, "Paris")
}

func TestSubmitExplicitIDsReportsSkipped(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, "em-1", time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC))
	e.oracle.results["em-1"] = model.EmailEnrichment{NonBooking: true}

	rec := e.do(t, http.MethodPost, "/api/detection/batches", map[string]any{
		"email_ids": []string{"em-1", "em-unknown"},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		Admitted int `json:"admitted"`
		Skipped  int `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Admitted)
	assert.Equal(t, 1, resp.Skipped)
	require.Eventually(t, func() bool { return !e.svc.Running() }, 5*time.Second, 5*time.Millisecond)
}

func TestResetRequiresToken(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/admin/reset", map[string]any{"scope": "all"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/admin/reset", map[string]any{"scope": "all"}, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResetClearsTripsAndStates(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, "em-1", time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC))
	e.oracle.results["em-1"] = roundTripEnrichment()
	e.runDetection(t)

	token, err := util.GenerateServiceToken("ops", testJWTSecret, time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec := e.do(t, http.MethodPost, "/api/admin/reset", map[string]any{"scope": "bogus"}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/admin/reset", map[string]any{"scope": "all"}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/trips", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Zero(t, listed.Count)

	// reset 后邮件回到 pending，可以整轮重跑
	rec = e.do(t, http.MethodPost, "/api/detection/batches", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return !e.svc.Running() }, 5*time.Second, 5*time.Millisecond)
}

func TestOutboxReplayUnavailableWithoutBroker(t *testing.T) {
	e := newEnv(t)
	token, err := util.GenerateServiceToken("ops", testJWTSecret, time.Hour)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/admin/outbox/replay", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
