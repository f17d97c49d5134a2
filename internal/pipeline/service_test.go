package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripforge/internal/batch"
	"tripforge/internal/model"
	"tripforge/internal/normalize"
	"tripforge/internal/rates"
	"tripforge/internal/reconcile"
	"tripforge/internal/repository/memstore"
	"tripforge/internal/trips"
	"tripforge/pkg/logger"
)

// scriptedOracle 每封邮件返回预置结果；fail 里的邮件让整个子批次报错
type scriptedOracle struct {
	mu      sync.Mutex
	results map[string]model.EmailEnrichment
	fail    map[string]error
}

func newScriptedOracle() *scriptedOracle {
	return &scriptedOracle{
		results: map[string]model.EmailEnrichment{},
		fail:    map[string]error{},
	}
}

func (o *scriptedOracle) EnrichBatch(_ context.Context, emails []*model.Email, _ []*model.Trip) (*model.BatchEnrichment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := &model.BatchEnrichment{}
	for _, e := range emails {
		if err, ok := o.fail[e.ID]; ok {
			return nil, err
		}
		if res, ok := o.results[e.ID]; ok {
			out.Results = append(out.Results, res)
		}
	}
	return out, nil
}

func (o *scriptedOracle) script(emailID string, res model.EmailEnrichment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res.EmailID = emailID
	o.results[emailID] = res
}

func (o *scriptedOracle) failWith(emailID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[emailID] = err
}

func (o *scriptedOracle) clearFailures() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = map[string]error{}
}

type harness struct {
	store  *memstore.Store
	oracle *scriptedOracle
	svc    *Service
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := memstore.New()
	orc := newScriptedOracle()
	log := logger.Nop()
	tracker := batch.NewTracker(store.Emails(), nil, nil, 3, 10*time.Minute, log)
	table := rates.NewStaticTable("CHF", map[string]float64{"EUR": 0.93, "USD": 0.80, "GBP": 1.07})

	svc := New(
		store.Emails(), store.Bookings(), store.Trips(), store.Runs(),
		tracker, orc,
		normalize.New("Zurich", log),
		reconcile.New(time.Hour, log),
		trips.NewResolver("Zurich", 0, 14, log),
		trips.NewAggregator("Zurich", "CHF", table, log),
		nil, opts, log,
	)
	return &harness{store: store, oracle: orc, svc: svc}
}

func (h *harness) seedEmail(t *testing.T, id string, receivedAt time.Time) {
	t.Helper()
	err := h.store.Emails().Upsert(context.Background(), &model.Email{
		ID:             id,
		Subject:        "Booking confirmation",
		Sender:         "noreply@bookings.example",
		Classification: model.ClassFlight,
		ReceivedAt:     receivedAt,
	})
	require.NoError(t, err)
}

// runAndWait 提交并等 run 跑完
func (h *harness) runAndWait(t *testing.T, emailIDs ...string) *model.DetectionRun {
	t.Helper()
	receipt, err := h.svc.SubmitBatch(context.Background(), emailIDs)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !h.svc.Running() }, 5*time.Second, 5*time.Millisecond)

	run, err := h.svc.RunByID(context.Background(), receipt.ID)
	require.NoError(t, err)
	return run
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func seg(num, from, to string, dep, arr time.Time) model.SegmentBlock {
	return model.SegmentBlock{
		Mode:              model.ModeFlight,
		Carrier:           "Swiss",
		SegmentNumber:     num,
		DepartureLocation: from,
		ArrivalLocation:   to,
		DepartureAt:       dep,
		ArrivalAt:         arr,
	}
}

func flightPayload(confirmation string, cost float64, segments ...model.SegmentBlock) model.BookingPayload {
	return model.BookingPayload{
		Type:                model.PayloadFlight,
		Status:              model.BookingConfirmed,
		ConfirmationNumbers: []string{confirmation},
		Cost:                model.CostBlock{Amount: cost, Currency: "EUR"},
		Segments:            segments,
	}
}

func hotelPayload(confirmation, property, city string, in, out time.Time, cost float64, status model.BookingStatus) model.BookingPayload {
	return model.BookingPayload{
		Type:                model.PayloadHotel,
		Status:              status,
		ConfirmationNumbers: []string{confirmation},
		Cost:                model.CostBlock{Amount: cost, Currency: "EUR"},
		Accommodation: &model.AccommodationBlock{
			PropertyName: property,
			City:         city,
			CheckIn:      in,
			CheckOut:     out,
		},
	}
}

func TestRunRoundTripProducesSingleTrip(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("LX9XKQ", 320.50,
				seg("LX318", "Zurich", "Paris", utc(2024, 12, 15, 7, 30), utc(2024, 12, 15, 8, 45)),
				seg("LX319", "Paris", "Zurich", utc(2024, 12, 18, 18, 0), utc(2024, 12, 18, 19, 15)),
			),
		},
	})

	run := h.runAndWait(t, "em-1")
	assert.Equal(t, model.RunCompleted, run.State)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, 1, run.TripsTouched)

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	trip := all[0]
	assert.Equal(t, []string{"Zurich", "Paris", "Zurich"}, trip.CitiesVisited)
	assert.Equal(t, "Paris", trip.PrimaryDestination)
	assert.Equal(t, "Paris Dec 2024", trip.Name)
	assert.Equal(t, utc(2024, 12, 15, 0, 0), trip.StartDate)
	assert.Equal(t, utc(2024, 12, 18, 0, 0), trip.EndDate)
	assert.InDelta(t, 320.50*0.93, trip.TotalCost, 0.01)
	assert.Equal(t, "CHF", trip.Currency)
	assert.True(t, trip.Converted)
	require.Len(t, trip.TransportIDs, 2)
}

func TestRunSupersedesChangedDeparture(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2025, 1, 5, 8, 0))
	h.seedEmail(t, "em-2", utc(2025, 1, 6, 8, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("LH2025ABC", 210,
				seg("LH441", "Zurich", "Berlin", utc(2025, 2, 10, 10, 0), utc(2025, 2, 10, 11, 20)),
			),
		},
	})
	h.oracle.script("em-2", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("LH2025ABC", 210,
				seg("LH441", "Zurich", "Berlin", utc(2025, 2, 10, 14, 0), utc(2025, 2, 10, 15, 20)),
			),
		},
	})

	run := h.runAndWait(t, "em-1", "em-2")
	assert.Equal(t, model.RunCompleted, run.State)
	assert.Equal(t, 2, run.Completed)

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	// 版本链收敛到一条 active 记录，成本只算一次
	members, err := h.store.Bookings().ListByTrip(context.Background(), all[0].ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, utc(2025, 2, 10, 14, 0), members[0].StartAt)
	assert.NotNil(t, members[0].Supersedes)
	assert.InDelta(t, 210*0.93, all[0].TotalCost, 0.01)

	chain, err := h.store.Bookings().ListByIdentityKey(context.Background(), members[0].IdentityKey)
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestRunCancelAndRebookAcrossRuns(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2025, 2, 1, 9, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			hotelPayload("HX111", "Hotel Le Marais", "Paris",
				utc(2025, 3, 10, 15, 0), utc(2025, 3, 14, 11, 0), 800, model.BookingConfirmed),
		},
	})
	first := h.runAndWait(t, "em-1")
	require.Equal(t, model.RunCompleted, first.State)

	h.seedEmail(t, "em-2", utc(2025, 2, 3, 9, 0))
	h.seedEmail(t, "em-3", utc(2025, 2, 3, 10, 0))
	h.oracle.script("em-2", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			hotelPayload("HX111", "Hotel Le Marais", "Paris",
				utc(2025, 3, 10, 15, 0), utc(2025, 3, 14, 11, 0), 800, model.BookingCancelled),
		},
	})
	h.oracle.script("em-3", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			hotelPayload("HX222", "Hotel Bastille", "Paris",
				utc(2025, 3, 10, 15, 0), utc(2025, 3, 14, 11, 0), 900, model.BookingConfirmed),
		},
	})
	second := h.runAndWait(t, "em-2", "em-3")
	require.Equal(t, model.RunCompleted, second.State)

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	trip := all[0]
	// 成本只反映新酒店，取消链保留驱动状态
	assert.InDelta(t, 900*0.93, trip.TotalCost, 0.01)
	assert.Equal(t, model.TripHasCancellations, trip.Status)
	assert.Len(t, trip.AccommodationIDs, 2)

	detail, err := h.svc.TripDetail(context.Background(), trip.ID)
	require.NoError(t, err)
	require.Len(t, detail.Accommodations, 2)
}

func TestRunSameDayDisjointDestinationsSplit(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2025, 1, 2, 9, 0))
	h.seedEmail(t, "em-2", utc(2025, 1, 2, 10, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("MU999", 150,
				seg("LH100", "Zurich", "Munich", utc(2025, 1, 10, 7, 0), utc(2025, 1, 10, 8, 0)),
				seg("LH101", "Munich", "Zurich", utc(2025, 1, 10, 19, 0), utc(2025, 1, 10, 20, 0)),
			),
		},
	})
	h.oracle.script("em-2", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("MI555", 220,
				seg("LX1612", "Zurich", "Milan", utc(2025, 1, 10, 9, 0), utc(2025, 1, 10, 10, 0)),
				seg("LX1613", "Milan", "Zurich", utc(2025, 1, 12, 17, 0), utc(2025, 1, 12, 18, 0)),
			),
		},
	})

	run := h.runAndWait(t, "em-1", "em-2")
	require.Equal(t, model.RunCompleted, run.State)

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	dests := []string{all[0].PrimaryDestination, all[1].PrimaryDestination}
	assert.ElementsMatch(t, []string{"Munich", "Milan"}, dests)
}

func TestRunCrossYearTripStaysWhole(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2024, 11, 20, 9, 0))
	h.seedEmail(t, "em-2", utc(2024, 11, 20, 10, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("NY777", 400,
				seg("TP931", "Zurich", "Lisbon", utc(2024, 12, 28, 10, 0), utc(2024, 12, 28, 12, 0)),
				seg("TP932", "Lisbon", "Zurich", utc(2025, 1, 3, 15, 0), utc(2025, 1, 3, 17, 0)),
			),
		},
	})
	h.oracle.script("em-2", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			hotelPayload("LIS88", "Lisbon Riverside", "Lisbon",
				utc(2024, 12, 28, 15, 0), utc(2025, 1, 3, 11, 0), 650, model.BookingConfirmed),
		},
	})

	run := h.runAndWait(t, "em-1", "em-2")
	require.Equal(t, model.RunCompleted, run.State)

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)

	trip := all[0]
	assert.Equal(t, utc(2024, 12, 28, 0, 0), trip.StartDate)
	assert.Equal(t, utc(2025, 1, 3, 0, 0), trip.EndDate)
	assert.Equal(t, 7, trip.DurationDays())
	assert.Equal(t, "Lisbon", trip.PrimaryDestination)
}

func TestRunIdempotentReprocessing(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("LX9XKQ", 320.50,
				seg("LX318", "Zurich", "Paris", utc(2024, 12, 15, 7, 30), utc(2024, 12, 15, 8, 45)),
				seg("LX319", "Paris", "Zurich", utc(2024, 12, 18, 18, 0), utc(2024, 12, 18, 19, 15)),
			),
		},
	})

	first := h.runAndWait(t, "em-1")
	require.Equal(t, model.RunCompleted, first.State)
	before, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Len(t, before, 1)

	// 状态机回拨后重放同一封邮件，trip 不应有任何变化
	require.NoError(t, h.svc.Reset(context.Background(), ScopeProcessing))
	second := h.runAndWait(t, "em-1")
	require.Equal(t, model.RunCompleted, second.State)

	after, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)

	members, err := h.store.Bookings().ListByTrip(context.Background(), before[0].ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestRunOracleFailureIsolatesEmailAndRetries(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	cause := &model.OracleUnavailableError{Provider: "deepseek"}
	h.oracle.failWith("em-1", cause)

	first := h.runAndWait(t, "em-1")
	assert.Equal(t, model.RunCompleted, first.State)
	assert.Equal(t, 0, first.Completed)
	assert.Equal(t, 1, first.Failed)

	email, err := h.store.Emails().GetByID(context.Background(), "em-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, email.ProcessingState)
	assert.Equal(t, 1, email.RetryCount)

	// oracle 恢复后，下一次 run 自动把失败邮件捞回来处理
	h.oracle.clearFailures()
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("RT100", 180,
				seg("LX400", "Zurich", "Vienna", utc(2025, 1, 20, 8, 0), utc(2025, 1, 20, 9, 30)),
				seg("LX401", "Vienna", "Zurich", utc(2025, 1, 22, 18, 0), utc(2025, 1, 22, 19, 30)),
			),
		},
	})
	second := h.runAndWait(t)
	assert.Equal(t, model.RunCompleted, second.State)
	assert.Equal(t, 1, second.Completed)

	email, err = h.store.Emails().GetByID(context.Background(), "em-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, email.ProcessingState)
}

func TestRunNonBookingCountsWithoutTrips(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		NonBooking:     true,
		NonBookingType: model.NonBookingMarketing,
	})

	run := h.runAndWait(t, "em-1")
	assert.Equal(t, model.RunCompleted, run.State)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 1, run.NonBooking)
	assert.Equal(t, 0, run.TripsTouched)

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunRejectsConcurrentSubmit(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 1})
	gate := make(chan struct{})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	h.oracle.script("em-1", model.EmailEnrichment{NonBooking: true})

	// 挡住 oracle，保证第二次提交落在 run 进行中
	blocking := &blockingOracle{inner: h.oracle, gate: gate}
	h.svc.oracle = blocking

	_, err := h.svc.SubmitBatch(context.Background(), []string{"em-1"})
	require.NoError(t, err)
	<-blocking.started()

	_, err = h.svc.SubmitBatch(context.Background(), []string{"em-1"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	require.Eventually(t, func() bool { return !h.svc.Running() }, 5*time.Second, 5*time.Millisecond)
}

func TestStopHaltsBetweenBatches(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 1})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	h.seedEmail(t, "em-2", utc(2024, 12, 1, 10, 0))
	h.oracle.script("em-1", model.EmailEnrichment{NonBooking: true})
	h.oracle.script("em-2", model.EmailEnrichment{NonBooking: true})

	gate := make(chan struct{})
	blocking := &blockingOracle{inner: h.oracle, gate: gate}
	h.svc.oracle = blocking

	receipt, err := h.svc.SubmitBatch(context.Background(), []string{"em-1", "em-2"})
	require.NoError(t, err)

	// 第一批进行中发停止请求，第二批不会再启动
	<-blocking.started()
	assert.True(t, h.svc.Stop())
	close(gate)

	require.Eventually(t, func() bool { return !h.svc.Running() }, 5*time.Second, 5*time.Millisecond)

	run, err := h.svc.RunByID(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStopped, run.State)
	assert.Equal(t, 1, run.Completed)

	second, err := h.store.Emails().GetByID(context.Background(), "em-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, second.ProcessingState)
}

func TestResetScopes(t *testing.T) {
	h := newHarness(t, Options{})
	h.seedEmail(t, "em-1", utc(2024, 12, 1, 9, 0))
	h.oracle.script("em-1", model.EmailEnrichment{
		Bookings: []model.BookingPayload{
			flightPayload("LX9XKQ", 320.50,
				seg("LX318", "Zurich", "Paris", utc(2024, 12, 15, 7, 30), utc(2024, 12, 15, 8, 45)),
			),
		},
	})
	run := h.runAndWait(t, "em-1")
	require.Equal(t, model.RunCompleted, run.State)

	require.NoError(t, h.svc.Reset(context.Background(), ScopeAll))

	all, err := h.svc.ListTrips(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	email, err := h.store.Emails().GetByID(context.Background(), "em-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, email.ProcessingState)

	err = h.svc.Reset(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestSubmitBatchWithoutEligibleEmails(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.SubmitBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoEligibleEmails)
	assert.False(t, h.svc.Running())
}

// blockingOracle 第一次调用时通知并等待放行，之后直通
type blockingOracle struct {
	inner   *scriptedOracle
	gate    chan struct{}
	once    sync.Once
	startCh chan struct{}
	initMu  sync.Mutex
}

func (b *blockingOracle) started() chan struct{} {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.startCh == nil {
		b.startCh = make(chan struct{}, 1)
	}
	return b.startCh
}

func (b *blockingOracle) EnrichBatch(ctx context.Context, emails []*model.Email, open []*model.Trip) (*model.BatchEnrichment, error) {
	b.once.Do(func() {
		b.started() <- struct{}{}
		<-b.gate
	})
	return b.inner.EnrichBatch(ctx, emails, open)
}
