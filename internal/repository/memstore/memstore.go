package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tripforge/internal/model"
	"tripforge/internal/repository"
)

// Store 内存存储驱动，测试和单机试跑用
// 语义对齐 postgres 驱动：条件认领、幂等 upsert、读写都走深拷贝防止别名泄漏
type Store struct {
	mu         sync.RWMutex
	emails     map[string]*model.Email
	bookings   map[string]*model.BookingRecord
	trips      map[int64]*model.Trip
	runs       map[string]*model.DetectionRun
	runOrder   []string
	nextTripID int64
	now        func() time.Time
}

func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock 注入时钟，过期认领回收的测试要能拨时间
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		emails:     make(map[string]*model.Email),
		bookings:   make(map[string]*model.BookingRecord),
		trips:      make(map[int64]*model.Trip),
		runs:       make(map[string]*model.DetectionRun),
		nextTripID: 1,
		now:        now,
	}
}

func (s *Store) Emails() *EmailStore     { return &EmailStore{s: s} }
func (s *Store) Bookings() *BookingStore { return &BookingStore{s: s} }
func (s *Store) Trips() *TripStore       { return &TripStore{s: s} }
func (s *Store) Runs() *RunStore         { return &RunStore{s: s} }

type EmailStore struct {
	s *Store
}

func (r *EmailStore) Upsert(_ context.Context, e *model.Email) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.emails[e.ID]; exists {
		return nil
	}
	stored := cloneEmail(e)
	stored.ProcessingState = model.StatePending
	stored.RetryCount = 0
	stored.StateChangedAt = r.s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.s.now()
	}
	r.s.emails[e.ID] = stored
	return nil
}

func (r *EmailStore) GetByID(_ context.Context, id string) (*model.Email, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.emails[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEmail(e), nil
}

func (r *EmailStore) ListByIDs(_ context.Context, ids []string) ([]*model.Email, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Email{}
	for _, id := range ids {
		if e, ok := r.s.emails[id]; ok {
			out = append(out, cloneEmail(e))
		}
	}
	sortEmails(out)
	return out, nil
}

func (r *EmailStore) ListByState(_ context.Context, state model.ProcessingState, limit int) ([]*model.Email, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Email{}
	for _, e := range r.s.emails {
		if e.ProcessingState == state {
			out = append(out, cloneEmail(e))
		}
	}
	sortEmails(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EmailStore) ClaimProcessing(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.emails[id]
	if !ok || e.ProcessingState != model.StatePending {
		return false, nil
	}
	e.ProcessingState = model.StateProcessing
	e.StateChangedAt = r.s.now()
	return true, nil
}

func (r *EmailStore) MarkCompleted(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.emails[id]
	if !ok {
		return fmt.Errorf("email %s: %w", id, repository.ErrNotFound)
	}
	e.ProcessingState = model.StateCompleted
	e.StateChangedAt = r.s.now()
	return nil
}

func (r *EmailStore) MarkFailed(_ context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.emails[id]
	if !ok {
		return 0, fmt.Errorf("email %s: %w", id, repository.ErrNotFound)
	}
	e.ProcessingState = model.StateFailed
	e.RetryCount++
	e.StateChangedAt = r.s.now()
	return e.RetryCount, nil
}

func (r *EmailStore) RequeueRetryable(_ context.Context, maxRetries int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.emails {
		if e.ProcessingState == model.StateFailed && e.RetryCount < maxRetries {
			e.ProcessingState = model.StatePending
			e.StateChangedAt = r.s.now()
			n++
		}
	}
	return n, nil
}

func (r *EmailStore) RequeueStale(_ context.Context, olderThan time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-olderThan)
	var n int64
	for _, e := range r.s.emails {
		if e.ProcessingState == model.StateProcessing && e.StateChangedAt.Before(cutoff) {
			e.ProcessingState = model.StatePending
			e.StateChangedAt = r.s.now()
			n++
		}
	}
	return n, nil
}

func (r *EmailStore) CountByState(_ context.Context) (map[model.ProcessingState]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[model.ProcessingState]int64)
	for _, e := range r.s.emails {
		counts[e.ProcessingState]++
	}
	return counts, nil
}

func (r *EmailStore) ResetStates(_ context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.emails {
		e.ProcessingState = model.StatePending
		e.RetryCount = 0
		e.StateChangedAt = r.s.now()
	}
	return nil
}

type BookingStore struct {
	s *Store
}

func (r *BookingStore) ListByIdentityKey(_ context.Context, key string) ([]*model.BookingRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.BookingRecord{}
	for _, b := range r.s.bookings {
		if b.IdentityKey == key {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *BookingStore) Save(_ context.Context, rec *model.BookingRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := cloneBooking(rec)
	if prev, ok := r.s.bookings[rec.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.s.now()
	}
	r.s.bookings[rec.ID] = stored
	return nil
}

func (r *BookingStore) ListByTrip(_ context.Context, tripID int64) ([]*model.BookingRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.BookingRecord{}
	for _, b := range r.s.bookings {
		if b.TripID != nil && *b.TripID == tripID && b.IsLatestVersion {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *BookingStore) AssignTrip(_ context.Context, recordIDs []string, tripID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range recordIDs {
		if b, ok := r.s.bookings[id]; ok {
			assigned := tripID
			b.TripID = &assigned
		}
	}
	return nil
}

func (r *BookingStore) DeleteAll(_ context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.bookings = make(map[string]*model.BookingRecord)
	return nil
}

type TripStore struct {
	s *Store
}

func (r *TripStore) Create(_ context.Context, t *model.Trip) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = r.s.nextTripID
	r.s.nextTripID++
	t.CreatedAt = r.s.now()
	t.UpdatedAt = t.CreatedAt
	r.s.trips[t.ID] = cloneTrip(t)
	return nil
}

func (r *TripStore) Update(_ context.Context, t *model.Trip) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.trips[t.ID]
	if !ok {
		return fmt.Errorf("trip %d: %w", t.ID, repository.ErrNotFound)
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = r.s.now()
	r.s.trips[t.ID] = cloneTrip(t)
	return nil
}

func (r *TripStore) GetByID(_ context.Context, id int64) (*model.Trip, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.trips[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTrip(t), nil
}

func (r *TripStore) List(_ context.Context) ([]*model.Trip, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []*model.Trip{}
	for _, t := range r.s.trips {
		out = append(out, cloneTrip(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *TripStore) DeleteAll(_ context.Context) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.trips = make(map[int64]*model.Trip)
	r.s.nextTripID = 1
	return nil
}

type RunStore struct {
	s *Store
}

func (r *RunStore) Create(_ context.Context, run *model.DetectionRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run.CreatedAt = r.s.now()
	r.s.runs[run.ID] = cloneRun(run)
	r.s.runOrder = append(r.s.runOrder, run.ID)
	return nil
}

func (r *RunStore) Update(_ context.Context, run *model.DetectionRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, repository.ErrNotFound)
	}
	run.CreatedAt = prev.CreatedAt
	r.s.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *RunStore) GetByID(_ context.Context, id string) (*model.DetectionRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRun(run), nil
}

func (r *RunStore) Latest(_ context.Context) (*model.DetectionRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if len(r.s.runOrder) == 0 {
		return nil, repository.ErrNotFound
	}
	return cloneRun(r.s.runs[r.s.runOrder[len(r.s.runOrder)-1]]), nil
}

func sortEmails(out []*model.Email) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func cloneEmail(e *model.Email) *model.Email {
	out := *e
	return &out
}

func cloneBooking(b *model.BookingRecord) *model.BookingRecord {
	out := *b
	out.Locations = append([]string(nil), b.Locations...)
	out.SourceEmailIDs = append([]string(nil), b.SourceEmailIDs...)
	if b.Supersedes != nil {
		v := *b.Supersedes
		out.Supersedes = &v
	}
	if b.TripID != nil {
		v := *b.TripID
		out.TripID = &v
	}
	if b.Transport != nil {
		v := *b.Transport
		out.Transport = &v
	}
	if b.Accommodation != nil {
		v := *b.Accommodation
		out.Accommodation = &v
	}
	if b.Activity != nil {
		v := *b.Activity
		out.Activity = &v
	}
	if b.Cruise != nil {
		v := *b.Cruise
		out.Cruise = &v
	}
	return &out
}

func cloneTrip(t *model.Trip) *model.Trip {
	out := *t
	out.CitiesVisited = append([]string(nil), t.CitiesVisited...)
	out.TransportIDs = append([]string(nil), t.TransportIDs...)
	out.AccommodationIDs = append([]string(nil), t.AccommodationIDs...)
	out.ActivityIDs = append([]string(nil), t.ActivityIDs...)
	out.CruiseIDs = append([]string(nil), t.CruiseIDs...)
	return &out
}

func cloneRun(run *model.DetectionRun) *model.DetectionRun {
	out := *run
	out.EmailIDs = append([]string(nil), run.EmailIDs...)
	if run.FinishedAt != nil {
		v := *run.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}
