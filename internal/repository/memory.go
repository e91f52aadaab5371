package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rently/internal/domain"
	"rently/internal/models"
)

// MemoryReservationStore keeps reservations in process. Transactions run
// one at a time against a private copy that replaces the live maps on commit.
type MemoryReservationStore struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	data        map[string]*models.Reservation
	transitions map[string][]*models.Transition
	nextID      int64
}

func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{
		data:        make(map[string]*models.Reservation),
		transitions: make(map[string][]*models.Transition),
	}
}

func (s *MemoryReservationStore) view() memView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{data: s.data, transitions: s.transitions}
}

func (s *MemoryReservationStore) FindByID(ctx context.Context, id string) (*models.Reservation, error) {
	return s.view().FindByID(ctx, id)
}

func (s *MemoryReservationStore) FindActiveByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error) {
	return s.view().FindActiveByAccommodation(ctx, accommodationID)
}

func (s *MemoryReservationStore) FindByGuest(ctx context.Context, guestID int64) ([]*models.Reservation, error) {
	return s.view().FindByGuest(ctx, guestID)
}

func (s *MemoryReservationStore) FindByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error) {
	return s.view().FindByAccommodation(ctx, accommodationID)
}

func (s *MemoryReservationStore) FindAll(ctx context.Context) ([]*models.Reservation, error) {
	return s.view().FindAll(ctx)
}

func (s *MemoryReservationStore) FindConfirmedEndingBy(ctx context.Context, date time.Time) ([]*models.Reservation, error) {
	return s.view().FindConfirmedEndingBy(ctx, date)
}

func (s *MemoryReservationStore) Search(ctx context.Context, filter models.Filter) (*models.Page, error) {
	return s.view().Search(ctx, filter)
}

func (s *MemoryReservationStore) History(ctx context.Context, reservationID string) ([]*models.Transition, error) {
	return s.view().History(ctx, reservationID)
}

func (s *MemoryReservationStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.ReservationTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	tx := &memTx{
		memView: memView{
			data:        make(map[string]*models.Reservation, len(s.data)),
			transitions: make(map[string][]*models.Transition, len(s.transitions)),
		},
		nextID: s.nextID,
	}
	for k, v := range s.data {
		tx.data[k] = v
	}
	for k, v := range s.transitions {
		tx.transitions[k] = v
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.data
	s.transitions = tx.transitions
	s.nextID = tx.nextID
	s.mu.Unlock()
	return nil
}

type memTx struct {
	memView
	nextID int64
}

func (t *memTx) Insert(_ context.Context, r *models.Reservation) error {
	if _, exists := t.data[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	r.Version = 1
	t.data[r.ID] = r.Clone()
	return nil
}

func (t *memTx) Update(_ context.Context, r *models.Reservation) error {
	current, ok := t.data[r.ID]
	if !ok || current.Version != r.Version {
		return fmt.Errorf("reservation %s changed concurrently: %w", r.ID, domain.ErrSerialization)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	r.Version++
	t.data[r.ID] = r.Clone()
	return nil
}

func (t *memTx) Delete(_ context.Context, id string) error {
	if _, ok := t.data[id]; !ok {
		return domain.NotFound("reservation %s not found", id)
	}
	delete(t.data, id)
	delete(t.transitions, id)
	return nil
}

func (t *memTx) RecordTransition(_ context.Context, tr *models.Transition) error {
	t.nextID++
	tr.ID = t.nextID
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	c := *tr
	existing := t.transitions[tr.ReservationID]
	t.transitions[tr.ReservationID] = append(existing[:len(existing):len(existing)], &c)
	return nil
}

// memView answers queries over one immutable generation of the maps.
type memView struct {
	data        map[string]*models.Reservation
	transitions map[string][]*models.Transition
}

func (v memView) collect(match func(*models.Reservation) bool, less func(a, b *models.Reservation) bool) []*models.Reservation {
	var out []*models.Reservation
	for _, r := range v.data {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byStart(a, b *models.Reservation) bool {
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.Before(b.StartDate)
	}
	return a.ID < b.ID
}

func newestFirst(a, b *models.Reservation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (v memView) FindByID(_ context.Context, id string) (*models.Reservation, error) {
	return v.data[id].Clone(), nil
}

func (v memView) FindActiveByAccommodation(_ context.Context, accommodationID int64) ([]*models.Reservation, error) {
	return v.collect(func(r *models.Reservation) bool {
		return r.AccommodationID == accommodationID && r.IsActive()
	}, byStart), nil
}

func (v memView) FindByGuest(_ context.Context, guestID int64) ([]*models.Reservation, error) {
	return v.collect(func(r *models.Reservation) bool { return r.GuestID == guestID }, newestFirst), nil
}

func (v memView) FindByAccommodation(_ context.Context, accommodationID int64) ([]*models.Reservation, error) {
	return v.collect(func(r *models.Reservation) bool { return r.AccommodationID == accommodationID }, byStart), nil
}

func (v memView) FindAll(_ context.Context) ([]*models.Reservation, error) {
	return v.collect(func(*models.Reservation) bool { return true }, newestFirst), nil
}

func (v memView) FindConfirmedEndingBy(_ context.Context, date time.Time) ([]*models.Reservation, error) {
	return v.collect(func(r *models.Reservation) bool {
		return r.Status == models.StatusConfirmed && !r.EndDate.After(date)
	}, byStart), nil
}

func (v memView) Search(_ context.Context, filter models.Filter) (*models.Page, error) {
	filter.Normalize()
	all := v.collect(filter.Match, filter.Less)

	page := &models.Page{Items: []*models.Reservation{}, Total: len(all), Page: filter.Page, Size: filter.Size}
	from := filter.Page * filter.Size
	if from >= len(all) {
		return page, nil
	}
	to := from + filter.Size
	if to > len(all) {
		to = len(all)
	}
	page.Items = all[from:to]
	return page, nil
}

func (v memView) History(_ context.Context, reservationID string) ([]*models.Transition, error) {
	src := v.transitions[reservationID]
	out := make([]*models.Transition, 0, len(src))
	for _, t := range src {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}
