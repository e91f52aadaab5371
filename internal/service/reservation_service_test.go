package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rently/internal/domain"
	"rently/internal/events"
	"rently/internal/models"
	"rently/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	guest      = models.Principal{ID: 1, Role: models.RoleGuest}
	otherGuest = models.Principal{ID: 2, Role: models.RoleGuest}
	host       = models.Principal{ID: 10, Role: models.RoleHost}
	otherHost  = models.Principal{ID: 11, Role: models.RoleHost}
	admin      = models.Principal{ID: 100, Role: models.RoleAdmin}
)

type fakeCatalog struct {
	accommodations map[int64]models.Accommodation
	accounts       map[int64]models.Account
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		accommodations: map[int64]models.Accommodation{
			1: {ID: 1, HostID: 10, Title: "Loft", Capacity: 4},
			2: {ID: 2, HostID: 11, Title: "Cabin", Capacity: 2},
			3: {ID: 3, HostID: 10, Title: "Closed", Capacity: 4, IsDeleted: true},
		},
		accounts: map[int64]models.Account{
			1:   {ID: 1, Role: models.RoleGuest, IsActive: true},
			2:   {ID: 2, Role: models.RoleGuest, IsActive: true},
			3:   {ID: 3, Role: models.RoleGuest, IsActive: false},
			10:  {ID: 10, Role: models.RoleHost, IsActive: true},
			11:  {ID: 11, Role: models.RoleHost, IsActive: true},
			100: {ID: 100, Role: models.RoleAdmin, IsActive: true},
		},
	}
}

func (c *fakeCatalog) GetAccommodation(_ context.Context, id int64) (*models.Accommodation, error) {
	a, ok := c.accommodations[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (c *fakeCatalog) ListByHost(_ context.Context, hostID int64) ([]int64, error) {
	ids := []int64{}
	for id, a := range c.accommodations {
		if a.HostID == hostID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *fakeCatalog) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	a, ok := c.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testEnv struct {
	svc    *ReservationService
	store  *repository.MemoryReservationStore
	clock  *fakeClock
	mu     sync.Mutex
	events []events.ReservationEventPayload
	types  []string
}

func (e *testEnv) published() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, repository.NewMemoryReservationStore())
}

func newTestEnvWithStore(t *testing.T, store domain.ReservationStore) *testEnv {
	t.Helper()
	env := &testEnv{clock: &fakeClock{now: time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC)}}
	if ms, ok := store.(*repository.MemoryReservationStore); ok {
		env.store = ms
	}

	bus := events.NewEventBus()
	bus.Subscribe(func(ev *events.Event) error {
		var p events.ReservationEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		env.mu.Lock()
		env.types = append(env.types, ev.Type)
		env.events = append(env.events, p)
		env.mu.Unlock()
		return nil
	}, events.AllTypes...)

	catalog := newFakeCatalog()
	logger := zerolog.Nop()
	env.svc = NewReservationService(store, catalog, catalog, repository.NewMemoryLocker(time.Second), bus, Options{
		CancellationWindow: 48 * time.Hour,
		Location:           time.UTC,
		Now:                env.clock.Now,
	}, &logger)
	return env
}

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func stay(accommodationID, guestID int64, start, end string, guests int) CreateRequest {
	return CreateRequest{
		AccommodationID: accommodationID,
		GuestID:         guestID,
		StartDate:       day(start),
		EndDate:         day(end),
		GuestCount:      guests,
	}
}

func TestCreate_OverlapScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r1.Status)
	assert.NotEmpty(t, r1.ID)
	assert.Equal(t, int64(1), r1.Version)

	_, err = env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-03", "2025-11-06", 1))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.EqualError(t, err, "dates unavailable")

	// back-to-back stays share the boundary day
	r3, err := env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-05", "2025-11-08", 1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r3.Status)

	// a different accommodation is unaffected
	_, err = env.svc.Create(ctx, guest, stay(2, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.EventReservationCreated,
		events.EventReservationCreated,
		events.EventReservationCreated,
	}, env.published())
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		p       models.Principal
		req     CreateRequest
		kind    error
		message string
	}{
		{"MissingDates", guest, CreateRequest{AccommodationID: 1, GuestID: 1, GuestCount: 1}, domain.ErrValidation, "start and end dates are required"},
		{"EndBeforeStart", guest, stay(1, 1, "2025-11-05", "2025-11-01", 1), domain.ErrValidation, "end date must be after start date"},
		{"SameDay", guest, stay(1, 1, "2025-11-05", "2025-11-05", 1), domain.ErrValidation, "end date must be after start date"},
		{"ZeroGuests", guest, stay(1, 1, "2025-11-01", "2025-11-05", 0), domain.ErrValidation, "guest count must be positive"},
		{"OverCapacity", guest, stay(2, 1, "2025-11-01", "2025-11-05", 3), domain.ErrValidation, "guest count 3 exceeds capacity 2"},
		{"ForAnotherGuest", guest, stay(1, 2, "2025-11-01", "2025-11-05", 1), domain.ErrForbidden, ""},
		{"HostCannotBook", host, stay(1, 1, "2025-11-01", "2025-11-05", 1), domain.ErrForbidden, ""},
		{"UnknownAccommodation", guest, stay(99, 1, "2025-11-01", "2025-11-05", 1), domain.ErrNotFound, "accommodation 99 not found"},
		{"DeletedAccommodation", guest, stay(3, 1, "2025-11-01", "2025-11-05", 1), domain.ErrNotFound, "accommodation 3 not found"},
		{"InactiveGuest", admin, stay(1, 3, "2025-11-01", "2025-11-05", 1), domain.ErrNotFound, "guest 3 not found"},
		{"HostAsGuest", admin, stay(1, 10, "2025-11-01", "2025-11-05", 1), domain.ErrNotFound, "guest 10 not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tt.p, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			if tt.message != "" {
				assert.EqualError(t, err, tt.message)
			}
		})
	}

	all, err := env.svc.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_AdminOnBehalfOfGuest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.svc.Create(ctx, admin, stay(1, 2, "2025-12-01", "2025-12-03", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.GuestID)

	history, err := env.svc.History(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusPending, history[0].To)
	assert.Equal(t, admin.ID, history[0].ActorID)
	assert.Equal(t, models.RoleAdmin, history[0].ActorRole)
}

func TestCreate_ConcurrentRequestsSameDates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-10", "2025-11-12", 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)

	active, err := env.store.FindActiveByAccommodation(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestChangeState_Authorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)

	t.Run("OtherHostCannotConfirm", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, otherHost, r.ID, models.StatusConfirmed, "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("GuestCannotConfirm", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, guest, r.ID, models.StatusConfirmed, "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
		assert.EqualError(t, err, "administrator or host required")
	})

	t.Run("GuestCannotReject", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, guest, r.ID, models.StatusRejected, "nope")
		assert.EqualError(t, err, "administrator or host required")
	})

	t.Run("OtherGuestCannotCancel", func(t *testing.T) {
		_, err := env.svc.CancelByGuest(ctx, otherGuest, r.ID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("HostCannotCancel", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, host, r.ID, models.StatusCancelled, "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, host, r.ID, models.Status("archived"), "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("UnknownReservation", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, host, "missing", models.StatusConfirmed, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("OwningHostConfirms", func(t *testing.T) {
		got, err := env.svc.ChangeState(ctx, host, r.ID, models.StatusConfirmed, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, got.Status)
		assert.Equal(t, int64(2), got.Version)
	})

	stored, err := env.svc.FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
}

func TestChangeState_Reject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)

	_, err = env.svc.ChangeState(ctx, host, r.ID, models.StatusRejected, "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := env.svc.ChangeState(ctx, admin, r.ID, models.StatusRejected, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, "maintenance", got.RejectionReason)

	// terminal states accept nothing
	for _, target := range []models.Status{models.StatusConfirmed, models.StatusCancelled, models.StatusPending, models.StatusCompleted} {
		_, err := env.svc.ChangeState(ctx, admin, r.ID, target, "x")
		var te *domain.TransitionError
		require.ErrorAs(t, err, &te, target)
		assert.Equal(t, models.StatusRejected, te.From)
		assert.Equal(t, target, te.To)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	}

	// rejected dates become free again
	_, err = env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-01", "2025-11-05", 1))
	assert.NoError(t, err)

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.events, 3)
	assert.Equal(t, events.EventReservationRejected, env.types[1])
	assert.Equal(t, "pending", env.events[1].PreviousStatus)
	assert.Equal(t, "maintenance", env.events[1].Reason)
}

func TestCancel_WindowScenario(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *models.Reservation) {
		env := newTestEnv(t)
		r, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
		require.NoError(t, err)
		_, err = env.svc.ChangeState(ctx, host, r.ID, models.StatusConfirmed, "")
		require.NoError(t, err)
		return env, r
	}

	t.Run("SeventyTwoHoursBefore", func(t *testing.T) {
		env, r := setup(t)
		env.clock.Set(time.Date(2025, 10, 29, 0, 0, 0, 0, time.UTC))
		got, err := env.svc.CancelByGuest(ctx, guest, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
	})

	t.Run("TwentyFourHoursBefore", func(t *testing.T) {
		env, r := setup(t)
		env.clock.Set(time.Date(2025, 10, 31, 0, 0, 0, 0, time.UTC))

		_, err := env.svc.CancelByGuest(ctx, guest, r.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		assert.Contains(t, err.Error(), "48h")

		got, err := env.svc.ChangeState(ctx, admin, r.ID, models.StatusCancelled, "")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
	})

	t.Run("ExactlyFortyEightHours", func(t *testing.T) {
		env, r := setup(t)
		env.clock.Set(time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC))
		_, err := env.svc.CancelByGuest(ctx, guest, r.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		env.clock.Set(time.Date(2025, 10, 29, 23, 59, 59, 0, time.UTC))
		_, err = env.svc.CancelByGuest(ctx, guest, r.ID)
		assert.NoError(t, err)
	})

	t.Run("PendingHasNoWindow", func(t *testing.T) {
		env := newTestEnv(t)
		r, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-10-21", "2025-10-23", 1))
		require.NoError(t, err)
		got, err := env.svc.CancelByGuest(ctx, guest, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
	})

	t.Run("CancelledDatesAreReusable", func(t *testing.T) {
		env, r := setup(t)
		env.clock.Set(time.Date(2025, 10, 25, 0, 0, 0, 0, time.UTC))
		_, err := env.svc.CancelByGuest(ctx, guest, r.ID)
		require.NoError(t, err)

		r4, err := env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-01", "2025-11-05", 1))
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, r4.Status)
	})
}

func TestCancel_TimezoneShiftsCheckIn(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	store := repository.NewMemoryReservationStore()
	catalog := newFakeCatalog()
	clock := &fakeClock{now: time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC)}
	svc := NewReservationService(store, catalog, catalog, nil, nil, Options{Location: loc, Now: clock.Now}, nil)
	ctx := context.Background()

	r, err := svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 1))
	require.NoError(t, err)
	_, err = svc.ChangeState(ctx, host, r.ID, models.StatusConfirmed, "")
	require.NoError(t, err)

	// check-in is 2025-10-31T21:00Z, 48h and one minute later than this
	clock.Set(time.Date(2025, 10, 29, 20, 59, 0, 0, time.UTC))
	_, err = svc.CancelByGuest(ctx, guest, r.ID)
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)
	r2, err := env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-10", "2025-11-12", 1))
	require.NoError(t, err)

	t.Run("ExtendOverOwnDates", func(t *testing.T) {
		end := day("2025-11-07")
		got, err := env.svc.Update(ctx, guest, r1.ID, UpdateRequest{EndDate: &end})
		require.NoError(t, err)
		assert.Equal(t, day("2025-11-01"), got.StartDate)
		assert.Equal(t, end, got.EndDate)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("OverlapWithOther", func(t *testing.T) {
		end := day("2025-11-11")
		_, err := env.svc.Update(ctx, guest, r1.ID, UpdateRequest{EndDate: &end})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("InvalidMergedRange", func(t *testing.T) {
		start := day("2025-11-09")
		_, err := env.svc.Update(ctx, guest, r1.ID, UpdateRequest{StartDate: &start})
		assert.EqualError(t, err, "end date must be after start date")
	})

	t.Run("OverCapacity", func(t *testing.T) {
		n := 5
		_, err := env.svc.Update(ctx, guest, r1.ID, UpdateRequest{GuestCount: &n})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("OtherGuestForbidden", func(t *testing.T) {
		n := 1
		_, err := env.svc.Update(ctx, otherGuest, r1.ID, UpdateRequest{GuestCount: &n})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("HostForbidden", func(t *testing.T) {
		n := 1
		_, err := env.svc.Update(ctx, host, r1.ID, UpdateRequest{GuestCount: &n})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("AdminUpdatesAnyPending", func(t *testing.T) {
		start, end := day("2025-11-13"), day("2025-11-15")
		got, err := env.svc.Update(ctx, admin, r2.ID, UpdateRequest{StartDate: &start, EndDate: &end})
		require.NoError(t, err)
		assert.Equal(t, otherGuest.ID, got.GuestID)
		assert.Equal(t, start, got.StartDate)
		assert.Equal(t, end, got.EndDate)
	})

	t.Run("NotPending", func(t *testing.T) {
		_, err := env.svc.ChangeState(ctx, host, r1.ID, models.StatusConfirmed, "")
		require.NoError(t, err)

		n := 1
		_, err = env.svc.Update(ctx, guest, r1.ID, UpdateRequest{GuestCount: &n})
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		assert.EqualError(t, err, "cannot modify a confirmed reservation")
	})

	t.Run("Rejected", func(t *testing.T) {
		r, err := env.svc.Create(ctx, guest, stay(2, 1, "2025-12-01", "2025-12-03", 1))
		require.NoError(t, err)
		rejected, err := env.svc.ChangeState(ctx, otherHost, r.ID, models.StatusRejected, "maintenance")
		require.NoError(t, err)

		start, end := day("2025-12-05"), day("2025-12-08")
		_, err = env.svc.Update(ctx, guest, r.ID, UpdateRequest{StartDate: &start, EndDate: &end})
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		assert.EqualError(t, err, "cannot modify a rejected reservation")

		_, err = env.svc.Update(ctx, admin, r.ID, UpdateRequest{StartDate: &start, EndDate: &end})
		assert.EqualError(t, err, "cannot modify a rejected reservation")

		got, err := env.svc.FindByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, rejected.Version, got.Version)
		assert.Equal(t, day("2025-12-01"), got.StartDate)
		assert.Equal(t, day("2025-12-03"), got.EndDate)
		assert.Equal(t, models.StatusRejected, got.Status)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := env.svc.Update(ctx, guest, "nope", UpdateRequest{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)

	err = env.svc.Delete(ctx, guest, r.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.EqualError(t, err, "insufficient permissions")

	require.NoError(t, env.svc.Delete(ctx, admin, r.ID))

	_, err = env.svc.FindByID(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.History(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = env.svc.Delete(ctx, admin, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, events.EventReservationDeleted, env.published()[1])
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)
	env.clock.Set(env.clock.Now().Add(time.Minute))
	r2, err := env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-10", "2025-11-12", 1))
	require.NoError(t, err)
	env.clock.Set(env.clock.Now().Add(time.Minute))
	r3, err := env.svc.Create(ctx, guest, stay(2, 1, "2025-11-10", "2025-11-12", 1))
	require.NoError(t, err)
	_, err = env.svc.ChangeState(ctx, host, r2.ID, models.StatusConfirmed, "")
	require.NoError(t, err)

	t.Run("ByGuest", func(t *testing.T) {
		got, err := env.svc.FindByGuest(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("ByAccommodation", func(t *testing.T) {
		got, err := env.svc.FindByAccommodation(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, r1.ID, got[0].ID)
	})

	t.Run("Search", func(t *testing.T) {
		page, err := env.svc.Search(ctx, models.Filter{Status: models.StatusPending})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		require.Len(t, page.Items, 2)
		// newest first by default
		assert.Equal(t, r3.ID, page.Items[0].ID)

		page, err = env.svc.Search(ctx, models.Filter{AccommodationIDs: []int64{1}, Sort: models.SortStartDate, Ascending: true, Size: 1, Page: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		require.Len(t, page.Items, 1)
		assert.Equal(t, r2.ID, page.Items[0].ID)

		_, err = env.svc.Search(ctx, models.Filter{Status: "archived"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("Occupancy", func(t *testing.T) {
		got, err := env.svc.Occupancy(ctx, 1, day("2025-11-04"), day("2025-11-11"))
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = env.svc.Occupancy(ctx, 1, day("2025-11-05"), day("2025-11-10"))
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = env.svc.Occupancy(ctx, 99, time.Time{}, time.Time{})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = env.svc.Occupancy(ctx, 1, day("2025-11-05"), day("2025-11-05"))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("History", func(t *testing.T) {
		got, err := env.svc.History(ctx, r2.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, models.StatusPending, got[1].From)
		assert.Equal(t, models.StatusConfirmed, got[1].To)
		assert.Equal(t, host.ID, got[1].ActorID)
	})
}

func TestCompleteElapsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)
	_, err = env.svc.ChangeState(ctx, host, r1.ID, models.StatusConfirmed, "")
	require.NoError(t, err)
	pending, err := env.svc.Create(ctx, otherGuest, stay(1, 2, "2025-11-05", "2025-11-06", 1))
	require.NoError(t, err)

	t.Run("OnlySystemCompletes", func(t *testing.T) {
		env.clock.Set(time.Date(2025, 11, 6, 0, 0, 0, 0, time.UTC))
		_, err := env.svc.ChangeState(ctx, admin, r1.ID, models.StatusCompleted, "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("NotBeforeEnd", func(t *testing.T) {
		env.clock.Set(time.Date(2025, 11, 4, 23, 0, 0, 0, time.UTC))
		n, err := env.svc.CompleteElapsed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = env.svc.ChangeState(ctx, models.SystemPrincipal, r1.ID, models.StatusCompleted, "")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("OnEndDate", func(t *testing.T) {
		env.clock.Set(time.Date(2025, 11, 5, 0, 0, 1, 0, time.UTC))
		n, err := env.svc.CompleteElapsed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := env.svc.FindByID(ctx, r1.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)

		stillPending, err := env.svc.FindByID(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, stillPending.Status)

		n, err = env.svc.CompleteElapsed(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

// flakyStore fails the first n transactions with a serialization error.
type flakyStore struct {
	*repository.MemoryReservationStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.ReservationTx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("database is locked: %w", domain.ErrSerialization)
	}
	return s.MemoryReservationStore.RunInTx(ctx, fn)
}

// txTrackingStore records whether a transaction is open.
type txTrackingStore struct {
	*repository.MemoryReservationStore
	mu   sync.Mutex
	inTx bool
}

func (s *txTrackingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.ReservationTx) error) error {
	s.mu.Lock()
	s.inTx = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inTx = false
		s.mu.Unlock()
	}()
	return s.MemoryReservationStore.RunInTx(ctx, fn)
}

func (s *txTrackingStore) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// txAwareCatalog counts catalog reads made while the store holds a transaction.
type txAwareCatalog struct {
	*fakeCatalog
	store   *txTrackingStore
	mu      sync.Mutex
	inTxHit int
}

func (c *txAwareCatalog) GetAccommodation(ctx context.Context, id int64) (*models.Accommodation, error) {
	if c.store.open() {
		c.mu.Lock()
		c.inTxHit++
		c.mu.Unlock()
	}
	return c.fakeCatalog.GetAccommodation(ctx, id)
}

func TestCatalogReadsHappenOutsideTransactions(t *testing.T) {
	store := &txTrackingStore{MemoryReservationStore: repository.NewMemoryReservationStore()}
	catalog := &txAwareCatalog{fakeCatalog: newFakeCatalog(), store: store}
	clock := &fakeClock{now: time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC)}
	svc := NewReservationService(store, catalog, catalog, nil, nil, Options{Now: clock.Now}, nil)
	ctx := context.Background()

	r, err := svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
	require.NoError(t, err)
	n := 3
	_, err = svc.Update(ctx, guest, r.ID, UpdateRequest{GuestCount: &n})
	require.NoError(t, err)
	_, err = svc.ChangeState(ctx, host, r.ID, models.StatusConfirmed, "")
	require.NoError(t, err)

	assert.Zero(t, catalog.inTxHit)
}

func TestSerializationRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("RetriedOnce", func(t *testing.T) {
		store := &flakyStore{MemoryReservationStore: repository.NewMemoryReservationStore(), failures: 1}
		env := newTestEnvWithStore(t, store)

		_, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
		require.NoError(t, err)
		assert.Equal(t, 2, store.calls)
	})

	t.Run("ConflictAfterSecondFailure", func(t *testing.T) {
		store := &flakyStore{MemoryReservationStore: repository.NewMemoryReservationStore(), failures: 2}
		env := newTestEnvWithStore(t, store)

		_, err := env.svc.Create(ctx, guest, stay(1, 1, "2025-11-01", "2025-11-05", 2))
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.NotErrorIs(t, err, domain.ErrSerialization)
		assert.Equal(t, 2, store.calls)
		assert.Empty(t, env.published())

		all, err := store.FindAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("OtherErrorsNotRetried", func(t *testing.T) {
		store := &flakyStore{MemoryReservationStore: repository.NewMemoryReservationStore()}
		env := newTestEnvWithStore(t, store)

		_, err := env.svc.ChangeState(ctx, host, "missing", models.StatusConfirmed, "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Zero(t, store.calls)
	})
}

type failingPublisher struct{}

func (failingPublisher) PublishJSON(string, interface{}) error {
	return errors.New("broker down")
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	store := repository.NewMemoryReservationStore()
	catalog := newFakeCatalog()
	svc := NewReservationService(store, catalog, catalog, nil, failingPublisher{}, Options{}, nil)

	r, err := svc.Create(context.Background(), guest, stay(1, 1, "2030-01-01", "2030-01-03", 1))
	require.NoError(t, err)

	got, err := svc.FindByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}
