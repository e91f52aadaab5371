package domain

import (
	"context"
	"time"

	"rently/internal/models"
)

type IdentityProvider interface {
	Resolve(ctx context.Context, credential string) (models.Principal, error)
}

type AccommodationLookup interface {
	GetAccommodation(ctx context.Context, id int64) (*models.Accommodation, error)
	ListByHost(ctx context.Context, hostID int64) ([]int64, error)
}

type AccountDirectory interface {
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
}

// ReservationReader returns (nil, nil) from FindByID when nothing matches.
type ReservationReader interface {
	FindByID(ctx context.Context, id string) (*models.Reservation, error)
	FindActiveByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error)
	FindByGuest(ctx context.Context, guestID int64) ([]*models.Reservation, error)
	FindByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error)
	FindAll(ctx context.Context) ([]*models.Reservation, error)
	FindConfirmedEndingBy(ctx context.Context, date time.Time) ([]*models.Reservation, error)
	Search(ctx context.Context, filter models.Filter) (*models.Page, error)
	History(ctx context.Context, reservationID string) ([]*models.Transition, error)
}

// ReservationTx is the write view of a single store transaction.
// Update fails with ErrSerialization when r.Version no longer matches and
// bumps r.Version on success.
type ReservationTx interface {
	ReservationReader
	Insert(ctx context.Context, r *models.Reservation) error
	Update(ctx context.Context, r *models.Reservation) error
	Delete(ctx context.Context, id string) error
	RecordTransition(ctx context.Context, t *models.Transition) error
}

type ReservationStore interface {
	ReservationReader
	// RunInTx commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx ReservationTx) error) error
}

// Locker serializes writers of one key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
