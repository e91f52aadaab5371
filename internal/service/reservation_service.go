package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rently/internal/domain"
	"rently/internal/events"
	"rently/internal/metrics"
	"rently/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CreateRequest describes a new stay. Dates are calendar dates, end exclusive.
type CreateRequest struct {
	AccommodationID int64
	GuestID         int64
	StartDate       time.Time
	EndDate         time.Time
	GuestCount      int
}

// UpdateRequest carries the fields to change; nil fields keep their value.
type UpdateRequest struct {
	StartDate  *time.Time
	EndDate    *time.Time
	GuestCount *int
}

type Options struct {
	CancellationWindow time.Duration
	Location           *time.Location
	Now                func() time.Time
}

// ReservationService owns the reservation lifecycle: creation, edits,
// state changes and the queries around them.
type ReservationService struct {
	store          domain.ReservationStore
	accommodations domain.AccommodationLookup
	accounts       domain.AccountDirectory
	locker         domain.Locker
	eventBus       domain.EventPublisher
	machine        *StateMachine
	location       *time.Location
	now            func() time.Time
	logger         *zerolog.Logger
}

func NewReservationService(
	store domain.ReservationStore,
	accommodations domain.AccommodationLookup,
	accounts domain.AccountDirectory,
	locker domain.Locker,
	eventBus domain.EventPublisher,
	opts Options,
	logger *zerolog.Logger,
) *ReservationService {
	if opts.CancellationWindow <= 0 {
		opts.CancellationWindow = 48 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ReservationService{
		store:          store,
		accommodations: accommodations,
		accounts:       accounts,
		locker:         locker,
		eventBus:       eventBus,
		machine:        NewStateMachine(opts.CancellationWindow, opts.Location),
		location:       opts.Location,
		now:            opts.Now,
		logger:         logger,
	}
}

// Today is the current calendar date in the configured zone.
func (s *ReservationService) Today() time.Time {
	return models.DateOf(s.now().In(s.location))
}

func (s *ReservationService) Create(ctx context.Context, p models.Principal, req CreateRequest) (res *models.Reservation, err error) {
	defer func() { observe("create", err) }()

	start, end := models.DateOf(req.StartDate), models.DateOf(req.EndDate)
	if err := validateStay(start, end, req.GuestCount); err != nil {
		return nil, err
	}
	if req.AccommodationID <= 0 {
		return nil, domain.Validation("accommodation id is required")
	}
	if req.GuestID <= 0 {
		return nil, domain.Validation("guest id is required")
	}
	if !canBookFor(p, req.GuestID) {
		return nil, domain.Forbidden("cannot create a reservation for another guest")
	}

	acc, err := s.accommodations.GetAccommodation(ctx, req.AccommodationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accommodation: %w", err)
	}
	if !acc.Bookable() {
		return nil, domain.NotFound("accommodation %d not found", req.AccommodationID)
	}
	if err := s.requireGuest(ctx, req.GuestID); err != nil {
		return nil, err
	}
	if err := checkCapacity(acc, req.GuestCount); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.write(ctx, acc.ID, func(ctx context.Context, tx domain.ReservationTx) error {
		conflict, err := HasConflict(ctx, tx, acc.ID, start, end, "")
		if err != nil {
			return err
		}
		if conflict {
			return domain.Conflict("dates unavailable")
		}
		res = &models.Reservation{
			ID:              uuid.NewString(),
			AccommodationID: acc.ID,
			GuestID:         req.GuestID,
			StartDate:       start,
			EndDate:         end,
			GuestCount:      req.GuestCount,
			Status:          models.StatusPending,
			CreatedAt:       now,
		}
		if err := tx.Insert(ctx, res); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return tx.RecordTransition(ctx, &models.Transition{
			ReservationID: res.ID,
			To:            models.StatusPending,
			ActorID:       p.ID,
			ActorRole:     p.Role,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("reservation_id", res.ID).
		Int64("accommodation_id", res.AccommodationID).
		Int64("guest_id", res.GuestID).
		Str("by", p.String()).
		Msg("Reservation created")
	s.publishEvent(events.EventReservationCreated, res, "", "", p)
	return res, nil
}

// Update changes dates or guest count of a pending reservation.
func (s *ReservationService) Update(ctx context.Context, p models.Principal, id string, req UpdateRequest) (res *models.Reservation, err error) {
	defer func() { observe("update", err) }()

	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// A reservation never changes accommodation.
	acc, err := s.accommodations.GetAccommodation(ctx, current.AccommodationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accommodation: %w", err)
	}

	err = s.write(ctx, current.AccommodationID, func(ctx context.Context, tx domain.ReservationTx) error {
		r, err := tx.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}
		if r == nil {
			return domain.NotFound("reservation %s not found", id)
		}
		if !canManageBooking(p, r.GuestID) {
			return domain.Forbidden("insufficient permissions")
		}
		if r.Status != models.StatusPending {
			return domain.InvalidState("cannot modify a %s reservation", r.Status)
		}

		if req.StartDate != nil {
			r.StartDate = models.DateOf(*req.StartDate)
		}
		if req.EndDate != nil {
			r.EndDate = models.DateOf(*req.EndDate)
		}
		if req.GuestCount != nil {
			r.GuestCount = *req.GuestCount
		}
		if err := validateStay(r.StartDate, r.EndDate, r.GuestCount); err != nil {
			return err
		}

		if !acc.Bookable() {
			return domain.NotFound("accommodation %d not found", r.AccommodationID)
		}
		if err := checkCapacity(acc, r.GuestCount); err != nil {
			return err
		}

		conflict, err := HasConflict(ctx, tx, r.AccommodationID, r.StartDate, r.EndDate, r.ID)
		if err != nil {
			return err
		}
		if conflict {
			return domain.Conflict("dates unavailable")
		}

		r.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("reservation_id", res.ID).Str("by", p.String()).Msg("Reservation updated")
	s.publishEvent(events.EventReservationUpdated, res, "", "", p)
	return res, nil
}

// ChangeState moves a reservation to target after checking the transition
// table, the actor's relation to the reservation and the transition condition.
func (s *ReservationService) ChangeState(ctx context.Context, p models.Principal, id string, target models.Status, reason string) (res *models.Reservation, err error) {
	defer func() { observe("change_state", err) }()

	if !target.Valid() {
		return nil, domain.Validation("unknown status %q", target)
	}
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var hostID int64
	acc, err := s.accommodations.GetAccommodation(ctx, current.AccommodationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accommodation: %w", err)
	}
	if acc != nil {
		hostID = acc.HostID
	}

	reason = strings.TrimSpace(reason)
	var previous models.Status
	err = s.write(ctx, current.AccommodationID, func(ctx context.Context, tx domain.ReservationTx) error {
		r, err := tx.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load reservation: %w", err)
		}
		if r == nil {
			return domain.NotFound("reservation %s not found", id)
		}

		now := s.now()
		if err := s.machine.Check(TransitionInput{
			Reservation: r,
			Target:      target,
			Relation:    RelationOf(p, r.GuestID, hostID),
			Reason:      reason,
			Now:         now,
		}); err != nil {
			return err
		}

		previous = r.Status
		r.Status = target
		if target == models.StatusRejected {
			r.RejectionReason = reason
		}
		r.UpdatedAt = now.UTC()
		if err := tx.Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update reservation: %w", err)
		}
		if err := tx.RecordTransition(ctx, &models.Transition{
			ReservationID: r.ID,
			From:          previous,
			To:            target,
			ActorID:       p.ID,
			ActorRole:     p.Role,
			Reason:        reason,
			CreatedAt:     r.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("failed to record transition: %w", err)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("reservation_id", res.ID).
		Str("from", string(previous)).
		Str("to", string(target)).
		Str("by", p.String()).
		Msg("Reservation state changed")
	s.publishEvent(stateEvent(target), res, previous, reason, p)
	return res, nil
}

// CancelByGuest cancels on behalf of the calling guest.
func (s *ReservationService) CancelByGuest(ctx context.Context, p models.Principal, id string) (*models.Reservation, error) {
	return s.ChangeState(ctx, p, id, models.StatusCancelled, "")
}

// Delete removes a reservation and its history. Administrators only.
func (s *ReservationService) Delete(ctx context.Context, p models.Principal, id string) (err error) {
	defer func() { observe("delete", err) }()

	if !p.IsAdmin() {
		return domain.Forbidden("insufficient permissions")
	}
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}
	err = s.write(ctx, current.AccommodationID, func(ctx context.Context, tx domain.ReservationTx) error {
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Warn().Str("reservation_id", id).Str("by", p.String()).Msg("Reservation deleted")
	s.publishEvent(events.EventReservationDeleted, current, "", "", p)
	return nil
}

func (s *ReservationService) FindByID(ctx context.Context, id string) (*models.Reservation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("reservation id is required")
	}
	r, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}
	if r == nil {
		return nil, domain.NotFound("reservation %s not found", id)
	}
	return r, nil
}

func (s *ReservationService) FindByGuest(ctx context.Context, guestID int64) ([]*models.Reservation, error) {
	return s.store.FindByGuest(ctx, guestID)
}

func (s *ReservationService) FindByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error) {
	return s.store.FindByAccommodation(ctx, accommodationID)
}

func (s *ReservationService) FindAll(ctx context.Context) ([]*models.Reservation, error) {
	return s.store.FindAll(ctx)
}

func (s *ReservationService) Search(ctx context.Context, filter models.Filter) (*models.Page, error) {
	if !filter.Status.Valid() && filter.Status != "" {
		return nil, domain.Validation("unknown status %q", filter.Status)
	}
	if !filter.StartFrom.IsZero() && !filter.EndTo.IsZero() && filter.EndTo.Before(filter.StartFrom) {
		return nil, domain.Validation("end_to must not be before start_from")
	}
	filter.Normalize()
	return s.store.Search(ctx, filter)
}

// Occupancy lists the active reservations of an accommodation intersecting
// [from, to). Zero bounds are open.
func (s *ReservationService) Occupancy(ctx context.Context, accommodationID int64, from, to time.Time) ([]*models.Reservation, error) {
	from, to = models.DateOf(from), models.DateOf(to)
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, domain.Validation("end date must be after start date")
	}
	acc, err := s.accommodations.GetAccommodation(ctx, accommodationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accommodation: %w", err)
	}
	if acc == nil {
		return nil, domain.NotFound("accommodation %d not found", accommodationID)
	}

	active, err := s.store.FindActiveByAccommodation(ctx, accommodationID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Reservation, 0, len(active))
	for _, r := range active {
		if !from.IsZero() && !r.EndDate.After(from) {
			continue
		}
		if !to.IsZero() && !r.StartDate.Before(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *ReservationService) History(ctx context.Context, id string) ([]*models.Transition, error) {
	if _, err := s.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// CompleteElapsed completes every confirmed stay whose end date has been
// reached. Failures on single reservations do not stop the run.
func (s *ReservationService) CompleteElapsed(ctx context.Context) (int, error) {
	due, err := s.store.FindConfirmedEndingBy(ctx, s.Today())
	if err != nil {
		return 0, fmt.Errorf("failed to list elapsed reservations: %w", err)
	}

	completed := 0
	var errs []error
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.ChangeState(ctx, models.SystemPrincipal, r.ID, models.StatusCompleted, ""); err != nil {
			s.logger.Error().Err(err).Str("reservation_id", r.ID).Msg("Failed to complete reservation")
			errs = append(errs, fmt.Errorf("reservation %s: %w", r.ID, err))
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

// write runs fn under the accommodation lock inside one store transaction.
// A serialization failure is retried once and then reported as a conflict.
func (s *ReservationService) write(ctx context.Context, accommodationID int64, fn func(ctx context.Context, tx domain.ReservationTx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx, accommodationID, fn)
		if err == nil || !errors.Is(err, domain.ErrSerialization) {
			return err
		}
		if attempt >= 1 {
			s.logger.Warn().Err(err).Int64("accommodation_id", accommodationID).Msg("Serialization failure persisted after retry")
			return domain.Conflict("reservation was modified concurrently, please retry")
		}
		metrics.IncSerializationRetry()
		s.logger.Debug().Err(err).Int64("accommodation_id", accommodationID).Msg("Retrying after serialization failure")
	}
}

func (s *ReservationService) attempt(ctx context.Context, accommodationID int64, fn func(ctx context.Context, tx domain.ReservationTx) error) error {
	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, lockKey(accommodationID))
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		defer unlock()
	}
	return s.store.RunInTx(ctx, fn)
}

func (s *ReservationService) requireGuest(ctx context.Context, guestID int64) error {
	acct, err := s.accounts.GetAccount(ctx, guestID)
	if err != nil {
		return fmt.Errorf("failed to load guest: %w", err)
	}
	if acct == nil || !acct.IsActive || acct.Role != models.RoleGuest {
		return domain.NotFound("guest %d not found", guestID)
	}
	return nil
}

func (s *ReservationService) publishEvent(eventType string, r *models.Reservation, previous models.Status, reason string, p models.Principal) {
	if s.eventBus == nil {
		return
	}
	payload := events.ReservationEventPayload{
		ReservationID:   r.ID,
		AccommodationID: r.AccommodationID,
		GuestID:         r.GuestID,
		StartDate:       models.FormatDate(r.StartDate),
		EndDate:         models.FormatDate(r.EndDate),
		GuestCount:      r.GuestCount,
		Status:          string(r.Status),
		PreviousStatus:  string(previous),
		Reason:          reason,
		ChangedByID:     p.ID,
		ChangedByRole:   string(p.Role),
		OccurredAt:      s.now().UTC(),
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Str("reservation_id", r.ID).Msg("Failed to publish event")
	}
}

func validateStay(start, end time.Time, guests int) error {
	if start.IsZero() || end.IsZero() {
		return domain.Validation("start and end dates are required")
	}
	if !end.After(start) {
		return domain.Validation("end date must be after start date")
	}
	if guests <= 0 {
		return domain.Validation("guest count must be positive")
	}
	return nil
}

func checkCapacity(acc *models.Accommodation, guests int) error {
	if acc.Capacity > 0 && guests > acc.Capacity {
		return domain.Validation("guest count %d exceeds capacity %d", guests, acc.Capacity)
	}
	return nil
}

func lockKey(accommodationID int64) string {
	return fmt.Sprintf("accommodation:%d", accommodationID)
}

func stateEvent(s models.Status) string {
	switch s {
	case models.StatusConfirmed:
		return events.EventReservationConfirmed
	case models.StatusRejected:
		return events.EventReservationRejected
	case models.StatusCancelled:
		return events.EventReservationCancelled
	case models.StatusCompleted:
		return events.EventReservationCompleted
	default:
		return events.EventReservationUpdated
	}
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind := domain.KindOf(err); kind != "" {
			outcome = string(kind)
		}
	}
	metrics.ObserveOp(op, outcome)
}
