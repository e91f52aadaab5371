package service

import (
	"strings"
	"time"

	"rently/internal/domain"
	"rently/internal/models"
)

// TransitionInput is everything the state machine needs to judge one change.
type TransitionInput struct {
	Reservation *models.Reservation
	Target      models.Status
	Relation    Relation
	Reason      string
	Now         time.Time
}

type rule struct {
	allowed   Relation
	forbidden string
	condition func(m *StateMachine, in TransitionInput) error
}

var transitions = map[models.Status]map[models.Status]rule{
	models.StatusPending: {
		models.StatusConfirmed: {allowed: RelHost | RelAdmin, forbidden: "administrator or host required"},
		models.StatusRejected: {
			allowed:   RelHost | RelAdmin,
			forbidden: "administrator or host required",
			condition: requireReason,
		},
		models.StatusCancelled: {allowed: RelOwner | RelAdmin, forbidden: "only the guest or an administrator can cancel this reservation"},
	},
	models.StatusConfirmed: {
		models.StatusCancelled: {
			allowed:   RelOwner | RelAdmin,
			forbidden: "only the guest or an administrator can cancel this reservation",
			condition: (*StateMachine).cancellationWindow,
		},
		models.StatusCompleted: {
			allowed:   RelSystem,
			forbidden: "only the scheduler can complete a reservation",
			condition: (*StateMachine).stayEnded,
		},
	},
}

// StateMachine validates reservation state changes against the transition table.
type StateMachine struct {
	window   time.Duration
	location *time.Location
}

func NewStateMachine(window time.Duration, location *time.Location) *StateMachine {
	if location == nil {
		location = time.UTC
	}
	return &StateMachine{window: window, location: location}
}

// Check verifies, in order, that the transition exists, that the actor may
// perform it and that its condition holds.
func (m *StateMachine) Check(in TransitionInput) error {
	from := in.Reservation.Status
	r, ok := transitions[from][in.Target]
	if !ok {
		return &domain.TransitionError{From: from, To: in.Target}
	}
	if !in.Relation.Has(r.allowed) {
		return domain.Forbidden("%s", r.forbidden)
	}
	if r.condition != nil {
		return r.condition(m, in)
	}
	return nil
}

// Allowed lists the targets reachable from status, ignoring actor and conditions.
func Allowed(status models.Status) []models.Status {
	var out []models.Status
	for _, to := range []models.Status{models.StatusConfirmed, models.StatusRejected, models.StatusCancelled, models.StatusCompleted} {
		if _, ok := transitions[status][to]; ok {
			out = append(out, to)
		}
	}
	return out
}

func requireReason(_ *StateMachine, in TransitionInput) error {
	if strings.TrimSpace(in.Reason) == "" {
		return domain.Validation("a rejection reason is required")
	}
	return nil
}

// cancellationWindow measures from midnight of the check-in date in the
// configured zone. Administrators are exempt.
func (m *StateMachine) cancellationWindow(in TransitionInput) error {
	if in.Relation.Has(RelAdmin) {
		return nil
	}
	checkIn := models.StartOfDay(in.Reservation.StartDate, m.location)
	if checkIn.Sub(in.Now) <= m.window {
		return domain.InvalidState("confirmed reservations can only be cancelled more than %s before check-in", formatWindow(m.window))
	}
	return nil
}

func (m *StateMachine) stayEnded(in TransitionInput) error {
	today := models.DateOf(in.Now.In(m.location))
	if today.Before(in.Reservation.EndDate) {
		return domain.InvalidState("stay has not ended yet")
	}
	return nil
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return strings.TrimSuffix(d.String(), "0m0s")
	}
	return d.String()
}
