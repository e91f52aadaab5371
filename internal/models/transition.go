package models

import "time"

// Transition records a single state change of a reservation.
type Transition struct {
	ID            int64     `json:"id"`
	ReservationID string    `json:"reservation_id"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	ActorID       int64     `json:"actor_id"`
	ActorRole     Role      `json:"actor_role"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
