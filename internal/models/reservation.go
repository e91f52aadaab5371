package models

import "time"

type Reservation struct {
	ID              string    `json:"id"`
	AccommodationID int64     `json:"accommodation_id"`
	GuestID         int64     `json:"guest_id"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	GuestCount      int       `json:"guest_count"`
	Status          Status    `json:"status"` // pending, confirmed, rejected, cancelled, completed
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
}

// Clone returns a detached copy safe to hand out of a store.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// IsActive reports whether the reservation occupies its dates.
func (r *Reservation) IsActive() bool {
	return r.Status.IsActive()
}

// Nights is the number of nights between check-in and check-out.
func (r *Reservation) Nights() int {
	return int(r.EndDate.Sub(r.StartDate).Hours() / 24)
}

// Overlaps reports whether [start, end) intersects the reservation dates.
// A check-out equal to another check-in is not an overlap.
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.StartDate.Before(end) && start.Before(r.EndDate)
}
