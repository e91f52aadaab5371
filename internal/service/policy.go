package service

import "rently/internal/models"

// Relation is the set of roles a principal plays toward one reservation.
type Relation uint8

const (
	RelOwner Relation = 1 << iota // the reservation's guest
	RelHost                       // host of the reserved accommodation
	RelAdmin
	RelSystem
)

func (r Relation) Has(any Relation) bool {
	return r&any != 0
}

// RelationOf derives the relation from (role, principal id, guest id, host id).
func RelationOf(p models.Principal, guestID, hostID int64) Relation {
	var rel Relation
	switch p.Role {
	case models.RoleSystem:
		return RelSystem
	case models.RoleAdmin:
		rel |= RelAdmin
	case models.RoleHost:
		if hostID != 0 && p.ID == hostID {
			rel |= RelHost
		}
	}
	if p.ID != 0 && p.ID == guestID {
		rel |= RelOwner
	}
	return rel
}

// canManageBooking covers update and other guest-side edits.
func canManageBooking(p models.Principal, guestID int64) bool {
	return RelationOf(p, guestID, 0).Has(RelOwner | RelAdmin)
}

// canBookFor reports whether p may create a reservation for guestID.
func canBookFor(p models.Principal, guestID int64) bool {
	return p.IsAdmin() || (p.ID != 0 && p.ID == guestID && !p.IsSystem())
}
