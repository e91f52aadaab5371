package models

import (
	"fmt"
	"strings"
	"time"
)

type SortField string

const (
	SortCreatedAt       SortField = "created_at"
	SortStartDate       SortField = "start_date"
	SortEndDate         SortField = "end_date"
	SortStatus          SortField = "status"
	SortAccommodationID SortField = "accommodation_id"
	SortGuestID         SortField = "guest_id"
)

func ParseSortField(raw string) (SortField, error) {
	if raw == "" {
		return SortCreatedAt, nil
	}
	f := SortField(strings.ToLower(raw))
	switch f {
	case SortCreatedAt, SortStartDate, SortEndDate, SortStatus, SortAccommodationID, SortGuestID:
		return f, nil
	}
	return "", fmt.Errorf("unknown sort field %q", raw)
}

// Filter narrows a reservation listing. Zero values mean "any".
// AccommodationIDs set to a non-nil empty slice matches nothing.
type Filter struct {
	Status           Status
	StartFrom        time.Time // start_date >= StartFrom
	EndTo            time.Time // end_date <= EndTo
	AccommodationIDs []int64
	GuestID          int64
	Sort             SortField
	Ascending        bool
	Page             int
	Size             int
}

// Normalize fills in paging and sort defaults.
func (f *Filter) Normalize() {
	if f.Sort == "" {
		f.Sort = SortCreatedAt
	}
	if f.Page < 0 {
		f.Page = 0
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.Size <= 0 {
		f.Size = DefaultPageSize
	}
	if f.Size > MaxPageSize {
		f.Size = MaxPageSize
	}
}

// Match reports whether r passes every predicate of the filter.
func (f *Filter) Match(r *Reservation) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.StartFrom.IsZero() && r.StartDate.Before(f.StartFrom) {
		return false
	}
	if !f.EndTo.IsZero() && r.EndDate.After(f.EndTo) {
		return false
	}
	if f.AccommodationIDs != nil {
		found := false
		for _, id := range f.AccommodationIDs {
			if id == r.AccommodationID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.GuestID != 0 && r.GuestID != f.GuestID {
		return false
	}
	return true
}

// Less orders a before b by the filter's sort field and direction.
// Ties fall back to id so paging is stable.
func (f *Filter) Less(a, b *Reservation) bool {
	c := compareBy(f.Sort, a, b)
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if f.Ascending {
		return c < 0
	}
	return c > 0
}

func compareBy(field SortField, a, b *Reservation) int {
	switch field {
	case SortStartDate:
		return a.StartDate.Compare(b.StartDate)
	case SortEndDate:
		return a.EndDate.Compare(b.EndDate)
	case SortStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	case SortAccommodationID:
		return cmpInt(a.AccommodationID, b.AccommodationID)
	case SortGuestID:
		return cmpInt(a.GuestID, b.GuestID)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
