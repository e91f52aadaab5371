package models

import (
	"fmt"
	"time"
)

// Principal is the acting identity of a request.
type Principal struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// SystemPrincipal acts for time-based processes such as stay completion.
var SystemPrincipal = Principal{ID: 0, Role: RoleSystem}

func (p Principal) IsAdmin() bool  { return p.Role == RoleAdmin }
func (p Principal) IsSystem() bool { return p.Role == RoleSystem }

func (p Principal) String() string {
	return fmt.Sprintf("%s:%d", p.Role, p.ID)
}

// DateOf truncates t to its calendar date, expressed as UTC midnight.
// The calendar day is taken in t's own location.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// FormatDate renders a calendar date, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// StartOfDay returns midnight of the calendar date d in loc.
func StartOfDay(d time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}

// Page is one slice of a filtered, sorted listing.
type Page struct {
	Items []*Reservation `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}
