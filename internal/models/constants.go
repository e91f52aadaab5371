package models

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// ActiveStatuses are the states that count toward occupancy.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

func (s Status) IsActive() bool {
	return slices.Contains(ActiveStatuses, s)
}

func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusCompleted
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus accepts any casing and surrounding whitespace.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown reservation status %q", raw)
	}
	return s, nil
}

type Role string

const (
	RoleGuest  Role = "guest"
	RoleHost   Role = "host"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleHost, RoleAdmin:
		return true
	}
	return false
}

const (
	// DateLayout is the storage and wire format of calendar dates.
	DateLayout = "2006-01-02"

	// DefaultCancellationWindow is how long before check-in a confirmed
	// reservation may still be cancelled by its guest.
	DefaultCancellationWindow = "48h"

	// DefaultPageSize is used by listings when no size is given.
	DefaultPageSize = 10

	// MaxPageSize caps listing page sizes.
	MaxPageSize = 100

	// MaxPage keeps Page*Size inside int for every accepted size.
	MaxPage = math.MaxInt / MaxPageSize

	// DefaultLockTTL bounds how long an accommodation lock may be held.
	DefaultLockTTL = "10s"

	// DefaultLockWait bounds how long a writer waits for an accommodation lock.
	DefaultLockWait = "3s"

	// DefaultCompletionInterval is how often confirmed stays are completed.
	DefaultCompletionInterval = "1h"
)
