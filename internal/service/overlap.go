package service

import (
	"context"
	"fmt"
	"time"

	"rently/internal/domain"
)

// Overlaps reports whether [s1, e1) and [s2, e2) intersect.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// HasConflict reports whether any pending or confirmed reservation of the
// accommodation, other than excludeID, intersects [start, end).
// Pass the transaction's reader so the check and the write commit together.
func HasConflict(ctx context.Context, reader domain.ReservationReader, accommodationID int64, start, end time.Time, excludeID string) (bool, error) {
	active, err := reader.FindActiveByAccommodation(ctx, accommodationID)
	if err != nil {
		return false, fmt.Errorf("failed to check overlap: %w", err)
	}
	for _, r := range active {
		if r.ID == excludeID || !r.IsActive() {
			continue
		}
		if Overlaps(r.StartDate, r.EndDate, start, end) {
			return true, nil
		}
	}
	return false, nil
}
