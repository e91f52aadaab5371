package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rently/internal/domain"
	"rently/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reservationSQL runs reservation queries against either the pool or a tx.
type reservationSQL struct {
	q querier
}

const reservationColumns = `id, accommodation_id, guest_id, start_date, end_date, guest_count,
	status, rejection_reason, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	r := &models.Reservation{}
	var startStr, endStr, status string
	err := row.Scan(
		&r.ID, &r.AccommodationID, &r.GuestID, &startStr, &endStr, &r.GuestCount,
		&status, &r.RejectionReason, &r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	if r.StartDate, err = models.ParseDate(startStr); err != nil {
		return nil, fmt.Errorf("failed to parse start date %s: %w", startStr, err)
	}
	if r.EndDate, err = models.ParseDate(endStr); err != nil {
		return nil, fmt.Errorf("failed to parse end date %s: %w", endStr, err)
	}
	return r, nil
}

func (s reservationSQL) list(ctx context.Context, query string, args ...any) ([]*models.Reservation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s reservationSQL) FindByID(ctx context.Context, id string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`
	r, err := scanReservation(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", mapErr(err))
	}
	return r, nil
}

func (s reservationSQL) FindActiveByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error) {
	args := []any{accommodationID}
	for _, st := range models.ActiveStatuses {
		args = append(args, st)
	}
	query := `SELECT ` + reservationColumns + ` FROM reservations
              WHERE accommodation_id = ? AND status IN (` + placeholders(len(models.ActiveStatuses)) + `) ORDER BY start_date ASC`
	out, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get active reservations: %w", err)
	}
	return out, nil
}

func (s reservationSQL) FindByGuest(ctx context.Context, guestID int64) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE guest_id = ? ORDER BY created_at DESC, id`
	out, err := s.list(ctx, query, guestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get guest reservations: %w", err)
	}
	return out, nil
}

func (s reservationSQL) FindByAccommodation(ctx context.Context, accommodationID int64) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE accommodation_id = ? ORDER BY start_date ASC, id`
	out, err := s.list(ctx, query, accommodationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accommodation reservations: %w", err)
	}
	return out, nil
}

func (s reservationSQL) FindAll(ctx context.Context) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations ORDER BY created_at DESC, id`
	out, err := s.list(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservations: %w", err)
	}
	return out, nil
}

func (s reservationSQL) FindConfirmedEndingBy(ctx context.Context, date time.Time) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
              WHERE status = ? AND end_date <= ? ORDER BY end_date ASC, id`
	out, err := s.list(ctx, query, models.StatusConfirmed, models.FormatDate(date))
	if err != nil {
		return nil, fmt.Errorf("failed to get elapsed reservations: %w", err)
	}
	return out, nil
}

var sortColumns = map[models.SortField]string{
	models.SortCreatedAt:       "created_at",
	models.SortStartDate:       "start_date",
	models.SortEndDate:         "end_date",
	models.SortStatus:          "status",
	models.SortAccommodationID: "accommodation_id",
	models.SortGuestID:         "guest_id",
}

func (s reservationSQL) Search(ctx context.Context, filter models.Filter) (*models.Page, error) {
	filter.Normalize()
	page := &models.Page{Items: []*models.Reservation{}, Page: filter.Page, Size: filter.Size}

	if filter.AccommodationIDs != nil && len(filter.AccommodationIDs) == 0 {
		return page, nil
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.StartFrom.IsZero() {
		where = append(where, "start_date >= ?")
		args = append(args, models.FormatDate(filter.StartFrom))
	}
	if !filter.EndTo.IsZero() {
		where = append(where, "end_date <= ?")
		args = append(args, models.FormatDate(filter.EndTo))
	}
	if len(filter.AccommodationIDs) > 0 {
		where = append(where, "accommodation_id IN ("+placeholders(len(filter.AccommodationIDs))+")")
		for _, id := range filter.AccommodationIDs {
			args = append(args, id)
		}
	}
	if filter.GuestID != 0 {
		where = append(where, "guest_id = ?")
		args = append(args, filter.GuestID)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations`+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count reservations: %w", mapErr(err))
	}

	col, ok := sortColumns[filter.Sort]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if filter.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM reservations%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		reservationColumns, clause, col, dir, dir)
	args = append(args, filter.Size, filter.Page*filter.Size)

	items, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search reservations: %w", err)
	}
	if items != nil {
		page.Items = items
	}
	return page, nil
}

func (s reservationSQL) History(ctx context.Context, reservationID string) ([]*models.Transition, error) {
	query := `SELECT id, reservation_id, from_status, to_status, actor_id, actor_role, reason, created_at
              FROM reservation_transitions WHERE reservation_id = ? ORDER BY id ASC`
	rows, err := s.q.QueryContext(ctx, query, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation history: %w", mapErr(err))
	}
	defer rows.Close()

	var out []*models.Transition
	for rows.Next() {
		t := &models.Transition{}
		var from, to, role string
		if err := rows.Scan(&t.ID, &t.ReservationID, &from, &to, &t.ActorID, &role, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From, t.To, t.ActorRole = models.Status(from), models.Status(to), models.Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s reservationSQL) Insert(ctx context.Context, r *models.Reservation) error {
	query := `INSERT INTO reservations (` + reservationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	r.Version = 1

	_, err := s.q.ExecContext(ctx, query,
		r.ID,
		r.AccommodationID,
		r.GuestID,
		models.FormatDate(r.StartDate),
		models.FormatDate(r.EndDate),
		r.GuestCount,
		r.Status,
		r.RejectionReason,
		r.CreatedAt,
		r.UpdatedAt,
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", mapErr(err))
	}
	return nil
}

func (s reservationSQL) Update(ctx context.Context, r *models.Reservation) error {
	query := `UPDATE reservations SET start_date = ?, end_date = ?, guest_count = ?, status = ?,
                     rejection_reason = ?, updated_at = ?, version = version + 1
              WHERE id = ? AND version = ?`
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	result, err := s.q.ExecContext(ctx, query,
		models.FormatDate(r.StartDate),
		models.FormatDate(r.EndDate),
		r.GuestCount,
		r.Status,
		r.RejectionReason,
		r.UpdatedAt,
		r.ID,
		r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", mapErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	r.Version++
	return nil
}

func (s reservationSQL) Delete(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reservation: %w", mapErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.NotFound("reservation %s not found", id)
	}
	return nil
}

func (s reservationSQL) RecordTransition(ctx context.Context, t *models.Transition) error {
	query := `INSERT INTO reservation_transitions (
				reservation_id, from_status, to_status, actor_id, actor_role, reason, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	result, err := s.q.ExecContext(ctx, query,
		t.ReservationID, t.From, t.To, t.ActorID, t.ActorRole, t.Reason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", mapErr(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// RunInTx executes fn inside an immediate transaction.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx domain.ReservationTx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, reservationSQL{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapErr(err))
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
