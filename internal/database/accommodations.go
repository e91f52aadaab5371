package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rently/internal/models"
)

// SetAccommodations replaces the accommodation cache.
func (db *DB) SetAccommodations(items []models.Accommodation) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.accommodationsCache = make(map[int64]models.Accommodation, len(items))
	for _, item := range items {
		db.accommodationsCache[item.ID] = item
	}
}

// SyncAccommodations upserts the catalog and refreshes the cache.
func (db *DB) SyncAccommodations(ctx context.Context, items []models.Accommodation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO accommodations (id, host_id, title, city, capacity, is_deleted, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                host_id = excluded.host_id,
                title = excluded.title,
                city = excluded.city,
                capacity = excluded.capacity,
                is_deleted = excluded.is_deleted,
                updated_at = excluded.updated_at`
	now := time.Now().UTC()
	for i := range items {
		item := &items[i]
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, query,
			item.ID, item.HostID, item.Title, item.City, item.Capacity, item.IsDeleted, item.CreatedAt, item.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to sync accommodation %d: %w", item.ID, mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit accommodations: %w", mapErr(err))
	}

	db.SetAccommodations(items)
	return nil
}

// GetAccommodation returns (nil, nil) when the id is unknown.
func (db *DB) GetAccommodation(ctx context.Context, id int64) (*models.Accommodation, error) {
	db.mu.RLock()
	item, ok := db.accommodationsCache[id]
	db.mu.RUnlock()
	if ok {
		return &item, nil
	}

	query := `SELECT id, host_id, title, city, capacity, is_deleted, created_at, updated_at
              FROM accommodations WHERE id = ?`
	var city sql.NullString
	err := db.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.HostID, &item.Title, &city, &item.Capacity, &item.IsDeleted, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get accommodation: %w", mapErr(err))
	}
	item.City = city.String

	db.mu.Lock()
	db.accommodationsCache[item.ID] = item
	db.mu.Unlock()

	return &item, nil
}

// ListByHost returns ids of every accommodation the host owns, deleted ones included.
func (db *DB) ListByHost(ctx context.Context, hostID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM accommodations WHERE host_id = ? ORDER BY id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list host accommodations: %w", mapErr(err))
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan accommodation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
