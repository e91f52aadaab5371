package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rently/internal/models"
)

func (db *DB) SyncAccounts(ctx context.Context, accounts []models.Account) error {
	query := `INSERT INTO accounts (id, name, email, role, is_active, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                email = excluded.email,
                role = excluded.role,
                is_active = excluded.is_active,
                updated_at = excluded.updated_at`
	now := time.Now().UTC()
	for i := range accounts {
		a := &accounts[i]
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		if _, err := db.ExecContext(ctx, query, a.ID, a.Name, a.Email, a.Role, a.IsActive, a.CreatedAt, a.UpdatedAt); err != nil {
			return fmt.Errorf("failed to sync account %d: %w", a.ID, mapErr(err))
		}
	}
	return nil
}

// GetAccount returns (nil, nil) when the id is unknown.
func (db *DB) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT id, name, email, role, is_active, created_at, updated_at FROM accounts WHERE id = ?`
	var a models.Account
	var email sql.NullString
	var role string
	err := db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Name, &email, &role, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", mapErr(err))
	}
	a.Email = email.String
	a.Role = models.Role(role)
	return &a, nil
}
