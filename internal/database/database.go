package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"rently/internal/domain"
	"rently/internal/models"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrConcurrentModification = fmt.Errorf("concurrent modification: %w", domain.ErrSerialization)
	ErrDuplicateID            = errors.New("reservation id already exists")
)

type DB struct {
	*sql.DB
	reservationSQL

	logger *zerolog.Logger

	mu                  sync.RWMutex
	accommodationsCache map[int64]models.Accommodation
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path, memory))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:                  sqlDB,
		reservationSQL:      reservationSQL{q: sqlDB},
		logger:              logger,
		accommodationsCache: make(map[int64]models.Accommodation),
	}

	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// dsn makes every transaction take the write lock on BEGIN so a
// check-then-insert unit cannot interleave with another writer.
func dsn(path string, memory bool) string {
	params := "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	if !memory {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT,
            role TEXT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS accommodations (
            id INTEGER PRIMARY KEY,
            host_id INTEGER NOT NULL,
            title TEXT NOT NULL,
            city TEXT,
            capacity INTEGER NOT NULL DEFAULT 1,
            is_deleted BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS reservations (
            id TEXT PRIMARY KEY,
            accommodation_id INTEGER NOT NULL,
            guest_id INTEGER NOT NULL,
            start_date TEXT NOT NULL,
            end_date TEXT NOT NULL,
            guest_count INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            rejection_reason TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS reservation_transitions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            reservation_id TEXT NOT NULL REFERENCES reservations(id) ON DELETE CASCADE,
            from_status TEXT NOT NULL,
            to_status TEXT NOT NULL,
            actor_id INTEGER NOT NULL,
            actor_role TEXT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_accommodations_host_id ON accommodations(host_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_accommodation ON reservations(accommodation_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_guest_id ON reservations(guest_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status_end ON reservations(status, end_date)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_reservation ON reservation_transitions(reservation_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// mapErr turns SQLite lock contention into a retryable serialization error.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		case sqlite3.ErrConstraint:
			if se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique {
				return fmt.Errorf("%w: %v", ErrDuplicateID, err)
			}
		}
	}
	return err
}

func (db *DB) Close() error {
	return db.DB.Close()
}
