package models

import "time"

// Account is a marketplace principal as seen by the reservation core.
// Credentials live elsewhere.
type Account struct {
	ID        int64     `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Email     string    `yaml:"email" json:"email"`
	Role      Role      `yaml:"role" json:"role"`
	IsActive  bool      `yaml:"is_active" json:"is_active"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}
