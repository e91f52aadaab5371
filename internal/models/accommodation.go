package models

import "time"

type Accommodation struct {
	ID        int64     `yaml:"id" json:"id"`
	HostID    int64     `yaml:"host_id" json:"host_id"`
	Title     string    `yaml:"title" json:"title"`
	City      string    `yaml:"city" json:"city"`
	Capacity  int       `yaml:"capacity" json:"capacity"`
	IsDeleted bool      `yaml:"is_deleted" json:"is_deleted"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Bookable reports whether new reservations may target the accommodation.
func (a *Accommodation) Bookable() bool {
	return a != nil && !a.IsDeleted
}
