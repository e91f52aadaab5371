package api

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"rently/internal/models"

	"github.com/go-playground/validator/v10"
)

type createReservationRequest struct {
	AccommodationID int64  `json:"accommodation_id" validate:"required,gt=0"`
	GuestID         int64  `json:"guest_id" validate:"omitempty,gt=0"`
	StartDate       string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate         string `json:"end_date" validate:"required,datetime=2006-01-02"`
	GuestCount      int    `json:"guest_count" validate:"required,gt=0"`
}

type updateReservationRequest struct {
	StartDate  *string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate    *string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	GuestCount *int    `json:"guest_count" validate:"omitempty,gt=0"`
}

type changeStateRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type reservationResponse struct {
	ID              string    `json:"id"`
	AccommodationID int64     `json:"accommodation_id"`
	GuestID         int64     `json:"guest_id"`
	StartDate       string    `json:"start_date"`
	EndDate         string    `json:"end_date"`
	Nights          int       `json:"nights"`
	GuestCount      int       `json:"guest_count"`
	Status          string    `json:"status"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
}

func toReservationResponse(r *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:              r.ID,
		AccommodationID: r.AccommodationID,
		GuestID:         r.GuestID,
		StartDate:       models.FormatDate(r.StartDate),
		EndDate:         models.FormatDate(r.EndDate),
		Nights:          r.Nights(),
		GuestCount:      r.GuestCount,
		Status:          string(r.Status),
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Version:         r.Version,
	}
}

func toReservationList(rs []*models.Reservation) []reservationResponse {
	out := make([]reservationResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, toReservationResponse(r))
	}
	return out
}

// occupiedPeriod omits guest details so any caller may see availability.
type occupiedPeriod struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Status    string `json:"status"`
}

type occupancyResponse struct {
	AccommodationID int64            `json:"accommodation_id"`
	From            string           `json:"from,omitempty"`
	To              string           `json:"to,omitempty"`
	Periods         []occupiedPeriod `json:"periods"`
}

type transitionResponse struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	ActorID   int64     `json:"actor_id"`
	ActorRole string    `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// illegalTransitionResponse lists what the current state can move to.
type illegalTransitionResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind"`
	Allowed []string `json:"allowed"`
}

type pageResponse struct {
	Items []reservationResponse `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Size  int                   `json:"size"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "datetime":
			parts = append(parts, fmt.Sprintf("%s must be a YYYY-MM-DD date", fe.Field()))
		case "gt":
			parts = append(parts, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(parts, "; ")
}
