package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventReservationCreated   = "reservation_created"
	EventReservationUpdated   = "reservation_updated"
	EventReservationConfirmed = "reservation_confirmed"
	EventReservationRejected  = "reservation_rejected"
	EventReservationCancelled = "reservation_cancelled"
	EventReservationCompleted = "reservation_completed"
	EventReservationDeleted   = "reservation_deleted"
)

// AllTypes lists every reservation event type.
var AllTypes = []string{
	EventReservationCreated,
	EventReservationUpdated,
	EventReservationConfirmed,
	EventReservationRejected,
	EventReservationCancelled,
	EventReservationCompleted,
	EventReservationDeleted,
}

// ReservationEventPayload is the reservation snapshot sent to consumers.
type ReservationEventPayload struct {
	ReservationID   string    `json:"reservation_id"`
	AccommodationID int64     `json:"accommodation_id"`
	GuestID         int64     `json:"guest_id"`
	StartDate       string    `json:"start_date"`
	EndDate         string    `json:"end_date"`
	GuestCount      int       `json:"guest_count"`
	Status          string    `json:"status"`
	PreviousStatus  string    `json:"previous_status,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	ChangedByID     int64     `json:"changed_by_id"`
	ChangedByRole   string    `json:"changed_by_role"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish notifies subscribers synchronously and returns the first handler error.
// Every handler runs regardless of earlier failures.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var first error
	for _, handler := range handlers {
		if err := handler(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
