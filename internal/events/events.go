// Package events publishes domain events about bookings, waitlist offers and
// allocation requests to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	BookingConfirmed    = "booking.confirmed"
	BookingPending      = "booking.pending_approval"
	BookingCancelled    = "booking.cancelled"
	BookingCompleted    = "booking.completed"
	WaitlistOffered     = "waitlist.offered"
	WaitlistLapsed      = "waitlist.offer_lapsed"
	WaitlistBooked      = "waitlist.booked"
	WaitlistExpired     = "waitlist.expired"
	RequestStateChanged = "request.state_changed"
)

// Event is the JSON payload published for every domain change. Consumers get
// enough context to act without reading the store.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	RequestID   string    `json:"request_id,omitempty"`
	ResourceID  string    `json:"resource_id,omitempty"`
	RequesterID string    `json:"requester_id,omitempty"`
	BookingID   string    `json:"booking_id,omitempty"`
	EntryID     string    `json:"entry_id,omitempty"`
	Start       time.Time `json:"start,omitzero"`
	End         time.Time `json:"end,omitzero"`
	State       string    `json:"state,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, event := range r.events {
		types[i] = event.Type
	}
	return types
}
