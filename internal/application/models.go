package application

import (
	"time"

	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

// Principal represents the authenticated caller invoking a service method.
type Principal struct {
	UserID     string
	IsAdmin    bool
	IsApprover bool
}

// Role names accepted for API principals.
const (
	RoleRequester = "requester"
	RoleApprover  = "approver"
	RoleAdmin     = "admin"
)

// PrincipalFromRoles builds a principal from catalog role names.
func PrincipalFromRoles(id string, roles []string) Principal {
	p := Principal{UserID: id}
	for _, role := range roles {
		switch role {
		case RoleAdmin:
			p.IsAdmin = true
		case RoleApprover:
			p.IsApprover = true
		}
	}
	return p
}

// ResourceInput captures caller provided resource fields.
type ResourceInput struct {
	Name         string
	Kind         persistence.ResourceKind
	OwnerID      string
	Capacity     int
	Capabilities map[string]int
	Availability []persistence.AvailabilityWindow
	TimeZone     string
	Blackouts    []persistence.Period
	Constraints  persistence.BookingConstraints
}

// ResourceInputFrom copies the editable fields of an existing resource.
func ResourceInputFrom(r persistence.Resource) ResourceInput {
	return ResourceInput{
		Name:         r.Name,
		Kind:         r.Kind,
		OwnerID:      r.OwnerID,
		Capacity:     r.Capacity,
		Capabilities: r.Capabilities,
		Availability: r.Availability,
		TimeZone:     r.TimeZone,
		Blackouts:    r.Blackouts,
		Constraints:  r.Constraints,
	}
}

// CreateResourceParams wraps the data required to create a resource. An empty
// ResourceID asks the service to generate one.
type CreateResourceParams struct {
	Principal  Principal
	ResourceID string
	Input      ResourceInput
}

// UpdateResourceParams wraps the data required to update a resource.
type UpdateResourceParams struct {
	Principal  Principal
	ResourceID string
	Input      ResourceInput
}

// RecurrenceInput describes how a booking repeats.
type RecurrenceInput struct {
	Frequency string
	Interval  int
	Weekdays  []time.Weekday
	Until     *time.Time
	Count     int
}

// BookParams wraps the data required to reserve a resource.
type BookParams struct {
	Principal  Principal
	ResourceID string
	Window     scheduler.Window
	RequestID  string
	ContextID  string
	Recurrence *RecurrenceInput
}

// BookResult holds the committed bookings. For a recurrence the first booking
// is the series parent and the rest link to it.
type BookResult struct {
	Booking  persistence.Booking
	Bookings []persistence.Booking
}

// BookingSweep counts what a booking lifecycle pass changed.
type BookingSweep struct {
	Completed        int
	ApprovalsExpired int
}

// JoinParams wraps the data required to join the waitlist. Exactly one of
// ResourceID or Query must be set.
type JoinParams struct {
	Principal   Principal
	RequestID   string
	ResourceID  string
	Query       *persistence.ResourceQuery
	Desired     scheduler.Window
	Duration    time.Duration
	Flexibility time.Duration
	Priority    int
	Deadline    time.Time
}

// ClaimResult holds the booked entry and the booking created for it.
type ClaimResult struct {
	Entry   persistence.WaitlistEntry
	Booking persistence.Booking
}

// WaitlistSweep counts what a waitlist lifecycle pass changed.
type WaitlistSweep struct {
	Expired int
	Lapsed  int
}

// RequestInput captures caller provided allocation request fields.
type RequestInput struct {
	Required            map[string]int
	Preferred           []string
	Kind                persistence.ResourceKind
	Window              scheduler.Window
	Duration            time.Duration
	Priority            int
	Urgency             persistence.Urgency
	PreferredResourceID string
	ContextID           string
	AutoAssign          bool
	Flexibility         time.Duration
	Deadline            time.Time
}

// SubmitParams wraps the data required to submit an allocation request.
type SubmitParams struct {
	Principal Principal
	Input     RequestInput
}

// AllocationResult is the state of a request after an orchestrator step.
// Booking and Entry are set when the request was booked or waitlisted.
type AllocationResult struct {
	Request persistence.AllocationRequest
	Matches matching.Result
	Booking *persistence.Booking
	Entry   *persistence.WaitlistEntry
}

// ConfirmParams selects a resource, and optionally a window, for a request.
type ConfirmParams struct {
	Principal  Principal
	RequestID  string
	ResourceID string
	Window     *scheduler.Window
}

// AdvanceReport counts what a lifecycle pass changed.
type AdvanceReport struct {
	Bookings          BookingSweep
	Waitlist          WaitlistSweep
	RequestsActivated int
	RequestsCompleted int
	RequestsExpired   int
	RequestsCancelled int
}
