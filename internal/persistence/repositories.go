package persistence

import (
	"context"
	"time"
)

// ResourceFilter narrows resource listings.
type ResourceFilter struct {
	ActiveOnly bool
	Kind       ResourceKind
}

// ResourceRepository stores the resource catalog. Resources are never deleted.
type ResourceRepository interface {
	CreateResource(ctx context.Context, resource Resource) error
	UpdateResource(ctx context.Context, resource Resource) error
	GetResource(ctx context.Context, id string) (Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]Resource, error)
}

// BookingFilter narrows booking queries. From/To select bookings overlapping
// the half-open range.
type BookingFilter struct {
	ResourceID  string
	RequesterID string
	ParentID    string
	RequestID   string
	Statuses    []BookingStatus
	From        *time.Time
	To          *time.Time
}

// CapacityCheck inspects the resource's holding bookings that overlap the
// incoming ones and vetoes the insert by returning an error.
type CapacityCheck func(held []Booking) error

// BookingRepository stores bookings. InsertBookings is the only way to add
// bookings and evaluates check atomically with the insert.
type BookingRepository interface {
	InsertBookings(ctx context.Context, resourceID string, bookings []Booking, check CapacityCheck) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	// TransitionBooking moves a booking to status when its current status is
	// one of from. It returns ErrConflict otherwise.
	TransitionBooking(ctx context.Context, id string, from []BookingStatus, to BookingStatus, reason string, at time.Time) (Booking, error)
}

// WaitlistFilter narrows waitlist queries.
type WaitlistFilter struct {
	ResourceID string
	// IncludeQueries also returns entries that target a resource query.
	IncludeQueries bool
	RequesterID    string
	RequestID      string
	Statuses       []WaitlistStatus
}

// WaitlistRepository stores waitlist entries.
type WaitlistRepository interface {
	CreateEntry(ctx context.Context, entry WaitlistEntry) error
	UpdateEntry(ctx context.Context, entry WaitlistEntry) error
	GetEntry(ctx context.Context, id string) (WaitlistEntry, error)
	ListEntries(ctx context.Context, filter WaitlistFilter) ([]WaitlistEntry, error)
	DeleteEntry(ctx context.Context, id string) error
}

// RequestFilter narrows allocation request queries.
type RequestFilter struct {
	RequesterID string
	States      []RequestState
}

// RequestRepository stores allocation requests.
type RequestRepository interface {
	CreateRequest(ctx context.Context, request AllocationRequest) error
	UpdateRequest(ctx context.Context, request AllocationRequest) error
	GetRequest(ctx context.Context, id string) (AllocationRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]AllocationRequest, error)
}

// AuditFilter narrows audit queries. Zero Limit returns everything.
type AuditFilter struct {
	RequestID   string
	ResourceID  string
	RequesterID string
	Limit       int
}

// AuditRepository is an append-only decision log.
type AuditRepository interface {
	AppendAudit(ctx context.Context, record AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// Store bundles every repository behind one backend.
type Store interface {
	ResourceRepository
	BookingRepository
	WaitlistRepository
	RequestRepository
	AuditRepository
	Close() error
}
