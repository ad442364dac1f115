package testfixtures

import (
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/example/resource-allocator/internal/persistence"
)

var (
	resourceCounter uint64
	bookingCounter  uint64
	requestCounter  uint64
	entryCounter    uint64
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// Day returns hour:minute UTC on the Monday 2024-03-11, the calendar day most
// booking tests are written against.
func Day(hour, minute int) time.Time {
	return time.Date(2024, time.March, 11, hour, minute, 0, 0, time.UTC)
}

// --------------------------- Resource fixtures ---------------------------

// ResourceOption configures a generated resource.
type ResourceOption func(*persistence.Resource)

// NewResource returns a deterministic, always-open, active asset with
// capacity 1 in UTC.
func NewResource(opts ...ResourceOption) persistence.Resource {
	idx := atomic.AddUint64(&resourceCounter, 1)
	id := fmt.Sprintf("resource-%03d", idx)
	created := referenceTime.Add(time.Duration(idx) * time.Minute)
	resource := persistence.Resource{
		ID:           id,
		Name:         fmt.Sprintf("Resource %03d", idx),
		Kind:         persistence.ResourceKindAsset,
		Capacity:     1,
		Capabilities: map[string]int{},
		TimeZone:     "UTC",
		Active:       true,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	for _, opt := range opts {
		opt(&resource)
	}
	return resource
}

// WithResourceID overrides the generated resource ID.
func WithResourceID(id string) ResourceOption {
	return func(r *persistence.Resource) {
		r.ID = id
	}
}

// WithResourceName overrides the generated name.
func WithResourceName(name string) ResourceOption {
	return func(r *persistence.Resource) {
		r.Name = name
	}
}

// WithResourceKind sets the resource kind.
func WithResourceKind(kind persistence.ResourceKind) ResourceOption {
	return func(r *persistence.Resource) {
		r.Kind = kind
	}
}

// WithResourceOwner sets the owner that approves bookings.
func WithResourceOwner(ownerID string) ResourceOption {
	return func(r *persistence.Resource) {
		r.OwnerID = ownerID
	}
}

// WithResourceCapacity sets the number of concurrent bookings allowed.
func WithResourceCapacity(capacity int) ResourceOption {
	return func(r *persistence.Resource) {
		r.Capacity = capacity
	}
}

// WithCapability adds a capability tag at the given level.
func WithCapability(tag string, level int) ResourceOption {
	return func(r *persistence.Resource) {
		if r.Capabilities == nil {
			r.Capabilities = map[string]int{}
		}
		r.Capabilities[tag] = level
	}
}

// WithCapabilities replaces the capability map.
func WithCapabilities(capabilities map[string]int) ResourceOption {
	return func(r *persistence.Resource) {
		r.Capabilities = maps.Clone(capabilities)
	}
}

// WithWeeklyHours adds an open window on weekday using "HH:MM" clock values.
func WithWeeklyHours(weekday time.Weekday, start, end string) ResourceOption {
	return func(r *persistence.Resource) {
		r.Availability = append(r.Availability, persistence.AvailabilityWindow{
			Weekday: weekday,
			Start:   start,
			End:     end,
		})
	}
}

// WithWeekdayHours opens Monday through Friday between start and end.
func WithWeekdayHours(start, end string) ResourceOption {
	return func(r *persistence.Resource) {
		for day := time.Monday; day <= time.Friday; day++ {
			WithWeeklyHours(day, start, end)(r)
		}
	}
}

// WithBlackout adds a blackout period.
func WithBlackout(start, end time.Time) ResourceOption {
	return func(r *persistence.Resource) {
		r.Blackouts = append(r.Blackouts, persistence.Period{Start: start, End: end})
	}
}

// WithTimeZone sets the IANA time zone of the resource calendar.
func WithTimeZone(name string) ResourceOption {
	return func(r *persistence.Resource) {
		r.TimeZone = name
	}
}

// WithConstraints sets booking constraints.
func WithConstraints(constraints persistence.BookingConstraints) ResourceOption {
	return func(r *persistence.Resource) {
		r.Constraints = constraints
	}
}

// WithApprovalRequired marks bookings of the resource as needing approval.
func WithApprovalRequired() ResourceOption {
	return func(r *persistence.Resource) {
		r.Constraints.RequiresApproval = true
	}
}

// Inactive marks the resource as deactivated.
func Inactive() ResourceOption {
	return func(r *persistence.Resource) {
		r.Active = false
	}
}

// ---------------------------- Booking fixtures ----------------------------

// BookingOption configures a generated booking.
type BookingOption func(*persistence.Booking)

// NewBooking returns a confirmed booking of resourceID covering [start, end).
func NewBooking(resourceID string, start, end time.Time, opts ...BookingOption) persistence.Booking {
	idx := atomic.AddUint64(&bookingCounter, 1)
	booking := persistence.Booking{
		ID:          fmt.Sprintf("booking-%03d", idx),
		ResourceID:  resourceID,
		RequesterID: "requester-1",
		Start:       start,
		End:         end,
		TimeZone:    "UTC",
		Status:      persistence.BookingStatusConfirmed,
		CreatedAt:   referenceTime,
		UpdatedAt:   referenceTime,
	}
	for _, opt := range opts {
		opt(&booking)
	}
	return booking
}

// WithBookingID overrides the generated booking ID.
func WithBookingID(id string) BookingOption {
	return func(b *persistence.Booking) {
		b.ID = id
	}
}

// WithBookingRequester sets the requester.
func WithBookingRequester(requesterID string) BookingOption {
	return func(b *persistence.Booking) {
		b.RequesterID = requesterID
	}
}

// WithBookingStatus sets the status.
func WithBookingStatus(status persistence.BookingStatus) BookingOption {
	return func(b *persistence.Booking) {
		b.Status = status
	}
}

// WithBookingParent links the booking to a recurrence parent.
func WithBookingParent(parentID string) BookingOption {
	return func(b *persistence.Booking) {
		b.ParentID = parentID
	}
}

// WithBookingRequest links the booking to an allocation request.
func WithBookingRequest(requestID string) BookingOption {
	return func(b *persistence.Booking) {
		b.RequestID = requestID
	}
}

// WithBookingContext sets the opaque context identifier.
func WithBookingContext(contextID string) BookingOption {
	return func(b *persistence.Booking) {
		b.ContextID = contextID
	}
}

// WithBookingRecurrence attaches a recurrence descriptor.
func WithBookingRecurrence(recurrence persistence.Recurrence) BookingOption {
	return func(b *persistence.Booking) {
		b.Recurrence = &recurrence
	}
}

// ---------------------------- Request fixtures ----------------------------

// RequestOption configures a generated allocation request.
type RequestOption func(*persistence.AllocationRequest)

// NewRequest returns a requested allocation request for window [start, end).
func NewRequest(start, end time.Time, opts ...RequestOption) persistence.AllocationRequest {
	idx := atomic.AddUint64(&requestCounter, 1)
	created := referenceTime.Add(time.Duration(idx) * time.Second)
	request := persistence.AllocationRequest{
		ID:          fmt.Sprintf("request-%03d", idx),
		RequesterID: "requester-1",
		Required:    map[string]int{},
		WindowStart: start,
		WindowEnd:   end,
		Urgency:     persistence.UrgencyNormal,
		State:       persistence.RequestStateRequested,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	for _, opt := range opts {
		opt(&request)
	}
	return request
}

// WithRequestID overrides the generated request ID.
func WithRequestID(id string) RequestOption {
	return func(r *persistence.AllocationRequest) {
		r.ID = id
	}
}

// WithRequestRequester sets the requester.
func WithRequestRequester(requesterID string) RequestOption {
	return func(r *persistence.AllocationRequest) {
		r.RequesterID = requesterID
	}
}

// WithRequestState sets the lifecycle state.
func WithRequestState(state persistence.RequestState) RequestOption {
	return func(r *persistence.AllocationRequest) {
		r.State = state
	}
}

// WithRequired adds a required capability at a minimum level.
func WithRequired(tag string, level int) RequestOption {
	return func(r *persistence.AllocationRequest) {
		if r.Required == nil {
			r.Required = map[string]int{}
		}
		r.Required[tag] = level
	}
}

// ---------------------------- Waitlist fixtures ---------------------------

// EntryOption configures a generated waitlist entry.
type EntryOption func(*persistence.WaitlistEntry)

// NewEntry returns a waiting entry for resourceID desiring [start, end).
func NewEntry(resourceID string, start, end time.Time, opts ...EntryOption) persistence.WaitlistEntry {
	idx := atomic.AddUint64(&entryCounter, 1)
	submitted := referenceTime.Add(time.Duration(idx) * time.Second)
	entry := persistence.WaitlistEntry{
		ID:           fmt.Sprintf("entry-%03d", idx),
		RequesterID:  "requester-1",
		ResourceID:   resourceID,
		DesiredStart: start,
		DesiredEnd:   end,
		Duration:     end.Sub(start),
		SubmittedAt:  submitted,
		Deadline:     end,
		Status:       persistence.WaitlistStatusWaiting,
		CreatedAt:    submitted,
		UpdatedAt:    submitted,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	return entry
}

// WithEntryID overrides the generated entry ID.
func WithEntryID(id string) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.ID = id
	}
}

// WithEntryRequester sets the requester.
func WithEntryRequester(requesterID string) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.RequesterID = requesterID
	}
}

// WithEntryPriority sets the queue priority.
func WithEntryPriority(priority int) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.Priority = priority
	}
}

// WithEntrySubmittedAt sets the submission time used for queue order.
func WithEntrySubmittedAt(t time.Time) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.SubmittedAt = t
	}
}

// WithEntryStatus sets the entry status.
func WithEntryStatus(status persistence.WaitlistStatus) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.Status = status
	}
}

// WithEntryQuery targets a capability query instead of a single resource.
func WithEntryQuery(required map[string]int, kind persistence.ResourceKind) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.ResourceID = ""
		e.Query = &persistence.ResourceQuery{Required: maps.Clone(required), Kind: kind}
	}
}

// WithEntryOffer attaches an offer.
func WithEntryOffer(offer persistence.Offer) EntryOption {
	return func(e *persistence.WaitlistEntry) {
		e.Status = persistence.WaitlistStatusOffered
		e.Offer = &offer
	}
}
