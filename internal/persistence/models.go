package persistence

import "time"

// ResourceKind distinguishes people from shared assets.
type ResourceKind string

const (
	ResourceKindPerson ResourceKind = "person"
	ResourceKindAsset  ResourceKind = "asset"
)

// AvailabilityWindow is a weekly open interval in the resource's time zone.
// Start and End use "HH:MM"; End may be "24:00".
type AvailabilityWindow struct {
	Weekday time.Weekday
	Start   string
	End     string
}

// Period is a concrete time range, used for blackout dates.
type Period struct {
	Start time.Time
	End   time.Time
}

// BookingConstraints restrict how a resource may be booked. Zero values
// disable the corresponding check.
type BookingConstraints struct {
	MinDuration      time.Duration
	MaxDuration      time.Duration
	LeadTime         time.Duration
	RequiresApproval bool
}

// Resource represents a schedulable person or asset.
type Resource struct {
	ID           string
	Name         string
	Kind         ResourceKind
	OwnerID      string
	Capacity     int
	Capabilities map[string]int
	Availability []AvailabilityWindow
	TimeZone     string
	Blackouts    []Period
	Constraints  BookingConstraints
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BookingStatus tracks the booking lifecycle.
type BookingStatus string

const (
	BookingStatusPendingApproval BookingStatus = "pending_approval"
	BookingStatusConfirmed       BookingStatus = "confirmed"
	BookingStatusCancelled       BookingStatus = "cancelled"
	BookingStatusCompleted       BookingStatus = "completed"
)

// Holds reports whether a booking in this status counts against capacity.
func (s BookingStatus) Holds() bool {
	return s == BookingStatusConfirmed || s == BookingStatusPendingApproval
}

// HoldingStatuses lists the statuses that consume capacity.
func HoldingStatuses() []BookingStatus {
	return []BookingStatus{BookingStatusPendingApproval, BookingStatusConfirmed}
}

// Recurrence is the descriptor stored on the first booking of a series.
type Recurrence struct {
	Frequency string
	Interval  int
	Weekdays  []time.Weekday
	Until     *time.Time
	Count     int
}

// Booking is a reservation of a resource.
type Booking struct {
	ID           string
	ResourceID   string
	RequesterID  string
	RequestID    string
	ContextID    string
	Start        time.Time
	End          time.Time
	TimeZone     string
	Status       BookingStatus
	Recurrence   *Recurrence
	ParentID     string
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WaitlistStatus tracks a waitlist entry.
type WaitlistStatus string

const (
	WaitlistStatusWaiting WaitlistStatus = "waiting"
	WaitlistStatusOffered WaitlistStatus = "offered"
	WaitlistStatusBooked  WaitlistStatus = "booked"
	WaitlistStatusExpired WaitlistStatus = "expired"
)

// ResourceQuery selects resources by capability instead of by id.
type ResourceQuery struct {
	Required map[string]int
	Kind     ResourceKind
}

// Offer is a provisional hold on a freed slot for one waitlist entry.
type Offer struct {
	ResourceID string
	Start      time.Time
	End        time.Time
	ExpiresAt  time.Time
}

// WaitlistEntry is a deferred request awaiting a freed slot.
type WaitlistEntry struct {
	ID           string
	RequesterID  string
	RequestID    string
	ResourceID   string
	Query        *ResourceQuery
	DesiredStart time.Time
	DesiredEnd   time.Time
	Duration     time.Duration
	Flexibility  time.Duration
	Priority     int
	SubmittedAt  time.Time
	Deadline     time.Time
	Status       WaitlistStatus
	Offer        *Offer
	BookingID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RequestState tracks an allocation request through the orchestrator.
type RequestState string

const (
	RequestStateRequested  RequestState = "requested"
	RequestStateMatched    RequestState = "matched"
	RequestStateUnmatched  RequestState = "unmatched"
	RequestStateAssigned   RequestState = "assigned"
	RequestStateBooked     RequestState = "booked"
	RequestStateActive     RequestState = "active"
	RequestStateCompleted  RequestState = "completed"
	RequestStateCancelled  RequestState = "cancelled"
	RequestStateWaitlisted RequestState = "waitlisted"
	RequestStateExpired    RequestState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateCompleted, RequestStateCancelled, RequestStateExpired:
		return true
	default:
		return false
	}
}

// Urgency raises a request's effective priority.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// AllocationRequest is a need for a resource.
type AllocationRequest struct {
	ID                  string
	RequesterID         string
	Required            map[string]int
	Preferred           []string
	Kind                ResourceKind
	WindowStart         time.Time
	WindowEnd           time.Time
	Duration            time.Duration
	Priority            int
	Urgency             Urgency
	PreferredResourceID string
	ContextID           string
	AutoAssign          bool
	Flexibility         time.Duration
	Deadline            time.Time
	State               RequestState
	ResourceID          string
	BookingID           string
	WaitlistEntryID     string
	Attempts            int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AuditRecord is one append-only decision log entry.
type AuditRecord struct {
	ID          string
	At          time.Time
	Kind        string
	RequestID   string
	ResourceID  string
	RequesterID string
	BookingID   string
	EntryID     string
	Decision    string
	Outcome     string
	Detail      string
}
