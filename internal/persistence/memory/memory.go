// Package memory provides an in-memory persistence.Store used by tests and by
// deployments that do not configure a database path.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/resource-allocator/internal/persistence"
)

// Storage keeps every repository in maps guarded by one lock.
type Storage struct {
	mu        sync.RWMutex
	resources map[string]persistence.Resource
	bookings  map[string]persistence.Booking
	entries   map[string]persistence.WaitlistEntry
	requests  map[string]persistence.AllocationRequest
	audit     []persistence.AuditRecord
	auditIDs  map[string]struct{}
}

var _ persistence.Store = (*Storage)(nil)

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		resources: make(map[string]persistence.Resource),
		bookings:  make(map[string]persistence.Booking),
		entries:   make(map[string]persistence.WaitlistEntry),
		requests:  make(map[string]persistence.AllocationRequest),
		auditIDs:  make(map[string]struct{}),
	}
}

// Close releases resources held by the storage. No-op for the in-memory implementation.
func (s *Storage) Close() error {
	return nil
}

// --- ResourceRepository implementation ---

// CreateResource stores a new resource.
func (s *Storage) CreateResource(ctx context.Context, resource persistence.Resource) error {
	if resource.ID == "" || resource.Capacity <= 0 {
		return persistence.ErrConstraintViolation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[resource.ID]; ok {
		return fmt.Errorf("%w: resource %s", persistence.ErrDuplicate, resource.ID)
	}
	s.resources[resource.ID] = cloneResource(resource)
	return nil
}

// UpdateResource replaces an existing resource.
func (s *Storage) UpdateResource(ctx context.Context, resource persistence.Resource) error {
	if resource.Capacity <= 0 {
		return persistence.ErrConstraintViolation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[resource.ID]; !ok {
		return persistence.ErrNotFound
	}
	s.resources[resource.ID] = cloneResource(resource)
	return nil
}

// GetResource retrieves a resource by ID.
func (s *Storage) GetResource(ctx context.Context, id string) (persistence.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resource, ok := s.resources[id]
	if !ok {
		return persistence.Resource{}, persistence.ErrNotFound
	}
	return cloneResource(resource), nil
}

// ListResources returns resources ordered by name then ID.
func (s *Storage) ListResources(ctx context.Context, filter persistence.ResourceFilter) ([]persistence.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := make([]persistence.Resource, 0, len(s.resources))
	for _, resource := range s.resources {
		if filter.ActiveOnly && !resource.Active {
			continue
		}
		if filter.Kind != "" && resource.Kind != filter.Kind {
			continue
		}
		resources = append(resources, cloneResource(resource))
	}
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].Name == resources[j].Name {
			return resources[i].ID < resources[j].ID
		}
		return resources[i].Name < resources[j].Name
	})
	return resources, nil
}

// --- BookingRepository implementation ---

// InsertBookings evaluates check and stores bookings under the write lock.
func (s *Storage) InsertBookings(ctx context.Context, resourceID string, bookings []persistence.Booking, check persistence.CapacityCheck) error {
	if len(bookings) == 0 {
		return nil
	}
	from, to := bookings[0].Start, bookings[0].End
	for _, b := range bookings {
		if b.ResourceID != resourceID || !b.Start.Before(b.End) {
			return persistence.ErrConstraintViolation
		}
		if b.Start.Before(from) {
			from = b.Start
		}
		if b.End.After(to) {
			to = b.End
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.resources[resourceID]; !ok {
		return fmt.Errorf("%w: unknown resource %s", persistence.ErrConstraintViolation, resourceID)
	}
	seen := make(map[string]struct{}, len(bookings))
	for _, b := range bookings {
		if _, ok := s.bookings[b.ID]; ok {
			return fmt.Errorf("%w: booking %s", persistence.ErrDuplicate, b.ID)
		}
		if _, ok := seen[b.ID]; ok {
			return fmt.Errorf("%w: booking %s", persistence.ErrDuplicate, b.ID)
		}
		seen[b.ID] = struct{}{}
	}

	if check != nil {
		held := s.filterBookingsLocked(persistence.BookingFilter{
			ResourceID: resourceID,
			Statuses:   persistence.HoldingStatuses(),
			From:       &from,
			To:         &to,
		})
		if err := check(held); err != nil {
			return err
		}
	}
	for _, b := range bookings {
		s.bookings[b.ID] = cloneBooking(b)
	}
	return nil
}

// GetBooking retrieves a booking by ID.
func (s *Storage) GetBooking(ctx context.Context, id string) (persistence.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	booking, ok := s.bookings[id]
	if !ok {
		return persistence.Booking{}, persistence.ErrNotFound
	}
	return cloneBooking(booking), nil
}

// ListBookings returns bookings matching filter ordered by start then ID.
func (s *Storage) ListBookings(ctx context.Context, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterBookingsLocked(filter), nil
}

// TransitionBooking applies a conditional status change.
func (s *Storage) TransitionBooking(ctx context.Context, id string, from []persistence.BookingStatus, to persistence.BookingStatus, reason string, at time.Time) (persistence.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	booking, ok := s.bookings[id]
	if !ok {
		return persistence.Booking{}, persistence.ErrNotFound
	}
	if !slices.Contains(from, booking.Status) {
		return persistence.Booking{}, fmt.Errorf("%w: booking %s is %s", persistence.ErrConflict, id, booking.Status)
	}
	booking.Status = to
	booking.CancelReason = reason
	booking.UpdatedAt = at.UTC()
	s.bookings[id] = booking
	return cloneBooking(booking), nil
}

func (s *Storage) filterBookingsLocked(filter persistence.BookingFilter) []persistence.Booking {
	var bookings []persistence.Booking
	for _, booking := range s.bookings {
		if matchesBookingFilter(booking, filter) {
			bookings = append(bookings, cloneBooking(booking))
		}
	}
	sort.Slice(bookings, func(i, j int) bool {
		if bookings[i].Start.Equal(bookings[j].Start) {
			return bookings[i].ID < bookings[j].ID
		}
		return bookings[i].Start.Before(bookings[j].Start)
	})
	return bookings
}

// --- WaitlistRepository implementation ---

// CreateEntry stores a new waitlist entry.
func (s *Storage) CreateEntry(ctx context.Context, entry persistence.WaitlistEntry) error {
	if entry.ID == "" {
		return persistence.ErrConstraintViolation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; ok {
		return fmt.Errorf("%w: waitlist entry %s", persistence.ErrDuplicate, entry.ID)
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// UpdateEntry replaces an existing waitlist entry.
func (s *Storage) UpdateEntry(ctx context.Context, entry persistence.WaitlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; !ok {
		return persistence.ErrNotFound
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// GetEntry retrieves a waitlist entry by ID.
func (s *Storage) GetEntry(ctx context.Context, id string) (persistence.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return persistence.WaitlistEntry{}, persistence.ErrNotFound
	}
	return cloneEntry(entry), nil
}

// ListEntries returns entries in queue order: priority descending, then
// submission time, then ID.
func (s *Storage) ListEntries(ctx context.Context, filter persistence.WaitlistFilter) ([]persistence.WaitlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []persistence.WaitlistEntry
	for _, entry := range s.entries {
		if matchesWaitlistFilter(entry, filter) {
			entries = append(entries, cloneEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return entries, nil
}

// DeleteEntry removes a waitlist entry.
func (s *Storage) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

// --- RequestRepository implementation ---

// CreateRequest stores a new allocation request.
func (s *Storage) CreateRequest(ctx context.Context, request persistence.AllocationRequest) error {
	if request.ID == "" {
		return persistence.ErrConstraintViolation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[request.ID]; ok {
		return fmt.Errorf("%w: request %s", persistence.ErrDuplicate, request.ID)
	}
	s.requests[request.ID] = cloneRequest(request)
	return nil
}

// UpdateRequest replaces an existing allocation request.
func (s *Storage) UpdateRequest(ctx context.Context, request persistence.AllocationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[request.ID]; !ok {
		return persistence.ErrNotFound
	}
	s.requests[request.ID] = cloneRequest(request)
	return nil
}

// GetRequest retrieves an allocation request by ID.
func (s *Storage) GetRequest(ctx context.Context, id string) (persistence.AllocationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	request, ok := s.requests[id]
	if !ok {
		return persistence.AllocationRequest{}, persistence.ErrNotFound
	}
	return cloneRequest(request), nil
}

// ListRequests returns requests ordered by creation time then ID.
func (s *Storage) ListRequests(ctx context.Context, filter persistence.RequestFilter) ([]persistence.AllocationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var requests []persistence.AllocationRequest
	for _, request := range s.requests {
		if filter.RequesterID != "" && request.RequesterID != filter.RequesterID {
			continue
		}
		if len(filter.States) > 0 && !slices.Contains(filter.States, request.State) {
			continue
		}
		requests = append(requests, cloneRequest(request))
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID < requests[j].ID
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, nil
}

// --- AuditRepository implementation ---

// AppendAudit adds a record to the audit log.
func (s *Storage) AppendAudit(ctx context.Context, record persistence.AuditRecord) error {
	if record.ID == "" || record.Kind == "" {
		return persistence.ErrConstraintViolation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auditIDs[record.ID]; ok {
		return fmt.Errorf("%w: audit record %s", persistence.ErrDuplicate, record.ID)
	}
	s.auditIDs[record.ID] = struct{}{}
	s.audit = append(s.audit, record)
	return nil
}

// ListAudit returns records in append order. A positive Limit keeps the most
// recent records.
func (s *Storage) ListAudit(ctx context.Context, filter persistence.AuditFilter) ([]persistence.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []persistence.AuditRecord
	for _, record := range s.audit {
		if filter.RequestID != "" && record.RequestID != filter.RequestID {
			continue
		}
		if filter.ResourceID != "" && record.ResourceID != filter.ResourceID {
			continue
		}
		if filter.RequesterID != "" && record.RequesterID != filter.RequesterID {
			continue
		}
		records = append(records, record)
	}
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[len(records)-filter.Limit:]
	}
	return slices.Clone(records), nil
}

func matchesBookingFilter(booking persistence.Booking, filter persistence.BookingFilter) bool {
	if filter.ResourceID != "" && booking.ResourceID != filter.ResourceID {
		return false
	}
	if filter.RequesterID != "" && booking.RequesterID != filter.RequesterID {
		return false
	}
	if filter.ParentID != "" && booking.ParentID != filter.ParentID {
		return false
	}
	if filter.RequestID != "" && booking.RequestID != filter.RequestID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, booking.Status) {
		return false
	}
	if filter.To != nil && !booking.Start.Before(*filter.To) {
		return false
	}
	if filter.From != nil && !booking.End.After(*filter.From) {
		return false
	}
	return true
}

func matchesWaitlistFilter(entry persistence.WaitlistEntry, filter persistence.WaitlistFilter) bool {
	if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
		if !filter.IncludeQueries || entry.ResourceID != "" {
			return false
		}
	}
	if filter.RequesterID != "" && entry.RequesterID != filter.RequesterID {
		return false
	}
	if filter.RequestID != "" && entry.RequestID != filter.RequestID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, entry.Status) {
		return false
	}
	return true
}

func cloneResource(resource persistence.Resource) persistence.Resource {
	clone := resource
	clone.Capabilities = maps.Clone(resource.Capabilities)
	clone.Availability = slices.Clone(resource.Availability)
	clone.Blackouts = slices.Clone(resource.Blackouts)
	return clone
}

func cloneBooking(booking persistence.Booking) persistence.Booking {
	clone := booking
	if booking.Recurrence != nil {
		recurrence := *booking.Recurrence
		recurrence.Weekdays = slices.Clone(booking.Recurrence.Weekdays)
		if booking.Recurrence.Until != nil {
			until := *booking.Recurrence.Until
			recurrence.Until = &until
		}
		clone.Recurrence = &recurrence
	}
	return clone
}

func cloneEntry(entry persistence.WaitlistEntry) persistence.WaitlistEntry {
	clone := entry
	if entry.Query != nil {
		query := *entry.Query
		query.Required = maps.Clone(entry.Query.Required)
		clone.Query = &query
	}
	if entry.Offer != nil {
		offer := *entry.Offer
		clone.Offer = &offer
	}
	return clone
}

func cloneRequest(request persistence.AllocationRequest) persistence.AllocationRequest {
	clone := request
	clone.Required = maps.Clone(request.Required)
	clone.Preferred = slices.Clone(request.Preferred)
	return clone
}
