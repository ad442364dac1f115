package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/resource-allocator/internal/events"
	"github.com/example/resource-allocator/internal/lock"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/recurrence"
	"github.com/example/resource-allocator/internal/scheduler"
	"github.com/example/resource-allocator/internal/telemetry"
)

// BookingStore captures the persistence operations needed by the booking service.
type BookingStore interface {
	persistence.ResourceRepository
	persistence.BookingRepository
	persistence.WaitlistRepository
	persistence.AuditRepository
}

// BookingOptions tunes the booking service.
type BookingOptions struct {
	// BookTimeout bounds lock acquisition plus commit.
	BookTimeout time.Duration
	// MaxOccurrences caps recurrence expansion.
	MaxOccurrences int
	// MaxAvailabilityRange caps GetAvailability queries.
	MaxAvailabilityRange time.Duration
}

func (o BookingOptions) withDefaults() BookingOptions {
	if o.BookTimeout <= 0 {
		o.BookTimeout = 5 * time.Second
	}
	if o.MaxOccurrences <= 0 {
		o.MaxOccurrences = 200
	}
	if o.MaxAvailabilityRange <= 0 {
		o.MaxAvailabilityRange = 92 * 24 * time.Hour
	}
	return o
}

// slotListener is notified, inside the resource's critical section, when a
// window stops counting against capacity.
type slotListener interface {
	slotFreedLocked(ctx context.Context, resourceID string, freed scheduler.Window) error
}

// BookingService is the only writer of reservation state. Writes to one
// resource are serialized through the locker and committed with the store's
// conditional insert.
type BookingService struct {
	store       BookingStore
	locker      lock.Locker
	trail       *auditTrail
	idGenerator func() string
	now         func() time.Time
	options     BookingOptions
	logger      *slog.Logger

	mu       sync.RWMutex
	listener slotListener
}

// NewBookingService constructs a booking service with the provided dependencies.
func NewBookingService(store BookingStore, locker lock.Locker, publisher events.Publisher, idGenerator func() string, now func() time.Time, options BookingOptions) *BookingService {
	return NewBookingServiceWithLogger(store, locker, publisher, idGenerator, now, options, nil)
}

// NewBookingServiceWithLogger constructs a booking service with a specified logger.
func NewBookingServiceWithLogger(store BookingStore, locker lock.Locker, publisher events.Publisher, idGenerator func() string, now func() time.Time, options BookingOptions, logger *slog.Logger) *BookingService {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	logger = defaultLogger(logger)
	return &BookingService{
		store:       store,
		locker:      locker,
		trail:       newAuditTrail(store, publisher, idGenerator, now, logger),
		idGenerator: idGenerator,
		now:         now,
		options:     options.withDefaults(),
		logger:      logger,
	}
}

func (s *BookingService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "BookingService", operation, attrs...)
}

func (s *BookingService) setListener(l slotListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *BookingService) slotListener() slotListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

// bookingPlan is a validated, not yet committed booking request.
type bookingPlan struct {
	resource persistence.Resource
	windows  []scheduler.Window
	bookings []persistence.Booking
}

// Book reserves the resource for the window, or for every occurrence of the
// recurrence. Nothing is committed unless every window fits.
func (s *BookingService) Book(ctx context.Context, params BookParams) (result BookResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	if s.store == nil {
		err = fmt.Errorf("booking store not configured")
		return
	}

	logger := s.loggerWith(ctx, "Book",
		"principal_id", params.Principal.UserID,
		"resource_id", params.ResourceID,
	)
	ctx, span := telemetry.StartSpan(ctx, "BookingService.Book",
		attribute.String("resource.id", params.ResourceID),
		attribute.Bool("booking.recurring", params.Recurrence != nil),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to book resource", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With(
			"booking_id", result.Booking.ID,
			"status", result.Booking.Status,
			"instance_count", len(result.Bookings),
		).InfoContext(ctx, "resource booked")
	}()

	if params.Principal.UserID == "" {
		err = ErrUnauthorized
		return
	}

	var plan bookingPlan
	plan, err = s.plan(ctx, params)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.options.BookTimeout)
	defer cancel()

	var release lock.Release
	release, err = s.locker.Acquire(ctx, lockKey(plan.resource.ID))
	if err != nil {
		return
	}
	err = s.commitLocked(ctx, plan, "")
	release()
	if err != nil {
		return
	}

	result = BookResult{Booking: plan.bookings[0], Bookings: plan.bookings}
	s.announce(ctx, params.Principal, plan)
	return
}

// plan validates params against the resource and expands any recurrence.
func (s *BookingService) plan(ctx context.Context, params BookParams) (bookingPlan, error) {
	vErr := &ValidationError{}
	resourceID := strings.TrimSpace(params.ResourceID)
	if resourceID == "" {
		vErr.add("resource_id", "resource_id is required")
	}
	if !params.Window.Valid() {
		vErr.add("window", "start must be before end")
	}
	if vErr.HasErrors() {
		return bookingPlan{}, vErr
	}

	resource, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return bookingPlan{}, mapRepoError(err)
	}
	cal, err := CalendarFor(resource)
	if err != nil {
		return bookingPlan{}, err
	}

	windows := []scheduler.Window{params.Window}
	var descriptor *persistence.Recurrence
	if params.Recurrence != nil {
		windows, descriptor, err = s.expand(*params.Recurrence, params.Window, cal.Location)
		if err != nil {
			return bookingPlan{}, err
		}
	}

	now := s.now()
	var conflicts []InstanceConflict
	for i, w := range windows {
		if cErr := checkConstraints(resource, cal, w, now); cErr.HasErrors() {
			conflicts = append(conflicts, InstanceConflict{Index: i, Window: w, Err: constraintConflict(resource.ID, cErr)})
		}
	}
	if len(conflicts) > 0 {
		if params.Recurrence == nil {
			return bookingPlan{}, conflicts[0].Err
		}
		return bookingPlan{}, &RecurrenceExpansionError{ResourceID: resource.ID, Conflicts: conflicts}
	}

	status := persistence.BookingStatusConfirmed
	if resource.Constraints.RequiresApproval && !params.Principal.IsAdmin && params.Principal.UserID != resource.OwnerID {
		status = persistence.BookingStatusPendingApproval
	}

	bookings := make([]persistence.Booking, 0, len(windows))
	for i, w := range windows {
		b := persistence.Booking{
			ID:          s.idGenerator(),
			ResourceID:  resource.ID,
			RequesterID: params.Principal.UserID,
			RequestID:   params.RequestID,
			ContextID:   params.ContextID,
			Start:       w.Start,
			End:         w.End,
			TimeZone:    cal.Location.String(),
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if i == 0 {
			b.Recurrence = descriptor
		} else {
			b.ParentID = bookings[0].ID
		}
		bookings = append(bookings, b)
	}
	return bookingPlan{resource: resource, windows: windows, bookings: bookings}, nil
}

func (s *BookingService) expand(in RecurrenceInput, first scheduler.Window, loc *time.Location) ([]scheduler.Window, *persistence.Recurrence, error) {
	rule := recurrence.Rule{
		Frequency: recurrence.ParseFrequency(in.Frequency),
		Interval:  in.Interval,
		Weekdays:  slices.Clone(in.Weekdays),
		Until:     in.Until,
		Count:     in.Count,
	}
	occurrences, err := recurrence.NewEngine(loc).WithMaxOccurrences(s.options.MaxOccurrences).Expand(rule, first.Start, first.End)
	if err != nil {
		vErr := &ValidationError{}
		vErr.add("recurrence", err.Error())
		return nil, nil, vErr
	}
	if len(occurrences) == 0 {
		vErr := &ValidationError{}
		vErr.add("recurrence", "recurrence produces no occurrences")
		return nil, nil, vErr
	}
	windows := make([]scheduler.Window, 0, len(occurrences))
	for _, o := range occurrences {
		windows = append(windows, scheduler.Window{Start: o.Start, End: o.End})
	}
	descriptor := &persistence.Recurrence{
		Frequency: rule.Frequency.String(),
		Interval:  in.Interval,
		Weekdays:  slices.Clone(in.Weekdays),
		Until:     in.Until,
		Count:     in.Count,
	}
	return windows, descriptor, nil
}

// commitLocked inserts the planned bookings when every window fits the
// resource capacity, counting held bookings and live waitlist offers. The
// offer held by claimingEntryID does not count. The caller holds the
// resource lock.
func (s *BookingService) commitLocked(ctx context.Context, plan bookingPlan, claimingEntryID string) error {
	holds, err := s.offerHolds(ctx, plan.resource.ID, claimingEntryID)
	if err != nil {
		return err
	}
	capacity := capacityOf(plan.resource)
	check := func(held []persistence.Booking) error {
		existing := make([]scheduler.Reservation, 0, len(held)+len(holds))
		for _, b := range held {
			existing = append(existing, scheduler.Reservation{ID: b.ID, Holder: b.RequesterID, Window: scheduler.Window{Start: b.Start, End: b.End}})
		}
		existing = append(existing, holds...)
		conflicts := scheduler.CheckCapacity(existing, plan.windows, capacity)
		if len(conflicts) == 0 {
			return nil
		}
		return capacityConflict(plan, conflicts, capacity)
	}

	if err := s.store.InsertBookings(ctx, plan.resource.ID, plan.bookings, check); err != nil {
		var cErr *ConflictError
		var rErr *RecurrenceExpansionError
		if errors.As(err, &rErr) || errors.As(err, &cErr) {
			return err
		}
		return mapRepoError(err)
	}
	return nil
}

func capacityConflict(plan bookingPlan, conflicts []scheduler.Conflict, capacity int) error {
	instances := make([]InstanceConflict, 0, len(conflicts))
	for _, c := range conflicts {
		instances = append(instances, InstanceConflict{
			Index:  c.Index,
			Window: c.Window,
			Err: unavailableConflict(plan.resource.ID, &CapacityExceededError{
				ResourceID: plan.resource.ID,
				Capacity:   capacity,
				Peak:       c.Peak,
				Window:     c.Window,
				With:       c.WithReservation,
			}),
		})
	}
	if len(plan.windows) == 1 {
		return instances[0].Err
	}
	return &RecurrenceExpansionError{ResourceID: plan.resource.ID, Conflicts: instances}
}

// offerHolds returns the unexpired waitlist offers on the resource. Offers
// only change under the resource lock, so the caller's lock makes this read
// consistent with the insert that follows.
func (s *BookingService) offerHolds(ctx context.Context, resourceID, exceptEntryID string) ([]scheduler.Reservation, error) {
	entries, err := s.store.ListEntries(ctx, persistence.WaitlistFilter{
		ResourceID:     resourceID,
		IncludeQueries: true,
		Statuses:       []persistence.WaitlistStatus{persistence.WaitlistStatusOffered},
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	now := s.now()
	holds := make([]scheduler.Reservation, 0, len(entries))
	for _, e := range entries {
		if e.ID == exceptEntryID || e.Offer == nil || e.Offer.ResourceID != resourceID {
			continue
		}
		if !e.Offer.ExpiresAt.After(now) {
			continue
		}
		holds = append(holds, scheduler.Reservation{
			ID:     "offer:" + e.ID,
			Holder: e.RequesterID,
			Window: scheduler.Window{Start: e.Offer.Start, End: e.Offer.End},
		})
	}
	return holds, nil
}

func (s *BookingService) announce(ctx context.Context, principal Principal, plan bookingPlan) {
	parent := plan.bookings[0]
	eventType := events.BookingConfirmed
	if parent.Status == persistence.BookingStatusPendingApproval {
		eventType = events.BookingPending
	}
	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "booking.created",
		RequestID:   parent.RequestID,
		ResourceID:  parent.ResourceID,
		RequesterID: parent.RequesterID,
		BookingID:   parent.ID,
		Decision:    string(parent.Status),
		Outcome:     "committed",
	}, map[string]any{
		"actor":     principal.UserID,
		"instances": len(plan.bookings),
		"start":     parent.Start,
		"end":       parent.End,
	})
	for _, b := range plan.bookings {
		s.trail.publish(ctx, bookingEvent(eventType, b, ""))
	}
}

// GetBooking returns a booking to its requester, the resource owner,
// approvers and administrators.
func (s *BookingService) GetBooking(ctx context.Context, principal Principal, bookingID string) (persistence.Booking, error) {
	if s == nil {
		return persistence.Booking{}, fmt.Errorf("BookingService is nil")
	}
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return persistence.Booking{}, mapRepoError(err)
	}
	if !principal.IsAdmin && !principal.IsApprover && booking.RequesterID != principal.UserID {
		resource, err := s.store.GetResource(ctx, booking.ResourceID)
		if err != nil || resource.OwnerID != principal.UserID {
			return persistence.Booking{}, ErrUnauthorized
		}
	}
	return booking, nil
}

// ListBookings returns bookings matching filter. Callers other than
// administrators and approvers only see their own.
func (s *BookingService) ListBookings(ctx context.Context, principal Principal, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	if s == nil {
		return nil, fmt.Errorf("BookingService is nil")
	}
	if principal.UserID == "" {
		return nil, ErrUnauthorized
	}
	if !principal.IsAdmin && !principal.IsApprover {
		filter.RequesterID = principal.UserID
	}
	bookings, err := s.store.ListBookings(ctx, filter)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return bookings, nil
}

// Cancel frees the booking's window and offers it to the waitlist in the
// same critical section. Cancelling a series parent also cancels the
// instances that have not started. Cancelling an already cancelled or
// completed booking is a no-op.
func (s *BookingService) Cancel(ctx context.Context, principal Principal, bookingID string) (booking persistence.Booking, err error) {
	return s.release(ctx, principal, bookingID, "cancelled", false)
}

// Reject turns down a pending booking. It behaves like Cancel.
func (s *BookingService) Reject(ctx context.Context, principal Principal, bookingID string) (booking persistence.Booking, err error) {
	return s.release(ctx, principal, bookingID, "rejected", true)
}

func (s *BookingService) release(ctx context.Context, principal Principal, bookingID, reason string, approval bool) (booking persistence.Booking, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	operation := "Cancel"
	if approval {
		operation = "Reject"
	}

	logger := s.loggerWith(ctx, operation,
		"principal_id", principal.UserID,
		"booking_id", bookingID,
	)
	ctx, span := telemetry.StartSpan(ctx, "BookingService."+operation, attribute.String("booking.id", bookingID))
	var changed []persistence.Booking
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to release booking", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("status", booking.Status, "released_count", len(changed)).InfoContext(ctx, "booking released")
	}()

	booking, err = s.store.GetBooking(ctx, bookingID)
	if err != nil {
		err = mapRepoError(err)
		return
	}
	var resource persistence.Resource
	resource, err = s.store.GetResource(ctx, booking.ResourceID)
	if err != nil {
		err = mapRepoError(err)
		return
	}
	if approval {
		if !canApprove(principal, resource) {
			err = ErrUnauthorized
			return
		}
	} else if !principal.IsAdmin && principal.UserID != booking.RequesterID && principal.UserID != resource.OwnerID {
		err = ErrUnauthorized
		return
	}

	if !booking.Status.Holds() {
		return
	}
	if approval && booking.Status != persistence.BookingStatusPendingApproval {
		err = fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, booking.ID, booking.Status)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.options.BookTimeout)
	defer cancel()
	ctx, flushEvents := holdEvents(ctx)
	defer flushEvents()
	var unlock lock.Release
	unlock, err = s.locker.Acquire(ctx, lockKey(booking.ResourceID))
	if err != nil {
		return
	}
	defer unlock()

	from := persistence.HoldingStatuses()
	if approval {
		from = []persistence.BookingStatus{persistence.BookingStatusPendingApproval}
	}
	changed, err = s.releaseLocked(ctx, booking, from, reason)
	if err != nil {
		return
	}
	if len(changed) > 0 {
		booking = changed[0]
	} else if current, getErr := s.store.GetBooking(ctx, booking.ID); getErr == nil {
		booking = current
	}

	for _, b := range changed {
		s.trail.publish(ctx, bookingEvent(events.BookingCancelled, b, reason))
	}
	if len(changed) > 0 {
		s.trail.record(ctx, persistence.AuditRecord{
			Kind:        "booking." + reason,
			RequestID:   booking.RequestID,
			ResourceID:  booking.ResourceID,
			RequesterID: booking.RequesterID,
			BookingID:   booking.ID,
			Decision:    reason,
			Outcome:     "released",
		}, map[string]any{"actor": principal.UserID, "released": len(changed)})
	}
	return
}

// releaseLocked cancels the booking, and the unstarted instances of a
// series parent, then hands each freed window to the waitlist. Bookings
// another writer already moved out of from are skipped, so repeated calls
// never promote twice.
func (s *BookingService) releaseLocked(ctx context.Context, booking persistence.Booking, from []persistence.BookingStatus, reason string) ([]persistence.Booking, error) {
	now := s.now()
	targets := []persistence.Booking{booking}
	if booking.ParentID == "" && booking.Recurrence != nil {
		instances, err := s.store.ListBookings(ctx, persistence.BookingFilter{
			ResourceID: booking.ResourceID,
			ParentID:   booking.ID,
			Statuses:   from,
		})
		if err != nil {
			return nil, mapRepoError(err)
		}
		for _, instance := range instances {
			if instance.Start.Before(now) {
				continue
			}
			targets = append(targets, instance)
		}
	}

	changed := make([]persistence.Booking, 0, len(targets))
	for _, target := range targets {
		updated, err := s.store.TransitionBooking(ctx, target.ID, from, persistence.BookingStatusCancelled, reason, now)
		if err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				continue
			}
			return changed, mapRepoError(err)
		}
		changed = append(changed, updated)
	}

	listener := s.slotListener()
	if listener == nil {
		return changed, nil
	}
	for _, b := range changed {
		freed := scheduler.Window{Start: b.Start, End: b.End}
		if !freed.End.After(now) {
			continue
		}
		if freed.Start.Before(now) {
			freed.Start = now
		}
		if err := listener.slotFreedLocked(ctx, b.ResourceID, freed); err != nil {
			s.loggerWith(ctx, "Release", "booking_id", b.ID).
				WarnContext(ctx, "waitlist promotion failed", "error", err, "error_kind", ErrorKind(err))
		}
	}
	return changed, nil
}

// Approve confirms a pending booking. Approving a confirmed booking is a no-op.
func (s *BookingService) Approve(ctx context.Context, principal Principal, bookingID string) (booking persistence.Booking, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Approve",
		"principal_id", principal.UserID,
		"booking_id", bookingID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to approve booking", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("status", booking.Status).InfoContext(ctx, "booking approved")
	}()

	booking, err = s.store.GetBooking(ctx, bookingID)
	if err != nil {
		err = mapRepoError(err)
		return
	}
	var resource persistence.Resource
	resource, err = s.store.GetResource(ctx, booking.ResourceID)
	if err != nil {
		err = mapRepoError(err)
		return
	}
	if !canApprove(principal, resource) {
		err = ErrUnauthorized
		return
	}

	var updated persistence.Booking
	updated, err = s.store.TransitionBooking(ctx, bookingID,
		[]persistence.BookingStatus{persistence.BookingStatusPendingApproval},
		persistence.BookingStatusConfirmed, "", s.now())
	if err != nil {
		if !errors.Is(err, persistence.ErrConflict) {
			err = mapRepoError(err)
			return
		}
		booking, err = s.store.GetBooking(ctx, bookingID)
		if err != nil {
			err = mapRepoError(err)
			return
		}
		if booking.Status != persistence.BookingStatusConfirmed {
			err = fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, booking.ID, booking.Status)
		}
		return
	}
	booking = updated

	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "booking.approved",
		RequestID:   booking.RequestID,
		ResourceID:  booking.ResourceID,
		RequesterID: booking.RequesterID,
		BookingID:   booking.ID,
		Decision:    "approved",
		Outcome:     string(booking.Status),
	}, map[string]any{"actor": principal.UserID})
	s.trail.publish(ctx, bookingEvent(events.BookingConfirmed, booking, "approved"))
	return
}

func canApprove(principal Principal, resource persistence.Resource) bool {
	if principal.UserID == "" {
		return false
	}
	return principal.IsAdmin || principal.IsApprover || principal.UserID == resource.OwnerID
}

// GetAvailability labels the free and booked sub-windows of rng. Live
// waitlist offers count as booked. The sequence is a snapshot taken at call
// time and may be ranged over repeatedly.
func (s *BookingService) GetAvailability(ctx context.Context, principal Principal, resourceID string, rng scheduler.Window) (slots iter.Seq[scheduler.Slot], err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	if principal.UserID == "" {
		err = ErrUnauthorized
		return
	}
	vErr := &ValidationError{}
	if !rng.Valid() {
		vErr.add("range", "from must be before to")
	} else if rng.Duration() > s.options.MaxAvailabilityRange {
		vErr.add("range", fmt.Sprintf("range must not exceed %s", s.options.MaxAvailabilityRange))
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	var resource persistence.Resource
	resource, err = s.store.GetResource(ctx, resourceID)
	if err != nil {
		err = mapRepoError(err)
		return
	}
	var cal scheduler.Calendar
	cal, err = CalendarFor(resource)
	if err != nil {
		return
	}
	var busy []scheduler.Window
	busy, err = s.busyWindows(ctx, resource.ID, rng, "")
	if err != nil {
		return
	}
	slots = scheduler.Availability(cal, busy, capacityOf(resource), rng)
	return
}

// busyWindows returns the holding bookings and live offers overlapping rng.
// Offers held by exceptRequester are left out.
func (s *BookingService) busyWindows(ctx context.Context, resourceID string, rng scheduler.Window, exceptRequester string) ([]scheduler.Window, error) {
	held, err := s.store.ListBookings(ctx, persistence.BookingFilter{
		ResourceID: resourceID,
		Statuses:   persistence.HoldingStatuses(),
		From:       &rng.Start,
		To:         &rng.End,
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	holds, err := s.offerHolds(ctx, resourceID, "")
	if err != nil {
		return nil, err
	}
	busy := make([]scheduler.Window, 0, len(held)+len(holds))
	for _, b := range held {
		busy = append(busy, scheduler.Window{Start: b.Start, End: b.End})
	}
	for _, h := range holds {
		if exceptRequester != "" && h.Holder == exceptRequester {
			continue
		}
		if h.Window.Overlaps(rng) {
			busy = append(busy, h.Window)
		}
	}
	return busy, nil
}

// Advance completes confirmed bookings that have ended and cancels pending
// approvals whose start has passed.
func (s *BookingService) Advance(ctx context.Context, now time.Time) (sweep BookingSweep, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Advance")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to advance bookings", "error", err, "error_kind", ErrorKind(err))
			return
		}
		if sweep.Completed > 0 || sweep.ApprovalsExpired > 0 {
			logger.With("completed", sweep.Completed, "approvals_expired", sweep.ApprovalsExpired).
				InfoContext(ctx, "bookings advanced")
		}
	}()

	var confirmed []persistence.Booking
	confirmed, err = s.store.ListBookings(ctx, persistence.BookingFilter{
		Statuses: []persistence.BookingStatus{persistence.BookingStatusConfirmed},
		To:       &now,
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}
	for _, b := range confirmed {
		if b.End.After(now) {
			continue
		}
		updated, tErr := s.store.TransitionBooking(ctx, b.ID,
			[]persistence.BookingStatus{persistence.BookingStatusConfirmed},
			persistence.BookingStatusCompleted, "", now)
		if tErr != nil {
			if errors.Is(tErr, persistence.ErrConflict) {
				continue
			}
			err = mapRepoError(tErr)
			return
		}
		sweep.Completed++
		s.trail.publish(ctx, bookingEvent(events.BookingCompleted, updated, ""))
	}

	var pending []persistence.Booking
	pending, err = s.store.ListBookings(ctx, persistence.BookingFilter{
		Statuses: []persistence.BookingStatus{persistence.BookingStatusPendingApproval},
		To:       &now,
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}
	for _, b := range pending {
		if b.Start.After(now) {
			continue
		}
		n, eErr := s.expireApproval(ctx, b)
		if eErr != nil {
			err = eErr
			return
		}
		sweep.ApprovalsExpired += n
	}
	return
}

func (s *BookingService) expireApproval(ctx context.Context, b persistence.Booking) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.BookTimeout)
	defer cancel()
	ctx, flushEvents := holdEvents(ctx)
	defer flushEvents()
	unlock, err := s.locker.Acquire(ctx, lockKey(b.ResourceID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	changed, err := s.releaseLocked(ctx, b, []persistence.BookingStatus{persistence.BookingStatusPendingApproval}, "approval_expired")
	if err != nil {
		return 0, err
	}
	for _, c := range changed {
		s.trail.publish(ctx, bookingEvent(events.BookingCancelled, c, "approval_expired"))
		s.trail.record(ctx, persistence.AuditRecord{
			Kind:        "booking.approval_expired",
			RequestID:   c.RequestID,
			ResourceID:  c.ResourceID,
			RequesterID: c.RequesterID,
			BookingID:   c.ID,
			Decision:    "approval_expired",
			Outcome:     "released",
		}, nil)
	}
	return len(changed), nil
}
