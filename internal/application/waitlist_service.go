package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/resource-allocator/internal/events"
	"github.com/example/resource-allocator/internal/lock"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
	"github.com/example/resource-allocator/internal/telemetry"
)

// PromotionPolicy decides how much of a freed slot an entry needs.
type PromotionPolicy string

const (
	// PolicyFullDuration offers only placements that lie inside the freed window.
	PolicyFullDuration PromotionPolicy = "full-duration"
	// PolicyPartialCapacity offers any placement that touches the freed window
	// and has spare capacity throughout.
	PolicyPartialCapacity PromotionPolicy = "partial-capacity"
)

// WaitlistOptions tunes the waitlist service.
type WaitlistOptions struct {
	ClaimWindow time.Duration
	Policy      PromotionPolicy
	// TimerTimeout bounds the work done when an offer lapses.
	TimerTimeout time.Duration
}

func (o WaitlistOptions) withDefaults() WaitlistOptions {
	if o.ClaimWindow <= 0 {
		o.ClaimWindow = 15 * time.Minute
	}
	if o.Policy == "" {
		o.Policy = PolicyFullDuration
	}
	if o.TimerTimeout <= 0 {
		o.TimerTimeout = 10 * time.Second
	}
	return o
}

// WaitlistObserver hears about entries reaching a terminal state.
type WaitlistObserver interface {
	EntryBooked(ctx context.Context, entry persistence.WaitlistEntry, booking persistence.Booking)
	EntryExpired(ctx context.Context, entry persistence.WaitlistEntry)
}

// WaitlistService queues requests that could not be served and offers freed
// slots to them in priority order.
type WaitlistService struct {
	store       BookingStore
	locker      lock.Locker
	bookings    *BookingService
	trail       *auditTrail
	idGenerator func() string
	now         func() time.Time
	afterFunc   AfterFunc
	options     WaitlistOptions
	logger      *slog.Logger

	mu       sync.Mutex
	timers   map[string]Timer
	observer WaitlistObserver
}

// NewWaitlistService constructs a waitlist service and registers it with the
// booking service so cancellations trigger promotion.
func NewWaitlistService(store BookingStore, locker lock.Locker, bookings *BookingService, publisher events.Publisher, idGenerator func() string, now func() time.Time, afterFunc AfterFunc, options WaitlistOptions) *WaitlistService {
	return NewWaitlistServiceWithLogger(store, locker, bookings, publisher, idGenerator, now, afterFunc, options, nil)
}

// NewWaitlistServiceWithLogger constructs a waitlist service with a specified logger.
func NewWaitlistServiceWithLogger(store BookingStore, locker lock.Locker, bookings *BookingService, publisher events.Publisher, idGenerator func() string, now func() time.Time, afterFunc AfterFunc, options WaitlistOptions, logger *slog.Logger) *WaitlistService {
	if locker == nil && bookings != nil {
		locker = bookings.locker
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	logger = defaultLogger(logger)
	s := &WaitlistService{
		store:       store,
		locker:      locker,
		bookings:    bookings,
		trail:       newAuditTrail(store, publisher, idGenerator, now, logger),
		idGenerator: idGenerator,
		now:         now,
		afterFunc:   afterFunc,
		options:     options.withDefaults(),
		logger:      logger,
		timers:      make(map[string]Timer),
	}
	if bookings != nil {
		bookings.setListener(s)
	}
	return s
}

func (s *WaitlistService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "WaitlistService", operation, attrs...)
}

// SetObserver registers the observer notified when entries are booked or expire.
func (s *WaitlistService) SetObserver(observer WaitlistObserver) {
	s.mu.Lock()
	s.observer = observer
	s.mu.Unlock()
}

func (s *WaitlistService) currentObserver() WaitlistObserver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// Join queues a deferred request for a resource or for any resource matching
// a capability query.
func (s *WaitlistService) Join(ctx context.Context, params JoinParams) (entry persistence.WaitlistEntry, err error) {
	if s == nil {
		err = fmt.Errorf("WaitlistService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Join",
		"principal_id", params.Principal.UserID,
		"resource_id", params.ResourceID,
		"request_id", params.RequestID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to join waitlist", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("entry_id", entry.ID, "priority", entry.Priority).InfoContext(ctx, "waitlist joined")
	}()

	if params.Principal.UserID == "" {
		err = ErrUnauthorized
		return
	}

	now := s.now()
	vErr := validateJoin(params, now)
	if vErr.HasErrors() {
		err = vErr
		return
	}
	resourceID := strings.TrimSpace(params.ResourceID)
	if resourceID != "" {
		if _, err = s.store.GetResource(ctx, resourceID); err != nil {
			err = mapRepoError(err)
			return
		}
	}

	duration := params.Duration
	if duration == 0 {
		duration = params.Desired.Duration()
	}
	deadline := params.Deadline
	if deadline.IsZero() {
		deadline = params.Desired.End
	}
	var query *persistence.ResourceQuery
	if params.Query != nil {
		q := *params.Query
		query = &q
	}

	entry = persistence.WaitlistEntry{
		ID:           s.idGenerator(),
		RequesterID:  params.Principal.UserID,
		RequestID:    params.RequestID,
		ResourceID:   resourceID,
		Query:        query,
		DesiredStart: params.Desired.Start,
		DesiredEnd:   params.Desired.End,
		Duration:     duration,
		Flexibility:  params.Flexibility,
		Priority:     params.Priority,
		SubmittedAt:  now,
		Deadline:     deadline,
		Status:       persistence.WaitlistStatusWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err = s.store.CreateEntry(ctx, entry); err != nil {
		err = mapRepoError(err)
		return
	}

	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "waitlist.joined",
		RequestID:   entry.RequestID,
		ResourceID:  entry.ResourceID,
		RequesterID: entry.RequesterID,
		EntryID:     entry.ID,
		Decision:    "waiting",
		Outcome:     "queued",
	}, map[string]any{"priority": entry.Priority, "deadline": entry.Deadline})
	return
}

func validateJoin(params JoinParams, now time.Time) *ValidationError {
	vErr := &ValidationError{}
	hasResource := strings.TrimSpace(params.ResourceID) != ""
	hasQuery := params.Query != nil && (len(params.Query.Required) > 0 || params.Query.Kind != "")
	switch {
	case hasResource && hasQuery:
		vErr.add("resource_id", "specify either resource_id or query, not both")
	case !hasResource && !hasQuery:
		vErr.add("resource_id", "resource_id or query is required")
	}
	if !params.Desired.Valid() {
		vErr.add("desired", "start must be before end")
	}
	if params.Duration < 0 {
		vErr.add("duration", "duration must not be negative")
	} else if params.Desired.Valid() && params.Duration > params.Desired.Duration() {
		vErr.add("duration", "duration must fit inside the desired window")
	}
	if params.Flexibility < 0 {
		vErr.add("flexibility", "flexibility must not be negative")
	}
	deadline := params.Deadline
	if deadline.IsZero() {
		deadline = params.Desired.End
	}
	if !deadline.After(now) {
		vErr.add("deadline", "deadline must be in the future")
	}
	return vErr
}

// GetEntry returns an entry to its requester and administrators.
func (s *WaitlistService) GetEntry(ctx context.Context, principal Principal, entryID string) (persistence.WaitlistEntry, error) {
	if s == nil {
		return persistence.WaitlistEntry{}, fmt.Errorf("WaitlistService is nil")
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return persistence.WaitlistEntry{}, mapRepoError(err)
	}
	if !principal.IsAdmin && principal.UserID != entry.RequesterID {
		return persistence.WaitlistEntry{}, ErrUnauthorized
	}
	return entry, nil
}

// Leave removes the entry. Any live offer it holds is withdrawn without
// being passed on.
func (s *WaitlistService) Leave(ctx context.Context, principal Principal, entryID string) (err error) {
	if s == nil {
		return fmt.Errorf("WaitlistService is nil")
	}

	logger := s.loggerWith(ctx, "Leave",
		"principal_id", principal.UserID,
		"entry_id", entryID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to leave waitlist", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "waitlist left")
	}()

	var entry persistence.WaitlistEntry
	entry, err = s.GetEntry(ctx, principal, entryID)
	if err != nil {
		return
	}

	if entry.Status == persistence.WaitlistStatusOffered && entry.Offer != nil {
		var unlock lock.Release
		unlock, err = s.locker.Acquire(ctx, lockKey(entry.Offer.ResourceID))
		if err != nil {
			return
		}
		defer unlock()
	}
	s.stopTimer(entry.ID)
	if err = s.store.DeleteEntry(ctx, entry.ID); err != nil {
		err = mapRepoError(err)
		return
	}

	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "waitlist.left",
		RequestID:   entry.RequestID,
		ResourceID:  entry.ResourceID,
		RequesterID: entry.RequesterID,
		EntryID:     entry.ID,
		Decision:    "left",
		Outcome:     string(entry.Status),
	}, map[string]any{"actor": principal.UserID})
	return
}

// OnSlotFreed offers freed to the first eligible waiting entry. The booking
// service calls the locked variant while it still holds the resource lock.
func (s *WaitlistService) OnSlotFreed(ctx context.Context, resourceID string, freed scheduler.Window) error {
	if s == nil {
		return fmt.Errorf("WaitlistService is nil")
	}
	ctx, flushEvents := holdEvents(ctx)
	defer flushEvents()
	unlock, err := s.locker.Acquire(ctx, lockKey(resourceID))
	if err != nil {
		return err
	}
	defer unlock()
	return s.slotFreedLocked(ctx, resourceID, freed)
}

func (s *WaitlistService) slotFreedLocked(ctx context.Context, resourceID string, freed scheduler.Window) error {
	_, _, err := s.offerNextLocked(ctx, resourceID, freed, nil)
	return err
}

// offerNextLocked walks waiting entries in queue order and offers freed to
// the first one with a feasible placement. Entries in skip are passed over
// for this round. Entries past their deadline are expired on the way.
func (s *WaitlistService) offerNextLocked(ctx context.Context, resourceID string, freed scheduler.Window, skip map[string]struct{}) (offered persistence.WaitlistEntry, ok bool, err error) {
	logger := s.loggerWith(ctx, "OfferNext",
		"resource_id", resourceID,
	)
	ctx, span := telemetry.StartSpan(ctx, "WaitlistService.OfferNext", attribute.String("resource.id", resourceID))
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to offer freed slot", "error", err, "error_kind", ErrorKind(err))
			return
		}
		if ok {
			logger.With("entry_id", offered.ID, "requester_id", offered.RequesterID).InfoContext(ctx, "freed slot offered")
		}
	}()

	if !freed.Valid() {
		return
	}
	if s.bookings == nil {
		err = fmt.Errorf("booking service not configured")
		return
	}
	var resource persistence.Resource
	resource, err = s.store.GetResource(ctx, resourceID)
	if err != nil {
		err = mapRepoError(err)
		return
	}
	if !resource.Active {
		return
	}
	var cal scheduler.Calendar
	cal, err = CalendarFor(resource)
	if err != nil {
		return
	}

	var entries []persistence.WaitlistEntry
	entries, err = s.store.ListEntries(ctx, persistence.WaitlistFilter{
		ResourceID:     resourceID,
		IncludeQueries: true,
		Statuses:       []persistence.WaitlistStatus{persistence.WaitlistStatusWaiting},
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}

	now := s.now()
	for _, entry := range entries {
		if _, skipped := skip[entry.ID]; skipped {
			continue
		}
		if entry.ResourceID == "" && !queryMatches(entry.Query, resource) {
			continue
		}
		if !entry.Deadline.After(now) {
			if err = s.expireLocked(ctx, entry, "deadline_passed"); err != nil {
				return
			}
			continue
		}

		var busy []scheduler.Window
		busy, err = s.bookings.busyWindows(ctx, resourceID, searchRange(entry), entry.RequesterID)
		if err != nil {
			return
		}
		placement, found := placeEntry(entry, resource, cal, busy, freed, s.options.Policy, now)
		if !found {
			continue
		}

		offered, err = s.offerLocked(ctx, entry, resourceID, placement)
		if err != nil {
			return
		}
		ok = true
		return
	}
	return
}

// searchRange is the desired window widened by the entry's flexibility.
func searchRange(entry persistence.WaitlistEntry) scheduler.Window {
	desired := scheduler.Window{Start: entry.DesiredStart, End: entry.DesiredEnd}
	return desired.Expand(entry.Flexibility)
}

func entryDuration(entry persistence.WaitlistEntry) time.Duration {
	if entry.Duration > 0 {
		return entry.Duration
	}
	return entry.DesiredEnd.Sub(entry.DesiredStart)
}

// placeEntry finds the window of the entry's duration, starting within its
// flexibility of the desired start, that the policy allows inside freed. The
// start closest to the desired one wins; earlier starts win ties.
func placeEntry(entry persistence.WaitlistEntry, resource persistence.Resource, cal scheduler.Calendar, busy []scheduler.Window, freed scheduler.Window, policy PromotionPolicy, now time.Time) (scheduler.Window, bool) {
	d := entryDuration(entry)
	if d <= 0 {
		return scheduler.Window{}, false
	}
	earliest := entry.DesiredStart.Add(-entry.Flexibility)
	latest := entry.DesiredStart.Add(entry.Flexibility)

	region, ok := searchRange(entry).Intersect(freed)
	if policy == PolicyPartialCapacity {
		region, ok = searchRange(entry).Intersect(freed.Expand(d))
	}
	if !ok {
		return scheduler.Window{}, false
	}

	var (
		best      scheduler.Window
		bestDelta time.Duration
		found     bool
	)
	for _, free := range scheduler.FreeWindows(cal, busy, capacityOf(resource), region) {
		lo := maxTime(free.Start, earliest)
		hi := minTime(free.End.Add(-d), latest)
		if hi.Before(lo) {
			continue
		}
		start := entry.DesiredStart
		if start.Before(lo) {
			start = lo
		}
		if start.After(hi) {
			start = hi
		}
		candidate := scheduler.Window{Start: start, End: start.Add(d)}
		if !candidate.Overlaps(freed) {
			continue
		}
		if checkConstraints(resource, cal, candidate, now).HasErrors() {
			continue
		}
		delta := start.Sub(entry.DesiredStart).Abs()
		if !found || delta < bestDelta || (delta == bestDelta && start.Before(best.Start)) {
			best, bestDelta, found = candidate, delta, true
		}
	}
	return best, found
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func queryMatches(query *persistence.ResourceQuery, resource persistence.Resource) bool {
	if query == nil {
		return false
	}
	if query.Kind != "" && query.Kind != resource.Kind {
		return false
	}
	for tag, level := range query.Required {
		if resource.Capabilities[tag] < level || resource.Capabilities[tag] == 0 {
			return false
		}
	}
	return true
}

func (s *WaitlistService) offerLocked(ctx context.Context, entry persistence.WaitlistEntry, resourceID string, placement scheduler.Window) (persistence.WaitlistEntry, error) {
	now := s.now()
	expiresAt := now.Add(s.options.ClaimWindow)
	entry.Status = persistence.WaitlistStatusOffered
	entry.Offer = &persistence.Offer{
		ResourceID: resourceID,
		Start:      placement.Start,
		End:        placement.End,
		ExpiresAt:  expiresAt,
	}
	entry.UpdatedAt = now
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return persistence.WaitlistEntry{}, mapRepoError(err)
	}

	entryID := entry.ID
	timer := s.afterFunc(s.options.ClaimWindow, func() {
		s.onTimer(entryID, expiresAt)
	})
	s.mu.Lock()
	if previous, ok := s.timers[entryID]; ok {
		previous.Stop()
	}
	s.timers[entryID] = timer
	s.mu.Unlock()

	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "waitlist.offered",
		RequestID:   entry.RequestID,
		ResourceID:  resourceID,
		RequesterID: entry.RequesterID,
		EntryID:     entry.ID,
		Decision:    "offered",
		Outcome:     "held",
	}, map[string]any{"start": placement.Start, "end": placement.End, "expires_at": expiresAt, "priority": entry.Priority})
	s.trail.publish(ctx, events.Event{
		Type:        events.WaitlistOffered,
		RequestID:   entry.RequestID,
		ResourceID:  resourceID,
		RequesterID: entry.RequesterID,
		EntryID:     entry.ID,
		Start:       placement.Start,
		End:         placement.End,
		State:       string(entry.Status),
	})
	return entry, nil
}

func (s *WaitlistService) stopTimer(entryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[entryID]; ok {
		timer.Stop()
		delete(s.timers, entryID)
	}
}

// onTimer runs when a claim window ends. It is a no-op when the offer was
// claimed, withdrawn or replaced in the meantime.
func (s *WaitlistService) onTimer(entryID string, expiresAt time.Time) {
	s.mu.Lock()
	delete(s.timers, entryID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.options.TimerTimeout)
	defer cancel()
	if _, err := s.lapse(ctx, entryID, expiresAt); err != nil {
		s.loggerWith(ctx, "Lapse", "entry_id", entryID).
			ErrorContext(ctx, "failed to lapse offer", "error", err, "error_kind", ErrorKind(err))
	}
}

// lapse withdraws an unclaimed offer and passes the slot to the next entry.
// A zero expiresAt lapses whatever offer is live.
func (s *WaitlistService) lapse(ctx context.Context, entryID string, expiresAt time.Time) (bool, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return false, nil
		}
		return false, mapRepoError(err)
	}
	if entry.Status != persistence.WaitlistStatusOffered || entry.Offer == nil {
		return false, nil
	}
	resourceID := entry.Offer.ResourceID

	ctx, flushEvents := holdEvents(ctx)
	defer flushEvents()
	unlock, err := s.locker.Acquire(ctx, lockKey(resourceID))
	if err != nil {
		return false, err
	}
	defer unlock()

	entry, err = s.store.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return false, nil
		}
		return false, mapRepoError(err)
	}
	if entry.Status != persistence.WaitlistStatusOffered || entry.Offer == nil {
		return false, nil
	}
	if !expiresAt.IsZero() && !entry.Offer.ExpiresAt.Equal(expiresAt) {
		return false, nil
	}

	freed := scheduler.Window{Start: entry.Offer.Start, End: entry.Offer.End}
	now := s.now()
	if entry.Deadline.After(now) {
		entry.Status = persistence.WaitlistStatusWaiting
		entry.Offer = nil
		entry.UpdatedAt = now
		if err := s.store.UpdateEntry(ctx, entry); err != nil {
			return false, mapRepoError(err)
		}
		s.trail.record(ctx, persistence.AuditRecord{
			Kind:        "waitlist.lapsed",
			RequestID:   entry.RequestID,
			ResourceID:  resourceID,
			RequesterID: entry.RequesterID,
			EntryID:     entry.ID,
			Decision:    "lapsed",
			Outcome:     string(entry.Status),
		}, nil)
		s.trail.publish(ctx, events.Event{
			Type:        events.WaitlistLapsed,
			RequestID:   entry.RequestID,
			ResourceID:  resourceID,
			RequesterID: entry.RequesterID,
			EntryID:     entry.ID,
			Start:       freed.Start,
			End:         freed.End,
			State:       string(entry.Status),
		})
	} else if err := s.expireLocked(ctx, entry, "deadline_passed"); err != nil {
		return false, err
	}

	if freed.End.After(now) {
		if freed.Start.Before(now) {
			freed.Start = now
		}
		if _, _, err := s.offerNextLocked(ctx, resourceID, freed, map[string]struct{}{entry.ID: {}}); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *WaitlistService) expireLocked(ctx context.Context, entry persistence.WaitlistEntry, reason string) error {
	now := s.now()
	entry.Status = persistence.WaitlistStatusExpired
	entry.Offer = nil
	entry.UpdatedAt = now
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return mapRepoError(err)
	}
	s.stopTimer(entry.ID)

	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "waitlist.expired",
		RequestID:   entry.RequestID,
		ResourceID:  entry.ResourceID,
		RequesterID: entry.RequesterID,
		EntryID:     entry.ID,
		Decision:    reason,
		Outcome:     string(entry.Status),
	}, nil)
	s.trail.publish(ctx, events.Event{
		Type:        events.WaitlistExpired,
		RequestID:   entry.RequestID,
		ResourceID:  entry.ResourceID,
		RequesterID: entry.RequesterID,
		EntryID:     entry.ID,
		State:       string(entry.Status),
		Reason:      reason,
	})
	if observer := s.currentObserver(); observer != nil {
		observer.EntryExpired(ctx, entry)
	}
	return nil
}

// Claim books the offered slot for the entry's requester. The offer's own
// hold does not count against the booking; every other reservation does.
func (s *WaitlistService) Claim(ctx context.Context, principal Principal, entryID string) (result ClaimResult, err error) {
	if s == nil {
		err = fmt.Errorf("WaitlistService is nil")
		return
	}
	if s.bookings == nil {
		err = fmt.Errorf("booking service not configured")
		return
	}

	logger := s.loggerWith(ctx, "Claim",
		"principal_id", principal.UserID,
		"entry_id", entryID,
	)
	ctx, span := telemetry.StartSpan(ctx, "WaitlistService.Claim", attribute.String("waitlist.entry_id", entryID))
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to claim offer", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("booking_id", result.Booking.ID).InfoContext(ctx, "offer claimed")
	}()

	var entry persistence.WaitlistEntry
	entry, err = s.GetEntry(ctx, principal, entryID)
	if err != nil {
		return
	}
	if err = s.claimable(entry); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.bookings.options.BookTimeout)
	defer cancel()
	ctx, flushEvents := holdEvents(ctx)
	defer flushEvents()
	resourceID := entry.Offer.ResourceID
	var unlock lock.Release
	unlock, err = s.locker.Acquire(ctx, lockKey(resourceID))
	if err != nil {
		return
	}
	result, err = s.claimLocked(ctx, entryID, resourceID)
	unlock()
	if err != nil {
		return
	}

	if observer := s.currentObserver(); observer != nil {
		observer.EntryBooked(ctx, result.Entry, result.Booking)
	}
	return
}

func (s *WaitlistService) claimable(entry persistence.WaitlistEntry) error {
	if entry.Status != persistence.WaitlistStatusOffered || entry.Offer == nil {
		return fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, entry.ID, entry.Status)
	}
	if !entry.Offer.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: offer for entry %s has expired", ErrInvalidTransition, entry.ID)
	}
	return nil
}

// claimLocked commits the offer held by entryID. The caller holds the lock
// on resourceID, so an offer that moved to another resource is refused.
func (s *WaitlistService) claimLocked(ctx context.Context, entryID, resourceID string) (ClaimResult, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return ClaimResult{}, mapRepoError(err)
	}
	if err := s.claimable(entry); err != nil {
		return ClaimResult{}, err
	}
	if entry.Offer.ResourceID != resourceID {
		return ClaimResult{}, fmt.Errorf("%w: offer for entry %s moved to resource %s", ErrInvalidTransition, entry.ID, entry.Offer.ResourceID)
	}

	plan, err := s.bookings.plan(ctx, BookParams{
		Principal:  Principal{UserID: entry.RequesterID},
		ResourceID: entry.Offer.ResourceID,
		Window:     scheduler.Window{Start: entry.Offer.Start, End: entry.Offer.End},
		RequestID:  entry.RequestID,
	})
	if err != nil {
		return ClaimResult{}, err
	}
	if err := s.bookings.commitLocked(ctx, plan, entry.ID); err != nil {
		return ClaimResult{}, err
	}
	booking := plan.bookings[0]

	entry.Status = persistence.WaitlistStatusBooked
	entry.BookingID = booking.ID
	entry.UpdatedAt = s.now()
	if err := s.store.UpdateEntry(ctx, entry); err != nil {
		return ClaimResult{}, mapRepoError(err)
	}
	s.stopTimer(entry.ID)

	s.bookings.announce(ctx, Principal{UserID: entry.RequesterID}, plan)
	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "waitlist.claimed",
		RequestID:   entry.RequestID,
		ResourceID:  booking.ResourceID,
		RequesterID: entry.RequesterID,
		BookingID:   booking.ID,
		EntryID:     entry.ID,
		Decision:    "claimed",
		Outcome:     string(entry.Status),
	}, nil)
	s.trail.publish(ctx, events.Event{
		Type:        events.WaitlistBooked,
		RequestID:   entry.RequestID,
		ResourceID:  booking.ResourceID,
		RequesterID: entry.RequesterID,
		BookingID:   booking.ID,
		EntryID:     entry.ID,
		Start:       booking.Start,
		End:         booking.End,
		State:       string(entry.Status),
	})
	return ClaimResult{Entry: entry, Booking: booking}, nil
}

// Advance expires waiting entries past their deadline and lapses offers whose
// claim window ended. It backs up the in-process timers, which do not
// survive a restart.
func (s *WaitlistService) Advance(ctx context.Context, now time.Time) (sweep WaitlistSweep, err error) {
	if s == nil {
		err = fmt.Errorf("WaitlistService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Advance")
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to advance waitlist", "error", err, "error_kind", ErrorKind(err))
			return
		}
		if sweep.Expired > 0 || sweep.Lapsed > 0 {
			logger.With("expired", sweep.Expired, "lapsed", sweep.Lapsed).InfoContext(ctx, "waitlist advanced")
		}
	}()

	var offered []persistence.WaitlistEntry
	offered, err = s.store.ListEntries(ctx, persistence.WaitlistFilter{
		Statuses: []persistence.WaitlistStatus{persistence.WaitlistStatusOffered},
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}
	for _, entry := range offered {
		if entry.Offer == nil || entry.Offer.ExpiresAt.After(now) {
			continue
		}
		s.stopTimer(entry.ID)
		var lapsed bool
		lapsed, err = s.lapse(ctx, entry.ID, entry.Offer.ExpiresAt)
		if err != nil {
			return
		}
		if lapsed {
			sweep.Lapsed++
		}
	}

	var waiting []persistence.WaitlistEntry
	waiting, err = s.store.ListEntries(ctx, persistence.WaitlistFilter{
		Statuses: []persistence.WaitlistStatus{persistence.WaitlistStatusWaiting},
	})
	if err != nil {
		err = mapRepoError(err)
		return
	}
	for _, entry := range waiting {
		if entry.Deadline.After(now) {
			continue
		}
		var expired bool
		expired, err = s.expireWaiting(ctx, entry.ID)
		if err != nil {
			return
		}
		if expired {
			sweep.Expired++
		}
	}
	return
}

func (s *WaitlistService) expireWaiting(ctx context.Context, entryID string) (bool, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return false, nil
		}
		return false, mapRepoError(err)
	}
	if entry.ResourceID != "" {
		var flushEvents func()
		ctx, flushEvents = holdEvents(ctx)
		defer flushEvents()
		unlock, err := s.locker.Acquire(ctx, lockKey(entry.ResourceID))
		if err != nil {
			return false, err
		}
		defer unlock()
		if entry, err = s.store.GetEntry(ctx, entryID); err != nil {
			return false, mapRepoError(err)
		}
	}
	if entry.Status != persistence.WaitlistStatusWaiting {
		return false, nil
	}
	if err := s.expireLocked(ctx, entry, "deadline_passed"); err != nil {
		return false, err
	}
	return true, nil
}

// PendingTimers reports how many claim timers are armed.
func (s *WaitlistService) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
