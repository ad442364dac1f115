package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/resource-allocator/internal/events"
	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
	"github.com/example/resource-allocator/internal/telemetry"
)

// AllocationStore captures the persistence operations needed by the orchestrator.
type AllocationStore interface {
	BookingStore
	persistence.RequestRepository
}

// AllocationOptions tunes the orchestrator.
type AllocationOptions struct {
	MatchTimeout time.Duration
	// MaxBookRetries is how many times a lost booking race is re-matched
	// before the request is waitlisted.
	MaxBookRetries int
}

func (o AllocationOptions) withDefaults() AllocationOptions {
	if o.MatchTimeout <= 0 {
		o.MatchTimeout = 2 * time.Second
	}
	if o.MaxBookRetries < 0 {
		o.MaxBookRetries = 0
	}
	return o
}

var requestTransitions = map[persistence.RequestState][]persistence.RequestState{
	persistence.RequestStateRequested: {
		persistence.RequestStateMatched, persistence.RequestStateUnmatched, persistence.RequestStateAssigned,
		persistence.RequestStateCancelled, persistence.RequestStateExpired,
	},
	persistence.RequestStateMatched: {
		persistence.RequestStateAssigned, persistence.RequestStateWaitlisted,
		persistence.RequestStateCancelled, persistence.RequestStateExpired,
	},
	persistence.RequestStateUnmatched: {
		persistence.RequestStateMatched, persistence.RequestStateAssigned, persistence.RequestStateWaitlisted,
		persistence.RequestStateCancelled, persistence.RequestStateExpired,
	},
	persistence.RequestStateAssigned: {
		persistence.RequestStateBooked, persistence.RequestStateMatched, persistence.RequestStateWaitlisted,
		persistence.RequestStateCancelled,
	},
	persistence.RequestStateBooked: {
		persistence.RequestStateActive, persistence.RequestStateCompleted, persistence.RequestStateCancelled,
	},
	persistence.RequestStateActive: {
		persistence.RequestStateCompleted, persistence.RequestStateCancelled,
	},
	persistence.RequestStateWaitlisted: {
		persistence.RequestStateAssigned, persistence.RequestStateBooked,
		persistence.RequestStateExpired, persistence.RequestStateCancelled,
	},
}

func canTransition(from, to persistence.RequestState) bool {
	return slices.Contains(requestTransitions[from], to)
}

// urgencyBoost maps urgency onto the integer priority scale.
func urgencyBoost(u persistence.Urgency) int {
	switch u {
	case persistence.UrgencyLow:
		return -10
	case persistence.UrgencyHigh:
		return 10
	case persistence.UrgencyCritical:
		return 20
	default:
		return 0
	}
}

// EffectivePriority is the request priority adjusted for urgency.
func EffectivePriority(req persistence.AllocationRequest) int {
	return req.Priority + urgencyBoost(req.Urgency)
}

// AllocationService drives requests from submission to a booking or a
// waitlist entry.
type AllocationService struct {
	store       AllocationStore
	engine      *matching.Engine
	bookings    *BookingService
	waitlist    *WaitlistService
	trail       *auditTrail
	idGenerator func() string
	now         func() time.Time
	options     AllocationOptions
	logger      *slog.Logger
}

// NewAllocationService constructs the orchestrator and registers it for
// waitlist outcomes.
func NewAllocationService(store AllocationStore, engine *matching.Engine, bookings *BookingService, waitlist *WaitlistService, publisher events.Publisher, idGenerator func() string, now func() time.Time, options AllocationOptions) *AllocationService {
	return NewAllocationServiceWithLogger(store, engine, bookings, waitlist, publisher, idGenerator, now, options, nil)
}

// NewAllocationServiceWithLogger constructs the orchestrator with a specified logger.
func NewAllocationServiceWithLogger(store AllocationStore, engine *matching.Engine, bookings *BookingService, waitlist *WaitlistService, publisher events.Publisher, idGenerator func() string, now func() time.Time, options AllocationOptions, logger *slog.Logger) *AllocationService {
	if engine == nil {
		engine = matching.NewEngine(matching.DefaultWeights(), matching.Settings{})
	}
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	logger = defaultLogger(logger)
	s := &AllocationService{
		store:       store,
		engine:      engine,
		bookings:    bookings,
		waitlist:    waitlist,
		trail:       newAuditTrail(store, publisher, idGenerator, now, logger),
		idGenerator: idGenerator,
		now:         now,
		options:     options.withDefaults(),
		logger:      logger,
	}
	if waitlist != nil {
		waitlist.SetObserver(s)
	}
	return s
}

func (s *AllocationService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AllocationService", operation, attrs...)
}

// Submit records a request, ranks the pool for it and, for auto-assign
// requests, books the best free candidate. Lost booking races are re-matched
// without the losing candidate; when retries run out, or nothing is
// eligible, the request joins the waitlist.
func (s *AllocationService) Submit(ctx context.Context, params SubmitParams) (result AllocationResult, err error) {
	if s == nil {
		err = fmt.Errorf("AllocationService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Submit",
		"principal_id", params.Principal.UserID,
	)
	ctx, span := telemetry.StartSpan(ctx, "AllocationService.Submit")
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to submit request", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With(
			"request_id", result.Request.ID,
			"state", result.Request.State,
			"candidate_count", len(result.Matches.Candidates),
		).InfoContext(ctx, "request submitted")
	}()

	if params.Principal.UserID == "" {
		err = ErrUnauthorized
		return
	}

	now := s.now()
	vErr := validateRequestInput(params.Input, now)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	in := params.Input
	urgency := in.Urgency
	if urgency == "" {
		urgency = persistence.UrgencyNormal
	}
	deadline := in.Deadline
	if deadline.IsZero() {
		deadline = in.Window.End
	}
	required := make(map[string]int, len(in.Required))
	for tag, level := range in.Required {
		required[strings.ToLower(strings.TrimSpace(tag))] = level
	}
	req := persistence.AllocationRequest{
		ID:                  s.idGenerator(),
		RequesterID:         params.Principal.UserID,
		Required:            required,
		Preferred:           slices.Clone(in.Preferred),
		Kind:                in.Kind,
		WindowStart:         in.Window.Start,
		WindowEnd:           in.Window.End,
		Duration:            in.Duration,
		Priority:            in.Priority,
		Urgency:             urgency,
		PreferredResourceID: strings.TrimSpace(in.PreferredResourceID),
		ContextID:           in.ContextID,
		AutoAssign:          in.AutoAssign,
		Flexibility:         in.Flexibility,
		Deadline:            deadline,
		State:               persistence.RequestStateRequested,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	span.SetAttributes(attribute.String("request.id", req.ID))
	if err = s.store.CreateRequest(ctx, req); err != nil {
		err = mapRepoError(err)
		return
	}
	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "request.submitted",
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Decision:    string(req.State),
		Outcome:     "accepted",
	}, map[string]any{
		"required":    req.Required,
		"auto_assign": req.AutoAssign,
		"priority":    EffectivePriority(req),
	})

	result, err = s.allocate(ctx, params.Principal, req)
	return
}

func (s *AllocationService) allocate(ctx context.Context, principal Principal, req persistence.AllocationRequest) (AllocationResult, error) {
	result := AllocationResult{Request: req}
	var exclude []string
	for {
		matches, err := s.match(ctx, req, exclude)
		if err != nil {
			return result, err
		}
		result.Matches = matches

		if matches.NoEligible {
			if req.State == persistence.RequestStateRequested {
				if err := s.setState(ctx, &req, persistence.RequestStateUnmatched, matches.Reason); err != nil {
					return result, err
				}
			}
			return s.enqueue(ctx, principal, req, result, matches.Reason)
		}
		if req.State != persistence.RequestStateMatched {
			if err := s.setState(ctx, &req, persistence.RequestStateMatched, ""); err != nil {
				return result, err
			}
		}
		result.Request = req
		if !req.AutoAssign {
			return result, nil
		}

		top, ok := bookable(matches)
		if !ok {
			return s.enqueue(ctx, principal, req, result, "no candidate is free for the whole window")
		}

		req.ResourceID = top.ResourceID
		if err := s.setState(ctx, &req, persistence.RequestStateAssigned, ""); err != nil {
			return result, err
		}
		booked, err := s.bookings.Book(ctx, BookParams{
			Principal:  Principal{UserID: req.RequesterID},
			ResourceID: top.ResourceID,
			Window:     top.Window,
			RequestID:  req.ID,
			ContextID:  req.ContextID,
		})
		if err == nil {
			req.BookingID = booked.Booking.ID
			if err := s.setState(ctx, &req, persistence.RequestStateBooked, ""); err != nil {
				return result, err
			}
			result.Request = req
			result.Booking = &booked.Booking
			return result, nil
		}

		var cErr *ConflictError
		if !errors.As(err, &cErr) {
			return result, err
		}
		// Only a lost race spends a retry. A rule violation just drops the candidate.
		if cErr.Reason == ConflictUnavailable {
			req.Attempts++
		}
		req.ResourceID = ""
		exclude = append(exclude, top.ResourceID)
		if err := s.setState(ctx, &req, persistence.RequestStateMatched, "booking conflict: "+string(cErr.Reason)); err != nil {
			return result, err
		}
		if req.Attempts > s.options.MaxBookRetries {
			return s.enqueue(ctx, principal, req, result, "booking retries exhausted")
		}
	}
}

// bookable returns the best candidate that is free for its whole window.
func bookable(matches matching.Result) (matching.Ranked, bool) {
	for _, c := range matches.Candidates {
		if c.Breakdown[matching.FactorAvailability] >= 100 {
			return c, true
		}
	}
	return matching.Ranked{}, false
}

// enqueue places the request on the waitlist, or expires it when its
// deadline no longer allows waiting.
func (s *AllocationService) enqueue(ctx context.Context, principal Principal, req persistence.AllocationRequest, result AllocationResult, reason string) (AllocationResult, error) {
	params := JoinParams{
		Principal:   Principal{UserID: req.RequesterID, IsAdmin: principal.IsAdmin},
		RequestID:   req.ID,
		Desired:     scheduler.Window{Start: req.WindowStart, End: req.WindowEnd},
		Duration:    req.Duration,
		Flexibility: req.Flexibility,
		Priority:    EffectivePriority(req),
		Deadline:    req.Deadline,
	}
	if len(req.Required) > 0 {
		params.Query = &persistence.ResourceQuery{Required: maps.Clone(req.Required), Kind: req.Kind}
	} else {
		params.ResourceID = req.PreferredResourceID
	}

	entry, err := s.waitlist.Join(ctx, params)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			if err := s.setState(ctx, &req, persistence.RequestStateExpired, "cannot wait: "+reason); err != nil {
				return result, err
			}
			result.Request = req
			return result, nil
		}
		return result, err
	}

	req.WaitlistEntryID = entry.ID
	if err := s.setState(ctx, &req, persistence.RequestStateWaitlisted, reason); err != nil {
		return result, err
	}
	result.Request = req
	result.Entry = &entry
	return result, nil
}

// match ranks the active pool for the request within the match timeout. A
// timeout degrades to a no-eligible outcome.
func (s *AllocationService) match(ctx context.Context, req persistence.AllocationRequest, exclude []string) (result matching.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.MatchTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "AllocationService.Match",
		attribute.String("request.id", req.ID),
		attribute.Int("match.excluded", len(exclude)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	pool, err := s.pool(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return matching.Result{NoEligible: true, Reason: "matching timed out"}, nil
		}
		return matching.Result{}, err
	}
	result, err = s.engine.Match(ctx, matchRequest(req, exclude, s.now()), pool)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return matching.Result{NoEligible: true, Reason: "matching timed out"}, nil
	case errors.Is(err, matching.ErrInvalidRequest):
		vErr := &ValidationError{}
		var iErr *matching.InvalidRequestError
		if errors.As(err, &iErr) {
			vErr.add(iErr.Field, iErr.Reason)
		} else {
			vErr.add("request", err.Error())
		}
		return matching.Result{}, vErr
	case err != nil:
		return matching.Result{}, err
	}
	span.SetAttributes(attribute.Int("match.candidates", len(result.Candidates)))

	ranking := make([]map[string]any, 0, min(len(result.Candidates), 5))
	for _, c := range result.Candidates[:min(len(result.Candidates), 5)] {
		ranking = append(ranking, map[string]any{"resource_id": c.ResourceID, "score": c.Score, "breakdown": c.Breakdown})
	}
	decision := "none"
	if top, ok := result.Top(); ok {
		decision = top.ResourceID
	}
	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "request.ranked",
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Decision:    decision,
		Outcome:     fmt.Sprintf("%d eligible", len(result.Candidates)),
	}, map[string]any{"ranking": ranking, "excluded": exclude, "reason": result.Reason})
	return result, nil
}

func matchRequest(req persistence.AllocationRequest, exclude []string, now time.Time) matching.Request {
	return matching.Request{
		RequesterID:         req.RequesterID,
		ContextID:           req.ContextID,
		Required:            req.Required,
		Preferred:           req.Preferred,
		Window:              scheduler.Window{Start: req.WindowStart, End: req.WindowEnd},
		Duration:            req.Duration,
		PreferredResourceID: req.PreferredResourceID,
		Exclude:             exclude,
		Now:                 now,
	}
}

// pool snapshots every active resource of the requested kind.
func (s *AllocationService) pool(ctx context.Context, req persistence.AllocationRequest) ([]matching.Candidate, error) {
	resources, err := s.store.ListResources(ctx, persistence.ResourceFilter{ActiveOnly: true, Kind: req.Kind})
	if err != nil {
		return nil, mapRepoError(err)
	}
	pool := make([]matching.Candidate, 0, len(resources))
	for _, r := range resources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidate, err := s.candidate(ctx, req, r)
		if err != nil {
			s.loggerWith(ctx, "Pool", "resource_id", r.ID).
				WarnContext(ctx, "skipping resource", "error", err)
			continue
		}
		pool = append(pool, candidate)
	}
	return pool, nil
}

func (s *AllocationService) candidate(ctx context.Context, req persistence.AllocationRequest, r persistence.Resource) (matching.Candidate, error) {
	cal, err := CalendarFor(r)
	if err != nil {
		return matching.Candidate{}, err
	}
	bookings, err := s.store.ListBookings(ctx, persistence.BookingFilter{
		ResourceID: r.ID,
		Statuses: []persistence.BookingStatus{
			persistence.BookingStatusPendingApproval,
			persistence.BookingStatusConfirmed,
			persistence.BookingStatusCompleted,
		},
	})
	if err != nil {
		return matching.Candidate{}, mapRepoError(err)
	}
	holds, err := s.bookings.offerHolds(ctx, r.ID, "")
	if err != nil {
		return matching.Candidate{}, err
	}

	c := matching.Candidate{
		ResourceID:   r.ID,
		Capabilities: r.Capabilities,
		Capacity:     capacityOf(r),
		Calendar:     cal,
		Constraints: matching.Constraints{
			MinDuration: r.Constraints.MinDuration,
			MaxDuration: r.Constraints.MaxDuration,
			LeadTime:    r.Constraints.LeadTime,
		},
	}
	for _, b := range bookings {
		w := scheduler.Window{Start: b.Start, End: b.End}
		if b.Status.Holds() {
			c.Busy = append(c.Busy, w)
		}
		if b.Status == persistence.BookingStatusPendingApproval {
			continue
		}
		c.Worked = append(c.Worked, w)
		if b.RequesterID == req.RequesterID {
			c.History.WithRequester++
		}
		if req.ContextID != "" && b.ContextID == req.ContextID {
			c.History.WithContext++
		}
	}
	for _, h := range holds {
		if h.Holder != req.RequesterID {
			c.Busy = append(c.Busy, h.Window)
		}
	}
	return c, nil
}

func validateRequestInput(in RequestInput, now time.Time) *ValidationError {
	vErr := &ValidationError{}
	if len(in.Required) == 0 && strings.TrimSpace(in.PreferredResourceID) == "" {
		vErr.add("required", "at least one required capability or a preferred resource is needed")
	}
	for tag, level := range in.Required {
		if strings.TrimSpace(tag) == "" {
			vErr.add("required", "capability tag must not be empty")
			continue
		}
		if level < 1 || level > matching.MaxLevel {
			vErr.add("required."+tag, fmt.Sprintf("level must be between 1 and %d", matching.MaxLevel))
		}
	}
	if !in.Window.Valid() {
		vErr.add("window", "start must be before end")
	} else if !in.Window.End.After(now) {
		vErr.add("window", "window must end in the future")
	}
	if in.Duration < 0 {
		vErr.add("duration", "duration must be positive")
	} else if in.Window.Valid() && in.Duration > in.Window.Duration() {
		vErr.add("duration", "duration must fit inside the window")
	}
	switch in.Urgency {
	case "", persistence.UrgencyLow, persistence.UrgencyNormal, persistence.UrgencyHigh, persistence.UrgencyCritical:
	default:
		vErr.add("urgency", "urgency must be low, normal, high or critical")
	}
	switch in.Kind {
	case "", persistence.ResourceKindAsset, persistence.ResourceKindPerson:
	default:
		vErr.add("kind", "kind must be person or asset")
	}
	if in.Flexibility < 0 {
		vErr.add("flexibility", "flexibility must not be negative")
	}
	if !in.Deadline.IsZero() && !in.Deadline.After(now) {
		vErr.add("deadline", "deadline must be in the future")
	}
	return vErr
}

func (s *AllocationService) setState(ctx context.Context, req *persistence.AllocationRequest, to persistence.RequestState, reason string) error {
	from := req.State
	if !canTransition(from, to) {
		return fmt.Errorf("%w: request %s cannot move from %s to %s", ErrInvalidTransition, req.ID, from, to)
	}
	req.State = to
	req.UpdatedAt = s.now()
	if err := s.store.UpdateRequest(ctx, *req); err != nil {
		req.State = from
		return mapRepoError(err)
	}

	s.trail.record(ctx, persistence.AuditRecord{
		Kind:        "request.state",
		RequestID:   req.ID,
		ResourceID:  req.ResourceID,
		RequesterID: req.RequesterID,
		BookingID:   req.BookingID,
		EntryID:     req.WaitlistEntryID,
		Decision:    string(to),
		Outcome:     string(from) + "->" + string(to),
	}, map[string]any{"reason": reason, "attempts": req.Attempts})
	s.trail.publish(ctx, events.Event{
		Type:        events.RequestStateChanged,
		RequestID:   req.ID,
		ResourceID:  req.ResourceID,
		RequesterID: req.RequesterID,
		BookingID:   req.BookingID,
		EntryID:     req.WaitlistEntryID,
		State:       string(to),
		Reason:      reason,
	})
	return nil
}

func (s *AllocationService) authorizedRequest(ctx context.Context, principal Principal, requestID string, allowApprover bool) (persistence.AllocationRequest, error) {
	if principal.UserID == "" {
		return persistence.AllocationRequest{}, ErrUnauthorized
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return persistence.AllocationRequest{}, mapRepoError(err)
	}
	if principal.IsAdmin || principal.UserID == req.RequesterID || (allowApprover && principal.IsApprover) {
		return req, nil
	}
	return persistence.AllocationRequest{}, ErrUnauthorized
}

// GetRequest returns the request to its requester, approvers and administrators.
func (s *AllocationService) GetRequest(ctx context.Context, principal Principal, requestID string) (persistence.AllocationRequest, error) {
	if s == nil {
		return persistence.AllocationRequest{}, fmt.Errorf("AllocationService is nil")
	}
	return s.authorizedRequest(ctx, principal, requestID, true)
}

// Matches re-ranks the current pool for the request. The ranking is
// advisory and does not change the request.
func (s *AllocationService) Matches(ctx context.Context, principal Principal, requestID string) (result AllocationResult, err error) {
	if s == nil {
		err = fmt.Errorf("AllocationService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Matches",
		"principal_id", principal.UserID,
		"request_id", requestID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to rank request", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("candidate_count", len(result.Matches.Candidates)).InfoContext(ctx, "request ranked")
	}()

	result.Request, err = s.authorizedRequest(ctx, principal, requestID, true)
	if err != nil {
		return
	}
	result.Matches, err = s.match(ctx, result.Request, nil)
	return
}

// Confirm books the chosen resource for a request that is not yet booked.
// Without an explicit window the resource's best window is used.
func (s *AllocationService) Confirm(ctx context.Context, params ConfirmParams) (result AllocationResult, err error) {
	if s == nil {
		err = fmt.Errorf("AllocationService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Confirm",
		"principal_id", params.Principal.UserID,
		"request_id", params.RequestID,
		"resource_id", params.ResourceID,
	)
	ctx, span := telemetry.StartSpan(ctx, "AllocationService.Confirm",
		attribute.String("request.id", params.RequestID),
		attribute.String("resource.id", params.ResourceID),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to confirm request", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("booking_id", result.Request.BookingID).InfoContext(ctx, "request confirmed")
	}()

	var req persistence.AllocationRequest
	req, err = s.authorizedRequest(ctx, params.Principal, params.RequestID, false)
	if err != nil {
		return
	}
	result.Request = req
	if !canTransition(req.State, persistence.RequestStateAssigned) {
		err = fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, req.ID, req.State)
		return
	}

	var resource persistence.Resource
	resource, err = s.store.GetResource(ctx, strings.TrimSpace(params.ResourceID))
	if err != nil {
		err = mapRepoError(err)
		return
	}
	var candidate matching.Candidate
	candidate, err = s.candidate(ctx, req, resource)
	if err != nil {
		return
	}
	var matches matching.Result
	matches, err = s.engine.Match(ctx, matchRequest(req, nil, s.now()), []matching.Candidate{candidate})
	if err != nil {
		return
	}
	top, ok := matches.Top()
	if !ok {
		vErr := &ValidationError{}
		vErr.add("resource_id", "resource does not satisfy the required capabilities")
		err = vErr
		return
	}
	result.Matches = matches

	window := top.Window
	if params.Window != nil {
		window = *params.Window
		requested := scheduler.Window{Start: req.WindowStart, End: req.WindowEnd}
		if !window.Valid() || !requested.Contains(window) {
			vErr := &ValidationError{}
			vErr.add("window", "window must lie inside the requested window")
			err = vErr
			return
		}
	}

	var booked BookResult
	booked, err = s.bookings.Book(ctx, BookParams{
		Principal:  Principal{UserID: req.RequesterID},
		ResourceID: resource.ID,
		Window:     window,
		RequestID:  req.ID,
		ContextID:  req.ContextID,
	})
	if err != nil {
		return
	}

	if req.State == persistence.RequestStateWaitlisted && req.WaitlistEntryID != "" {
		if leaveErr := s.waitlist.Leave(ctx, Principal{UserID: req.RequesterID}, req.WaitlistEntryID); leaveErr != nil && !errors.Is(leaveErr, ErrNotFound) {
			logger.WarnContext(ctx, "failed to leave waitlist after confirmation", "error", leaveErr)
		}
	}
	req.ResourceID = resource.ID
	if err = s.setState(ctx, &req, persistence.RequestStateAssigned, "manual selection"); err != nil {
		return
	}
	req.BookingID = booked.Booking.ID
	if err = s.setState(ctx, &req, persistence.RequestStateBooked, ""); err != nil {
		return
	}
	result.Request = req
	result.Booking = &booked.Booking
	return
}

// Cancel withdraws a request. Its booking is cancelled or its waitlist
// entry removed. Cancelling a finished request is a no-op.
func (s *AllocationService) Cancel(ctx context.Context, principal Principal, requestID string) (req persistence.AllocationRequest, err error) {
	if s == nil {
		err = fmt.Errorf("AllocationService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Cancel",
		"principal_id", principal.UserID,
		"request_id", requestID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to cancel request", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("state", req.State).InfoContext(ctx, "request cancelled")
	}()

	req, err = s.authorizedRequest(ctx, principal, requestID, false)
	if err != nil {
		return
	}
	if req.State.Terminal() {
		return
	}

	switch req.State {
	case persistence.RequestStateBooked, persistence.RequestStateActive:
		if req.BookingID != "" {
			if _, err = s.bookings.Cancel(ctx, principal, req.BookingID); err != nil {
				return
			}
		}
	case persistence.RequestStateWaitlisted:
		if req.WaitlistEntryID != "" {
			if err = s.waitlist.Leave(ctx, principal, req.WaitlistEntryID); err != nil && !errors.Is(err, ErrNotFound) {
				return
			}
			err = nil
		}
	}

	err = s.setState(ctx, &req, persistence.RequestStateCancelled, "cancelled by "+principal.UserID)
	return
}

// EntryBooked moves a waitlisted request to booked once its offer is claimed.
func (s *AllocationService) EntryBooked(ctx context.Context, entry persistence.WaitlistEntry, booking persistence.Booking) {
	if entry.RequestID == "" {
		return
	}
	req, err := s.store.GetRequest(ctx, entry.RequestID)
	if err != nil || req.State != persistence.RequestStateWaitlisted {
		return
	}
	req.ResourceID = booking.ResourceID
	req.BookingID = booking.ID
	if err := s.setState(ctx, &req, persistence.RequestStateBooked, "waitlist offer claimed"); err != nil {
		s.loggerWith(ctx, "EntryBooked", "request_id", req.ID).
			WarnContext(ctx, "failed to record waitlist booking", "error", err, "error_kind", ErrorKind(err))
	}
}

// EntryExpired moves a waitlisted request to expired.
func (s *AllocationService) EntryExpired(ctx context.Context, entry persistence.WaitlistEntry) {
	if entry.RequestID == "" {
		return
	}
	req, err := s.store.GetRequest(ctx, entry.RequestID)
	if err != nil || req.State != persistence.RequestStateWaitlisted {
		return
	}
	if err := s.setState(ctx, &req, persistence.RequestStateExpired, "waitlist deadline passed"); err != nil {
		s.loggerWith(ctx, "EntryExpired", "request_id", req.ID).
			WarnContext(ctx, "failed to record waitlist expiry", "error", err, "error_kind", ErrorKind(err))
	}
}

// Advance runs the time-driven transitions: bookings and waitlist entries
// first, then every open request is reconciled with them.
func (s *AllocationService) Advance(ctx context.Context, now time.Time) (report AdvanceReport, err error) {
	if s == nil {
		err = fmt.Errorf("AllocationService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Advance")
	ctx, span := telemetry.StartSpan(ctx, "AllocationService.Advance")
	defer func() {
		telemetry.EndSpan(span, err)
		if err != nil {
			logger.ErrorContext(ctx, "failed to advance requests", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With(
			"bookings_completed", report.Bookings.Completed,
			"approvals_expired", report.Bookings.ApprovalsExpired,
			"entries_expired", report.Waitlist.Expired,
			"offers_lapsed", report.Waitlist.Lapsed,
			"requests_activated", report.RequestsActivated,
			"requests_completed", report.RequestsCompleted,
			"requests_expired", report.RequestsExpired,
			"requests_cancelled", report.RequestsCancelled,
		).DebugContext(ctx, "lifecycle advanced")
	}()

	if report.Bookings, err = s.bookings.Advance(ctx, now); err != nil {
		return
	}
	if report.Waitlist, err = s.waitlist.Advance(ctx, now); err != nil {
		return
	}

	var open []persistence.AllocationRequest
	open, err = s.store.ListRequests(ctx, persistence.RequestFilter{States: []persistence.RequestState{
		persistence.RequestStateRequested,
		persistence.RequestStateMatched,
		persistence.RequestStateUnmatched,
		persistence.RequestStateAssigned,
		persistence.RequestStateBooked,
		persistence.RequestStateActive,
		persistence.RequestStateWaitlisted,
	}})
	if err != nil {
		err = mapRepoError(err)
		return
	}
	for _, req := range open {
		if err = s.reconcile(ctx, req, now, &report); err != nil {
			return
		}
	}
	return
}

func (s *AllocationService) reconcile(ctx context.Context, req persistence.AllocationRequest, now time.Time, report *AdvanceReport) error {
	switch req.State {
	case persistence.RequestStateBooked, persistence.RequestStateActive:
		if req.BookingID == "" {
			return nil
		}
		booking, err := s.store.GetBooking(ctx, req.BookingID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil
			}
			return mapRepoError(err)
		}
		switch {
		case booking.Status == persistence.BookingStatusCancelled:
			report.RequestsCancelled++
			return s.setState(ctx, &req, persistence.RequestStateCancelled, "booking "+booking.CancelReason)
		case booking.Status == persistence.BookingStatusCompleted || !booking.End.After(now):
			report.RequestsCompleted++
			return s.setState(ctx, &req, persistence.RequestStateCompleted, "")
		case req.State == persistence.RequestStateBooked && !booking.Start.After(now) &&
			booking.Status == persistence.BookingStatusConfirmed:
			report.RequestsActivated++
			return s.setState(ctx, &req, persistence.RequestStateActive, "")
		}
	case persistence.RequestStateWaitlisted:
		if req.WaitlistEntryID == "" {
			return nil
		}
		entry, err := s.store.GetEntry(ctx, req.WaitlistEntryID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil
			}
			return mapRepoError(err)
		}
		switch entry.Status {
		case persistence.WaitlistStatusExpired:
			report.RequestsExpired++
			return s.setState(ctx, &req, persistence.RequestStateExpired, "waitlist deadline passed")
		case persistence.WaitlistStatusBooked:
			req.BookingID = entry.BookingID
			if entry.Offer != nil {
				req.ResourceID = entry.Offer.ResourceID
			}
			return s.setState(ctx, &req, persistence.RequestStateBooked, "waitlist offer claimed")
		}
	default:
		if !req.WindowEnd.After(now) {
			report.RequestsExpired++
			return s.setState(ctx, &req, persistence.RequestStateExpired, "window passed without a booking")
		}
	}
	return nil
}
