package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/resource-allocator/internal/events"
	"github.com/example/resource-allocator/internal/persistence"
)

// auditTrail appends decision records and publishes domain events. Neither
// failure is returned to callers; both are logged.
type auditTrail struct {
	records     persistence.AuditRepository
	publisher   events.Publisher
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func newAuditTrail(records persistence.AuditRepository, publisher events.Publisher, idGenerator func() string, now func() time.Time, logger *slog.Logger) *auditTrail {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &auditTrail{records: records, publisher: publisher, idGenerator: idGenerator, now: now, logger: logger}
}

func (a *auditTrail) record(ctx context.Context, rec persistence.AuditRecord, detail any) {
	if a == nil || a.records == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = a.idGenerator()
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("audit-%d", a.now().UnixNano())
	}
	if rec.At.IsZero() {
		rec.At = a.now()
	}
	if detail != nil {
		encoded, err := json.Marshal(detail)
		if err == nil {
			rec.Detail = string(encoded)
		}
	}
	if err := a.records.AppendAudit(ctx, rec); err != nil {
		serviceLogger(ctx, a.logger, "AuditTrail", "Record", "kind", rec.Kind).
			WarnContext(ctx, "failed to append audit record", "error", err)
	}
}

func (a *auditTrail) publish(ctx context.Context, event events.Event) {
	if a == nil {
		return
	}
	if event.ID == "" {
		event.ID = a.idGenerator()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now()
	}
	if held, ok := ctx.Value(heldEventsKey{}).(*heldEvents); ok && held.add(a, event) {
		return
	}
	a.send(ctx, event)
}

func (a *auditTrail) send(ctx context.Context, event events.Event) {
	if err := a.publisher.Publish(ctx, event); err != nil {
		serviceLogger(ctx, a.logger, "AuditTrail", "Publish", "event_type", event.Type).
			WarnContext(ctx, "failed to publish event", "error", err)
	}
}

type heldEventsKey struct{}

type heldEvent struct {
	trail *auditTrail
	event events.Event
}

// heldEvents queues events raised inside a resource's critical section so
// the broker is only reached after the lock is released.
type heldEvents struct {
	mu      sync.Mutex
	pending []heldEvent
	flushed bool
}

func (h *heldEvents) add(trail *auditTrail, event events.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flushed {
		return false
	}
	h.pending = append(h.pending, heldEvent{trail: trail, event: event})
	return true
}

func (h *heldEvents) take() []heldEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushed = true
	pending := h.pending
	h.pending = nil
	return pending
}

// holdEvents returns a context whose published events wait until flush is
// called. Defer flush before acquiring the lock so it runs after the
// release. Nested holds join the outermost one.
func holdEvents(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(heldEventsKey{}).(*heldEvents); ok {
		return ctx, func() {}
	}
	held := &heldEvents{}
	ctx = context.WithValue(ctx, heldEventsKey{}, held)
	return ctx, func() {
		sendCtx := context.WithoutCancel(ctx)
		for _, p := range held.take() {
			p.trail.send(sendCtx, p.event)
		}
	}
}

func bookingEvent(eventType string, b persistence.Booking, reason string) events.Event {
	return events.Event{
		Type:        eventType,
		RequestID:   b.RequestID,
		ResourceID:  b.ResourceID,
		RequesterID: b.RequesterID,
		BookingID:   b.ID,
		Start:       b.Start,
		End:         b.End,
		State:       string(b.Status),
		Reason:      reason,
	}
}

// AuditService exposes the decision log.
type AuditService struct {
	records persistence.AuditRepository
	logger  *slog.Logger
}

// NewAuditService constructs an audit query service.
func NewAuditService(records persistence.AuditRepository) *AuditService {
	return NewAuditServiceWithLogger(records, nil)
}

// NewAuditServiceWithLogger constructs an audit query service with a specified logger.
func NewAuditServiceWithLogger(records persistence.AuditRepository, logger *slog.Logger) *AuditService {
	return &AuditService{records: records, logger: defaultLogger(logger)}
}

// ListAudit returns audit records. Callers other than administrators and
// approvers only see their own records.
func (s *AuditService) ListAudit(ctx context.Context, principal Principal, filter persistence.AuditFilter) (records []persistence.AuditRecord, err error) {
	if s == nil {
		err = fmt.Errorf("AuditService is nil")
		return
	}
	if principal.UserID == "" {
		err = ErrUnauthorized
		return
	}
	if !principal.IsAdmin && !principal.IsApprover {
		if filter.RequesterID != "" && filter.RequesterID != principal.UserID {
			err = ErrUnauthorized
			return
		}
		filter.RequesterID = principal.UserID
	}

	logger := serviceLogger(ctx, s.logger, "AuditService", "ListAudit",
		"principal_id", principal.UserID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to list audit records", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("result_count", len(records)).InfoContext(ctx, "audit records listed")
	}()

	records, err = s.records.ListAudit(ctx, filter)
	return
}
