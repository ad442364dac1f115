package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

type bookingService interface {
	Book(ctx context.Context, params application.BookParams) (application.BookResult, error)
	GetBooking(ctx context.Context, principal application.Principal, bookingID string) (persistence.Booking, error)
	ListBookings(ctx context.Context, principal application.Principal, filter persistence.BookingFilter) ([]persistence.Booking, error)
	Cancel(ctx context.Context, principal application.Principal, bookingID string) (persistence.Booking, error)
	Approve(ctx context.Context, principal application.Principal, bookingID string) (persistence.Booking, error)
	Reject(ctx context.Context, principal application.Principal, bookingID string) (persistence.Booking, error)
}

type BookingHandler struct {
	service   bookingService
	responder responder
	logger    *slog.Logger
}

func NewBookingHandler(service bookingService, logger *slog.Logger) *BookingHandler {
	base := defaultLogger(logger)
	return &BookingHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *BookingHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "BookingHandler", operation, attrs...)
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Create", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode booking request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Create", "principal_id", principal.UserID, "resource_id", req.ResourceID)

	params, err := req.toParams(principal)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	result, err := h.service.Book(r.Context(), params)
	if err != nil {
		logger.ErrorContext(r.Context(), "booking failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("booking_id", result.Booking.ID, "occurrences", len(result.Bookings)).InfoContext(r.Context(), "booking created")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, bookingResponse{
		Booking:     toBookingDTO(result.Booking),
		Occurrences: toBookingDTOs(result.Bookings),
	})
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	bookingID := strings.TrimSpace(r.PathValue("id"))
	if bookingID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidBookingID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	booking, err := h.service.GetBooking(r.Context(), principal, bookingID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, bookingResponse{Booking: toBookingDTO(booking)})
}

// List returns bookings matching the resource_id, status, from and to query
// parameters.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	query := r.URL.Query()
	filter := persistence.BookingFilter{
		ResourceID:  strings.TrimSpace(query.Get("resource_id")),
		RequesterID: strings.TrimSpace(query.Get("requester_id")),
		RequestID:   strings.TrimSpace(query.Get("request_id")),
	}
	for _, status := range query["status"] {
		filter.Statuses = append(filter.Statuses, persistence.BookingStatus(strings.TrimSpace(status)))
	}
	if v := query.Get("from"); v != "" {
		from, err := parseTime(v)
		if err != nil {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRange)
			return
		}
		filter.From = &from
	}
	if v := query.Get("to"); v != "" {
		to, err := parseTime(v)
		if err != nil {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRange)
			return
		}
		filter.To = &to
	}

	logger := h.log(r.Context(), "List", "principal_id", principal.UserID)
	bookings, err := h.service.ListBookings(r.Context(), principal, filter)
	if err != nil {
		logger.ErrorContext(r.Context(), "booking list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	logger.With("result_count", len(bookings)).InfoContext(r.Context(), "bookings listed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listBookingsResponse{Bookings: toBookingDTOs(bookings)})
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Cancel", "booking cancelled", func(ctx context.Context, p application.Principal, id string) (persistence.Booking, error) {
		return h.service.Cancel(ctx, p, id)
	})
}

func (h *BookingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Approve", "booking approved", func(ctx context.Context, p application.Principal, id string) (persistence.Booking, error) {
		return h.service.Approve(ctx, p, id)
	})
}

func (h *BookingHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Reject", "booking rejected", func(ctx context.Context, p application.Principal, id string) (persistence.Booking, error) {
		return h.service.Reject(ctx, p, id)
	})
}

func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request, operation, done string, apply func(context.Context, application.Principal, string) (persistence.Booking, error)) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	bookingID := strings.TrimSpace(r.PathValue("id"))
	if bookingID == "" {
		h.log(r.Context(), operation, "error_kind", "bad_request").ErrorContext(r.Context(), "missing booking id")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidBookingID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), operation, "principal_id", principal.UserID, "booking_id", bookingID)
	booking, err := apply(r.Context(), principal, bookingID)
	if err != nil {
		logger.ErrorContext(r.Context(), "booking transition failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("status", booking.Status).InfoContext(r.Context(), done)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, bookingResponse{Booking: toBookingDTO(booking)})
}

type recurrenceDTO struct {
	Frequency string     `json:"frequency"`
	Interval  int        `json:"interval,omitempty"`
	Weekdays  []string   `json:"weekdays,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Count     int        `json:"count,omitempty"`
}

type bookingRequest struct {
	ResourceID string         `json:"resource_id"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	ContextID  string         `json:"context_id"`
	Recurrence *recurrenceDTO `json:"recurrence"`
}

func (r bookingRequest) toParams(principal application.Principal) (application.BookParams, error) {
	params := application.BookParams{
		Principal:  principal,
		ResourceID: strings.TrimSpace(r.ResourceID),
		Window:     scheduler.Window{Start: r.Start, End: r.End},
		ContextID:  strings.TrimSpace(r.ContextID),
	}
	if r.Recurrence != nil {
		rec := &application.RecurrenceInput{
			Frequency: strings.ToLower(strings.TrimSpace(r.Recurrence.Frequency)),
			Interval:  r.Recurrence.Interval,
			Until:     r.Recurrence.Until,
			Count:     r.Recurrence.Count,
		}
		for _, name := range r.Recurrence.Weekdays {
			wd, ok := parseWeekday(name)
			if !ok {
				return application.BookParams{}, invalidField("recurrence.weekdays", "weekday must be a day name such as monday")
			}
			rec.Weekdays = append(rec.Weekdays, wd)
		}
		params.Recurrence = rec
	}
	return params, nil
}

type bookingResponse struct {
	Booking     bookingDTO   `json:"booking"`
	Occurrences []bookingDTO `json:"occurrences,omitempty"`
}

type listBookingsResponse struct {
	Bookings []bookingDTO `json:"bookings"`
}

type bookingDTO struct {
	ID           string         `json:"id"`
	ResourceID   string         `json:"resource_id"`
	RequesterID  string         `json:"requester_id"`
	RequestID    string         `json:"request_id,omitempty"`
	ContextID    string         `json:"context_id,omitempty"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	TimeZone     string         `json:"time_zone,omitempty"`
	Status       string         `json:"status"`
	Recurrence   *recurrenceDTO `json:"recurrence,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	CancelReason string         `json:"cancel_reason,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

func toBookingDTO(b persistence.Booking) bookingDTO {
	dto := bookingDTO{
		ID:           b.ID,
		ResourceID:   b.ResourceID,
		RequesterID:  b.RequesterID,
		RequestID:    b.RequestID,
		ContextID:    b.ContextID,
		Start:        b.Start.UTC(),
		End:          b.End.UTC(),
		TimeZone:     b.TimeZone,
		Status:       string(b.Status),
		ParentID:     b.ParentID,
		CancelReason: b.CancelReason,
		CreatedAt:    formatTime(b.CreatedAt),
		UpdatedAt:    formatTime(b.UpdatedAt),
	}
	if b.Recurrence != nil {
		rec := &recurrenceDTO{
			Frequency: b.Recurrence.Frequency,
			Interval:  b.Recurrence.Interval,
			Until:     b.Recurrence.Until,
			Count:     b.Recurrence.Count,
		}
		for _, wd := range b.Recurrence.Weekdays {
			rec.Weekdays = append(rec.Weekdays, weekdayName(wd))
		}
		dto.Recurrence = rec
	}
	return dto
}

func toBookingDTOs(bookings []persistence.Booking) []bookingDTO {
	out := make([]bookingDTO, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, toBookingDTO(b))
	}
	return out
}
