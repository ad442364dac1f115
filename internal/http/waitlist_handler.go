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

type waitlistService interface {
	Join(ctx context.Context, params application.JoinParams) (persistence.WaitlistEntry, error)
	GetEntry(ctx context.Context, principal application.Principal, entryID string) (persistence.WaitlistEntry, error)
	Leave(ctx context.Context, principal application.Principal, entryID string) error
	Claim(ctx context.Context, principal application.Principal, entryID string) (application.ClaimResult, error)
}

type WaitlistHandler struct {
	service   waitlistService
	responder responder
	logger    *slog.Logger
}

func NewWaitlistHandler(service waitlistService, logger *slog.Logger) *WaitlistHandler {
	base := defaultLogger(logger)
	return &WaitlistHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *WaitlistHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "WaitlistHandler", operation, attrs...)
}

func (h *WaitlistHandler) Join(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Join", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode waitlist request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Join", "principal_id", principal.UserID, "resource_id", req.ResourceID)
	entry, err := h.service.Join(r.Context(), req.toParams(principal))
	if err != nil {
		logger.ErrorContext(r.Context(), "waitlist join failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("entry_id", entry.ID, "status", entry.Status).InfoContext(r.Context(), "waitlist joined")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, entryResponse{Entry: toEntryDTO(entry)})
}

func (h *WaitlistHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	entryID := strings.TrimSpace(r.PathValue("id"))
	if entryID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidEntryID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	entry, err := h.service.GetEntry(r.Context(), principal, entryID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, entryResponse{Entry: toEntryDTO(entry)})
}

func (h *WaitlistHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	entryID := strings.TrimSpace(r.PathValue("id"))
	if entryID == "" {
		h.log(r.Context(), "Leave", "error_kind", "bad_request").ErrorContext(r.Context(), "missing entry id for leave")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidEntryID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Leave", "principal_id", principal.UserID, "entry_id", entryID)
	if err := h.service.Leave(r.Context(), principal, entryID); err != nil {
		logger.ErrorContext(r.Context(), "waitlist leave failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "waitlist left")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *WaitlistHandler) Claim(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	entryID := strings.TrimSpace(r.PathValue("id"))
	if entryID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidEntryID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Claim", "principal_id", principal.UserID, "entry_id", entryID)
	result, err := h.service.Claim(r.Context(), principal, entryID)
	if err != nil {
		logger.ErrorContext(r.Context(), "offer claim failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("booking_id", result.Booking.ID).InfoContext(r.Context(), "offer claimed")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, claimResponse{
		Entry:   toEntryDTO(result.Entry),
		Booking: toBookingDTO(result.Booking),
	})
}

type queryDTO struct {
	Required map[string]int `json:"required"`
	Kind     string         `json:"kind,omitempty"`
}

type joinRequest struct {
	ResourceID  string       `json:"resource_id"`
	Query       *queryDTO    `json:"query"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Duration    jsonDuration `json:"duration"`
	Flexibility jsonDuration `json:"flexibility"`
	Priority    int          `json:"priority"`
	Deadline    time.Time    `json:"deadline"`
}

func (r joinRequest) toParams(principal application.Principal) application.JoinParams {
	params := application.JoinParams{
		Principal:   principal,
		ResourceID:  strings.TrimSpace(r.ResourceID),
		Desired:     scheduler.Window{Start: r.Start, End: r.End},
		Duration:    time.Duration(r.Duration),
		Flexibility: time.Duration(r.Flexibility),
		Priority:    r.Priority,
		Deadline:    r.Deadline,
	}
	if r.Query != nil {
		params.Query = &persistence.ResourceQuery{
			Required: r.Query.Required,
			Kind:     persistence.ResourceKind(strings.TrimSpace(r.Query.Kind)),
		}
	}
	return params
}

type entryResponse struct {
	Entry entryDTO `json:"entry"`
}

type claimResponse struct {
	Entry   entryDTO   `json:"entry"`
	Booking bookingDTO `json:"booking"`
}

type offerDTO struct {
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type entryDTO struct {
	ID          string       `json:"id"`
	RequesterID string       `json:"requester_id"`
	RequestID   string       `json:"request_id,omitempty"`
	ResourceID  string       `json:"resource_id,omitempty"`
	Query       *queryDTO    `json:"query,omitempty"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Duration    jsonDuration `json:"duration"`
	Flexibility jsonDuration `json:"flexibility,omitempty"`
	Priority    int          `json:"priority"`
	SubmittedAt string       `json:"submitted_at"`
	Deadline    string       `json:"deadline,omitempty"`
	Status      string       `json:"status"`
	Offer       *offerDTO    `json:"offer,omitempty"`
	BookingID   string       `json:"booking_id,omitempty"`
}

func toEntryDTO(e persistence.WaitlistEntry) entryDTO {
	dto := entryDTO{
		ID:          e.ID,
		RequesterID: e.RequesterID,
		RequestID:   e.RequestID,
		ResourceID:  e.ResourceID,
		Start:       e.DesiredStart.UTC(),
		End:         e.DesiredEnd.UTC(),
		Duration:    jsonDuration(e.Duration),
		Flexibility: jsonDuration(e.Flexibility),
		Priority:    e.Priority,
		SubmittedAt: formatTime(e.SubmittedAt),
		Deadline:    formatTime(e.Deadline),
		Status:      string(e.Status),
		BookingID:   e.BookingID,
	}
	if e.Query != nil {
		dto.Query = &queryDTO{Required: e.Query.Required, Kind: string(e.Query.Kind)}
	}
	if e.Offer != nil {
		dto.Offer = &offerDTO{
			ResourceID: e.Offer.ResourceID,
			Start:      e.Offer.Start.UTC(),
			End:        e.Offer.End.UTC(),
			ExpiresAt:  e.Offer.ExpiresAt.UTC(),
		}
	}
	return dto
}
