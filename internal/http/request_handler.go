package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

type allocationService interface {
	Submit(ctx context.Context, params application.SubmitParams) (application.AllocationResult, error)
	GetRequest(ctx context.Context, principal application.Principal, requestID string) (persistence.AllocationRequest, error)
	Matches(ctx context.Context, principal application.Principal, requestID string) (application.AllocationResult, error)
	Confirm(ctx context.Context, params application.ConfirmParams) (application.AllocationResult, error)
	Cancel(ctx context.Context, principal application.Principal, requestID string) (persistence.AllocationRequest, error)
}

type RequestHandler struct {
	service   allocationService
	responder responder
	logger    *slog.Logger
}

func NewRequestHandler(service allocationService, logger *slog.Logger) *RequestHandler {
	base := defaultLogger(logger)
	return &RequestHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *RequestHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "RequestHandler", operation, attrs...)
}

// Submit accepts an allocation request. The response carries the request
// state and the advisory ranking; 201 is returned even when the request was
// waitlisted or expired.
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Submit", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode allocation request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Submit", "principal_id", principal.UserID)
	result, err := h.service.Submit(r.Context(), application.SubmitParams{
		Principal: principal,
		Input:     req.toInput(),
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "allocation request failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("request_id", result.Request.ID, "state", result.Request.State).InfoContext(r.Context(), "allocation request submitted")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, toAllocationResponse(result))
}

func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	requestID := strings.TrimSpace(r.PathValue("id"))
	if requestID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRequestID)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	req, err := h.service.GetRequest(r.Context(), principal, requestID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, allocationResponse{Request: toRequestDTO(req)})
}

func (h *RequestHandler) Matches(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	requestID := strings.TrimSpace(r.PathValue("id"))
	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Matches", "principal_id", principal.UserID, "request_id", requestID)
	result, err := h.service.Matches(r.Context(), principal, requestID)
	if err != nil {
		logger.ErrorContext(r.Context(), "ranking failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toAllocationResponse(result))
}

func (h *RequestHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	requestID := strings.TrimSpace(r.PathValue("id"))
	principal, _ := PrincipalFromContext(r.Context())

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Confirm", "principal_id", principal.UserID, "request_id", requestID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode confirmation", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Confirm", "principal_id", principal.UserID, "request_id", requestID, "resource_id", req.ResourceID)
	params := application.ConfirmParams{
		Principal:  principal,
		RequestID:  requestID,
		ResourceID: strings.TrimSpace(req.ResourceID),
	}
	if req.Window != nil {
		window := req.Window.toWindow()
		params.Window = &window
	}
	result, err := h.service.Confirm(r.Context(), params)
	if err != nil {
		logger.ErrorContext(r.Context(), "confirmation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("booking_id", result.Request.BookingID).InfoContext(r.Context(), "allocation request confirmed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toAllocationResponse(result))
}

func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	requestID := strings.TrimSpace(r.PathValue("id"))
	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Cancel", "principal_id", principal.UserID, "request_id", requestID)
	req, err := h.service.Cancel(r.Context(), principal, requestID)
	if err != nil {
		logger.ErrorContext(r.Context(), "request cancellation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "allocation request cancelled")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, allocationResponse{Request: toRequestDTO(req)})
}

type submitRequest struct {
	Required            map[string]int `json:"required"`
	Preferred           []string       `json:"preferred"`
	Kind                string         `json:"kind"`
	Start               time.Time      `json:"start"`
	End                 time.Time      `json:"end"`
	Duration            jsonDuration   `json:"duration"`
	Priority            int            `json:"priority"`
	Urgency             string         `json:"urgency"`
	PreferredResourceID string         `json:"preferred_resource_id"`
	ContextID           string         `json:"context_id"`
	AutoAssign          bool           `json:"auto_assign"`
	Flexibility         jsonDuration   `json:"flexibility"`
	Deadline            time.Time      `json:"deadline"`
}

func (r submitRequest) toInput() application.RequestInput {
	preferred := make([]string, 0, len(r.Preferred))
	for _, tag := range r.Preferred {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			preferred = append(preferred, tag)
		}
	}
	return application.RequestInput{
		Required:            r.Required,
		Preferred:           preferred,
		Kind:                persistence.ResourceKind(strings.TrimSpace(r.Kind)),
		Window:              scheduler.Window{Start: r.Start, End: r.End},
		Duration:            time.Duration(r.Duration),
		Priority:            r.Priority,
		Urgency:             persistence.Urgency(strings.ToLower(strings.TrimSpace(r.Urgency))),
		PreferredResourceID: strings.TrimSpace(r.PreferredResourceID),
		ContextID:           strings.TrimSpace(r.ContextID),
		AutoAssign:          r.AutoAssign,
		Flexibility:         time.Duration(r.Flexibility),
		Deadline:            r.Deadline,
	}
}

type confirmRequest struct {
	ResourceID string     `json:"resource_id"`
	Window     *windowDTO `json:"window"`
}

type allocationResponse struct {
	Request    requestDTO     `json:"request"`
	Candidates []candidateDTO `json:"candidates,omitempty"`
	NoEligible bool           `json:"no_eligible,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Booking    *bookingDTO    `json:"booking,omitempty"`
	Entry      *entryDTO      `json:"waitlist_entry,omitempty"`
}

type candidateDTO struct {
	ResourceID string             `json:"resource_id"`
	Score      float64            `json:"score"`
	Breakdown  map[string]float64 `json:"breakdown"`
	Window     windowDTO          `json:"window"`
}

type requestDTO struct {
	ID                  string         `json:"id"`
	RequesterID         string         `json:"requester_id"`
	Required            map[string]int `json:"required,omitempty"`
	Preferred           []string       `json:"preferred,omitempty"`
	Kind                string         `json:"kind,omitempty"`
	Start               time.Time      `json:"start"`
	End                 time.Time      `json:"end"`
	Duration            jsonDuration   `json:"duration,omitempty"`
	Priority            int            `json:"priority"`
	Urgency             string         `json:"urgency"`
	PreferredResourceID string         `json:"preferred_resource_id,omitempty"`
	ContextID           string         `json:"context_id,omitempty"`
	AutoAssign          bool           `json:"auto_assign"`
	Deadline            string         `json:"deadline,omitempty"`
	State               string         `json:"state"`
	ResourceID          string         `json:"resource_id,omitempty"`
	BookingID           string         `json:"booking_id,omitempty"`
	WaitlistEntryID     string         `json:"waitlist_entry_id,omitempty"`
	Attempts            int            `json:"attempts,omitempty"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
}

func toRequestDTO(req persistence.AllocationRequest) requestDTO {
	return requestDTO{
		ID:                  req.ID,
		RequesterID:         req.RequesterID,
		Required:            req.Required,
		Preferred:           req.Preferred,
		Kind:                string(req.Kind),
		Start:               req.WindowStart.UTC(),
		End:                 req.WindowEnd.UTC(),
		Duration:            jsonDuration(req.Duration),
		Priority:            req.Priority,
		Urgency:             string(req.Urgency),
		PreferredResourceID: req.PreferredResourceID,
		ContextID:           req.ContextID,
		AutoAssign:          req.AutoAssign,
		Deadline:            formatTime(req.Deadline),
		State:               string(req.State),
		ResourceID:          req.ResourceID,
		BookingID:           req.BookingID,
		WaitlistEntryID:     req.WaitlistEntryID,
		Attempts:            req.Attempts,
		CreatedAt:           formatTime(req.CreatedAt),
		UpdatedAt:           formatTime(req.UpdatedAt),
	}
}

func toCandidateDTOs(candidates []matching.Ranked) []candidateDTO {
	out := make([]candidateDTO, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, candidateDTO{
			ResourceID: c.ResourceID,
			Score:      c.Score,
			Breakdown:  c.Breakdown,
			Window:     toWindowDTO(c.Window),
		})
	}
	return out
}

func toAllocationResponse(result application.AllocationResult) allocationResponse {
	resp := allocationResponse{
		Request:    toRequestDTO(result.Request),
		Candidates: toCandidateDTOs(result.Matches.Candidates),
		NoEligible: result.Matches.NoEligible,
		Reason:     result.Matches.Reason,
	}
	if result.Booking != nil {
		dto := toBookingDTO(*result.Booking)
		resp.Booking = &dto
	}
	if result.Entry != nil {
		dto := toEntryDTO(*result.Entry)
		resp.Entry = &dto
	}
	return resp
}
