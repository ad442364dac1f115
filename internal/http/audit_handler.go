package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/persistence"
)

type auditService interface {
	ListAudit(ctx context.Context, principal application.Principal, filter persistence.AuditFilter) ([]persistence.AuditRecord, error)
}

type AuditHandler struct {
	service   auditService
	responder responder
	logger    *slog.Logger
}

func NewAuditHandler(service auditService, logger *slog.Logger) *AuditHandler {
	base := defaultLogger(logger)
	return &AuditHandler{service: service, responder: newResponder(base), logger: base}
}

// List returns decision log records filtered by request_id, resource_id,
// requester_id and limit.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	query := r.URL.Query()
	filter := persistence.AuditFilter{
		RequestID:   strings.TrimSpace(query.Get("request_id")),
		ResourceID:  strings.TrimSpace(query.Get("resource_id")),
		RequesterID: strings.TrimSpace(query.Get("requester_id")),
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
			return
		}
		filter.Limit = limit
	}

	logger := handlerLogger(r.Context(), h.logger, "AuditHandler", "List", "principal_id", principal.UserID)
	records, err := h.service.ListAudit(r.Context(), principal, filter)
	if err != nil {
		logger.ErrorContext(r.Context(), "audit list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := listAuditResponse{Records: make([]auditDTO, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, auditDTO{
			ID:          rec.ID,
			At:          formatTime(rec.At),
			Kind:        rec.Kind,
			RequestID:   rec.RequestID,
			ResourceID:  rec.ResourceID,
			RequesterID: rec.RequesterID,
			BookingID:   rec.BookingID,
			EntryID:     rec.EntryID,
			Decision:    rec.Decision,
			Outcome:     rec.Outcome,
			Detail:      rec.Detail,
		})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type listAuditResponse struct {
	Records []auditDTO `json:"records"`
}

type auditDTO struct {
	ID          string `json:"id"`
	At          string `json:"at"`
	Kind        string `json:"kind"`
	RequestID   string `json:"request_id,omitempty"`
	ResourceID  string `json:"resource_id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	BookingID   string `json:"booking_id,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	Decision    string `json:"decision,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Detail      string `json:"detail,omitempty"`
}
