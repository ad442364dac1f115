package http

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

type resourceService interface {
	CreateResource(ctx context.Context, params application.CreateResourceParams) (persistence.Resource, error)
	UpdateResource(ctx context.Context, params application.UpdateResourceParams) (persistence.Resource, error)
	DeactivateResource(ctx context.Context, principal application.Principal, resourceID string) (persistence.Resource, error)
	GetResource(ctx context.Context, principal application.Principal, resourceID string) (persistence.Resource, error)
	ListResources(ctx context.Context, principal application.Principal, filter persistence.ResourceFilter) ([]persistence.Resource, error)
}

type availabilityService interface {
	GetAvailability(ctx context.Context, principal application.Principal, resourceID string, rng scheduler.Window) (iter.Seq[scheduler.Slot], error)
}

type ResourceHandler struct {
	service      resourceService
	availability availabilityService
	responder    responder
	logger       *slog.Logger
}

func NewResourceHandler(service resourceService, availability availabilityService, logger *slog.Logger) *ResourceHandler {
	base := defaultLogger(logger)
	return &ResourceHandler{service: service, availability: availability, responder: newResponder(base), logger: base}
}

func (h *ResourceHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "ResourceHandler", operation, attrs...)
}

func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Create", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode resource request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Create", "principal_id", principal.UserID)

	input, err := req.toInput()
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	resource, err := h.service.CreateResource(r.Context(), application.CreateResourceParams{
		Principal:  principal,
		ResourceID: strings.TrimSpace(req.ID),
		Input:      input,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "resource creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("resource_id", resource.ID).InfoContext(r.Context(), "resource created")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, resourceResponse{Resource: toResourceDTO(resource)})
}

func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resourceID := strings.TrimSpace(r.PathValue("id"))
	if resourceID == "" {
		h.log(r.Context(), "Update", "error_kind", "bad_request").ErrorContext(r.Context(), "missing resource id for update")
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidResourceID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())

	var req resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log(r.Context(), "Update", "principal_id", principal.UserID, "resource_id", resourceID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode resource update", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Update", "principal_id", principal.UserID, "resource_id", resourceID)

	input, err := req.toInput()
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	resource, err := h.service.UpdateResource(r.Context(), application.UpdateResourceParams{
		Principal:  principal,
		ResourceID: resourceID,
		Input:      input,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "resource update failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "resource updated")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resourceResponse{Resource: toResourceDTO(resource)})
}

func (h *ResourceHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resourceID := strings.TrimSpace(r.PathValue("id"))
	if resourceID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidResourceID)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Deactivate", "principal_id", principal.UserID, "resource_id", resourceID)
	resource, err := h.service.DeactivateResource(r.Context(), principal, resourceID)
	if err != nil {
		logger.ErrorContext(r.Context(), "resource deactivation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "resource deactivated")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resourceResponse{Resource: toResourceDTO(resource)})
}

func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	resource, err := h.service.GetResource(r.Context(), principal, strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resourceResponse{Resource: toResourceDTO(resource)})
}

func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, ok := PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.UserID) == "" {
		h.log(r.Context(), "List", "error_kind", "unauthorized").ErrorContext(r.Context(), "missing authenticated principal")
		h.responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingToken)
		return
	}

	query := r.URL.Query()
	filter := persistence.ResourceFilter{
		ActiveOnly: query.Get("active") == "true",
		Kind:       persistence.ResourceKind(strings.TrimSpace(query.Get("kind"))),
	}

	logger := h.log(r.Context(), "List", "principal_id", principal.UserID)
	resources, err := h.service.ListResources(r.Context(), principal, filter)
	if err != nil {
		logger.ErrorContext(r.Context(), "resource list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("result_count", len(resources)).InfoContext(r.Context(), "resources listed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listResourcesResponse{Resources: toResourceDTOs(resources)})
}

// Availability reports free and booked sub-windows between the from and to
// query parameters.
func (h *ResourceHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.availability == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resourceID := strings.TrimSpace(r.PathValue("id"))
	query := r.URL.Query()
	from, fromErr := parseTime(query.Get("from"))
	to, toErr := parseTime(query.Get("to"))
	if fromErr != nil || toErr != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidRange)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := h.log(r.Context(), "Availability", "principal_id", principal.UserID, "resource_id", resourceID)
	slots, err := h.availability.GetAvailability(r.Context(), principal, resourceID, scheduler.Window{Start: from, End: to})
	if err != nil {
		logger.ErrorContext(r.Context(), "availability lookup failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	resp := availabilityResponse{ResourceID: resourceID, Slots: []slotDTO{}}
	for slot := range slots {
		resp.Slots = append(resp.Slots, slotDTO{
			Start:     slot.Window.Start.UTC(),
			End:       slot.Window.End.UTC(),
			State:     string(slot.State),
			Remaining: slot.Remaining,
		})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type availabilityDTO struct {
	Weekday string `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type constraintsDTO struct {
	MinDuration      jsonDuration `json:"min_duration,omitempty"`
	MaxDuration      jsonDuration `json:"max_duration,omitempty"`
	LeadTime         jsonDuration `json:"lead_time,omitempty"`
	RequiresApproval bool         `json:"requires_approval,omitempty"`
}

type resourceRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	OwnerID      string            `json:"owner_id"`
	Capacity     int               `json:"capacity"`
	Capabilities map[string]int    `json:"capabilities"`
	Availability []availabilityDTO `json:"availability"`
	TimeZone     string            `json:"time_zone"`
	Blackouts    []windowDTO       `json:"blackouts"`
	Constraints  constraintsDTO    `json:"constraints"`
}

func (r resourceRequest) toInput() (application.ResourceInput, error) {
	availability := make([]persistence.AvailabilityWindow, 0, len(r.Availability))
	for _, a := range r.Availability {
		wd, ok := parseWeekday(a.Weekday)
		if !ok {
			return application.ResourceInput{}, invalidField("availability", "weekday must be a day name such as monday")
		}
		availability = append(availability, persistence.AvailabilityWindow{
			Weekday: wd,
			Start:   strings.TrimSpace(a.Start),
			End:     strings.TrimSpace(a.End),
		})
	}
	blackouts := make([]persistence.Period, 0, len(r.Blackouts))
	for _, b := range r.Blackouts {
		blackouts = append(blackouts, persistence.Period{Start: b.Start, End: b.End})
	}
	return application.ResourceInput{
		Name:         strings.TrimSpace(r.Name),
		Kind:         persistence.ResourceKind(strings.TrimSpace(r.Kind)),
		OwnerID:      strings.TrimSpace(r.OwnerID),
		Capacity:     r.Capacity,
		Capabilities: r.Capabilities,
		Availability: availability,
		TimeZone:     strings.TrimSpace(r.TimeZone),
		Blackouts:    blackouts,
		Constraints: persistence.BookingConstraints{
			MinDuration:      time.Duration(r.Constraints.MinDuration),
			MaxDuration:      time.Duration(r.Constraints.MaxDuration),
			LeadTime:         time.Duration(r.Constraints.LeadTime),
			RequiresApproval: r.Constraints.RequiresApproval,
		},
	}, nil
}

type resourceResponse struct {
	Resource resourceDTO `json:"resource"`
}

type listResourcesResponse struct {
	Resources []resourceDTO `json:"resources"`
}

type resourceDTO struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	OwnerID      string            `json:"owner_id,omitempty"`
	Capacity     int               `json:"capacity"`
	Capabilities map[string]int    `json:"capabilities,omitempty"`
	Availability []availabilityDTO `json:"availability,omitempty"`
	TimeZone     string            `json:"time_zone"`
	Blackouts    []windowDTO       `json:"blackouts,omitempty"`
	Constraints  constraintsDTO    `json:"constraints"`
	Active       bool              `json:"active"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

func toResourceDTO(resource persistence.Resource) resourceDTO {
	dto := resourceDTO{
		ID:           resource.ID,
		Name:         resource.Name,
		Kind:         string(resource.Kind),
		OwnerID:      resource.OwnerID,
		Capacity:     resource.Capacity,
		Capabilities: resource.Capabilities,
		TimeZone:     resource.TimeZone,
		Constraints: constraintsDTO{
			MinDuration:      jsonDuration(resource.Constraints.MinDuration),
			MaxDuration:      jsonDuration(resource.Constraints.MaxDuration),
			LeadTime:         jsonDuration(resource.Constraints.LeadTime),
			RequiresApproval: resource.Constraints.RequiresApproval,
		},
		Active:    resource.Active,
		CreatedAt: formatTime(resource.CreatedAt),
		UpdatedAt: formatTime(resource.UpdatedAt),
	}
	for _, a := range resource.Availability {
		dto.Availability = append(dto.Availability, availabilityDTO{Weekday: weekdayName(a.Weekday), Start: a.Start, End: a.End})
	}
	for _, b := range resource.Blackouts {
		dto.Blackouts = append(dto.Blackouts, windowDTO{Start: b.Start.UTC(), End: b.End.UTC()})
	}
	return dto
}

func toResourceDTOs(resources []persistence.Resource) []resourceDTO {
	out := make([]resourceDTO, 0, len(resources))
	for _, resource := range resources {
		out = append(out, toResourceDTO(resource))
	}
	return out
}

type availabilityResponse struct {
	ResourceID string    `json:"resource_id"`
	Slots      []slotDTO `json:"slots"`
}

type slotDTO struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	State     string    `json:"state"`
	Remaining int       `json:"remaining"`
}
