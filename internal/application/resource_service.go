package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/scheduler"
)

// ResourceService orchestrates validation, authorization, and persistence for
// the resource catalog.
type ResourceService struct {
	resources   persistence.ResourceRepository
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewResourceService constructs a resource service with the provided dependencies.
func NewResourceService(resources persistence.ResourceRepository, idGenerator func() string, now func() time.Time) *ResourceService {
	return NewResourceServiceWithLogger(resources, idGenerator, now, nil)
}

// NewResourceServiceWithLogger constructs a resource service with a specified logger.
func NewResourceServiceWithLogger(resources persistence.ResourceRepository, idGenerator func() string, now func() time.Time, logger *slog.Logger) *ResourceService {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	return &ResourceService{resources: resources, idGenerator: idGenerator, now: now, logger: defaultLogger(logger)}
}

func (s *ResourceService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "ResourceService", operation, attrs...)
}

// CreateResource validates input and persists a new resource for administrators.
func (s *ResourceService) CreateResource(ctx context.Context, params CreateResourceParams) (resource persistence.Resource, err error) {
	if s == nil {
		err = fmt.Errorf("ResourceService is nil")
		return
	}

	logger := s.loggerWith(ctx, "CreateResource",
		"principal_id", params.Principal.UserID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create resource", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("resource_id", resource.ID).InfoContext(ctx, "resource created")
	}()

	if !params.Principal.IsAdmin {
		err = ErrUnauthorized
		return
	}

	id := strings.TrimSpace(params.ResourceID)
	if id == "" {
		id = s.idGenerator()
	}
	vErr := validateResourceInput(params.Input)
	if id == "" {
		vErr.add("id", "id is required")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	resource = buildResource(id, params.Input)
	resource.Active = true
	resource.CreatedAt = s.now()
	resource.UpdatedAt = resource.CreatedAt

	if s.resources == nil {
		return
	}
	if err = s.resources.CreateResource(ctx, resource); err != nil {
		err = mapRepoError(err)
		return
	}
	return
}

// UpdateResource replaces the editable fields of a resource for administrators.
func (s *ResourceService) UpdateResource(ctx context.Context, params UpdateResourceParams) (resource persistence.Resource, err error) {
	if s == nil {
		err = fmt.Errorf("ResourceService is nil")
		return
	}
	if !params.Principal.IsAdmin {
		err = ErrUnauthorized
		return
	}
	if s.resources == nil {
		err = fmt.Errorf("resource repository not configured")
		return
	}

	logger := s.loggerWith(ctx, "UpdateResource",
		"principal_id", params.Principal.UserID,
		"resource_id", params.ResourceID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update resource", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "resource updated")
	}()

	var existing persistence.Resource
	existing, err = s.resources.GetResource(ctx, params.ResourceID)
	if err != nil {
		err = mapRepoError(err)
		return
	}

	vErr := validateResourceInput(params.Input)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	resource = buildResource(existing.ID, params.Input)
	resource.Active = existing.Active
	resource.CreatedAt = existing.CreatedAt
	resource.UpdatedAt = s.now()

	if err = s.resources.UpdateResource(ctx, resource); err != nil {
		err = mapRepoError(err)
		return
	}
	return
}

// DeactivateResource hides a resource from matching and booking. Existing
// bookings are kept; resources are never deleted.
func (s *ResourceService) DeactivateResource(ctx context.Context, principal Principal, resourceID string) (resource persistence.Resource, err error) {
	if s == nil {
		err = fmt.Errorf("ResourceService is nil")
		return
	}
	if !principal.IsAdmin {
		err = ErrUnauthorized
		return
	}
	if s.resources == nil {
		err = fmt.Errorf("resource repository not configured")
		return
	}

	logger := s.loggerWith(ctx, "DeactivateResource",
		"principal_id", principal.UserID,
		"resource_id", resourceID,
	)

	resource, err = s.resources.GetResource(ctx, resourceID)
	if err != nil {
		err = mapRepoError(err)
		logger.ErrorContext(ctx, "failed to deactivate resource", "error", err, "error_kind", ErrorKind(err))
		return
	}
	if !resource.Active {
		return
	}

	resource.Active = false
	resource.UpdatedAt = s.now()
	if err = s.resources.UpdateResource(ctx, resource); err != nil {
		err = mapRepoError(err)
		logger.ErrorContext(ctx, "failed to deactivate resource", "error", err, "error_kind", ErrorKind(err))
		return
	}

	logger.InfoContext(ctx, "resource deactivated")
	return
}

// GetResource returns one resource to any authenticated caller.
func (s *ResourceService) GetResource(ctx context.Context, principal Principal, resourceID string) (persistence.Resource, error) {
	if s == nil {
		return persistence.Resource{}, fmt.Errorf("ResourceService is nil")
	}
	if principal.UserID == "" {
		return persistence.Resource{}, ErrUnauthorized
	}
	if s.resources == nil {
		return persistence.Resource{}, ErrNotFound
	}
	resource, err := s.resources.GetResource(ctx, resourceID)
	if err != nil {
		return persistence.Resource{}, mapRepoError(err)
	}
	return resource, nil
}

// ListResources returns the catalog ordered by name for any authenticated caller.
func (s *ResourceService) ListResources(ctx context.Context, principal Principal, filter persistence.ResourceFilter) (resources []persistence.Resource, err error) {
	if s == nil {
		err = fmt.Errorf("ResourceService is nil")
		return
	}
	if principal.UserID == "" {
		err = ErrUnauthorized
		return
	}
	if s.resources == nil {
		return nil, nil
	}

	logger := s.loggerWith(ctx, "ListResources",
		"principal_id", principal.UserID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to list resources", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("result_count", len(resources)).InfoContext(ctx, "resources listed")
	}()

	resources, err = s.resources.ListResources(ctx, filter)
	if err != nil {
		return
	}

	sort.SliceStable(resources, func(i, j int) bool {
		if strings.EqualFold(resources[i].Name, resources[j].Name) {
			return resources[i].ID < resources[j].ID
		}
		return strings.ToLower(resources[i].Name) < strings.ToLower(resources[j].Name)
	})
	return
}

// SeedResource creates the resource or, when it already exists, overwrites
// its editable fields and active flag. It is used for catalog start-up.
func (s *ResourceService) SeedResource(ctx context.Context, principal Principal, resource persistence.Resource) (persistence.Resource, error) {
	input := ResourceInputFrom(resource)
	created, err := s.CreateResource(ctx, CreateResourceParams{Principal: principal, ResourceID: resource.ID, Input: input})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyExists):
		created, err = s.UpdateResource(ctx, UpdateResourceParams{Principal: principal, ResourceID: resource.ID, Input: input})
		if err != nil {
			return persistence.Resource{}, err
		}
		if !created.Active && resource.Active {
			created.Active = true
			created.UpdatedAt = s.now()
			if err := s.resources.UpdateResource(ctx, created); err != nil {
				return persistence.Resource{}, mapRepoError(err)
			}
		}
	default:
		return persistence.Resource{}, err
	}
	if !resource.Active && created.Active {
		return s.DeactivateResource(ctx, principal, resource.ID)
	}
	return created, nil
}

func buildResource(id string, input ResourceInput) persistence.Resource {
	kind := input.Kind
	if kind == "" {
		kind = persistence.ResourceKindAsset
	}
	capacity := input.Capacity
	if capacity == 0 {
		capacity = 1
	}
	capabilities := make(map[string]int, len(input.Capabilities))
	for tag, level := range input.Capabilities {
		capabilities[strings.ToLower(strings.TrimSpace(tag))] = level
	}
	return persistence.Resource{
		ID:           id,
		Name:         strings.TrimSpace(input.Name),
		Kind:         kind,
		OwnerID:      strings.TrimSpace(input.OwnerID),
		Capacity:     capacity,
		Capabilities: capabilities,
		Availability: slices.Clone(input.Availability),
		TimeZone:     strings.TrimSpace(input.TimeZone),
		Blackouts:    slices.Clone(input.Blackouts),
		Constraints:  input.Constraints,
	}
}

func validateResourceInput(input ResourceInput) *ValidationError {
	vErr := &ValidationError{}

	if strings.TrimSpace(input.Name) == "" {
		vErr.add("name", "name is required")
	}
	switch input.Kind {
	case "", persistence.ResourceKindAsset, persistence.ResourceKindPerson:
	default:
		vErr.add("kind", "kind must be person or asset")
	}
	if input.Capacity < 0 {
		vErr.add("capacity", "capacity must be positive")
	}
	for _, tag := range slices.Sorted(maps.Keys(input.Capabilities)) {
		level := input.Capabilities[tag]
		if strings.TrimSpace(tag) == "" {
			vErr.add("capabilities", "capability tag must not be empty")
			continue
		}
		if level < 1 || level > matching.MaxLevel {
			vErr.add("capabilities."+tag, fmt.Sprintf("level must be between 1 and %d", matching.MaxLevel))
		}
	}
	if input.TimeZone != "" {
		if _, err := time.LoadLocation(input.TimeZone); err != nil {
			vErr.add("time_zone", "time zone is unknown")
		}
	}
	for i, w := range input.Availability {
		start, err := scheduler.ParseClock(w.Start)
		if err != nil {
			vErr.add(fmt.Sprintf("availability[%d].start", i), "start must be HH:MM")
			continue
		}
		end, err := scheduler.ParseClock(w.End)
		if err != nil {
			vErr.add(fmt.Sprintf("availability[%d].end", i), "end must be HH:MM")
			continue
		}
		if start >= end {
			vErr.add(fmt.Sprintf("availability[%d]", i), "start must be before end")
		}
	}
	for i, b := range input.Blackouts {
		if !b.Start.Before(b.End) {
			vErr.add(fmt.Sprintf("blackouts[%d]", i), "start must be before end")
		}
	}
	c := input.Constraints
	if c.MinDuration < 0 || c.MaxDuration < 0 || c.LeadTime < 0 {
		vErr.add("constraints", "durations must not be negative")
	} else if c.MaxDuration > 0 && c.MinDuration > c.MaxDuration {
		vErr.add("constraints", "min_duration must not exceed max_duration")
	}

	return vErr
}
