package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/resource-allocator/internal/persistence"
)

type resourceRepoStub struct {
	createErr error
	created   persistence.Resource

	getResource persistence.Resource
	getErr      error

	updateErr error
	updated   []persistence.Resource

	list    []persistence.Resource
	listErr error
}

func (r *resourceRepoStub) CreateResource(ctx context.Context, resource persistence.Resource) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.created = resource
	return nil
}

func (r *resourceRepoStub) GetResource(ctx context.Context, id string) (persistence.Resource, error) {
	if r.getErr != nil {
		return persistence.Resource{}, r.getErr
	}
	if r.getResource.ID == "" {
		return persistence.Resource{}, persistence.ErrNotFound
	}
	return r.getResource, nil
}

func (r *resourceRepoStub) UpdateResource(ctx context.Context, resource persistence.Resource) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updated = append(r.updated, resource)
	r.getResource = resource
	return nil
}

func (r *resourceRepoStub) ListResources(ctx context.Context, filter persistence.ResourceFilter) ([]persistence.Resource, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	if len(r.list) == 0 {
		return nil, nil
	}
	out := make([]persistence.Resource, len(r.list))
	copy(out, r.list)
	return out, nil
}

func TestResourceService_CreateResource(t *testing.T) {
	t.Run("requires administrator privileges", func(t *testing.T) {
		svc := NewResourceService(nil, nil, nil)

		_, err := svc.CreateResource(context.Background(), CreateResourceParams{
			Principal: Principal{UserID: "user-1"},
			Input:     ResourceInput{Name: "Projector"},
		})

		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("validates required attributes", func(t *testing.T) {
		svc := NewResourceService(nil, func() string { return "res-1" }, nil)

		_, err := svc.CreateResource(context.Background(), CreateResourceParams{
			Principal: Principal{IsAdmin: true},
			Input: ResourceInput{
				Name:         "   ",
				Kind:         "robot",
				Capacity:     -1,
				Capabilities: map[string]int{"go": 9},
				Availability: []persistence.AvailabilityWindow{{Weekday: time.Monday, Start: "18:00", End: "09:00"}},
				TimeZone:     "Mars/Olympus",
			},
		})

		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		for _, field := range []string{"name", "kind", "capacity", "capabilities.go", "availability[0]", "time_zone"} {
			if _, ok := vErr.FieldErrors[field]; !ok {
				t.Fatalf("expected %s validation error, got %v", field, vErr.FieldErrors)
			}
		}
	})

	t.Run("persists resources for administrators", func(t *testing.T) {
		repo := &resourceRepoStub{}
		now := time.Date(2024, time.March, 14, 9, 0, 0, 0, time.UTC)
		svc := NewResourceService(repo, func() string { return "res-1" }, func() time.Time { return now })

		created, err := svc.CreateResource(context.Background(), CreateResourceParams{
			Principal: Principal{IsAdmin: true},
			Input: ResourceInput{
				Name:         "  Sakura Hall  ",
				Capabilities: map[string]int{" Video ": 3},
			},
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}

		if repo.created.ID != "res-1" {
			t.Fatalf("expected repository to receive generated ID, got %q", repo.created.ID)
		}
		if repo.created.Name != "Sakura Hall" {
			t.Fatalf("expected name to be trimmed, got %q", repo.created.Name)
		}
		if repo.created.Kind != persistence.ResourceKindAsset || repo.created.Capacity != 1 {
			t.Fatalf("expected asset kind and capacity 1 by default, got %s/%d", repo.created.Kind, repo.created.Capacity)
		}
		if repo.created.Capabilities["video"] != 3 {
			t.Fatalf("expected capability tags to be normalized, got %v", repo.created.Capabilities)
		}
		if !repo.created.Active {
			t.Fatalf("expected new resources to be active")
		}
		if !repo.created.CreatedAt.Equal(now) || !repo.created.UpdatedAt.Equal(now) {
			t.Fatalf("expected timestamps to use injected clock, got created=%v updated=%v", repo.created.CreatedAt, repo.created.UpdatedAt)
		}
		if created.ID != "res-1" {
			t.Fatalf("expected returned resource to include generated ID, got %q", created.ID)
		}
	})

	t.Run("keeps caller supplied identifiers", func(t *testing.T) {
		repo := &resourceRepoStub{}
		svc := NewResourceService(repo, func() string { return "generated" }, nil)

		created, err := svc.CreateResource(context.Background(), CreateResourceParams{
			Principal:  Principal{IsAdmin: true},
			ResourceID: " room-a ",
			Input:      ResourceInput{Name: "Room A"},
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if created.ID != "room-a" {
			t.Fatalf("expected supplied ID, got %q", created.ID)
		}
	})

	t.Run("maps repository errors to sentinel failures", func(t *testing.T) {
		repo := &resourceRepoStub{createErr: persistence.ErrDuplicate}
		svc := NewResourceService(repo, func() string { return "res-1" }, nil)

		_, err := svc.CreateResource(context.Background(), CreateResourceParams{
			Principal: Principal{IsAdmin: true},
			Input:     ResourceInput{Name: "Conf Room"},
		})

		if !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})
}

func TestResourceService_UpdateResource(t *testing.T) {
	t.Run("requires administrator privileges", func(t *testing.T) {
		svc := NewResourceService(nil, nil, nil)

		_, err := svc.UpdateResource(context.Background(), UpdateResourceParams{
			Principal:  Principal{UserID: "user-1"},
			ResourceID: "res-1",
			Input:      ResourceInput{Name: "Room"},
		})

		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("propagates ErrNotFound when the resource is missing", func(t *testing.T) {
		repo := &resourceRepoStub{getErr: persistence.ErrNotFound}
		svc := NewResourceService(repo, nil, nil)

		_, err := svc.UpdateResource(context.Background(), UpdateResourceParams{
			Principal:  Principal{IsAdmin: true},
			ResourceID: "missing",
			Input:      ResourceInput{Name: "Room"},
		})

		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("persists updated attributes for administrators", func(t *testing.T) {
		created := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
		existing := persistence.Resource{ID: "res-1", Name: "Sakura", Capacity: 2, Active: true, CreatedAt: created, UpdatedAt: created}
		repo := &resourceRepoStub{getResource: existing}
		now := time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)
		svc := NewResourceService(repo, nil, func() time.Time { return now })

		updated, err := svc.UpdateResource(context.Background(), UpdateResourceParams{
			Principal:  Principal{IsAdmin: true},
			ResourceID: "res-1",
			Input: ResourceInput{
				Name:        "  Maple ",
				Capacity:    4,
				Constraints: persistence.BookingConstraints{MaxDuration: 2 * time.Hour},
			},
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}

		got := repo.updated[0]
		if got.Name != "Maple" || got.Capacity != 4 {
			t.Fatalf("expected name and capacity to be updated, got %+v", got)
		}
		if got.Constraints.MaxDuration != 2*time.Hour {
			t.Fatalf("expected constraints to be replaced, got %+v", got.Constraints)
		}
		if !got.Active || !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(now) {
			t.Fatalf("expected active flag and created timestamp to be kept, got %+v", got)
		}
		if updated.ID != existing.ID {
			t.Fatalf("expected returned resource to include ID, got %q", updated.ID)
		}
	})

	t.Run("rejects inverted duration bounds", func(t *testing.T) {
		repo := &resourceRepoStub{getResource: persistence.Resource{ID: "res-1", Name: "Sakura"}}
		svc := NewResourceService(repo, nil, nil)

		_, err := svc.UpdateResource(context.Background(), UpdateResourceParams{
			Principal:  Principal{IsAdmin: true},
			ResourceID: "res-1",
			Input: ResourceInput{
				Name:        "Sakura",
				Constraints: persistence.BookingConstraints{MinDuration: 3 * time.Hour, MaxDuration: time.Hour},
			},
		})

		var vErr *ValidationError
		if !errors.As(err, &vErr) || vErr.FieldErrors["constraints"] == "" {
			t.Fatalf("expected constraints validation error, got %v", err)
		}
	})
}

func TestResourceService_DeactivateResource(t *testing.T) {
	t.Run("requires administrator privileges", func(t *testing.T) {
		svc := NewResourceService(nil, nil, nil)

		_, err := svc.DeactivateResource(context.Background(), Principal{UserID: "user-1"}, "res-1")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("propagates ErrNotFound when the resource is missing", func(t *testing.T) {
		repo := &resourceRepoStub{getErr: persistence.ErrNotFound}
		svc := NewResourceService(repo, nil, nil)

		_, err := svc.DeactivateResource(context.Background(), Principal{IsAdmin: true}, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("marks the resource inactive once", func(t *testing.T) {
		repo := &resourceRepoStub{getResource: persistence.Resource{ID: "res-1", Name: "A", Active: true}}
		svc := NewResourceService(repo, nil, nil)

		got, err := svc.DeactivateResource(context.Background(), Principal{IsAdmin: true}, "res-1")
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if got.Active {
			t.Fatalf("expected resource to be inactive")
		}

		if _, err := svc.DeactivateResource(context.Background(), Principal{IsAdmin: true}, "res-1"); err != nil {
			t.Fatalf("expected repeated deactivation to succeed, got %v", err)
		}
		if len(repo.updated) != 1 {
			t.Fatalf("expected a single repository update, got %d", len(repo.updated))
		}
	})
}

func TestResourceService_ListResources(t *testing.T) {
	t.Run("requires an authenticated caller", func(t *testing.T) {
		svc := NewResourceService(&resourceRepoStub{}, nil, nil)

		_, err := svc.ListResources(context.Background(), Principal{}, persistence.ResourceFilter{})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("returns resources in deterministic order", func(t *testing.T) {
		repo := &resourceRepoStub{list: []persistence.Resource{
			{ID: "res-2", Name: "Beta"},
			{ID: "res-3", Name: "alpha"},
			{ID: "res-1", Name: "Alpha"},
		}}
		svc := NewResourceService(repo, nil, nil)

		got, err := svc.ListResources(context.Background(), Principal{UserID: "user-1"}, persistence.ResourceFilter{})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if len(got) != 3 {
			t.Fatalf("expected three resources, got %d", len(got))
		}
		if got[0].ID != "res-1" || got[1].ID != "res-3" || got[2].ID != "res-2" {
			t.Fatalf("expected case-insensitive ordering, got %+v", got)
		}
	})
}

func TestResourceService_SeedResource(t *testing.T) {
	t.Run("updates existing resources and applies the active flag", func(t *testing.T) {
		repo := &resourceRepoStub{
			createErr:   persistence.ErrDuplicate,
			getResource: persistence.Resource{ID: "res-1", Name: "Old", Active: true},
		}
		svc := NewResourceService(repo, nil, nil)

		got, err := svc.SeedResource(context.Background(), Principal{UserID: "system", IsAdmin: true}, persistence.Resource{
			ID:     "res-1",
			Name:   "New",
			Active: false,
		})
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if got.Name != "New" || got.Active {
			t.Fatalf("expected renamed inactive resource, got %+v", got)
		}
	})
}

func TestMapRepoError(t *testing.T) {
	unexpected := errors.New("boom")

	tests := map[string]struct {
		err      error
		expected error
	}{
		"nil":                   {err: nil, expected: nil},
		"application not found": {err: ErrNotFound, expected: ErrNotFound},
		"persistence not found": {err: persistence.ErrNotFound, expected: ErrNotFound},
		"duplicate":             {err: persistence.ErrDuplicate, expected: ErrAlreadyExists},
		"conflict":              {err: persistence.ErrConflict, expected: ErrInvalidTransition},
		"constraint":            {err: persistence.ErrConstraintViolation, expected: &ValidationError{}},
		"unexpected":            {err: unexpected, expected: unexpected},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result := mapRepoError(tc.err)

			switch expected := tc.expected.(type) {
			case nil:
				if result != nil {
					t.Fatalf("expected nil, got %v", result)
				}
			case *ValidationError:
				vErr, ok := result.(*ValidationError)
				if !ok {
					t.Fatalf("expected ValidationError, got %T", result)
				}
				if msg, ok := vErr.FieldErrors["record"]; !ok || msg == "" {
					t.Fatalf("expected record validation message, got %v", vErr.FieldErrors)
				}
			default:
				if !errors.Is(result, expected) {
					t.Fatalf("expected %v, got %v", expected, result)
				}
			}
		})
	}
}
