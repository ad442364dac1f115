package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/resource-allocator/internal/persistence"
)

const resourceColumns = `id, name, kind, owner_id, capacity, capabilities_json, availability_json,
	time_zone, blackouts_json, min_duration_ms, max_duration_ms, lead_time_ms,
	requires_approval, active, created_at, updated_at`

// CreateResource inserts a new resource.
func (s *Store) CreateResource(ctx context.Context, resource persistence.Resource) error {
	if resource.ID == "" || resource.Capacity <= 0 {
		return persistence.ErrConstraintViolation
	}
	args, err := resourceArgs(resource)
	if err != nil {
		return err
	}
	query := `INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.retry.WithRetry(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, query, args...)
		return err
	})
}

// UpdateResource replaces an existing resource.
func (s *Store) UpdateResource(ctx context.Context, resource persistence.Resource) error {
	if resource.ID == "" || resource.Capacity <= 0 {
		return persistence.ErrConstraintViolation
	}
	args, err := resourceArgs(resource)
	if err != nil {
		return err
	}
	query := `UPDATE resources SET
		name = ?, kind = ?, owner_id = ?, capacity = ?, capabilities_json = ?, availability_json = ?,
		time_zone = ?, blackouts_json = ?, min_duration_ms = ?, max_duration_ms = ?, lead_time_ms = ?,
		requires_approval = ?, active = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	updateArgs := append(args[1:], resource.ID)

	return s.retry.WithRetry(ctx, func() error {
		result, err := s.pool.DB().ExecContext(ctx, query, updateArgs...)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

// GetResource retrieves a resource by ID.
func (s *Store) GetResource(ctx context.Context, id string) (persistence.Resource, error) {
	if id == "" {
		return persistence.Resource{}, persistence.ErrNotFound
	}
	row := s.pool.DB().QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	resource, err := scanResource(row)
	if err != nil {
		return persistence.Resource{}, s.mapper.MapError(err)
	}
	return resource, nil
}

// ListResources returns resources ordered by name then ID.
func (s *Store) ListResources(ctx context.Context, filter persistence.ResourceFilter) ([]persistence.Resource, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.ActiveOnly {
		clauses = append(clauses, "active = 1")
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	var resources []persistence.Resource
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		resources = append(resources, resource)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return resources, nil
}

func resourceArgs(resource persistence.Resource) ([]any, error) {
	capabilities, err := encodeJSON(resource.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	availability, err := encodeJSON(resource.Availability)
	if err != nil {
		return nil, fmt.Errorf("encode availability: %w", err)
	}
	blackouts, err := encodeJSON(resource.Blackouts)
	if err != nil {
		return nil, fmt.Errorf("encode blackouts: %w", err)
	}
	return []any{
		resource.ID,
		resource.Name,
		string(resource.Kind),
		resource.OwnerID,
		resource.Capacity,
		capabilities,
		availability,
		resource.TimeZone,
		blackouts,
		durationToMillis(resource.Constraints.MinDuration),
		durationToMillis(resource.Constraints.MaxDuration),
		durationToMillis(resource.Constraints.LeadTime),
		boolToInt(resource.Constraints.RequiresApproval),
		boolToInt(resource.Active),
		toMillis(resource.CreatedAt),
		toMillis(resource.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (persistence.Resource, error) {
	var (
		resource                                   persistence.Resource
		kind, capabilities, availability, blackout string
		minMs, maxMs, leadMs                       int64
		requiresApproval, active                   int
		createdAt, updatedAt                       int64
	)
	err := row.Scan(
		&resource.ID,
		&resource.Name,
		&kind,
		&resource.OwnerID,
		&resource.Capacity,
		&capabilities,
		&availability,
		&resource.TimeZone,
		&blackout,
		&minMs,
		&maxMs,
		&leadMs,
		&requiresApproval,
		&active,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return persistence.Resource{}, err
	}
	resource.Kind = persistence.ResourceKind(kind)
	if err := decodeJSON(capabilities, &resource.Capabilities); err != nil {
		return persistence.Resource{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := decodeJSON(availability, &resource.Availability); err != nil {
		return persistence.Resource{}, fmt.Errorf("decode availability: %w", err)
	}
	if err := decodeJSON(blackout, &resource.Blackouts); err != nil {
		return persistence.Resource{}, fmt.Errorf("decode blackouts: %w", err)
	}
	resource.Constraints = persistence.BookingConstraints{
		MinDuration:      millisToDuration(minMs),
		MaxDuration:      millisToDuration(maxMs),
		LeadTime:         millisToDuration(leadMs),
		RequiresApproval: requiresApproval == 1,
	}
	resource.Active = active == 1
	resource.CreatedAt = fromMillis(createdAt)
	resource.UpdatedAt = fromMillis(updatedAt)
	return resource, nil
}
