package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/resource-allocator/internal/persistence"
)

const requestColumns = `id, requester_id, required_json, preferred_json, kind, window_start, window_end,
	duration_ms, priority, urgency, preferred_resource_id, context_id, auto_assign, flexibility_ms,
	deadline, state, resource_id, booking_id, waitlist_entry_id, attempts, created_at, updated_at`

// CreateRequest inserts an allocation request.
func (s *Store) CreateRequest(ctx context.Context, request persistence.AllocationRequest) error {
	if request.ID == "" {
		return persistence.ErrConstraintViolation
	}
	args, err := requestArgs(request)
	if err != nil {
		return err
	}
	query := `INSERT INTO allocation_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.retry.WithRetry(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, query, args...)
		return err
	})
}

// UpdateRequest replaces an existing allocation request.
func (s *Store) UpdateRequest(ctx context.Context, request persistence.AllocationRequest) error {
	args, err := requestArgs(request)
	if err != nil {
		return err
	}
	query := `UPDATE allocation_requests SET
		requester_id = ?, required_json = ?, preferred_json = ?, kind = ?, window_start = ?, window_end = ?,
		duration_ms = ?, priority = ?, urgency = ?, preferred_resource_id = ?, context_id = ?, auto_assign = ?,
		flexibility_ms = ?, deadline = ?, state = ?, resource_id = ?, booking_id = ?, waitlist_entry_id = ?,
		attempts = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	updateArgs := append(args[1:], request.ID)
	return s.retry.WithRetry(ctx, func() error {
		return execOne(ctx, s, query, updateArgs...)
	})
}

// GetRequest retrieves an allocation request by ID.
func (s *Store) GetRequest(ctx context.Context, id string) (persistence.AllocationRequest, error) {
	if id == "" {
		return persistence.AllocationRequest{}, persistence.ErrNotFound
	}
	row := s.pool.DB().QueryRowContext(ctx, `SELECT `+requestColumns+` FROM allocation_requests WHERE id = ?`, id)
	request, err := scanRequest(row)
	if err != nil {
		return persistence.AllocationRequest{}, s.mapper.MapError(err)
	}
	return request, nil
}

// ListRequests returns requests ordered by creation time then ID.
func (s *Store) ListRequests(ctx context.Context, filter persistence.RequestFilter) ([]persistence.AllocationRequest, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.RequesterID != "" {
		clauses = append(clauses, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if len(filter.States) > 0 {
		clause, stateArgs := inClause("state", filter.States)
		clauses = append(clauses, clause)
		args = append(args, stateArgs...)
	}
	query := `SELECT ` + requestColumns + ` FROM allocation_requests`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	var requests []persistence.AllocationRequest
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return requests, nil
}

func requestArgs(request persistence.AllocationRequest) ([]any, error) {
	required, err := encodeJSON(request.Required)
	if err != nil {
		return nil, fmt.Errorf("encode required capabilities: %w", err)
	}
	preferred, err := encodeJSON(request.Preferred)
	if err != nil {
		return nil, fmt.Errorf("encode preferred capabilities: %w", err)
	}
	return []any{
		request.ID,
		request.RequesterID,
		required,
		preferred,
		string(request.Kind),
		toMillis(request.WindowStart),
		toMillis(request.WindowEnd),
		durationToMillis(request.Duration),
		request.Priority,
		string(request.Urgency),
		request.PreferredResourceID,
		request.ContextID,
		boolToInt(request.AutoAssign),
		durationToMillis(request.Flexibility),
		toMillis(request.Deadline),
		string(request.State),
		request.ResourceID,
		request.BookingID,
		request.WaitlistEntryID,
		request.Attempts,
		toMillis(request.CreatedAt),
		toMillis(request.UpdatedAt),
	}, nil
}

func scanRequest(row rowScanner) (persistence.AllocationRequest, error) {
	var (
		request                          persistence.AllocationRequest
		required, preferred              string
		kind, urgency, state             string
		windowStart, windowEnd, deadline int64
		durationMs, flexibilityMs        int64
		autoAssign                       int
		createdAt, updatedAt             int64
	)
	err := row.Scan(
		&request.ID,
		&request.RequesterID,
		&required,
		&preferred,
		&kind,
		&windowStart,
		&windowEnd,
		&durationMs,
		&request.Priority,
		&urgency,
		&request.PreferredResourceID,
		&request.ContextID,
		&autoAssign,
		&flexibilityMs,
		&deadline,
		&state,
		&request.ResourceID,
		&request.BookingID,
		&request.WaitlistEntryID,
		&request.Attempts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return persistence.AllocationRequest{}, err
	}
	if err := decodeJSON(required, &request.Required); err != nil {
		return persistence.AllocationRequest{}, fmt.Errorf("decode required capabilities: %w", err)
	}
	if err := decodeJSON(preferred, &request.Preferred); err != nil {
		return persistence.AllocationRequest{}, fmt.Errorf("decode preferred capabilities: %w", err)
	}
	request.Kind = persistence.ResourceKind(kind)
	request.WindowStart = fromMillis(windowStart)
	request.WindowEnd = fromMillis(windowEnd)
	request.Duration = millisToDuration(durationMs)
	request.Urgency = persistence.Urgency(urgency)
	request.AutoAssign = autoAssign == 1
	request.Flexibility = millisToDuration(flexibilityMs)
	request.Deadline = fromMillis(deadline)
	request.State = persistence.RequestState(state)
	request.CreatedAt = fromMillis(createdAt)
	request.UpdatedAt = fromMillis(updatedAt)
	return request, nil
}
