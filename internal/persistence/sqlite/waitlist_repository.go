package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/resource-allocator/internal/persistence"
)

const waitlistColumns = `id, requester_id, request_id, resource_id, query_json, desired_start, desired_end,
	duration_ms, flexibility_ms, priority, submitted_at, deadline, status, offer_json, booking_id,
	created_at, updated_at`

// CreateEntry inserts a waitlist entry.
func (s *Store) CreateEntry(ctx context.Context, entry persistence.WaitlistEntry) error {
	if entry.ID == "" {
		return persistence.ErrConstraintViolation
	}
	args, err := waitlistArgs(entry)
	if err != nil {
		return err
	}
	query := `INSERT INTO waitlist_entries (` + waitlistColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.retry.WithRetry(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, query, args...)
		return err
	})
}

// UpdateEntry replaces an existing waitlist entry.
func (s *Store) UpdateEntry(ctx context.Context, entry persistence.WaitlistEntry) error {
	args, err := waitlistArgs(entry)
	if err != nil {
		return err
	}
	query := `UPDATE waitlist_entries SET
		requester_id = ?, request_id = ?, resource_id = ?, query_json = ?, desired_start = ?, desired_end = ?,
		duration_ms = ?, flexibility_ms = ?, priority = ?, submitted_at = ?, deadline = ?, status = ?,
		offer_json = ?, booking_id = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	updateArgs := append(args[1:], entry.ID)
	return s.retry.WithRetry(ctx, func() error {
		return execOne(ctx, s, query, updateArgs...)
	})
}

// GetEntry retrieves a waitlist entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (persistence.WaitlistEntry, error) {
	if id == "" {
		return persistence.WaitlistEntry{}, persistence.ErrNotFound
	}
	row := s.pool.DB().QueryRowContext(ctx, `SELECT `+waitlistColumns+` FROM waitlist_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		return persistence.WaitlistEntry{}, s.mapper.MapError(err)
	}
	return entry, nil
}

// ListEntries returns entries in queue order: priority descending, then
// submission time, then ID.
func (s *Store) ListEntries(ctx context.Context, filter persistence.WaitlistFilter) ([]persistence.WaitlistEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.ResourceID != "" {
		if filter.IncludeQueries {
			clauses = append(clauses, "(resource_id = ? OR resource_id = '')")
		} else {
			clauses = append(clauses, "resource_id = ?")
		}
		args = append(args, filter.ResourceID)
	}
	if filter.RequesterID != "" {
		clauses = append(clauses, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if len(filter.Statuses) > 0 {
		clause, statusArgs := inClause("status", filter.Statuses)
		clauses = append(clauses, clause)
		args = append(args, statusArgs...)
	}

	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY priority DESC, submitted_at ASC, id ASC`

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	var entries []persistence.WaitlistEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return entries, nil
}

// DeleteEntry removes a waitlist entry.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	return s.retry.WithRetry(ctx, func() error {
		return execOne(ctx, s, `DELETE FROM waitlist_entries WHERE id = ?`, id)
	})
}

// execOne runs a statement that must touch exactly one row.
func execOne(ctx context.Context, s *Store, query string, args ...any) error {
	result, err := s.pool.DB().ExecContext(ctx, query, args...)
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
}

func waitlistArgs(entry persistence.WaitlistEntry) ([]any, error) {
	var queryJSON, offerJSON string
	if entry.Query != nil {
		encoded, err := encodeJSON(entry.Query)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		queryJSON = encoded
	}
	if entry.Offer != nil {
		encoded, err := encodeJSON(entry.Offer)
		if err != nil {
			return nil, fmt.Errorf("encode offer: %w", err)
		}
		offerJSON = encoded
	}
	return []any{
		entry.ID,
		entry.RequesterID,
		entry.RequestID,
		entry.ResourceID,
		queryJSON,
		toMillis(entry.DesiredStart),
		toMillis(entry.DesiredEnd),
		durationToMillis(entry.Duration),
		durationToMillis(entry.Flexibility),
		entry.Priority,
		toMillis(entry.SubmittedAt),
		toMillis(entry.Deadline),
		string(entry.Status),
		offerJSON,
		entry.BookingID,
		toMillis(entry.CreatedAt),
		toMillis(entry.UpdatedAt),
	}, nil
}

func scanEntry(row rowScanner) (persistence.WaitlistEntry, error) {
	var (
		entry                                  persistence.WaitlistEntry
		queryJSON, offerJSON, status           string
		desiredStart, desiredEnd               int64
		durationMs, flexibilityMs              int64
		submittedAt, deadline, created, update int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.RequesterID,
		&entry.RequestID,
		&entry.ResourceID,
		&queryJSON,
		&desiredStart,
		&desiredEnd,
		&durationMs,
		&flexibilityMs,
		&entry.Priority,
		&submittedAt,
		&deadline,
		&status,
		&offerJSON,
		&entry.BookingID,
		&created,
		&update,
	)
	if err != nil {
		return persistence.WaitlistEntry{}, err
	}
	entry.DesiredStart = fromMillis(desiredStart)
	entry.DesiredEnd = fromMillis(desiredEnd)
	entry.Duration = millisToDuration(durationMs)
	entry.Flexibility = millisToDuration(flexibilityMs)
	entry.SubmittedAt = fromMillis(submittedAt)
	entry.Deadline = fromMillis(deadline)
	entry.Status = persistence.WaitlistStatus(status)
	entry.CreatedAt = fromMillis(created)
	entry.UpdatedAt = fromMillis(update)
	if queryJSON != "" {
		var query persistence.ResourceQuery
		if err := decodeJSON(queryJSON, &query); err != nil {
			return persistence.WaitlistEntry{}, fmt.Errorf("decode query: %w", err)
		}
		entry.Query = &query
	}
	if offerJSON != "" {
		var offer persistence.Offer
		if err := decodeJSON(offerJSON, &offer); err != nil {
			return persistence.WaitlistEntry{}, fmt.Errorf("decode offer: %w", err)
		}
		entry.Offer = &offer
	}
	return entry, nil
}
