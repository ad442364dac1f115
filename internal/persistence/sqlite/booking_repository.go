package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/example/resource-allocator/internal/persistence"
)

const bookingColumns = `id, resource_id, requester_id, request_id, context_id, start_at, end_at,
	time_zone, status, recurrence_json, parent_id, cancel_reason, created_at, updated_at`

// InsertBookings runs check against the resource's holding bookings that
// overlap the new ones and inserts them, all inside one immediate
// transaction. Either every booking is committed or none is.
func (s *Store) InsertBookings(ctx context.Context, resourceID string, bookings []persistence.Booking, check persistence.CapacityCheck) error {
	if len(bookings) == 0 {
		return nil
	}
	from, to := bookings[0].Start, bookings[0].End
	for _, b := range bookings {
		if b.ResourceID != resourceID || !b.Start.Before(b.End) {
			return persistence.ErrConstraintViolation
		}
		if b.Start.Before(from) {
			from = b.Start
		}
		if b.End.After(to) {
			to = b.End
		}
	}

	var vetoed error
	err := s.retry.WithRetry(ctx, func() error {
		vetoed = nil
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			held, err := queryBookings(ctx, tx, persistence.BookingFilter{
				ResourceID: resourceID,
				Statuses:   persistence.HoldingStatuses(),
				From:       &from,
				To:         &to,
			})
			if err != nil {
				return err
			}
			if check != nil {
				if err := check(held); err != nil {
					vetoed = err
					return err
				}
			}
			query := `INSERT INTO bookings (` + bookingColumns + `)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			for _, b := range bookings {
				args, err := bookingArgs(b)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if vetoed != nil {
		return vetoed
	}
	return err
}

// GetBooking retrieves a booking by ID.
func (s *Store) GetBooking(ctx context.Context, id string) (persistence.Booking, error) {
	if id == "" {
		return persistence.Booking{}, persistence.ErrNotFound
	}
	row := s.pool.DB().QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	booking, err := scanBooking(row)
	if err != nil {
		return persistence.Booking{}, s.mapper.MapError(err)
	}
	return booking, nil
}

// ListBookings returns bookings matching filter ordered by start then ID.
func (s *Store) ListBookings(ctx context.Context, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	bookings, err := queryBookings(ctx, s.pool.DB(), filter)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	return bookings, nil
}

// TransitionBooking applies a conditional status change.
func (s *Store) TransitionBooking(ctx context.Context, id string, from []persistence.BookingStatus, to persistence.BookingStatus, reason string, at time.Time) (persistence.Booking, error) {
	var updated persistence.Booking
	err := s.retry.WithRetry(ctx, func() error {
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
			current, err := scanBooking(row)
			if err != nil {
				return err
			}
			if !slices.Contains(from, current.Status) {
				return fmt.Errorf("%w: booking %s is %s", persistence.ErrConflict, id, current.Status)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE bookings SET status = ?, cancel_reason = ?, updated_at = ? WHERE id = ?`,
				string(to), reason, toMillis(at), id,
			); err != nil {
				return err
			}
			current.Status = to
			current.CancelReason = reason
			current.UpdatedAt = at.UTC()
			updated = current
			return nil
		})
	})
	if err != nil {
		return persistence.Booking{}, s.mapper.MapError(err)
	}
	return updated, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryBookings(ctx context.Context, q queryer, filter persistence.BookingFilter) ([]persistence.Booking, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.RequesterID != "" {
		clauses = append(clauses, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, filter.ParentID)
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
	if filter.To != nil {
		clauses = append(clauses, "start_at < ?")
		args = append(args, toMillis(*filter.To))
	}
	if filter.From != nil {
		clauses = append(clauses, "end_at > ?")
		args = append(args, toMillis(*filter.From))
	}

	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY start_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []persistence.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

func bookingArgs(b persistence.Booking) ([]any, error) {
	var recurrence string
	if b.Recurrence != nil {
		encoded, err := encodeJSON(b.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("encode recurrence: %w", err)
		}
		recurrence = encoded
	}
	return []any{
		b.ID,
		b.ResourceID,
		b.RequesterID,
		b.RequestID,
		b.ContextID,
		toMillis(b.Start),
		toMillis(b.End),
		b.TimeZone,
		string(b.Status),
		recurrence,
		b.ParentID,
		b.CancelReason,
		toMillis(b.CreatedAt),
		toMillis(b.UpdatedAt),
	}, nil
}

func scanBooking(row rowScanner) (persistence.Booking, error) {
	var (
		booking                          persistence.Booking
		start, end, createdAt, updatedAt int64
		status, recurrence               string
	)
	err := row.Scan(
		&booking.ID,
		&booking.ResourceID,
		&booking.RequesterID,
		&booking.RequestID,
		&booking.ContextID,
		&start,
		&end,
		&booking.TimeZone,
		&status,
		&recurrence,
		&booking.ParentID,
		&booking.CancelReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return persistence.Booking{}, err
	}
	booking.Start = fromMillis(start)
	booking.End = fromMillis(end)
	booking.Status = persistence.BookingStatus(status)
	booking.CreatedAt = fromMillis(createdAt)
	booking.UpdatedAt = fromMillis(updatedAt)
	if recurrence != "" {
		var descriptor persistence.Recurrence
		if err := decodeJSON(recurrence, &descriptor); err != nil {
			return persistence.Booking{}, fmt.Errorf("decode recurrence: %w", err)
		}
		booking.Recurrence = &descriptor
	}
	return booking, nil
}
