package sqlite

import (
	"context"
	"strings"

	"github.com/example/resource-allocator/internal/persistence"
)

const auditColumns = `id, at, kind, request_id, resource_id, requester_id, booking_id, entry_id,
	decision, outcome, detail`

// AppendAudit adds a record to the audit log. Triggers reject any later
// update or delete.
func (s *Store) AppendAudit(ctx context.Context, record persistence.AuditRecord) error {
	if record.ID == "" || record.Kind == "" {
		return persistence.ErrConstraintViolation
	}
	query := `INSERT INTO audit_records (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.retry.WithRetry(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, query,
			record.ID,
			toMillis(record.At),
			record.Kind,
			record.RequestID,
			record.ResourceID,
			record.RequesterID,
			record.BookingID,
			record.EntryID,
			record.Decision,
			record.Outcome,
			record.Detail,
		)
		return err
	})
}

// ListAudit returns records in append order. A positive Limit keeps the most
// recent records.
func (s *Store) ListAudit(ctx context.Context, filter persistence.AuditFilter) ([]persistence.AuditRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.RequesterID != "" {
		clauses = append(clauses, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	query := `SELECT seq, ` + auditColumns + ` FROM audit_records`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	query = `SELECT ` + auditColumns + ` FROM (` + query + `) ORDER BY seq ASC`

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	var records []persistence.AuditRecord
	for rows.Next() {
		var (
			record persistence.AuditRecord
			at     int64
		)
		if err := rows.Scan(
			&record.ID,
			&at,
			&record.Kind,
			&record.RequestID,
			&record.ResourceID,
			&record.RequesterID,
			&record.BookingID,
			&record.EntryID,
			&record.Decision,
			&record.Outcome,
			&record.Detail,
		); err != nil {
			return nil, s.mapper.MapError(err)
		}
		record.At = fromMillis(at)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return records, nil
}
