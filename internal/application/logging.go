package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/resource-allocator/internal/lock"
	"github.com/example/resource-allocator/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

func serviceLogger(ctx context.Context, base *slog.Logger, serviceName, operation string, attrs ...any) *slog.Logger {
	pairs := []any{"service", serviceName}
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	return logging.Scoped(ctx, base, append(pairs, attrs...)...)
}

// ErrorKind maps sentinel and typed errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, lock.ErrNotAcquired):
		return "lock_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	var rErr *RecurrenceExpansionError
	if errors.As(err, &rErr) {
		return "recurrence_conflict"
	}
	var cErr *ConflictError
	if errors.As(err, &cErr) {
		return "conflict_" + string(cErr.Reason)
	}
	var nErr *NoEligibleCandidateError
	if errors.As(err, &nErr) {
		return "no_eligible_candidate"
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}

	return "unexpected"
}
