package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/resource-allocator/internal/persistence"
)

func TestErrorMapper_MapError(t *testing.T) {
	mapper := NewErrorMapper()

	assert.NoError(t, mapper.MapError(nil))
	assert.ErrorIs(t, mapper.MapError(sql.ErrNoRows), persistence.ErrNotFound)
	assert.ErrorIs(t, mapper.MapError(errors.New("UNIQUE constraint failed: resources.id")), persistence.ErrDuplicate)
	assert.ErrorIs(t, mapper.MapError(errors.New("CHECK constraint failed: capacity")), persistence.ErrConstraintViolation)
	assert.ErrorIs(t, mapper.MapError(errors.New("database is locked")), errBusy)

	other := errors.New("disk I/O error")
	assert.Same(t, other, mapper.MapError(other))
}

func TestRetryHelper_WithRetry(t *testing.T) {
	helper := NewRetryHelper(RetryConfig{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
	})
	ctx := context.Background()

	t.Run("retries while busy", func(t *testing.T) {
		calls := 0
		err := helper.WithRetry(ctx, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := helper.WithRetry(ctx, func() error {
			calls++
			return errors.New("database is busy")
		})
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := helper.WithRetry(ctx, func() error {
			calls++
			return sql.ErrNoRows
		})
		assert.ErrorIs(t, err, persistence.ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := helper.WithRetry(cancelled, func() error {
			return errors.New("database is locked")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestOpenPath_RequiresPath(t *testing.T) {
	_, err := OpenPath(context.Background(), "  ", nil)
	assert.Error(t, err)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "allocator.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	created := time.Date(2030, time.March, 11, 9, 0, 0, 0, time.UTC)

	store, err := OpenPath(ctx, path, logger)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.CreateResource(ctx, persistence.Resource{
		ID:           "room-a",
		Name:         "Room A",
		Kind:         persistence.ResourceKindAsset,
		Capacity:     2,
		Capabilities: map[string]int{"projector": 1},
		Availability: []persistence.AvailabilityWindow{{Weekday: time.Monday, Start: "09:00", End: "17:00"}},
		TimeZone:     "UTC",
		Constraints:  persistence.BookingConstraints{MaxDuration: 2 * time.Hour},
		Active:       true,
		CreatedAt:    created,
		UpdatedAt:    created,
	}))
	require.NoError(t, store.Close())

	reopened, err := OpenPath(ctx, path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.GetResource(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, "Room A", got.Name)
	assert.Equal(t, 2, got.Capacity)
	assert.Equal(t, map[string]int{"projector": 1}, got.Capabilities)
	require.Len(t, got.Availability, 1)
	assert.Equal(t, time.Monday, got.Availability[0].Weekday)
	assert.Equal(t, 2*time.Hour, got.Constraints.MaxDuration)
	assert.True(t, got.Active)
	assert.True(t, created.Equal(got.CreatedAt))
}
