package application

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/example/resource-allocator/internal/events"
)

func newTestTrail(recorder *events.Recorder) *auditTrail {
	now := func() time.Time { return day }
	ids := func() string { return "event" }
	return newAuditTrail(nil, recorder, ids, now, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHoldEvents(t *testing.T) {
	recorder := &events.Recorder{}
	trail := newTestTrail(recorder)

	ctx, flush := holdEvents(context.Background())
	trail.publish(ctx, events.Event{Type: events.BookingCancelled})

	inner, innerFlush := holdEvents(ctx)
	trail.publish(inner, events.Event{Type: events.WaitlistOffered})
	innerFlush()
	if got := recorder.Types(); len(got) != 0 {
		t.Fatalf("expected events to wait for the outer flush, got %v", got)
	}

	flush()
	want := []string{events.BookingCancelled, events.WaitlistOffered}
	if got := recorder.Types(); !slices.Equal(got, want) {
		t.Fatalf("expected %v in publish order, got %v", want, got)
	}

	trail.publish(ctx, events.Event{Type: events.BookingCompleted})
	if got := recorder.Types(); len(got) != 3 {
		t.Fatalf("expected publishing after a flush to go straight through, got %v", got)
	}
	flush()
	if got := recorder.Types(); len(got) != 3 {
		t.Fatalf("expected a second flush to send nothing, got %v", got)
	}
}

func TestHoldEvents_FlushOutlivesCancellation(t *testing.T) {
	recorder := &events.Recorder{}
	trail := newTestTrail(recorder)

	parent, cancel := context.WithCancel(context.Background())
	ctx, flush := holdEvents(parent)
	trail.publish(ctx, events.Event{Type: events.BookingConfirmed})
	cancel()
	flush()

	if got := recorder.Types(); !slices.Equal(got, []string{events.BookingConfirmed}) {
		t.Fatalf("expected the held event to be sent, got %v", got)
	}
}
