package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/resource-allocator/internal/events"
	"github.com/example/resource-allocator/internal/lock"
	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/persistence/memory"
	"github.com/example/resource-allocator/internal/scheduler"
)

// day is Monday 2030-03-11 00:00 UTC. Test clocks start here so that the
// morning windows used by the tests lie in the future.
var day = time.Date(2030, time.March, 11, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type manualTimer struct {
	owner   *manualTimers
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualTimers replaces time.AfterFunc; callbacks run only when fired.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{owner: m, d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// FireAll runs every armed timer once and reports how many ran.
func (m *manualTimers) FireAll() int {
	m.mu.Lock()
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (m *manualTimers) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type envConfig struct {
	waitlist   WaitlistOptions
	allocation AllocationOptions
	wrap       func(*memory.Storage) persistence.Store
	publisher  func(*events.Recorder) events.Publisher
}

type envOption func(*envConfig)

func withPolicy(p PromotionPolicy) envOption {
	return func(c *envConfig) { c.waitlist.Policy = p }
}

func withMaxBookRetries(n int) envOption {
	return func(c *envConfig) { c.allocation.MaxBookRetries = n }
}

// withStore routes service traffic through a wrapper around the memory store.
func withStore(wrap func(*memory.Storage) persistence.Store) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

// withPublisher routes events through a wrapper around the recorder.
func withPublisher(wrap func(*events.Recorder) events.Publisher) envOption {
	return func(c *envConfig) { c.publisher = wrap }
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Storage
	clock    *testClock
	timers   *manualTimers
	recorder *events.Recorder
	bookings *BookingService
	waitlist *WaitlistService
	alloc    *AllocationService
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{allocation: AllocationOptions{MaxBookRetries: 3}}
	for _, opt := range opts {
		opt(&cfg)
	}

	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		t:        t,
		ctx:      context.Background(),
		store:    memory.New(),
		clock:    &testClock{now: day},
		timers:   &manualTimers{},
		recorder: &events.Recorder{},
	}
	var backend persistence.Store = env.store
	if cfg.wrap != nil {
		backend = cfg.wrap(env.store)
	}
	var publisher events.Publisher = env.recorder
	if cfg.publisher != nil {
		publisher = cfg.publisher(env.recorder)
	}
	locker := lock.NewLocal()
	env.bookings = NewBookingServiceWithLogger(backend, locker, publisher, ids, env.clock.Now, BookingOptions{}, logger)
	env.waitlist = NewWaitlistServiceWithLogger(backend, locker, env.bookings, publisher, ids, env.clock.Now, env.timers.AfterFunc, cfg.waitlist, logger)
	engine := matching.NewEngine(matching.DefaultWeights(), matching.Settings{})
	env.alloc = NewAllocationServiceWithLogger(backend, engine, env.bookings, env.waitlist, publisher, ids, env.clock.Now, cfg.allocation, logger)
	return env
}

func (e *testEnv) addResource(r persistence.Resource) persistence.Resource {
	e.t.Helper()
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Kind == "" {
		r.Kind = persistence.ResourceKindAsset
	}
	if r.Capacity == 0 {
		r.Capacity = 1
	}
	if r.TimeZone == "" {
		r.TimeZone = "UTC"
	}
	r.Active = true
	r.CreatedAt = day
	r.UpdatedAt = day
	if err := e.store.CreateResource(e.ctx, r); err != nil {
		e.t.Fatalf("CreateResource(%s) failed: %v", r.ID, err)
	}
	return r
}

func (e *testEnv) book(user, resourceID string, start, end time.Time) persistence.Booking {
	e.t.Helper()
	res, err := e.bookings.Book(e.ctx, BookParams{
		Principal:  Principal{UserID: user},
		ResourceID: resourceID,
		Window:     window(start, end),
	})
	if err != nil {
		e.t.Fatalf("Book(%s, %s) failed: %v", user, resourceID, err)
	}
	return res.Booking
}

func (e *testEnv) entry(id string) persistence.WaitlistEntry {
	e.t.Helper()
	entry, err := e.store.GetEntry(e.ctx, id)
	if err != nil {
		e.t.Fatalf("GetEntry(%s) failed: %v", id, err)
	}
	return entry
}

func (e *testEnv) request(id string) persistence.AllocationRequest {
	e.t.Helper()
	req, err := e.store.GetRequest(e.ctx, id)
	if err != nil {
		e.t.Fatalf("GetRequest(%s) failed: %v", id, err)
	}
	return req
}

func (e *testEnv) holding(resourceID string) []persistence.Booking {
	e.t.Helper()
	bookings, err := e.store.ListBookings(e.ctx, persistence.BookingFilter{
		ResourceID: resourceID,
		Statuses:   persistence.HoldingStatuses(),
	})
	if err != nil {
		e.t.Fatalf("ListBookings failed: %v", err)
	}
	return bookings
}

func (e *testEnv) countEvents(eventType string) int {
	n := 0
	for _, ev := range e.recorder.Events() {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func window(start, end time.Time) scheduler.Window {
	return scheduler.Window{Start: start, End: end}
}
