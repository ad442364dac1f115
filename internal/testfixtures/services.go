package testfixtures

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/events"
	"github.com/example/resource-allocator/internal/lock"
	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
)

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers, clocks and offer timers.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
	Timers      *ManualTimers
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
		Timers:      &ManualTimers{},
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	if factory.Timers == nil {
		factory.Timers = &ManualTimers{}
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// ServiceDeps captures dependencies shared by the allocation services. Nil
// fields fall back to a local locker, a discarding publisher and the
// default engine.
type ServiceDeps struct {
	Store      persistence.Store
	Locker     lock.Locker
	Publisher  events.Publisher
	Engine     *matching.Engine
	Booking    application.BookingOptions
	Waitlist   application.WaitlistOptions
	Allocation application.AllocationOptions
	Logger     *slog.Logger
}

// Services bundles the wired application services.
type Services struct {
	Resources  *application.ResourceService
	Bookings   *application.BookingService
	Waitlist   *application.WaitlistService
	Allocation *application.AllocationService
	Audit      *application.AuditService
}

// NewServices wires every application service against deps.Store.
func (f *ServiceFactory) NewServices(deps ServiceDeps) *Services {
	idGen := f.IDGenerator.NextFunc()
	now := f.Clock.NowFunc()
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	bookings := application.NewBookingServiceWithLogger(deps.Store, locker, publisher, idGen, now, deps.Booking, deps.Logger)
	waitlist := application.NewWaitlistServiceWithLogger(deps.Store, locker, bookings, publisher, idGen, now, f.Timers.AfterFunc, deps.Waitlist, deps.Logger)
	return &Services{
		Resources:  application.NewResourceServiceWithLogger(deps.Store, idGen, now, deps.Logger),
		Bookings:   bookings,
		Waitlist:   waitlist,
		Allocation: application.NewAllocationServiceWithLogger(deps.Store, deps.Engine, bookings, waitlist, publisher, idGen, now, deps.Allocation, deps.Logger),
		Audit:      application.NewAuditServiceWithLogger(deps.Store, deps.Logger),
	}
}

// ManualTimers replaces time.AfterFunc for offer timeouts. Callbacks run
// only when the test fires them.
type ManualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	owner   *ManualTimers
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

// AfterFunc records f; it satisfies application.AfterFunc.
func (m *ManualTimers) AfterFunc(d time.Duration, f func()) application.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{owner: m, f: f}
	m.timers = append(m.timers, t)
	return t
}

// FireAll runs every armed timer once and reports how many ran.
func (m *ManualTimers) FireAll() int {
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

// Armed reports how many timers are waiting to fire.
func (m *ManualTimers) Armed() int {
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
