package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/config"
	"github.com/example/resource-allocator/internal/events"
	httptransport "github.com/example/resource-allocator/internal/http"
	"github.com/example/resource-allocator/internal/lock"
	"github.com/example/resource-allocator/internal/logging"
	"github.com/example/resource-allocator/internal/matching"
	"github.com/example/resource-allocator/internal/persistence"
	"github.com/example/resource-allocator/internal/persistence/memory"
	"github.com/example/resource-allocator/internal/persistence/sqlite"
	"github.com/example/resource-allocator/internal/telemetry"
)

const (
	serviceName    = "resource-allocator"
	serviceVersion = "0.1.0"
	tokenCacheTTL  = 5 * time.Minute
)

// seedPrincipal performs catalog start-up writes.
var seedPrincipal = application.Principal{UserID: "catalog", IsAdmin: true}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := hashToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if logger, err = logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.Setup(telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	app, err := newApp(ctx, cfg, logger, time.Now)
	if err != nil {
		logger.Error("failed to initialize allocator", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go app.runSweeper(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("allocator API listening", "addr", server.Addr, "lock_backend", cfg.LockBackend, "persistent", cfg.DatabasePath != "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server encountered error", "error", err)
		os.Exit(1)
	}
}

// app holds the wired services and the resources that need closing.
type app struct {
	handler    http.Handler
	resources  *application.ResourceService
	allocation *application.AllocationService
	logger     *slog.Logger
	closers    []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, now func() time.Time) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var catalog config.Catalog
	if cfg.CatalogPath != "" {
		catalog, err = config.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	locker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := locker.(io.Closer); ok {
		a.closers = append(a.closers, closer.Close)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger)
		a.closers = append(a.closers, amqpPublisher.Close)
		publisher = amqpPublisher
	}

	weights := matching.DefaultWeights()
	if catalog.Weights != nil {
		weights = *catalog.Weights
	}
	engine := matching.NewEngine(weights, matching.Settings{
		WorkloadWindow: cfg.WorkloadWindow,
		AffinityCap:    cfg.AffinityCap,
	})

	ids := uuid.NewString
	bookings := application.NewBookingServiceWithLogger(store, locker, publisher, ids, now, application.BookingOptions{
		BookTimeout: cfg.BookTimeout,
	}, logger)
	waitlist := application.NewWaitlistServiceWithLogger(store, locker, bookings, publisher, ids, now, nil, application.WaitlistOptions{
		ClaimWindow: cfg.ClaimWindow,
		Policy:      application.PromotionPolicy(cfg.PromotionPolicy),
	}, logger)
	a.resources = application.NewResourceServiceWithLogger(store, ids, now, logger)
	a.allocation = application.NewAllocationServiceWithLogger(store, engine, bookings, waitlist, publisher, ids, now, application.AllocationOptions{
		MatchTimeout:   cfg.MatchTimeout,
		MaxBookRetries: cfg.MaxBookRetries,
	}, logger)
	audit := application.NewAuditServiceWithLogger(store, logger)

	if err = a.seed(ctx, catalog, cfg.Location(), now()); err != nil {
		return nil, err
	}

	credentials, err := principalCredentials(catalog, cfg.AdminToken)
	if err != nil {
		return nil, err
	}
	auth := application.NewTokenAuthenticator(credentials, tokenCacheTTL, now, logger)

	a.handler = httptransport.NewRouter(httptransport.RouterConfig{
		Resources:  httptransport.NewResourceHandler(a.resources, bookings, logger),
		Bookings:   httptransport.NewBookingHandler(bookings, logger),
		Waitlist:   httptransport.NewWaitlistHandler(waitlist, logger),
		Requests:   httptransport.NewRequestHandler(a.allocation, logger),
		Audit:      httptransport.NewAuditHandler(audit, logger),
		Auth:       httptransport.RequireToken(auth, logger),
		Middleware: []func(http.Handler) http.Handler{httptransport.RequestLogger(logger)},
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (persistence.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Warn("no database path configured; state is kept in memory")
		return memory.New(), nil
	}
	store, err := sqlite.OpenPath(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

// redisLocker closes its client along with the lock.
type redisLocker struct {
	*lock.Redis
	client *redis.Client
}

func (l redisLocker) Close() error { return l.client.Close() }

func newLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (lock.Locker, error) {
	if cfg.LockBackend != "redis" {
		return lock.NewLocal(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	locker := lock.NewRedis(client, lock.RedisOptions{TTL: cfg.LockTTL, Logger: logger})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := locker.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return redisLocker{Redis: locker, client: client}, nil
}

func (a *app) seed(ctx context.Context, catalog config.Catalog, loc *time.Location, now time.Time) error {
	for _, spec := range catalog.Resources {
		resource, err := spec.Resource(now, loc)
		if err != nil {
			return fmt.Errorf("catalog resource %q: %w", spec.ID, err)
		}
		if _, err := a.resources.SeedResource(ctx, seedPrincipal, resource); err != nil {
			return fmt.Errorf("seed resource %q: %w", spec.ID, err)
		}
	}
	if len(catalog.Resources) > 0 {
		a.logger.Info("catalog seeded", "resources", len(catalog.Resources), "principals", len(catalog.Principals))
	}
	return nil
}

// principalCredentials collects catalog principals plus the bootstrap admin,
// whose token is "admin.<adminToken>".
func principalCredentials(catalog config.Catalog, adminToken string) ([]application.PrincipalCredential, error) {
	credentials := make([]application.PrincipalCredential, 0, len(catalog.Principals)+1)
	for _, p := range catalog.Principals {
		credentials = append(credentials, application.PrincipalCredential{
			ID:        p.ID,
			Roles:     append([]string(nil), p.Roles...),
			TokenHash: p.TokenHash,
		})
	}
	if adminToken == "" {
		return credentials, nil
	}
	hash, err := application.CreateTokenHash("admin."+adminToken, application.DefaultArgon2idParams)
	if err != nil {
		return nil, fmt.Errorf("hash admin token: %w", err)
	}
	return append(credentials, application.PrincipalCredential{
		ID:        "admin",
		Roles:     []string{application.RoleAdmin},
		TokenHash: hash,
	}), nil
}

// runSweeper advances time-driven state until ctx ends.
func (a *app) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if _, err := a.allocation.Advance(ctx, tick); err != nil && ctx.Err() == nil {
				a.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Close releases everything newApp opened, last first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close dependency", "error", err)
		}
	}
	a.closers = nil
}

// hashToken prints a fresh token and its catalog hash for a principal.
func hashToken(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: allocator hash-token <principal-id>")
	}
	token, err := application.GenerateToken(args[0])
	if err != nil {
		return err
	}
	hash, err := application.CreateTokenHash(token, application.DefaultArgon2idParams)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "token: %s\ntoken_hash: %s\n", token, hash)
	return err
}
