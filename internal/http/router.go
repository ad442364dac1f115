package http

import (
	"net/http"
)

type RouterConfig struct {
	Resources *ResourceHandler
	Bookings  *BookingHandler
	Waitlist  *WaitlistHandler
	Requests  *RequestHandler
	Audit     *AuditHandler
	// Auth guards every route except /healthz.
	Auth       func(http.Handler) http.Handler
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		if cfg.Auth == nil {
			return h
		}
		return cfg.Auth(h)
	}
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Requests != nil {
		handle("POST /requests", cfg.Requests.Submit)
		handle("GET /requests/{id}", cfg.Requests.Get)
		handle("GET /requests/{id}/matches", cfg.Requests.Matches)
		handle("POST /requests/{id}/confirm", cfg.Requests.Confirm)
		handle("POST /requests/{id}/cancel", cfg.Requests.Cancel)
	}

	if cfg.Resources != nil {
		handle("GET /resources", cfg.Resources.List)
		handle("POST /resources", cfg.Resources.Create)
		handle("GET /resources/{id}", cfg.Resources.Get)
		handle("PUT /resources/{id}", cfg.Resources.Update)
		handle("POST /resources/{id}/deactivate", cfg.Resources.Deactivate)
		handle("GET /resources/{id}/availability", cfg.Resources.Availability)
	}

	if cfg.Bookings != nil {
		handle("GET /bookings", cfg.Bookings.List)
		handle("POST /bookings", cfg.Bookings.Create)
		handle("GET /bookings/{id}", cfg.Bookings.Get)
		handle("POST /bookings/{id}/cancel", cfg.Bookings.Cancel)
		handle("POST /bookings/{id}/approve", cfg.Bookings.Approve)
		handle("POST /bookings/{id}/reject", cfg.Bookings.Reject)
	}

	if cfg.Waitlist != nil {
		handle("POST /waitlist", cfg.Waitlist.Join)
		handle("GET /waitlist/{id}", cfg.Waitlist.Get)
		handle("DELETE /waitlist/{id}", cfg.Waitlist.Leave)
		handle("POST /waitlist/{id}/claim", cfg.Waitlist.Claim)
	}

	if cfg.Audit != nil {
		handle("GET /audit", cfg.Audit.List)
	}

	var handler http.Handler = mux
	if len(cfg.Middleware) > 0 {
		for i := len(cfg.Middleware) - 1; i >= 0; i-- {
			if cfg.Middleware[i] != nil {
				handler = cfg.Middleware[i](handler)
			}
		}
	}

	return handler
}
