package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/testfixtures"
)

var testHashParams = application.Argon2idParams{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  8,
	KeyLength:   16,
}

type testAPI struct {
	t       *testing.T
	handler http.Handler
	tokens  map[string]string
	timers  *testfixtures.ManualTimers
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := testfixtures.NewServiceFactory()
	services := factory.NewServices(testfixtures.ServiceDeps{
		Store:  testfixtures.NewMemoryHarness(t).Store,
		Logger: logger,
	})

	roles := map[string][]string{
		"admin": {application.RoleAdmin},
		"ann":   {application.RoleApprover},
		"alice": {application.RoleRequester},
		"bob":   {application.RoleRequester},
	}
	api := &testAPI{t: t, tokens: map[string]string{}, timers: factory.Timers}
	var credentials []application.PrincipalCredential
	for id, r := range roles {
		token, err := application.GenerateToken(id)
		require.NoError(t, err)
		hash, err := application.CreateTokenHash(token, testHashParams)
		require.NoError(t, err)
		api.tokens[id] = token
		credentials = append(credentials, application.PrincipalCredential{ID: id, Roles: r, TokenHash: hash})
	}
	auth := application.NewTokenAuthenticator(credentials, time.Minute, factory.Clock.NowFunc(), logger)

	api.handler = NewRouter(RouterConfig{
		Resources:  NewResourceHandler(services.Resources, services.Bookings, logger),
		Bookings:   NewBookingHandler(services.Bookings, logger),
		Waitlist:   NewWaitlistHandler(services.Waitlist, logger),
		Requests:   NewRequestHandler(services.Allocation, logger),
		Audit:      NewAuditHandler(services.Audit, logger),
		Auth:       RequireToken(auth, logger),
		Middleware: []func(http.Handler) http.Handler{RequestLogger(logger)},
	})
	return api
}

func (a *testAPI) do(user, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[user])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testAPI) createResource(id string, capabilities map[string]int) {
	a.t.Helper()
	rec := a.do("admin", http.MethodPost, "/resources", map[string]any{
		"id":           id,
		"name":         id,
		"kind":         "asset",
		"capacity":     1,
		"capabilities": capabilities,
		"time_zone":    "UTC",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func bookingBody(resourceID string, start, end time.Time) map[string]any {
	return map[string]any{"resource_id": resourceID, "start": start, "end": end}
}

func TestHealthzIsPublic(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do("", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do("", http.MethodGet, "/resources", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResourceHandlers(t *testing.T) {
	api := newTestAPI(t)

	t.Run("require admin role for mutations", func(t *testing.T) {
		rec := api.do("alice", http.MethodPost, "/resources", map[string]any{"name": "x", "capacity": 1})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "AUTH_FORBIDDEN", decode[errorResponse](t, rec).ErrorCode)
	})

	t.Run("return localized validation errors", func(t *testing.T) {
		rec := api.do("admin", http.MethodPost, "/resources", map[string]any{"name": "", "capacity": 0})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[errorResponse](t, rec)
		assert.Equal(t, "名前は必須です。", body.Errors["name"])
		assert.Equal(t, "収容数は正の整数で指定してください。", body.Errors["capacity"])
	})

	t.Run("reject malformed bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/resources", bytes.NewBufferString("{"))
		req.Header.Set("Authorization", "Bearer "+api.tokens["admin"])
		rec := httptest.NewRecorder()
		api.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("create, update, list and deactivate", func(t *testing.T) {
		rec := api.do("admin", http.MethodPost, "/resources", map[string]any{
			"id":           "room-1",
			"name":         "Room 1",
			"kind":         "asset",
			"capacity":     2,
			"capabilities": map[string]int{"projector": 1},
			"availability": []map[string]string{{"weekday": "monday", "start": "09:00", "end": "18:00"}},
			"time_zone":    "UTC",
			"constraints":  map[string]any{"max_duration": "2h"},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		created := decode[resourceResponse](t, rec).Resource
		assert.Equal(t, "room-1", created.ID)
		assert.Equal(t, jsonDuration(2*time.Hour), created.Constraints.MaxDuration)
		require.Len(t, created.Availability, 1)
		assert.Equal(t, "monday", created.Availability[0].Weekday)

		rec = api.do("admin", http.MethodPut, "/resources/room-1", map[string]any{
			"name":      "Room One",
			"kind":      "asset",
			"capacity":  3,
			"time_zone": "UTC",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 3, decode[resourceResponse](t, rec).Resource.Capacity)

		rec = api.do("alice", http.MethodGet, "/resources", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[listResourcesResponse](t, rec).Resources, 1)

		rec = api.do("admin", http.MethodPost, "/resources/room-1/deactivate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decode[resourceResponse](t, rec).Resource.Active)

		rec = api.do("alice", http.MethodGet, "/resources?active=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[listResourcesResponse](t, rec).Resources)
	})

	t.Run("missing resources map to 404", func(t *testing.T) {
		rec := api.do("admin", http.MethodPut, "/resources/nope", map[string]any{"name": "x", "capacity": 1, "time_zone": "UTC"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBookingHandlers(t *testing.T) {
	api := newTestAPI(t)
	api.createResource("desk", nil)

	rec := api.do("alice", http.MethodPost, "/bookings", bookingBody("desk", testfixtures.Day(10, 0), testfixtures.Day(11, 0)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[bookingResponse](t, rec).Booking
	assert.Equal(t, "confirmed", first.Status)

	t.Run("overlaps map to 409 with the colliding booking", func(t *testing.T) {
		rec := api.do("bob", http.MethodPost, "/bookings", bookingBody("desk", testfixtures.Day(10, 30), testfixtures.Day(11, 30)))
		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decode[errorResponse](t, rec)
		assert.Equal(t, "RESOURCE_UNAVAILABLE", body.ErrorCode)
		require.Len(t, body.Conflicts, 1)
		assert.Equal(t, []string{first.ID}, body.Conflicts[0].With)
	})

	t.Run("recurrences are rejected as a whole", func(t *testing.T) {
		body := bookingBody("desk", testfixtures.Day(10, 0).AddDate(0, 0, -1), testfixtures.Day(11, 0).AddDate(0, 0, -1))
		body["recurrence"] = map[string]any{"frequency": "daily", "count": 3}
		rec := api.do("bob", http.MethodPost, "/bookings", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decode[errorResponse](t, rec)
		assert.Equal(t, "RECURRENCE_CONFLICT", resp.ErrorCode)
		require.Len(t, resp.Conflicts, 1)
		assert.Equal(t, 1, resp.Conflicts[0].Index)
	})

	t.Run("inverted windows are validation errors", func(t *testing.T) {
		rec := api.do("bob", http.MethodPost, "/bookings", bookingBody("desk", testfixtures.Day(12, 0), testfixtures.Day(11, 0)))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("only the owner or privileged principals see a booking", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, api.do("bob", http.MethodGet, "/bookings/"+first.ID, nil).Code)
		assert.Equal(t, http.StatusOK, api.do("ann", http.MethodGet, "/bookings/"+first.ID, nil).Code)
	})

	t.Run("availability reflects the booking", func(t *testing.T) {
		path := "/resources/desk/availability?from=" + testfixtures.Day(9, 0).Format(time.RFC3339) + "&to=" + testfixtures.Day(12, 0).Format(time.RFC3339)
		rec := api.do("bob", http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		slots := decode[availabilityResponse](t, rec).Slots
		require.Len(t, slots, 3)
		assert.Equal(t, "booked", slots[1].State)
		assert.True(t, slots[1].Start.Equal(testfixtures.Day(10, 0)))

		rec = api.do("bob", http.MethodGet, "/resources/desk/availability?from=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancel is idempotent and reject needs a pending booking", func(t *testing.T) {
		for range 2 {
			rec := api.do("alice", http.MethodPost, "/bookings/"+first.ID+"/cancel", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "cancelled", decode[bookingResponse](t, rec).Booking.Status)
		}
		rec := api.do("bob", http.MethodPost, "/bookings", bookingBody("desk", testfixtures.Day(14, 0), testfixtures.Day(15, 0)))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		confirmed := decode[bookingResponse](t, rec).Booking

		rec = api.do("ann", http.MethodPost, "/bookings/"+confirmed.ID+"/reject", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "INVALID_TRANSITION", decode[errorResponse](t, rec).ErrorCode)
	})
}

func TestWaitlistHandlers(t *testing.T) {
	api := newTestAPI(t)
	api.createResource("desk", nil)

	rec := api.do("alice", http.MethodPost, "/bookings", bookingBody("desk", testfixtures.Day(10, 0), testfixtures.Day(11, 0)))
	require.Equal(t, http.StatusCreated, rec.Code)
	blocker := decode[bookingResponse](t, rec).Booking

	rec = api.do("bob", http.MethodPost, "/waitlist", map[string]any{
		"resource_id": "desk",
		"start":       testfixtures.Day(10, 0),
		"end":         testfixtures.Day(11, 0),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[entryResponse](t, rec).Entry
	assert.Equal(t, "waiting", entry.Status)
	assert.Equal(t, jsonDuration(time.Hour), entry.Duration)

	rec = api.do("bob", http.MethodPost, "/waitlist/"+entry.ID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing to claim before an offer")

	rec = api.do("alice", http.MethodPost, "/bookings/"+blocker.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do("bob", http.MethodGet, "/waitlist/"+entry.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	offered := decode[entryResponse](t, rec).Entry
	require.NotNil(t, offered.Offer)
	assert.Equal(t, "offered", offered.Status)

	assert.Equal(t, http.StatusForbidden, api.do("alice", http.MethodPost, "/waitlist/"+entry.ID+"/claim", nil).Code)

	rec = api.do("bob", http.MethodPost, "/waitlist/"+entry.ID+"/claim", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	claimed := decode[claimResponse](t, rec)
	assert.Equal(t, "booked", claimed.Entry.Status)
	assert.Equal(t, "bob", claimed.Booking.RequesterID)
	assert.Zero(t, api.timers.Armed())
}

func TestRequestHandlers(t *testing.T) {
	api := newTestAPI(t)
	api.createResource("junior", map[string]int{"go": 2})
	api.createResource("senior", map[string]int{"go": 4})

	t.Run("auto-assign books the best candidate", func(t *testing.T) {
		rec := api.do("alice", http.MethodPost, "/requests", map[string]any{
			"required":    map[string]int{"go": 3},
			"start":       testfixtures.Day(9, 0),
			"end":         testfixtures.Day(10, 0),
			"auto_assign": true,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		resp := decode[allocationResponse](t, rec)
		assert.Equal(t, "booked", resp.Request.State)
		require.NotNil(t, resp.Booking)
		assert.Equal(t, "senior", resp.Booking.ResourceID)
		require.Len(t, resp.Candidates, 1)
		assert.Contains(t, resp.Candidates[0].Breakdown, "capability")

		rec = api.do("bob", http.MethodGet, "/requests/"+resp.Request.ID, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = api.do("alice", http.MethodPost, "/requests/"+resp.Request.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "cancelled", decode[allocationResponse](t, rec).Request.State)

		rec = api.do("alice", http.MethodGet, "/audit?request_id="+resp.Request.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decode[listAuditResponse](t, rec).Records)
	})

	t.Run("manual confirmation", func(t *testing.T) {
		rec := api.do("bob", http.MethodPost, "/requests", map[string]any{
			"required": map[string]int{"go": 1},
			"start":    testfixtures.Day(13, 0),
			"end":      testfixtures.Day(15, 0),
			"duration": "1h",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		submitted := decode[allocationResponse](t, rec)
		assert.Equal(t, "matched", submitted.Request.State)
		assert.Len(t, submitted.Candidates, 2)

		rec = api.do("bob", http.MethodGet, "/requests/"+submitted.Request.ID+"/matches", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[allocationResponse](t, rec).Candidates, 2)

		rec = api.do("bob", http.MethodPost, "/requests/"+submitted.Request.ID+"/confirm", map[string]any{
			"resource_id": "junior",
			"window":      map[string]any{"start": testfixtures.Day(14, 0), "end": testfixtures.Day(15, 0)},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		confirmed := decode[allocationResponse](t, rec)
		assert.Equal(t, "booked", confirmed.Request.State)
		require.NotNil(t, confirmed.Booking)
		assert.True(t, confirmed.Booking.Start.Equal(testfixtures.Day(14, 0)))
	})

	t.Run("invalid requests map to 422", func(t *testing.T) {
		rec := api.do("alice", http.MethodPost, "/requests", map[string]any{
			"start":   testfixtures.Day(9, 0),
			"end":     testfixtures.Day(10, 0),
			"urgency": "panic",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[errorResponse](t, rec)
		assert.Contains(t, body.Errors, "required")
		assert.Contains(t, body.Errors, "urgency")
	})
}
