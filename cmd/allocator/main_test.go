package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/resource-allocator/internal/application"
	"github.com/example/resource-allocator/internal/config"
)

var cheapParams = application.Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func writeCatalog(t *testing.T, principalHash string) string {
	t.Helper()
	catalog := fmt.Sprintf(`
resources:
  - id: room-a
    name: Room A
    capacity: 2
    time_zone: UTC
  - id: carol
    kind: person
    capabilities:
      go: 3
    availability:
      - days: [mon, tue, wed, thu, fri]
        start: "09:00"
        end: "17:00"
principals:
  - id: alice
    roles: [requester]
    token_hash: %q
`, principalHash)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o600); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, handler http.Handler, token, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func resourceIDs(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var body struct {
		Resources []struct {
			ID string `json:"id"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode %s: %v", rec.Body.String(), err)
	}
	ids := make([]string, 0, len(body.Resources))
	for _, r := range body.Resources {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestNewApp_SeedsCatalogAndAuthenticates(t *testing.T) {
	token, err := application.GenerateToken("alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	hash, err := application.CreateTokenHash(token, cheapParams)
	if err != nil {
		t.Fatalf("CreateTokenHash failed: %v", err)
	}

	cfg := config.Config{
		CatalogPath: writeCatalog(t, hash),
		AdminToken:  "bootstrap",
		LockBackend: "local",
	}
	app, err := newApp(context.Background(), cfg, discardLogger(), time.Now)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer app.Close()

	if rec := get(t, app.handler, "", "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
	if rec := get(t, app.handler, "", "/resources"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := get(t, app.handler, "alice.wrong", "/resources"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong secret, got %d", rec.Code)
	}

	rec := get(t, app.handler, token, "/resources")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for alice, got %d: %s", rec.Code, rec.Body.String())
	}
	ids := resourceIDs(t, rec)
	if strings.Join(ids, ",") != "carol,room-a" {
		t.Fatalf("unexpected seeded resources: %v", ids)
	}

	if rec := get(t, app.handler, "admin.bootstrap", "/audit"); rec.Code != http.StatusOK {
		t.Fatalf("expected bootstrap admin to read audit, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewApp_ReseedsPersistentStore(t *testing.T) {
	hash, err := application.CreateTokenHash("alice.x", cheapParams)
	if err != nil {
		t.Fatalf("CreateTokenHash failed: %v", err)
	}
	cfg := config.Config{
		DatabasePath: filepath.Join(t.TempDir(), "allocator.db"),
		CatalogPath:  writeCatalog(t, hash),
		AdminToken:   "bootstrap",
		LockBackend:  "local",
	}

	for i := 0; i < 2; i++ {
		app, err := newApp(context.Background(), cfg, discardLogger(), time.Now)
		if err != nil {
			t.Fatalf("newApp run %d failed: %v", i, err)
		}
		rec := get(t, app.handler, "admin.bootstrap", "/resources")
		app.Close()
		if rec.Code != http.StatusOK {
			t.Fatalf("run %d: expected 200, got %d", i, rec.Code)
		}
		if ids := resourceIDs(t, rec); len(ids) != 2 {
			t.Fatalf("run %d: expected 2 resources, got %v", i, ids)
		}
	}
}

func TestNewApp_FailsFast(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{
			name: "missing catalog",
			cfg:  config.Config{CatalogPath: filepath.Join(t.TempDir(), "absent.yaml"), LockBackend: "local"},
		},
		{
			name: "unreachable redis",
			cfg:  config.Config{LockBackend: "redis", RedisAddr: "127.0.0.1:1", LockTTL: time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newApp(context.Background(), tt.cfg, discardLogger(), time.Now); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestHashToken(t *testing.T) {
	var out bytes.Buffer
	if err := hashToken([]string{"svc"}, &out); err != nil {
		t.Fatalf("hashToken failed: %v", err)
	}

	var token, hash string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		key, value, _ := strings.Cut(line, ": ")
		switch key {
		case "token":
			token = value
		case "token_hash":
			hash = value
		}
	}
	if !strings.HasPrefix(token, "svc.") {
		t.Fatalf("unexpected token %q", token)
	}
	if err := application.VerifyTokenHash(hash, token); err != nil {
		t.Fatalf("printed hash does not verify: %v", err)
	}

	if err := hashToken(nil, &out); err == nil {
		t.Fatal("expected usage error without a principal")
	}
	if err := hashToken([]string{"a.b"}, &out); err == nil {
		t.Fatal("expected error for a principal containing '.'")
	}
}
