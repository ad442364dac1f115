package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PrincipalCredential binds a principal to the hash of its API token.
type PrincipalCredential struct {
	ID        string
	Roles     []string
	TokenHash string
}

// TokenVerifier compares a stored hash with a presented token.
type TokenVerifier func(hashed, token string) error

// TokenAuthenticator resolves bearer tokens of the form "<principal>.<secret>"
// against a fixed set of credentials.
type TokenAuthenticator struct {
	mu          sync.RWMutex
	credentials map[string]PrincipalCredential
	verify      TokenVerifier
	cache       *tokenCache
	logger      *slog.Logger
}

// NewTokenAuthenticator constructs an authenticator. Verified tokens are
// cached for cacheTTL.
func NewTokenAuthenticator(credentials []PrincipalCredential, cacheTTL time.Duration, now func() time.Time, logger *slog.Logger) *TokenAuthenticator {
	a := &TokenAuthenticator{
		credentials: make(map[string]PrincipalCredential, len(credentials)),
		verify:      VerifyTokenHash,
		cache:       newTokenCache(cacheTTL, 0, now),
		logger:      defaultLogger(logger),
	}
	for _, c := range credentials {
		a.credentials[c.ID] = c
	}
	return a
}

// Register adds or replaces a credential and drops cached verifications.
func (a *TokenAuthenticator) Register(credential PrincipalCredential) {
	a.mu.Lock()
	a.credentials[credential.ID] = credential
	a.mu.Unlock()
	a.cache.Invalidate()
}

// Authenticate returns the principal owning token.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (principal Principal, err error) {
	if a == nil {
		err = fmt.Errorf("TokenAuthenticator is nil")
		return
	}

	token = strings.TrimSpace(token)
	id, secret, ok := strings.Cut(token, ".")
	logger := serviceLogger(ctx, a.logger, "TokenAuthenticator", "Authenticate", "principal_id", id)
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "authentication failed", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if !ok || id == "" || secret == "" {
		err = ErrInvalidToken
		return
	}

	key := tokenCacheKey(token)
	if cached, hit := a.cache.Get(key); hit {
		return cached, nil
	}

	a.mu.RLock()
	credential, known := a.credentials[id]
	a.mu.RUnlock()
	if !known {
		err = ErrInvalidToken
		return
	}
	if err = a.verify(credential.TokenHash, token); err != nil {
		return
	}

	principal = PrincipalFromRoles(credential.ID, credential.Roles)
	a.cache.Store(key, principal)
	logger.DebugContext(ctx, "token verified")
	return
}
