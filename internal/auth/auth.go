// Package auth resolves the opaque bearer token on every request to a
// tenant id. Postgres is the source of truth for the token_hash ->
// tenant_id mapping; the cache is a read-through accelerator using the
// same apikey:<hash> key shape as the rest of the engine's cache.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ErrInvalidToken is returned when a bearer token doesn't resolve to
// any tenant.
var ErrInvalidToken = errors.New("auth: invalid bearer token")

const cacheTTL = 10 * time.Minute

// Authenticator resolves bearer tokens to tenant ids.
type Authenticator struct {
	db    *sql.DB
	cache *redis.Client
	log   zerolog.Logger
}

func New(db *sql.DB, cache *redis.Client, logger zerolog.Logger) *Authenticator {
	return &Authenticator{db: db, cache: cache, log: logger.With().Str("component", "auth").Logger()}
}

// HashToken returns the SHA-256 hex digest stored as token_hash. Raw
// bearer tokens are never persisted or logged.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func cacheKey(tokenHash string) string { return "apikey:" + tokenHash }

// ResolveTenant looks up the tenant owning a bearer token: cache
// first, falling back to Postgres on a miss and repopulating the
// cache for next time.
func (a *Authenticator) ResolveTenant(ctx context.Context, bearerToken string) (string, error) {
	if bearerToken == "" {
		return "", ErrInvalidToken
	}
	hash := HashToken(bearerToken)

	if tenantID, err := a.cache.Get(ctx, cacheKey(hash)).Result(); err == nil {
		return tenantID, nil
	} else if !errors.Is(err, redis.Nil) {
		a.log.Warn().Err(err).Msg("auth cache read failed, falling back to postgres")
	}

	var tenantID string
	err := a.db.QueryRowContext(ctx, `
		SELECT tenant_id FROM bearer_tokens WHERE token_hash = $1
	`, hash).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: lookup token: %w", err)
	}

	if err := a.cache.Set(ctx, cacheKey(hash), tenantID, cacheTTL).Err(); err != nil {
		a.log.Warn().Err(err).Msg("auth cache write failed")
	}

	return tenantID, nil
}

// IssueToken persists the SHA-256 hash of a caller-supplied raw bearer
// token for a tenant (runadmin tenants create, the seeder). The raw
// token itself is not stored or returned.
func (a *Authenticator) IssueToken(ctx context.Context, tenantID string, rawToken string) error {
	hash := HashToken(rawToken)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO bearer_tokens (token_hash, tenant_id, created_at)
		VALUES ($1, $2, NOW())
	`, hash, tenantID)
	if err != nil {
		return fmt.Errorf("auth: issue token: %w", err)
	}
	return nil
}

// RevokeToken removes a bearer token mapping from both stores.
func (a *Authenticator) RevokeToken(ctx context.Context, rawToken string) error {
	hash := HashToken(rawToken)
	if _, err := a.db.ExecContext(ctx, `DELETE FROM bearer_tokens WHERE token_hash = $1`, hash); err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	if err := a.cache.Del(ctx, cacheKey(hash)).Err(); err != nil {
		a.log.Warn().Err(err).Msg("auth cache revoke failed")
	}
	return nil
}
