package auth

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, sqlmock.Sqlmock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(db, cache, zerolog.Nop()), mock
}

func TestResolveTenant_FallsBackToPostgresOnCacheMiss(t *testing.T) {
	a, mock := newTestAuthenticator(t)
	hash := HashToken("sk-test-token")

	rows := sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-1")
	mock.ExpectQuery("SELECT tenant_id FROM bearer_tokens").WithArgs(hash).WillReturnRows(rows)

	tenantID, err := a.ResolveTenant(context.Background(), "sk-test-token")
	require.NoError(t, err)
	require.Equal(t, "tenant-1", tenantID)
}

func TestResolveTenant_ReturnsInvalidTokenOnEmpty(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	_, err := a.ResolveTenant(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveTenant_ReturnsInvalidTokenWhenNoRow(t *testing.T) {
	a, mock := newTestAuthenticator(t)
	hash := HashToken("sk-unknown")
	mock.ExpectQuery("SELECT tenant_id FROM bearer_tokens").WithArgs(hash).WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	_, err := a.ResolveTenant(context.Background(), "sk-unknown")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveTenant_UsesCacheOnSecondLookup(t *testing.T) {
	a, mock := newTestAuthenticator(t)
	hash := HashToken("sk-test-token")
	rows := sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-1")
	mock.ExpectQuery("SELECT tenant_id FROM bearer_tokens").WithArgs(hash).WillReturnRows(rows)

	_, err := a.ResolveTenant(context.Background(), "sk-test-token")
	require.NoError(t, err)

	// Second call must hit cache only — no further query expectation
	// registered, so sqlmock would fail the test if it were queried again.
	tenantID, err := a.ResolveTenant(context.Background(), "sk-test-token")
	require.NoError(t, err)
	require.Equal(t, "tenant-1", tenantID)

	require.NoError(t, mock.ExpectationsWereMet())
}
