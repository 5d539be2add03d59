package runs

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db, zerolog.Nop()), mock
}

func TestClaimDequeue_WinsWhenVersionMatches(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(StatusProcessing, "lease-1", 120, "run-1", int64(0), StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ClaimDequeue(context.Background(), "run-1", 0, "lease-1", 120*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimDequeue_LosesRaceReturnsFalseNotError(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(StatusProcessing, "lease-1", 120, "run-1", int64(0), StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.ClaimDequeue(context.Background(), "run-1", 0, "lease-1", 120*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimFinalizeByReaper_OnlyMatchesExpiredLease(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(FinalizeClaimed, "finalize-tok", "run-2", int64(3), StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ClaimFinalizeByReaper(context.Background(), "run-2", 3, "finalize-tok")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCommitCompleted_RequiresMatchingFinalizeToken(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(StatusCompleted, MoneySettled, int64(42000), "bucket", "key", "hash",
			FinalizeCommitted, "run-3", int64(5), FinalizeClaimed, "tok-abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.CommitCompleted(context.Background(), "run-3", 5, "tok-abc", 42000, "bucket", "key", "hash")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMarkEnqueueFailed_TransitionsQueuedDirectlyToFailed(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectExec("UPDATE runs SET").
		WithArgs(StatusFailed, MoneyRefunded, "QUEUE_ENQUEUE_FAILED", FinalizeCommitted,
			"run-4", int64(0), StatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkEnqueueFailed(context.Background(), "run-4", 0, "QUEUE_ENQUEUE_FAILED")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetByID_ScopesToTenantAndHidesCrossTenantRows(t *testing.T) {
	repo, mock := newTestRepo(t)
	now := time.Now()
	cols := []string{
		"run_id", "tenant_id", "pack_type", "status", "money_state",
		"idempotency_key", "payload_fingerprint", "inputs", "timebox_sec", "version",
		"reserved_amount", "actual_amount", "minimum_fee_amount",
		"result_bucket", "result_key", "result_hash",
		"retention_until", "lease_token", "lease_expires_at",
		"finalize_stage", "finalize_token", "finalize_claimed_at",
		"last_error_reason", "trace_id", "created_at", "updated_at",
	}
	row := sqlmock.NewRows(cols).AddRow(
		"run-5", "tenant-other", "echo", StatusCompleted, MoneySettled,
		"idem-1", "fp-1", []byte(`{}`), int64(30), int64(2),
		int64(10000), int64(9000), int64(5000),
		nil, nil, nil,
		now, nil, nil,
		"COMMITTED", nil, nil,
		nil, "trace-1", now, now,
	)
	mock.ExpectQuery("SELECT run_id").WithArgs("run-5").WillReturnRows(row)

	_, err := repo.GetByID(context.Background(), "tenant-mine", "run-5")
	require.ErrorIs(t, err, ErrNotFound)
}
