package reaper

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consonant/runengine/internal/ledger"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/runs"
)

func newTestSweeper(t *testing.T) (*Sweeper, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO audit_transactions").WillReturnResult(sqlmock.NewResult(1, 1))

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	l := ledger.NewWithClients(rdb, db, time.Hour, zerolog.Nop())
	t.Cleanup(func() { _ = l.Close() })

	repo := runs.NewRepository(db, zerolog.Nop())
	q := queue.New(rdb, queue.Config{Name: "runs", Visibility: time.Minute, MaxReceives: 3}, zerolog.Nop())
	cfg := Config{
		ReaperInterval:           time.Minute,
		ReservationSweepInterval: 5 * time.Minute,
		ReservationTTL:           time.Hour,
		RetentionSweepInterval:   24 * time.Hour,
		QueueSweepInterval:       time.Minute,
		BatchSize:                50,
	}
	return New(repo, l, q, cfg, zerolog.Nop()), mock, mr
}

func expiredLeaseRows(runID, tenantID string, version int64, reserved, minFee int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"run_id", "tenant_id", "pack_type", "status", "money_state",
		"idempotency_key", "payload_fingerprint", "inputs", "timebox_sec", "version",
		"reserved_amount", "actual_amount", "minimum_fee_amount",
		"result_bucket", "result_key", "result_hash",
		"retention_until", "lease_token", "lease_expires_at",
		"finalize_stage", "finalize_token", "finalize_claimed_at",
		"last_error_reason", "trace_id", "created_at", "updated_at",
	}).AddRow(
		runID, tenantID, "echo", "PROCESSING", "RESERVED",
		"idem-1", "fp-1", []byte(`{}`), int64(30), version,
		reserved, nil, minFee,
		nil, nil, nil,
		time.Now().Add(time.Hour), "lease-1", time.Now().Add(-time.Minute),
		"", nil, nil,
		nil, "trace-1", time.Now(), time.Now(),
	)
}

func TestSweepExpiredLeases_ClaimsSettlesAndCommitsFailed(t *testing.T) {
	sweeper, mock, mr := newTestSweeper(t)
	mr.Set("balance:tenant-1", "500000")
	mr.HSet("reservation:run-1", "tenant_id", "tenant-1", "reserved_amount", "500000", "created_at", "0")

	mock.ExpectQuery("SELECT run_id").WillReturnRows(expiredLeaseRows("run-1", "tenant-1", 2, 500000, 10000))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // ClaimFinalizeByReaper
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // CommitFailed

	sweeper.sweepExpiredLeases(context.Background())

	balance, err := sweeper.ledger.GetBalance(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Equal(t, int64(990000), int64(balance))
}

func TestSweepExpiredLeases_SkipsWhenClaimLosesRace(t *testing.T) {
	sweeper, mock, _ := newTestSweeper(t)
	mock.ExpectQuery("SELECT run_id").WillReturnRows(expiredLeaseRows("run-2", "tenant-1", 2, 500000, 10000))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 0))

	sweeper.sweepExpiredLeases(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func stuckReservationRows(runID, tenantID string, version int64, reserved, minFee int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"run_id", "tenant_id", "pack_type", "status", "money_state",
		"idempotency_key", "payload_fingerprint", "inputs", "timebox_sec", "version",
		"reserved_amount", "actual_amount", "minimum_fee_amount",
		"result_bucket", "result_key", "result_hash",
		"retention_until", "lease_token", "lease_expires_at",
		"finalize_stage", "finalize_token", "finalize_claimed_at",
		"last_error_reason", "trace_id", "created_at", "updated_at",
	}).AddRow(
		runID, tenantID, "echo", "QUEUED", "RESERVED",
		"idem-2", "fp-2", []byte(`{}`), int64(30), version,
		reserved, nil, minFee,
		nil, nil, nil,
		time.Now().Add(time.Hour), nil, nil,
		"", nil, nil,
		nil, "trace-2", time.Now().Add(-2*time.Hour), time.Now(),
	)
}

func TestSweepStuckReservations_RefundsInFullAndCommitsFailed(t *testing.T) {
	sweeper, mock, mr := newTestSweeper(t)
	mr.Set("balance:tenant-2", "500000")
	mr.HSet("reservation:run-3", "tenant_id", "tenant-2", "reserved_amount", "500000", "created_at", "0")

	mock.ExpectQuery("SELECT run_id").WillReturnRows(stuckReservationRows("run-3", "tenant-2", 0, 500000, 10000))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // ClaimFinalizeForReservationSweep
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // CommitFailed

	sweeper.sweepStuckReservations(context.Background())

	balance, err := sweeper.ledger.GetBalance(context.Background(), "tenant-2")
	require.NoError(t, err)
	require.Equal(t, int64(1000000), int64(balance))
}

func TestSweepRetention_ReportsExpiredCount(t *testing.T) {
	sweeper, mock, _ := newTestSweeper(t)
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 3))

	sweeper.sweepRetention(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepQueue_RedeliversStaleMessage(t *testing.T) {
	sweeper, _, mr := newTestSweeper(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sweeper.queue = queue.New(rdb, queue.Config{Name: "runs", Visibility: 10 * time.Millisecond, MaxReceives: 5}, zerolog.Nop())

	require.NoError(t, sweeper.queue.Enqueue(context.Background(), "run-stale"))
	_, err := sweeper.queue.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	sweeper.sweepQueue(context.Background())

	msg, err := sweeper.queue.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "run-stale", msg.RunID)
	require.Equal(t, 2, msg.ReceiveCount)
}
