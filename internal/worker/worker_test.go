package worker

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
	"github.com/consonant/runengine/internal/objectstore"
	"github.com/consonant/runengine/internal/pack"
	"github.com/consonant/runengine/internal/queue"
	"github.com/consonant/runengine/internal/runs"
)

// fakePutter satisfies ResultPutter without touching a real S3 client.
type fakePutter struct {
	calls int
	fail  bool
}

func (f *fakePutter) PutResult(ctx context.Context, in objectstore.PutResultInput) (*objectstore.PutResultOutput, error) {
	f.calls++
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return &objectstore.PutResultOutput{SHA256Hex: "deadbeef"}, nil
}

func newTestPool(t *testing.T, putter ResultPutter) (*Pool, sqlmock.Sqlmock, *miniredis.Miniredis) {
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
	q := queue.New(rdb, queue.Config{Name: "runs", Visibility: time.Minute, MaxReceives: 5}, zerolog.Nop())
	packs := pack.NewRegistry()
	packs.Register("echo", pack.Echo{})

	cfg := Config{
		PoolSize:          1,
		LeaseTTL:          time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
		DequeueTimeout:    100 * time.Millisecond,
		ResultBucket:      "results",
	}
	pool := NewPool(repo, l, q, putter, packs, cfg, zerolog.Nop())
	return pool, mock, mr
}

func runRow(runID, tenantID string, version int64, reserved, minFee int64) *sqlmock.Rows {
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
		"idem-1", "fp-1", []byte(`{"x":1}`), int64(5), version,
		reserved, nil, minFee,
		nil, nil, nil,
		time.Now().Add(time.Hour), nil, nil,
		"", nil, nil,
		nil, "trace-1", time.Now(), time.Now(),
	)
}

func TestProcessMessage_CompletesAndAcks(t *testing.T) {
	putter := &fakePutter{}
	pool, mock, mr := newTestPool(t, putter)
	mr.Set("balance:tenant-1", "1000000")
	mr.HSet("reservation:run-1", "tenant_id", "tenant-1", "reserved_amount", "500000", "created_at", "0")

	mock.ExpectQuery("SELECT run_id").WithArgs("run-1").WillReturnRows(runRow("run-1", "tenant-1", 0, 500000, 10000))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // ClaimDequeue
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // ClaimFinalizeByWorker
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // CommitCompleted

	ctx := context.Background()
	require.NoError(t, pool.queue.Enqueue(ctx, "run-1"))
	msg, err := pool.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	pool.processMessage(ctx, zerolog.Nop(), msg)

	require.Equal(t, 1, putter.calls)

	_, err = pool.queue.Dequeue(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestProcessMessage_SkipsAlreadyTerminalRun(t *testing.T) {
	putter := &fakePutter{}
	pool, mock, _ := newTestPool(t, putter)

	mock.ExpectQuery("SELECT run_id").WithArgs("run-2").WillReturnRows(
		sqlmock.NewRows([]string{
			"run_id", "tenant_id", "pack_type", "status", "money_state",
			"idempotency_key", "payload_fingerprint", "inputs", "timebox_sec", "version",
			"reserved_amount", "actual_amount", "minimum_fee_amount",
			"result_bucket", "result_key", "result_hash",
			"retention_until", "lease_token", "lease_expires_at",
			"finalize_stage", "finalize_token", "finalize_claimed_at",
			"last_error_reason", "trace_id", "created_at", "updated_at",
		}).AddRow(
			"run-2", "tenant-1", "echo", "COMPLETED", "SETTLED",
			"idem-2", "fp-2", []byte(`{}`), int64(5), int64(4),
			int64(500000), int64(500000), int64(10000),
			"results", "tenants/tenant-1/result.json", "hash",
			time.Now().Add(time.Hour), nil, nil,
			"COMMITTED", nil, nil,
			nil, "trace-2", time.Now(), time.Now(),
		),
	)

	ctx := context.Background()
	require.NoError(t, pool.queue.Enqueue(ctx, "run-2"))
	msg, err := pool.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	pool.processMessage(ctx, zerolog.Nop(), msg)

	require.Equal(t, 0, putter.calls)
	_, err = pool.queue.Dequeue(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestProcessMessage_UploadFailureSettlesMinimumFeeAndCommitsFailed(t *testing.T) {
	putter := &fakePutter{fail: true}
	pool, mock, mr := newTestPool(t, putter)
	mr.Set("balance:tenant-1", "1000000")
	mr.HSet("reservation:run-3", "tenant_id", "tenant-1", "reserved_amount", "500000", "created_at", "0")

	mock.ExpectQuery("SELECT run_id").WithArgs("run-3").WillReturnRows(runRow("run-3", "tenant-1", 0, 500000, 10000))
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // ClaimDequeue
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // ClaimFinalizeByWorker (upload failure path)
	mock.ExpectExec("UPDATE runs SET").WillReturnResult(sqlmock.NewResult(0, 1)) // CommitFailed

	ctx := context.Background()
	require.NoError(t, pool.queue.Enqueue(ctx, "run-3"))
	msg, err := pool.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	pool.processMessage(ctx, zerolog.Nop(), msg)

	require.Equal(t, 1, putter.calls)
}
