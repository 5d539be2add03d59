// Package runs implements the Run entity and its repository: the
// database is the single source of truth for every run's execution
// and financial state.
package runs

import (
	"encoding/json"
	"time"

	"github.com/consonant/runengine/internal/money"
)

// Status is the execution state.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// MoneyState is the financial state.
type MoneyState string

const (
	MoneyNone     MoneyState = "NONE"
	MoneyReserved MoneyState = "RESERVED"
	MoneySettled  MoneyState = "SETTLED"
	MoneyRefunded MoneyState = "REFUNDED"
	MoneyDisputed MoneyState = "DISPUTED"
)

// FinalizeStage is the internal two-phase-finalize cursor.
type FinalizeStage string

const (
	FinalizeNone      FinalizeStage = ""
	FinalizeClaimed   FinalizeStage = "CLAIMED"
	FinalizeCommitted FinalizeStage = "COMMITTED"
)

// Run is the central entity: one row per accepted submission.
type Run struct {
	RunID              string
	TenantID           string
	PackType           string
	Status             Status
	MoneyState         MoneyState
	IdempotencyKey     string
	PayloadFingerprint string
	Inputs             json.RawMessage
	TimeboxSec         int
	Version            int64

	ReservedAmount    money.Micros
	ActualAmount      *money.Micros
	MinimumFeeAmount  money.Micros

	ResultBucket *string
	ResultKey    *string
	ResultHash   *string

	RetentionUntil time.Time

	LeaseToken     *string
	LeaseExpiresAt *time.Time

	FinalizeStage   FinalizeStage
	FinalizeToken   *string
	FinalizeClaimedAt *time.Time

	LastErrorReason *string
	TraceID         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether status is one of the terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsActive reports whether status is one that must carry a
// reservation.
func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}
