// Package ledger tracks per-account consumption inside a recurring
// accounting period. The ledger is the single source of truth for how much an
// account has used and when that usage window ends.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrLimitExceeded is returned by Reserve when the charge would push the
// account past its limit. Nothing is consumed when it is returned.
var ErrLimitExceeded = errors.New("ledger: limit exceeded")

// dedupeWindow is how long an idempotency key blocks a repeated charge.
const dedupeWindow = 48 * time.Hour

// Snapshot is the ledger state for one account at a point in time. The
// counter always reflects the current period: a snapshot taken after the
// period boundary reports zero regardless of prior usage.
type Snapshot struct {
	AccountID    uint64
	RequestCount int64
	PeriodStart  time.Time
}

// Reservation is a charge applied by Reserve, kept so the caller can refund
// it if the work it paid for never happens. Amount is zero when the
// idempotency key had already been charged; rolling such a reservation back
// is a no-op.
type Reservation struct {
	AccountID      uint64
	Amount         int64
	IdempotencyKey string

	// Snapshot is the account state immediately after the charge, or at the
	// moment of denial when Reserve returns ErrLimitExceeded.
	Snapshot Snapshot
}

// Ledger is a durable per-account usage counter.
//
// Reserve and Rollback on the same account are linearizable with respect to
// concurrent requests from that account; requests from different accounts
// never block each other. Two callers racing for the last allowance unit
// therefore cannot both be charged within the limit.
type Ledger interface {
	// Snapshot returns the current-period usage for an account. Accounts with
	// no recorded usage report a zero counter; reading never creates state.
	Snapshot(ctx context.Context, accountID uint64) (Snapshot, error)

	// Reserve atomically checks the charge against limit and applies it,
	// creating the record if absent and resetting it first when the period
	// has rolled over. A negative limit means unlimited. A non-empty
	// idempotencyKey makes the charge at-most-once: a repeated key returns
	// the current state without incrementing. On ErrLimitExceeded the
	// returned Reservation still carries the at-denial Snapshot.
	Reserve(ctx context.Context, accountID uint64, amount, limit int64, idempotencyKey string) (Reservation, error)

	// Rollback refunds a reservation whose request was never served, freeing
	// its idempotency key so a retry can be charged again.
	Rollback(ctx context.Context, res Reservation) error
}
