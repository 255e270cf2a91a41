package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	dbutil "github.com/writgo/aigateway/internal/db"
	"github.com/writgo/aigateway/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// markerPurgeEvery throttles how often one process sweeps expired
// idempotency markers.
const markerPurgeEvery = time.Hour

// GormLedger is a database-backed Ledger. Row-level locks serialize charges
// per account on PostgreSQL; SQLite cannot express SELECT ... FOR UPDATE, so
// there a per-account mutex provides the same ordering within the process.
type GormLedger struct {
	db        *gorm.DB
	locks     sync.Map // account ID -> *sync.Mutex
	lastPurge atomic.Int64

	// now is swappable in tests.
	now func() time.Time
}

// NewGormLedger constructs a GormLedger.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ Ledger = (*GormLedger)(nil)

// Snapshot returns the current-period usage, resetting the stored counter
// first when the period boundary has passed. Accounts with no recorded usage
// report zero without a row being created.
func (l *GormLedger) Snapshot(ctx context.Context, accountID uint64) (Snapshot, error) {
	if l == nil || l.db == nil {
		return Snapshot{}, errors.New("ledger: nil db")
	}
	now := l.now()

	unlock := l.lockAccount(accountID)
	defer unlock()

	var out Snapshot
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, errLoad := l.loadForUpdate(tx, accountID)
		if errLoad != nil {
			if errors.Is(errLoad, gorm.ErrRecordNotFound) {
				out = Snapshot{AccountID: accountID, RequestCount: 0, PeriodStart: PeriodStart(now)}
				return nil
			}
			return errLoad
		}

		if Expired(record.PeriodStart, now) {
			if errReset := tx.Model(&models.UsageRecord{}).
				Where("id = ?", record.ID).
				Updates(map[string]any{
					"request_count": 0,
					"period_start":  PeriodStart(now),
					"updated_at":    now,
				}).Error; errReset != nil {
				return errReset
			}
			record.RequestCount = 0
			record.PeriodStart = PeriodStart(now)
		}

		out = Snapshot{AccountID: accountID, RequestCount: record.RequestCount, PeriodStart: record.PeriodStart}
		return nil
	})
	if errTx != nil {
		return Snapshot{}, errTx
	}
	return out, nil
}

// Reserve charges the account if the result stays within limit. The limit
// check and the increment happen inside one transaction, so two requests
// racing for the last allowance unit cannot both pass. A denied reserve also
// discards the idempotency marker it would have written.
func (l *GormLedger) Reserve(ctx context.Context, accountID uint64, amount, limit int64, idempotencyKey string) (Reservation, error) {
	if l == nil || l.db == nil {
		return Reservation{}, errors.New("ledger: nil db")
	}
	if amount <= 0 {
		amount = 1
	}
	now := l.now()

	unlock := l.lockAccount(accountID)
	defer unlock()

	res := Reservation{AccountID: accountID, IdempotencyKey: idempotencyKey}
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		charge := amount
		if idempotencyKey != "" {
			marker := models.IdempotencyKey{Key: idempotencyKey, AccountID: accountID, CreatedAt: now}
			created := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoNothing: true,
			}).Create(&marker)
			if created.Error != nil {
				return created.Error
			}
			if created.RowsAffected == 0 {
				// Already charged for this logical request.
				charge = 0
			}
		}

		record, errLoad := l.loadForUpdate(tx, accountID)
		if errors.Is(errLoad, gorm.ErrRecordNotFound) {
			// Seed a zero row so the charge always goes through the locked
			// update path, even when two instances race on first use.
			seed := models.UsageRecord{AccountID: accountID, PeriodStart: PeriodStart(now), UpdatedAt: now}
			seeded := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}},
				DoNothing: true,
			}).Create(&seed)
			if seeded.Error != nil {
				return seeded.Error
			}
			record, errLoad = l.loadForUpdate(tx, accountID)
		}
		if errLoad != nil {
			return errLoad
		}

		count := record.RequestCount
		periodStart := record.PeriodStart
		if Expired(periodStart, now) {
			count = 0
			periodStart = PeriodStart(now)
		}

		if charge > 0 && limit >= 0 && count+charge > limit {
			// Abort: the rollback also discards the marker written above.
			res.Snapshot = Snapshot{AccountID: accountID, RequestCount: count, PeriodStart: periodStart}
			return ErrLimitExceeded
		}
		count += charge

		if errUpdate := tx.Model(&models.UsageRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"request_count": count,
				"period_start":  periodStart,
				"updated_at":    now,
			}).Error; errUpdate != nil {
			return errUpdate
		}

		res.Amount = charge
		res.Snapshot = Snapshot{AccountID: accountID, RequestCount: count, PeriodStart: periodStart}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrLimitExceeded) {
			return res, ErrLimitExceeded
		}
		return Reservation{}, errTx
	}

	l.maybePurgeMarkers(ctx, now)
	return res, nil
}

// Rollback refunds a reservation and frees its idempotency key. A rollover
// between the charge and the refund voids the charge anyway, so the counter
// is only decremented within the period the charge landed in.
func (l *GormLedger) Rollback(ctx context.Context, res Reservation) error {
	if l == nil || l.db == nil {
		return errors.New("ledger: nil db")
	}
	if res.Amount <= 0 {
		return nil
	}
	now := l.now()

	unlock := l.lockAccount(res.AccountID)
	defer unlock()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res.IdempotencyKey != "" {
			if errDelete := tx.Where("key = ?", res.IdempotencyKey).
				Delete(&models.IdempotencyKey{}).Error; errDelete != nil {
				return errDelete
			}
		}

		record, errLoad := l.loadForUpdate(tx, res.AccountID)
		if errLoad != nil {
			if errors.Is(errLoad, gorm.ErrRecordNotFound) {
				return nil
			}
			return errLoad
		}
		if !record.PeriodStart.Equal(res.Snapshot.PeriodStart) {
			return nil
		}

		count := record.RequestCount - res.Amount
		if count < 0 {
			count = 0
		}
		return tx.Model(&models.UsageRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"request_count": count,
				"updated_at":    now,
			}).Error
	})
}

// maybePurgeMarkers sweeps idempotency markers older than the dedupe window,
// at most once per markerPurgeEvery per process. Best-effort: markers only
// grow the table, they never affect correctness once expired.
func (l *GormLedger) maybePurgeMarkers(ctx context.Context, now time.Time) {
	last := l.lastPurge.Load()
	if now.Unix()-last < int64(markerPurgeEvery/time.Second) {
		return
	}
	if !l.lastPurge.CompareAndSwap(last, now.Unix()) {
		return
	}
	cutoff := now.Add(-dedupeWindow)
	if errPurge := l.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.IdempotencyKey{}).Error; errPurge != nil {
		log.WithError(errPurge).Debug("ledger: marker purge failed")
	}
}

// loadForUpdate reads the account's usage row, taking a row lock where the
// dialect supports it.
func (l *GormLedger) loadForUpdate(tx *gorm.DB, accountID uint64) (models.UsageRecord, error) {
	var record models.UsageRecord
	q := tx.Model(&models.UsageRecord{})
	if !dbutil.IsSQLite(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("account_id = ?", accountID).Take(&record).Error
	return record, err
}

// lockAccount serializes in-process access per account key.
func (l *GormLedger) lockAccount(accountID uint64) func() {
	v, _ := l.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
