package service

import (
	"context"
	"sync"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DormancyMonitor moves inactive accounts to DORMANT and back.
type DormancyMonitor struct {
	repo     repository.Repository
	ledger   *Ledger
	log      *logrus.Logger
	notifier Notifier
	workers  int
	now      func() time.Time
}

// Sweep flags every active account with no activity within thresholdMonths.
// Activity is the newest of the last transaction, the last reactivation and
// the opening of the account.
func (m *DormancyMonitor) Sweep(ctx context.Context, thresholdMonths int, actor models.Actor) (*models.BatchResult, error) {
	if thresholdMonths <= 0 {
		return nil, models.Validationf("threshold must be positive, got %d", thresholdMonths)
	}
	accounts, err := m.repo.ListAccountsByStatus(ctx, models.AccountActive)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().AddDate(0, -thresholdMonths, 0)
	logger := m.log.WithFields(logrus.Fields{
		"threshold_months": thresholdMonths,
		"cutoff":           cutoff.Format(time.RFC3339),
		"actor":            actor.ID,
	})
	logger.Infof("Dormancy sweep started for %d accounts", len(accounts))

	result := &models.BatchResult{Total: decimal.Zero}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(m.workers)
	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}
		accountID := acc.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			flagged, record, err := m.flag(ctx, accountID, cutoff, actor)

			mu.Lock()
			result.Processed++
			switch {
			case err != nil:
				result.Failed++
				logger.WithField("account_id", accountID).Errorf("Dormancy check failed: %v", err)
			case flagged == nil:
				result.Skipped++
			default:
				result.Succeeded++
			}
			mu.Unlock()

			if flagged != nil {
				m.notify(ctx, *flagged, *record)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"flagged":   result.Succeeded,
		"failed":    result.Failed,
	}).Info("Dormancy sweep finished")
	return result, ctx.Err()
}

// flag marks one account dormant if it is still active and idle since before
// cutoff. It returns nil when the account was left alone.
func (m *DormancyMonitor) flag(ctx context.Context, accountID int64, cutoff time.Time, actor models.Actor) (*models.Account, *models.DormancyRecord, error) {
	var flagged *models.Account
	var record *models.DormancyRecord
	err := m.ledger.withAccount(ctx, accountID, func(tx repository.Tx, acc *models.Account) error {
		if acc.Status != models.AccountActive {
			return nil
		}
		lastTx, err := tx.LastTransactionAt(ctx, acc.ID)
		if err != nil {
			return err
		}
		if !acc.LastActivity(lastTx).Before(cutoff) {
			return nil
		}

		now := m.now()
		acc.Status = models.AccountDormant
		acc.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		rec := &models.DormancyRecord{
			AccountID:         acc.ID,
			LastTransactionAt: lastTx,
			FlaggedAt:         now,
			FlaggedBy:         actor.ID,
			Status:            models.DormancyOpen,
		}
		if err := tx.CreateDormancyRecord(ctx, rec); err != nil {
			return err
		}
		flagged, record = acc, rec
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if flagged != nil {
		m.log.WithFields(logrus.Fields{"account_id": accountID, "actor": actor.ID}).Info("Account flagged dormant")
	}
	return flagged, record, nil
}

func (m *DormancyMonitor) notify(ctx context.Context, acc models.Account, rec models.DormancyRecord) {
	member, err := m.repo.GetMember(ctx, acc.MemberID)
	if err == nil {
		err = m.notifier.AccountDormant(ctx, *member, acc, rec)
	}
	if err != nil {
		m.log.WithField("account_id", acc.ID).Warnf("Dormancy notification failed: %v", err)
	}
}

// Reactivate restores a dormant account to ACTIVE and closes its dormancy
// record. The reactivation counts as activity, so the next sweep waits a full
// threshold again.
func (m *DormancyMonitor) Reactivate(ctx context.Context, accountID int64, actor models.Actor) (*models.Account, error) {
	var out *models.Account
	err := m.ledger.withAccount(ctx, accountID, func(tx repository.Tx, acc *models.Account) error {
		if acc.Status != models.AccountDormant {
			return models.Statef("account %d is %s, not %s", acc.ID, acc.Status, models.AccountDormant)
		}
		rec, err := tx.LockOpenDormancyRecord(ctx, acc.ID)
		if err != nil {
			return err
		}

		now := m.now()
		acc.Status = models.AccountActive
		acc.LastActivityAt = &now
		acc.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		rec.Status = models.DormancyReactivated
		rec.ReactivatedAt = &now
		rec.ReactivatedBy = actor.ID
		if err := tx.UpdateDormancyRecord(ctx, rec); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{"account_id": accountID, "actor": actor.ID}).Info("Account reactivated")
	return out, nil
}

// DormantAccounts lists accounts currently in DORMANT status
func (m *DormancyMonitor) DormantAccounts(ctx context.Context) ([]models.Account, error) {
	return m.repo.ListAccountsByStatus(ctx, models.AccountDormant)
}

// Records lists dormancy records, optionally filtered by status
func (m *DormancyMonitor) Records(ctx context.Context, status models.DormancyStatus) ([]models.DormancyRecord, error) {
	return m.repo.ListDormancyRecords(ctx, status)
}
