package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var hundred = decimal.NewFromInt(100)

// InterestEngine resolves the interest policy in effect and credits interest
// to qualifying accounts through the ledger.
type InterestEngine struct {
	repo    repository.Repository
	ledger  *Ledger
	log     *logrus.Logger
	workers int
	now     func() time.Time
}

// CreateSetting stores a new interest policy version
func (e *InterestEngine) CreateSetting(ctx context.Context, s models.InterestSetting, actor models.Actor) (*models.InterestSetting, error) {
	if s.Rate.IsNegative() {
		return nil, models.Validationf("rate must not be negative")
	}
	if s.MinimumBalance.IsNegative() {
		return nil, models.Validationf("minimum balance must not be negative")
	}
	if !s.ComputationBasis.Valid() {
		return nil, models.Validationf("unknown computation basis %q", s.ComputationBasis)
	}
	if s.EffectiveDate.IsZero() {
		return nil, models.Validationf("effective date is required")
	}

	s.ID = 0
	s.CreatedBy = actor.ID
	s.CreatedAt = e.now()
	err := e.repo.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.CreateInterestSetting(ctx, &s)
	})
	if err != nil {
		return nil, classify(err)
	}

	e.log.WithFields(logrus.Fields{
		"setting_id":     s.ID,
		"rate":           s.Rate.String(),
		"basis":          s.ComputationBasis,
		"effective_date": s.EffectiveDate.Format("2006-01-02"),
		"actor":          actor.ID,
	}).Info("Interest setting created")
	return &s, nil
}

// CurrentSetting returns the setting with the latest effective date not after
// asOf. Settings sharing that date resolve to the most recently created.
func (e *InterestEngine) CurrentSetting(ctx context.Context, asOf time.Time) (*models.InterestSetting, error) {
	settings, err := e.repo.ListInterestSettings(ctx)
	if err != nil {
		return nil, err
	}

	var best *models.InterestSetting
	for i := range settings {
		s := &settings[i]
		if s.EffectiveDate.After(asOf) {
			continue
		}
		if best == nil || newerSetting(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, models.NotFoundf("no interest setting effective as of %s", asOf.Format("2006-01-02"))
	}
	return best, nil
}

func newerSetting(a, b *models.InterestSetting) bool {
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Calculate returns the interest due on balance under setting, rounded to
// cents. The rate is used as given.
func (e *InterestEngine) Calculate(balance decimal.Decimal, setting models.InterestSetting) decimal.Decimal {
	if balance.LessThan(setting.MinimumBalance) || !balance.IsPositive() {
		return decimal.Zero
	}
	return balance.Mul(setting.Rate).Div(hundred).Round(2)
}

// ApplyToAllQualifying credits one period of interest under the current
// setting to every qualifying account.
func (e *InterestEngine) ApplyToAllQualifying(ctx context.Context, processedBy models.Actor) (*models.BatchResult, error) {
	setting, err := e.CurrentSetting(ctx, e.now())
	if err != nil {
		return nil, err
	}
	return e.ApplyWithSetting(ctx, setting.ForPeriod(), processedBy)
}

// ApplyForPeriod runs ApplyToAllQualifying for a caller that fires once per
// basis period. It refuses a setting computed on any other basis.
func (e *InterestEngine) ApplyForPeriod(ctx context.Context, basis models.ComputationBasis, processedBy models.Actor) (*models.BatchResult, error) {
	setting, err := e.CurrentSetting(ctx, e.now())
	if err != nil {
		return nil, err
	}
	if setting.ComputationBasis != basis {
		return nil, models.Statef("setting %d is computed %s but the run fires %s",
			setting.ID, setting.ComputationBasis, basis)
	}
	return e.ApplyWithSetting(ctx, setting.ForPeriod(), processedBy)
}

// ApplyWithSetting credits interest computed with setting to every active
// account. Accounts are processed in parallel, one worker per account at a
// time. A failing account is logged and counted. Cancellation stops the run
// between accounts and is returned with the partial result.
func (e *InterestEngine) ApplyWithSetting(ctx context.Context, setting models.InterestSetting, processedBy models.Actor) (*models.BatchResult, error) {
	accounts, err := e.repo.ListAccountsByStatus(ctx, models.AccountActive)
	if err != nil {
		return nil, err
	}

	logger := e.log.WithFields(logrus.Fields{
		"setting_id": setting.ID,
		"rate":       setting.Rate.String(),
		"actor":      processedBy.ID,
	})
	logger.Infof("Interest run started for %d accounts", len(accounts))

	result := &models.BatchResult{Total: decimal.Zero}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for _, acc := range accounts {
		if ctx.Err() != nil {
			break
		}
		accountID := acc.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			amount, err := e.creditAccount(ctx, accountID, setting, processedBy)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				result.Failed++
				logger.WithField("account_id", accountID).Errorf("Interest posting failed: %v", err)
			case amount.IsZero():
				result.Skipped++
			default:
				result.Succeeded++
				result.Total = result.Total.Add(amount)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"total":     result.Total.String(),
	}).Info("Interest run finished")
	return result, ctx.Err()
}

// ApplyInterest posts a manual interest credit. The account must qualify under
// the setting in effect now.
func (e *InterestEngine) ApplyInterest(ctx context.Context, accountID int64, amount decimal.Decimal, actor models.Actor) (*models.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	setting, err := e.CurrentSetting(ctx, e.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.Statef("no interest setting in effect")
		}
		return nil, err
	}

	var tr *models.Transaction
	err = e.ledger.withAccount(ctx, accountID, func(tx repository.Tx, acc *models.Account) error {
		if acc.Status != models.AccountActive {
			return models.Statef("account %d is %s", acc.ID, acc.Status)
		}
		if acc.Balance.LessThan(setting.MinimumBalance) {
			return models.Statef("account %d balance %s is below the %s minimum",
				acc.ID, acc.Balance.StringFixed(2), setting.MinimumBalance.StringFixed(2))
		}
		var err error
		tr, err = e.ledger.post(ctx, tx, acc, models.TxInterest, amount, actor, "Interest credit")
		return err
	})
	logger := e.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"amount":     amount.String(),
		"setting_id": setting.ID,
		"actor":      actor.ID,
	})
	if err != nil {
		logger.Warnf("Interest credit rejected: %v", err)
		return nil, err
	}
	logger.Info("Interest credited")
	return tr, nil
}

// creditAccount re-reads the account under its lock so the minimum-balance and
// status checks see the balance the credit is applied to.
func (e *InterestEngine) creditAccount(ctx context.Context, accountID int64, setting models.InterestSetting, actor models.Actor) (decimal.Decimal, error) {
	credited := decimal.Zero
	err := e.ledger.withAccount(ctx, accountID, func(tx repository.Tx, acc *models.Account) error {
		if acc.Status != models.AccountActive {
			return nil
		}
		amount := e.Calculate(acc.Balance, setting)
		if !amount.IsPositive() {
			return nil
		}
		if _, err := e.ledger.post(ctx, tx, acc, models.TxInterest, amount, actor, "Interest credit"); err != nil {
			return err
		}
		credited = amount
		return nil
	})
	return credited, err
}
