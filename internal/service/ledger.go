package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/Dan9191/coop-ledger/internal/utils"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger owns account balances and the append-only transaction log. Every
// balance change in the system goes through withAccount and post.
type Ledger struct {
	repo   repository.Repository
	log    *logrus.Logger
	locks  *accountLocks
	secret string
	now    func() time.Time
}

// withAccount runs fn as one unit of work holding the account exclusively:
// the in-process account lock first, then the store row lock.
func (l *Ledger) withAccount(ctx context.Context, accountID int64, fn func(tx repository.Tx, acc *models.Account) error) error {
	unlock := l.locks.Lock(accountID)
	defer unlock()

	err := l.repo.WithinTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		return fn(tx, acc)
	})
	return classify(err)
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return models.Validationf("amount must be positive, got %s", amount.String())
	}
	if !amount.Equal(amount.Round(2)) {
		return models.Validationf("amount %s has more than 2 decimal places", amount.String())
	}
	return nil
}

// post applies one signed amount to a locked account and appends the matching
// transaction within tx. acc is updated in place.
func (l *Ledger) post(ctx context.Context, tx repository.Tx, acc *models.Account, kind models.TransactionType,
	amount decimal.Decimal, actor models.Actor, description string) (*models.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if acc.Status != models.AccountActive {
		return nil, models.Statef("account %d is %s", acc.ID, acc.Status)
	}

	balance := acc.Balance
	if kind.Credits() {
		balance = balance.Add(amount)
	} else {
		if amount.GreaterThan(balance) {
			return nil, fmt.Errorf("%w: account %d balance %s, requested %s",
				models.ErrInsufficientFunds, acc.ID, acc.Balance.StringFixed(2), amount.StringFixed(2))
		}
		balance = balance.Sub(amount)
	}

	now := l.now()
	updated := *acc
	updated.Balance = balance
	if kind == models.TxInterest {
		updated.InterestEarned = updated.InterestEarned.Add(amount)
	}
	updated.LastActivityAt = &now
	updated.UpdatedAt = now

	tr := &models.Transaction{
		Reference:      ulid.Make().String(),
		AccountID:      acc.ID,
		Type:           kind,
		Amount:         amount,
		RunningBalance: balance,
		Actor:          actor.ID,
		Description:    description,
		CreatedAt:      now,
	}
	tr.Signature = utils.SignTransaction(l.secret, tr)

	if err := tx.UpdateAccount(ctx, &updated); err != nil {
		return nil, err
	}
	if err := tx.AppendTransaction(ctx, tr); err != nil {
		return nil, err
	}
	*acc = updated
	return tr, nil
}

func (l *Ledger) postSingle(ctx context.Context, accountID int64, kind models.TransactionType,
	amount decimal.Decimal, actor models.Actor, description string) (*models.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	var tr *models.Transaction
	err := l.withAccount(ctx, accountID, func(tx repository.Tx, acc *models.Account) error {
		var err error
		tr, err = l.post(ctx, tx, acc, kind, amount, actor, description)
		return err
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"type":       kind,
			"amount":     amount.String(),
			"actor":      actor.ID,
		}).Warnf("Ledger posting rejected: %v", err)
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"account_id":      accountID,
		"reference":       tr.Reference,
		"type":            kind,
		"amount":          amount.String(),
		"running_balance": tr.RunningBalance.String(),
		"actor":           actor.ID,
	}).Info("Ledger posting recorded")
	return tr, nil
}

// Deposit credits an account
func (l *Ledger) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal, actor models.Actor, description string) (*models.Transaction, error) {
	if description == "" {
		description = "Deposit"
	}
	return l.postSingle(ctx, accountID, models.TxDeposit, amount, actor, description)
}

// Withdraw debits an account. It fails with ErrInsufficientFunds when the
// amount exceeds the balance.
func (l *Ledger) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal, actor models.Actor, description string) (*models.Transaction, error) {
	if description == "" {
		description = "Withdrawal"
	}
	return l.postSingle(ctx, accountID, models.TxWithdrawal, amount, actor, description)
}

// OpenAccount opens an empty active account for a member
func (l *Ledger) OpenAccount(ctx context.Context, memberID int64, actor models.Actor) (*models.Account, error) {
	now := l.now()
	acc := &models.Account{
		MemberID:       memberID,
		Balance:        decimal.Zero,
		InterestEarned: decimal.Zero,
		Status:         models.AccountActive,
		LastActivityAt: &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := l.repo.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.CreateAccount(ctx, acc)
	})
	if err != nil {
		return nil, classify(err)
	}
	l.log.WithFields(logrus.Fields{"account_id": acc.ID, "member_id": memberID, "actor": actor.ID}).Info("Account opened")
	return acc, nil
}

// CloseAccount closes an empty account that no live loan depends on
func (l *Ledger) CloseAccount(ctx context.Context, accountID int64, actor models.Actor) (*models.Account, error) {
	var closed *models.Account
	err := l.withAccount(ctx, accountID, func(tx repository.Tx, acc *models.Account) error {
		if acc.Status == models.AccountClosed {
			return models.Statef("account %d is already closed", acc.ID)
		}
		if !acc.Balance.IsZero() {
			return models.Statef("account %d still holds %s", acc.ID, acc.Balance.StringFixed(2))
		}
		for _, status := range []models.LoanStatus{models.LoanApproved, models.LoanActive} {
			loans, err := tx.LockLoansByMember(ctx, acc.MemberID, status)
			if err != nil {
				return err
			}
			for _, loan := range loans {
				if loan.AccountID == acc.ID {
					return models.Statef("account %d services %s loan %d", acc.ID, loan.Status, loan.ID)
				}
			}
		}
		acc.Status = models.AccountClosed
		acc.UpdatedAt = l.now()
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		closed = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"account_id": accountID, "actor": actor.ID}).Info("Account closed")
	return closed, nil
}

// Account returns the current state of an account
func (l *Ledger) Account(ctx context.Context, accountID int64) (*models.Account, error) {
	return l.repo.GetAccount(ctx, accountID)
}

// History returns an account's transactions oldest first
func (l *Ledger) History(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	if limit < 0 || offset < 0 {
		return nil, models.Validationf("limit and offset must not be negative")
	}
	return l.repo.ListTransactions(ctx, accountID, limit, offset)
}

// Audit replays the transaction log of an account and checks every running
// balance, every signature and the final balance and interest totals.
func (l *Ledger) Audit(ctx context.Context, accountID int64) (*models.AuditReport, error) {
	var (
		acc *models.Account
		log []models.Transaction
	)
	err := l.withAccount(ctx, accountID, func(tx repository.Tx, locked *models.Account) error {
		var err error
		acc = locked
		log, err = tx.ListTransactions(ctx, accountID, 0, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &models.AuditReport{
		AccountID:        accountID,
		Transactions:     len(log),
		Balance:          acc.Balance,
		InterestEarned:   acc.InterestEarned,
		ComputedBalance:  decimal.Zero,
		ComputedInterest: decimal.Zero,
		Consistent:       true,
	}
	fail := func(id int64, problem string) {
		if report.Consistent {
			report.Consistent = false
			report.FirstMismatch = id
			report.Problem = problem
		}
	}

	for i := range log {
		tr := &log[i]
		report.ComputedBalance = report.ComputedBalance.Add(tr.Signed())
		if tr.Type == models.TxInterest {
			report.ComputedInterest = report.ComputedInterest.Add(tr.Amount)
		}
		if !report.ComputedBalance.Equal(tr.RunningBalance) {
			fail(tr.ID, fmt.Sprintf("running balance %s, expected %s",
				tr.RunningBalance.StringFixed(2), report.ComputedBalance.StringFixed(2)))
		}
		if !utils.VerifyTransaction(l.secret, tr) {
			fail(tr.ID, "signature mismatch")
		}
	}
	if !report.ComputedBalance.Equal(acc.Balance) {
		fail(0, fmt.Sprintf("account balance %s, log sums to %s",
			acc.Balance.StringFixed(2), report.ComputedBalance.StringFixed(2)))
	}
	if !report.ComputedInterest.Equal(acc.InterestEarned) {
		fail(0, fmt.Sprintf("interest earned %s, log sums to %s",
			acc.InterestEarned.StringFixed(2), report.ComputedInterest.StringFixed(2)))
	}

	if !report.Consistent {
		l.log.WithFields(logrus.Fields{"account_id": accountID, "problem": report.Problem}).Error("Ledger audit failed")
	}
	return report, nil
}
