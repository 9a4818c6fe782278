package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Servicer owns the loan lifecycle:
//
//	PENDING -> APPROVED | REJECTED
//	APPROVED -> ACTIVE (release, proceeds deposited)
//	ACTIVE -> PAID (last scheduled payment recorded)
type Servicer struct {
	repo       repository.Repository
	ledger     *Ledger
	originator *Originator
	log        *logrus.Logger
	notifier   Notifier
	now        func() time.Time
}

// Loan retrieves a loan by id
func (s *Servicer) Loan(ctx context.Context, loanID int64) (*models.Loan, error) {
	return s.repo.GetLoan(ctx, loanID)
}

// Schedule returns a loan's amortization schedule
func (s *Servicer) Schedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error) {
	return s.repo.ListSchedule(ctx, loanID)
}

// MemberLoans lists every loan of a member
func (s *Servicer) MemberLoans(ctx context.Context, memberID int64) ([]models.Loan, error) {
	if _, err := s.repo.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return s.repo.ListLoansByMember(ctx, memberID)
}

// Originate quotes a loan application and stores the pending loan together
// with its full schedule.
func (s *Servicer) Originate(ctx context.Context, app models.LoanApplication, actor models.Actor) (*models.Loan, []models.AmortizationEntry, error) {
	acc, err := s.repo.GetAccount(ctx, app.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if acc.MemberID != app.MemberID {
		return nil, nil, models.Validationf("account %d does not belong to member %d", acc.ID, app.MemberID)
	}
	if acc.Status != models.AccountActive {
		return nil, nil, models.Statef("account %d is %s", acc.ID, acc.Status)
	}

	quote, err := s.originator.Quote(ctx, app.MemberID, app.Amount, app.TermMonths, app.LoanType)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	loan := &models.Loan{
		MemberID:            app.MemberID,
		AccountID:           app.AccountID,
		LoanType:            quote.LoanType,
		Principal:           quote.Amount,
		InterestRate:        quote.AnnualRate,
		TermMonths:          quote.TermMonths,
		PreviousLoanBalance: quote.PreviousLoanBalance,
		RLPF:                quote.RLPF,
		Deductions:          quote.Deductions,
		NetProceeds:         quote.NetProceeds,
		Status:              models.LoanPending,
		RequestedBy:         actor.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	schedule := quote.Schedule

	err = s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return err
		}
		for i := range schedule {
			schedule[i].LoanID = loan.ID
		}
		return tx.CreateScheduleEntries(ctx, schedule)
	})
	if err != nil {
		return nil, nil, classify(err)
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"member_id":    loan.MemberID,
		"principal":    loan.Principal.String(),
		"net_proceeds": loan.NetProceeds.String(),
		"actor":        actor.ID,
	}).Info("Loan originated")
	return loan, schedule, nil
}

// transition moves a loan along the lifecycle inside its own unit of work.
func (s *Servicer) transition(ctx context.Context, loanID int64, to models.LoanStatus, actor models.Actor, apply func(l *models.Loan)) (*models.Loan, error) {
	var out *models.Loan
	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		loan, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(to) {
			return models.Statef("loan %d is %s, cannot become %s", loan.ID, loan.Status, to)
		}
		loan.Status = to
		loan.DecidedBy = actor.ID
		loan.UpdatedAt = s.now()
		if apply != nil {
			apply(loan)
		}
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		out = loan
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	s.log.WithFields(logrus.Fields{"loan_id": loanID, "status": to, "actor": actor.ID}).Info("Loan status changed")
	return out, nil
}

// Approve moves a pending loan to APPROVED
func (s *Servicer) Approve(ctx context.Context, loanID int64, actor models.Actor) (*models.Loan, error) {
	return s.transition(ctx, loanID, models.LoanApproved, actor, nil)
}

// Reject moves a pending loan to REJECTED
func (s *Servicer) Reject(ctx context.Context, loanID int64, reason string, actor models.Actor) (*models.Loan, error) {
	return s.transition(ctx, loanID, models.LoanRejected, actor, func(l *models.Loan) {
		l.RejectionReason = reason
	})
}

// Release activates an approved loan. In one unit of work it settles the
// member's other active loans out of the withheld deductions, deposits the net
// proceeds and marks the loan ACTIVE.
func (s *Servicer) Release(ctx context.Context, loanID int64, actor models.Actor) (*models.Loan, error) {
	peek, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	var released *models.Loan
	err = s.ledger.withAccount(ctx, peek.AccountID, func(tx repository.Tx, acc *models.Account) error {
		loan, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(models.LoanActive) {
			return models.Statef("loan %d is %s, cannot become %s", loan.ID, loan.Status, models.LoanActive)
		}

		now := s.now()
		others, err := tx.LockLoansByMember(ctx, loan.MemberID, models.LoanActive)
		if err != nil {
			return err
		}
		settled := decimal.Zero
		for i := range others {
			amount, err := s.settle(ctx, tx, &others[i], actor, now)
			if err != nil {
				return err
			}
			settled = settled.Add(amount)
		}

		// Payments made since the quote shrink what has to be withheld.
		if !settled.Equal(loan.PreviousLoanBalance) {
			loan.PreviousLoanBalance = settled
			loan.Deductions = settled.Add(loan.RLPF)
			loan.NetProceeds = loan.Principal.Sub(loan.Deductions)
			if loan.NetProceeds.IsNegative() {
				return models.Validationf("deductions %s exceed loan amount %s",
					loan.Deductions.StringFixed(2), loan.Principal.StringFixed(2))
			}
		}

		if loan.NetProceeds.IsPositive() {
			desc := fmt.Sprintf("Loan #%d proceeds", loan.ID)
			if _, err := s.ledger.post(ctx, tx, acc, models.TxLoanRelease, loan.NetProceeds, actor, desc); err != nil {
				return err
			}
		}

		loan.Status = models.LoanActive
		loan.ReleasedAt = &now
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		released = loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":      released.ID,
		"account_id":   released.AccountID,
		"net_proceeds": released.NetProceeds.String(),
		"actor":        actor.ID,
	}).Info("Loan released")
	s.notifyMember(ctx, released.MemberID, func(m models.Member) error {
		return s.notifier.LoanReleased(ctx, m, *released)
	})
	return released, nil
}

// settle closes out an older active loan whose remaining principal was
// withheld from a new loan's proceeds.
func (s *Servicer) settle(ctx context.Context, tx repository.Tx, loan *models.Loan, actor models.Actor, now time.Time) (decimal.Decimal, error) {
	schedule, err := tx.LockSchedule(ctx, loan.ID)
	if err != nil {
		return decimal.Zero, err
	}
	settled := decimal.Zero
	for i := range schedule {
		e := &schedule[i]
		if e.Status == models.PaymentPaid {
			continue
		}
		e.Status = models.PaymentPaid
		e.PaidAmount = e.Principal
		e.PaidAt = &now
		e.PaidBy = actor.ID
		if err := tx.UpdateScheduleEntry(ctx, e); err != nil {
			return decimal.Zero, err
		}
		settled = settled.Add(e.Principal)
	}
	loan.Status = models.LoanPaid
	loan.UpdatedAt = now
	if err := tx.UpdateLoan(ctx, loan); err != nil {
		return decimal.Zero, err
	}
	return settled, nil
}

// RecordPayment settles one scheduled payment in full. The entry update, the
// withdrawal and the payoff transition commit together or not at all.
// Amounts below the scheduled total are rejected; partial payments are not
// supported.
func (s *Servicer) RecordPayment(ctx context.Context, loanID, entryID int64, amount decimal.Decimal, actor models.Actor) (*models.PaymentReceipt, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	peek, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	var receipt models.PaymentReceipt
	err = s.ledger.withAccount(ctx, peek.AccountID, func(tx repository.Tx, acc *models.Account) error {
		loan, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return models.Statef("loan %d is %s", loan.ID, loan.Status)
		}
		schedule, err := tx.LockSchedule(ctx, loan.ID)
		if err != nil {
			return err
		}

		var entry *models.AmortizationEntry
		unpaid := 0
		for i := range schedule {
			if schedule[i].ID == entryID {
				entry = &schedule[i]
			}
			if schedule[i].Status == models.PaymentUnpaid {
				unpaid++
			}
		}
		if entry == nil {
			return models.NotFoundf("schedule entry %d of loan %d", entryID, loanID)
		}
		if entry.Status == models.PaymentPaid {
			return models.Statef("payment %d of loan %d is already paid", entry.PaymentNumber, loan.ID)
		}
		if amount.LessThan(entry.TotalPayment) {
			return models.Validationf("payment %s is below the scheduled %s",
				amount.StringFixed(2), entry.TotalPayment.StringFixed(2))
		}

		now := s.now()
		entry.Status = models.PaymentPaid
		entry.PaidAmount = amount
		entry.PaidAt = &now
		entry.PaidBy = actor.ID
		if err := tx.UpdateScheduleEntry(ctx, entry); err != nil {
			return err
		}

		desc := fmt.Sprintf("Loan #%d payment %d/%d", loan.ID, entry.PaymentNumber, loan.TermMonths)
		tr, err := s.ledger.post(ctx, tx, acc, models.TxLoanPayment, amount, actor, desc)
		if err != nil {
			return err
		}

		if unpaid == 1 {
			loan.Status = models.LoanPaid
			loan.UpdatedAt = now
			if err := tx.UpdateLoan(ctx, loan); err != nil {
				return err
			}
		}

		receipt = models.PaymentReceipt{Loan: *loan, Entry: *entry, Transaction: *tr}
		return nil
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"loan_id":  loanID,
			"entry_id": entryID,
			"amount":   amount.String(),
			"actor":    actor.ID,
		}).Warnf("Loan payment rejected: %v", err)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"loan_id":        loanID,
		"payment_number": receipt.Entry.PaymentNumber,
		"amount":         amount.String(),
		"loan_status":    receipt.Loan.Status,
		"actor":          actor.ID,
	}).Info("Loan payment recorded")
	s.notifyMember(ctx, receipt.Loan.MemberID, func(m models.Member) error {
		return s.notifier.PaymentReceived(ctx, m, receipt.Loan, receipt.Entry)
	})
	return &receipt, nil
}

func (s *Servicer) notifyMember(ctx context.Context, memberID int64, send func(models.Member) error) {
	member, err := s.repo.GetMember(ctx, memberID)
	if err == nil {
		err = send(*member)
	}
	if err != nil {
		s.log.WithField("member_id", memberID).Warnf("Member notification failed: %v", err)
	}
}
