package service

import (
	"context"
	"testing"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var officer = models.NewActor("officer-1", models.RoleLoanOfficer)

func originate(t *testing.T, svc *Service, memberID, accountID int64, amount string, term int, loanType string) (*models.Loan, []models.AmortizationEntry) {
	t.Helper()
	loan, schedule, err := svc.Loans.Originate(context.Background(), models.LoanApplication{
		MemberID:   memberID,
		AccountID:  accountID,
		LoanType:   loanType,
		Amount:     d(amount),
		TermMonths: term,
	}, officer)
	require.NoError(t, err)
	return loan, schedule
}

func releaseLoan(t *testing.T, svc *Service, memberID, accountID int64, amount string, term int, loanType string) (*models.Loan, []models.AmortizationEntry) {
	t.Helper()
	ctx := context.Background()
	loan, schedule := originate(t, svc, memberID, accountID, amount, term, loanType)
	_, err := svc.Loans.Approve(ctx, loan.ID, manager)
	require.NoError(t, err)
	loan, err = svc.Loans.Release(ctx, loan.ID, manager)
	require.NoError(t, err)
	return loan, schedule
}

func TestLoanLifecycle(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _, _ := newTestService(t, WithNotifier(notifier))
	ctx := context.Background()
	member, acc := openAccount(t, svc, "2000")

	loan, schedule := originate(t, svc, member.ID, acc.ID, "10000", 12, "regular")
	assert.Equal(t, models.LoanPending, loan.Status)
	assert.Equal(t, officer.ID, loan.RequestedBy)
	assert.True(t, loan.NetProceeds.Equal(d("9880")))
	require.Len(t, schedule, 12)
	for _, e := range schedule {
		assert.Equal(t, loan.ID, e.LoanID)
		assert.NotZero(t, e.ID)
	}

	approved, err := svc.Loans.Approve(ctx, loan.ID, manager)
	require.NoError(t, err)
	assert.Equal(t, models.LoanApproved, approved.Status)
	assert.Equal(t, manager.ID, approved.DecidedBy)

	released, err := svc.Loans.Release(ctx, loan.ID, manager)
	require.NoError(t, err)
	assert.Equal(t, models.LoanActive, released.Status)
	require.NotNil(t, released.ReleasedAt)

	got, err := svc.Ledger.Account(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("11880")))

	expected := d("11880")
	for i, e := range schedule {
		receipt, err := svc.Loans.RecordPayment(ctx, loan.ID, e.ID, e.TotalPayment, teller)
		require.NoError(t, err)
		expected = expected.Sub(e.TotalPayment)
		assert.Equal(t, models.PaymentPaid, receipt.Entry.Status)
		assert.Equal(t, models.TxLoanPayment, receipt.Transaction.Type)
		assert.True(t, receipt.Transaction.RunningBalance.Equal(expected))
		if i < len(schedule)-1 {
			assert.Equal(t, models.LoanActive, receipt.Loan.Status)
		} else {
			assert.Equal(t, models.LoanPaid, receipt.Loan.Status)
		}
	}

	final, err := svc.Loans.Loan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanPaid, final.Status)

	report, err := svc.Ledger.Audit(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problem)
	assert.True(t, report.Balance.Equal(expected))

	assert.Equal(t, []int64{loan.ID}, notifier.released)
	assert.Len(t, notifier.payments, 12)

	loans, err := svc.Loans.MemberLoans(ctx, member.ID)
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestLoanTransitionsAreGuarded(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "0")

	loan, _ := originate(t, svc, member.ID, acc.ID, "1000", 6, "emergency")
	_, err := svc.Loans.Release(ctx, loan.ID, manager)
	require.ErrorIs(t, err, models.ErrState)

	_, err = svc.Loans.Approve(ctx, loan.ID, manager)
	require.NoError(t, err)
	_, err = svc.Loans.Approve(ctx, loan.ID, manager)
	require.ErrorIs(t, err, models.ErrState)
	_, err = svc.Loans.Reject(ctx, loan.ID, "late", manager)
	require.ErrorIs(t, err, models.ErrState)

	other, _ := originate(t, svc, member.ID, acc.ID, "500", 3, "emergency")
	rejected, err := svc.Loans.Reject(ctx, other.ID, "insufficient share capital", manager)
	require.NoError(t, err)
	assert.Equal(t, models.LoanRejected, rejected.Status)
	assert.Equal(t, "insufficient share capital", rejected.RejectionReason)

	_, err = svc.Loans.Approve(ctx, other.ID, manager)
	require.ErrorIs(t, err, models.ErrState)
	_, err = svc.Loans.Release(ctx, other.ID, manager)
	require.ErrorIs(t, err, models.ErrState)

	stored, err := svc.Loans.Loan(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanRejected, stored.Status)

	_, err = svc.Loans.Approve(ctx, 999, manager)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestOriginateChecksAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, _ := openAccount(t, svc, "0")
	_, foreign := openAccount(t, svc, "0")

	_, _, err := svc.Loans.Originate(ctx, models.LoanApplication{
		MemberID: member.ID, AccountID: foreign.ID, LoanType: "regular", Amount: d("1000"), TermMonths: 12,
	}, officer)
	require.ErrorIs(t, err, models.ErrValidation)

	_, _, err = svc.Loans.Originate(ctx, models.LoanApplication{
		MemberID: member.ID, AccountID: 999, LoanType: "regular", Amount: d("1000"), TermMonths: 12,
	}, officer)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecordPaymentRejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "0")

	pending, pendingSchedule := originate(t, svc, member.ID, acc.ID, "600", 3, "emergency")
	_, err := svc.Loans.RecordPayment(ctx, pending.ID, pendingSchedule[0].ID, d("1000"), teller)
	require.ErrorIs(t, err, models.ErrState)

	loan, schedule := releaseLoan(t, svc, member.ID, acc.ID, "1200", 3, "emergency")
	entry := schedule[0]

	short := entry.TotalPayment.Sub(d("0.01"))
	_, err = svc.Loans.RecordPayment(ctx, loan.ID, entry.ID, short, teller)
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.Loans.RecordPayment(ctx, loan.ID, 9999, entry.TotalPayment, teller)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = svc.Loans.RecordPayment(ctx, loan.ID, entry.ID, d("0"), teller)
	require.ErrorIs(t, err, models.ErrValidation)

	stored, err := svc.Loans.Schedule(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentUnpaid, stored[0].Status)

	_, err = svc.Loans.RecordPayment(ctx, loan.ID, entry.ID, entry.TotalPayment, teller)
	require.NoError(t, err)
	_, err = svc.Loans.RecordPayment(ctx, loan.ID, entry.ID, entry.TotalPayment, teller)
	require.ErrorIs(t, err, models.ErrState)

	current, err := svc.Loans.Loan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanActive, current.Status)
}

func TestRecordPaymentInsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "0")
	loan, schedule := releaseLoan(t, svc, member.ID, acc.ID, "1200", 3, "emergency")

	_, err := svc.Ledger.Withdraw(ctx, acc.ID, d("1200"), teller, "")
	require.NoError(t, err)

	_, err = svc.Loans.RecordPayment(ctx, loan.ID, schedule[0].ID, schedule[0].TotalPayment, teller)
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	stored, err := svc.Loans.Schedule(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentUnpaid, stored[0].Status)
	assert.True(t, stored[0].PaidAmount.IsZero())
}

func TestFinalPaymentRollsBackWhenLoanUpdateFails(t *testing.T) {
	repo := &faultyRepo{MemoryRepository: repository.NewMemoryRepository()}
	svc, _ := newTestServiceWithRepo(t, repo)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "100")
	loan, schedule := releaseLoan(t, svc, member.ID, acc.ID, "1000", 1, "emergency")
	require.Len(t, schedule, 1)

	before, err := svc.Ledger.Account(ctx, acc.ID)
	require.NoError(t, err)

	repo.failUpdateLoan = true
	_, err = svc.Loans.RecordPayment(ctx, loan.ID, schedule[0].ID, schedule[0].TotalPayment, teller)
	require.ErrorIs(t, err, models.ErrConsistency)
	repo.failUpdateLoan = false

	after, err := svc.Ledger.Account(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(before.Balance))

	stored, err := svc.Loans.Schedule(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentUnpaid, stored[0].Status)

	current, err := svc.Loans.Loan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanActive, current.Status)

	report, err := svc.Ledger.Audit(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problem)
	assert.Equal(t, 2, report.Transactions)
}

func TestReleaseSettlesPreviousLoans(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "0")

	first, firstSchedule := releaseLoan(t, svc, member.ID, acc.ID, "1000", 2, "emergency")
	_, err := svc.Loans.RecordPayment(ctx, first.ID, firstSchedule[0].ID, firstSchedule[0].TotalPayment, teller)
	require.NoError(t, err)
	remaining := firstSchedule[1].Principal

	second, _ := originate(t, svc, member.ID, acc.ID, "10000", 12, "regular")
	assert.True(t, second.PreviousLoanBalance.Equal(remaining))
	assert.True(t, second.NetProceeds.Equal(d("9880").Sub(remaining)))

	before, err := svc.Ledger.Account(ctx, acc.ID)
	require.NoError(t, err)

	_, err = svc.Loans.Approve(ctx, second.ID, manager)
	require.NoError(t, err)
	released, err := svc.Loans.Release(ctx, second.ID, manager)
	require.NoError(t, err)
	assert.True(t, released.NetProceeds.Equal(d("9880").Sub(remaining)))

	settled, err := svc.Loans.Loan(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanPaid, settled.Status)
	schedule, err := svc.Loans.Schedule(ctx, first.ID)
	require.NoError(t, err)
	for _, e := range schedule {
		assert.Equal(t, models.PaymentPaid, e.Status)
	}

	after, err := svc.Ledger.Account(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(before.Balance.Add(released.NetProceeds)))
}

func TestReleaseRecomputesDeductions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "5000")

	first, firstSchedule := releaseLoan(t, svc, member.ID, acc.ID, "1000", 1, "emergency")
	second, _ := originate(t, svc, member.ID, acc.ID, "10000", 12, "regular")
	assert.True(t, second.PreviousLoanBalance.Equal(d("1000")))

	_, err := svc.Loans.RecordPayment(ctx, first.ID, firstSchedule[0].ID, firstSchedule[0].TotalPayment, teller)
	require.NoError(t, err)

	_, err = svc.Loans.Approve(ctx, second.ID, manager)
	require.NoError(t, err)
	released, err := svc.Loans.Release(ctx, second.ID, manager)
	require.NoError(t, err)
	assert.True(t, released.PreviousLoanBalance.IsZero())
	assert.True(t, released.Deductions.Equal(d("120")))
	assert.True(t, released.NetProceeds.Equal(d("9880")))

	stored, err := svc.Loans.Loan(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, stored.NetProceeds.Equal(d("9880")))
}

func TestCloseAccountBlockedByActiveLoan(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "0")
	releaseLoan(t, svc, member.ID, acc.ID, "100", 1, "emergency")

	_, err := svc.Ledger.Withdraw(ctx, acc.ID, d("100"), teller, "")
	require.NoError(t, err)
	_, err = svc.Ledger.CloseAccount(ctx, acc.ID, manager)
	require.ErrorIs(t, err, models.ErrState)
}
