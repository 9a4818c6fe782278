package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/shopspring/decimal"
)

var (
	twelve   = decimal.NewFromInt(12)
	thousand = decimal.NewFromInt(1000)
)

// Originator computes loan quotes and amortization schedules. It reads the
// store but never writes to it.
type Originator struct {
	repo      repository.Reader
	loanTypes map[string]config.LoanType
	rlpfRate  decimal.Decimal
	keyRates  KeyRateSource
	now       func() time.Time
}

// LoanType returns a product from the loan catalog
func (o *Originator) LoanType(code string) (config.LoanType, error) {
	lt, ok := o.loanTypes[code]
	if !ok {
		return config.LoanType{}, models.Validationf("unknown loan type %q", code)
	}
	return lt, nil
}

// AnnualRate resolves the annual rate of a loan type, pricing floating types
// off the central bank key rate.
func (o *Originator) AnnualRate(ctx context.Context, lt config.LoanType) (decimal.Decimal, error) {
	if !lt.Floating {
		return lt.AnnualRate, nil
	}
	if o.keyRates == nil {
		return decimal.Zero, fmt.Errorf("loan type %s needs a key rate source", lt.Code)
	}
	keyRate, err := o.keyRates.GetKeyRate(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to resolve key rate: %w", err)
	}
	return keyRate.Add(lt.FloatingMargin), nil
}

// RLPF returns the reserve/loan-protection-fund deduction for amount over
// termMonths.
func (o *Originator) RLPF(amount decimal.Decimal, termMonths int) decimal.Decimal {
	return amount.Div(thousand).Mul(o.rlpfRate).Mul(decimal.NewFromInt(int64(termMonths))).Round(2)
}

// OutstandingBalance sums the unpaid principal of a member's active loans
func (o *Originator) OutstandingBalance(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	loans, err := o.repo.ListLoansByMember(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, loan := range loans {
		if loan.Status != models.LoanActive {
			continue
		}
		schedule, err := o.repo.ListSchedule(ctx, loan.ID)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(models.OutstandingPrincipal(loan.Principal, schedule))
	}
	return total, nil
}

// Quote computes the proceeds breakdown and schedule preview of a loan.
func (o *Originator) Quote(ctx context.Context, memberID int64, amount decimal.Decimal, termMonths int, loanType string) (*models.LoanQuote, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if termMonths <= 0 {
		return nil, models.Validationf("term must be positive, got %d", termMonths)
	}
	lt, err := o.LoanType(loanType)
	if err != nil {
		return nil, err
	}
	if lt.MaxTermMonths > 0 && termMonths > lt.MaxTermMonths {
		return nil, models.Validationf("%s loans run at most %d months", lt.Code, lt.MaxTermMonths)
	}
	if _, err := o.repo.GetMember(ctx, memberID); err != nil {
		return nil, err
	}

	rate, err := o.AnnualRate(ctx, lt)
	if err != nil {
		return nil, err
	}
	previous, err := o.OutstandingBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}
	rlpf := decimal.Zero
	if lt.RequiresRLPF {
		rlpf = o.RLPF(amount, termMonths)
	}
	deductions := previous.Add(rlpf)
	net := amount.Sub(deductions)
	if net.IsNegative() {
		return nil, models.Validationf("deductions %s exceed loan amount %s",
			deductions.StringFixed(2), amount.StringFixed(2))
	}

	schedule, err := BuildSchedule(amount, rate, termMonths, o.now())
	if err != nil {
		return nil, err
	}
	return &models.LoanQuote{
		MemberID:            memberID,
		LoanType:            lt.Code,
		Amount:              amount,
		TermMonths:          termMonths,
		AnnualRate:          rate,
		PreviousLoanBalance: previous,
		RLPF:                rlpf,
		Deductions:          deductions,
		NetProceeds:         net,
		MonthlyPayment:      schedule[0].TotalPayment,
		Schedule:            schedule,
	}, nil
}

// addMonths moves t forward n calendar months, clamping the day to the last
// day of the target month.
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(t.Day(), last)-1)
}

// BuildSchedule builds a fixed-payment amortization schedule with monthly
// payments due from one month after start. Payment and interest are rounded
// to cents; the final entry takes the remaining principal so the schedule
// ends at exactly zero.
func BuildSchedule(principal, annualRatePercent decimal.Decimal, termMonths int, start time.Time) ([]models.AmortizationEntry, error) {
	if termMonths <= 0 {
		return nil, models.Validationf("term must be positive, got %d", termMonths)
	}
	if !principal.IsPositive() {
		return nil, models.Validationf("principal must be positive, got %s", principal.String())
	}
	if annualRatePercent.IsNegative() {
		return nil, models.Validationf("rate must not be negative")
	}

	n := decimal.NewFromInt(int64(termMonths))
	monthlyRate := annualRatePercent.Div(twelve).Div(hundred)

	var payment decimal.Decimal
	if monthlyRate.IsZero() {
		payment = principal.Div(n).Round(2)
	} else {
		// P*r / (1 - (1+r)^-n) == P*r*f / (f - 1) with f = (1+r)^n
		f := decimal.NewFromInt(1).Add(monthlyRate).Pow(n)
		payment = principal.Mul(monthlyRate).Mul(f).Div(f.Sub(decimal.NewFromInt(1))).Round(2)
	}

	if !payment.IsPositive() {
		return nil, models.Validationf("principal %s is too small for a %d month term", principal.String(), termMonths)
	}

	schedule := make([]models.AmortizationEntry, 0, termMonths)
	remaining := principal
	for i := 1; i <= termMonths; i++ {
		interest := remaining.Mul(monthlyRate).Round(2)
		principalPart := payment.Sub(interest)
		if i == termMonths || principalPart.GreaterThan(remaining) {
			principalPart = remaining
		}
		if !principalPart.Add(interest).IsPositive() {
			return nil, models.Validationf("principal %s is too small for a %d month term", principal.String(), termMonths)
		}
		remaining = remaining.Sub(principalPart)
		if i == termMonths {
			remaining = decimal.Zero
		}

		schedule = append(schedule, models.AmortizationEntry{
			PaymentNumber:    i,
			DueDate:          addMonths(start, i),
			Principal:        principalPart,
			Interest:         interest,
			TotalPayment:     principalPart.Add(interest),
			RemainingBalance: remaining,
			Status:           models.PaymentUnpaid,
			PaidAmount:       decimal.Zero,
		})
	}
	return schedule, nil
}
