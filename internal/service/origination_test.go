package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedKeyRate struct {
	rate decimal.Decimal
	err  error
}

func (f fixedKeyRate) GetKeyRate(context.Context) (decimal.Decimal, error) {
	return f.rate, f.err
}

func TestBuildSchedule(t *testing.T) {
	start := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	schedule, err := BuildSchedule(d("10000"), d("12"), 12, start)
	require.NoError(t, err)
	require.Len(t, schedule, 12)

	first := schedule[0]
	assert.True(t, first.TotalPayment.Equal(d("888.49")), "payment %s", first.TotalPayment)
	assert.True(t, first.Interest.Equal(d("100")))
	assert.True(t, first.Principal.Equal(d("788.49")))
	assert.True(t, first.RemainingBalance.Equal(d("9211.51")))
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), first.DueDate)
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), schedule[1].DueDate)
	assert.Equal(t, time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC), schedule[2].DueDate)

	sum := decimal.Zero
	for i, e := range schedule {
		assert.Equal(t, i+1, e.PaymentNumber)
		assert.Equal(t, models.PaymentUnpaid, e.Status)
		assert.True(t, e.TotalPayment.Equal(e.Principal.Add(e.Interest)))
		if i > 0 {
			assert.True(t, e.RemainingBalance.LessThan(schedule[i-1].RemainingBalance))
		}
		sum = sum.Add(e.Principal)
	}
	assert.True(t, sum.Equal(d("10000")), "principal sums to %s", sum)
	assert.True(t, schedule[11].RemainingBalance.IsZero())
}

func TestBuildScheduleZeroRate(t *testing.T) {
	schedule, err := BuildSchedule(d("1000"), decimal.Zero, 3, time.Now())
	require.NoError(t, err)
	require.Len(t, schedule, 3)

	assert.True(t, schedule[0].Principal.Equal(d("333.33")))
	assert.True(t, schedule[1].Principal.Equal(d("333.33")))
	assert.True(t, schedule[2].Principal.Equal(d("333.34")))
	for _, e := range schedule {
		assert.True(t, e.Interest.IsZero())
	}
	assert.True(t, schedule[2].RemainingBalance.IsZero())
}

func TestBuildScheduleValidation(t *testing.T) {
	_, err := BuildSchedule(d("1000"), d("12"), 0, time.Now())
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = BuildSchedule(d("0"), d("12"), 12, time.Now())
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = BuildSchedule(d("1000"), d("-1"), 12, time.Now())
	require.ErrorIs(t, err, models.ErrValidation)

	// payments that round to nothing would leave empty installments
	_, err = BuildSchedule(d("0.05"), decimal.Zero, 12, time.Now())
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = BuildSchedule(d("0.20"), decimal.Zero, 12, time.Now())
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = BuildSchedule(d("0.05"), d("12"), 12, time.Now())
	require.ErrorIs(t, err, models.ErrValidation)

	schedule, err := BuildSchedule(d("0.12"), decimal.Zero, 12, time.Now())
	require.NoError(t, err)
	for _, e := range schedule {
		assert.True(t, e.TotalPayment.IsPositive())
	}
}

func TestAddMonthsClampsToMonthEnd(t *testing.T) {
	cases := []struct {
		start time.Time
		n     int
		want  time.Time
	}{
		{time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), 3, time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC), 3, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), 12, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, addMonths(tc.start, tc.n), "%s + %d months", tc.start.Format("2006-01-02"), tc.n)
	}
}

func TestQuoteDeductions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, _ := openAccount(t, svc, "0")

	quote, err := svc.Originator.Quote(ctx, member.ID, d("10000"), 12, "regular")
	require.NoError(t, err)
	assert.True(t, quote.AnnualRate.Equal(d("12")))
	assert.True(t, quote.RLPF.Equal(d("120")))
	assert.True(t, quote.PreviousLoanBalance.IsZero())
	assert.True(t, quote.Deductions.Equal(d("120")))
	assert.True(t, quote.NetProceeds.Equal(d("9880")))
	assert.True(t, quote.MonthlyPayment.Equal(d("888.49")))
	assert.Len(t, quote.Schedule, 12)

	emergency, err := svc.Originator.Quote(ctx, member.ID, d("1000"), 6, "emergency")
	require.NoError(t, err)
	assert.True(t, emergency.RLPF.IsZero())
	assert.True(t, emergency.NetProceeds.Equal(d("1000")))
}

func TestQuoteValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, _ := openAccount(t, svc, "0")

	tests := []struct {
		name     string
		member   int64
		amount   string
		term     int
		loanType string
		wantErr  error
	}{
		{"zero amount", member.ID, "0", 12, "regular", models.ErrValidation},
		{"zero term", member.ID, "1000", 0, "regular", models.ErrValidation},
		{"unknown type", member.ID, "1000", 12, "payday", models.ErrValidation},
		{"term above product limit", member.ID, "1000", 13, "emergency", models.ErrValidation},
		{"unknown member", 4242, "1000", 12, "regular", models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Originator.Quote(ctx, tt.member, d(tt.amount), tt.term, tt.loanType)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestQuoteRejectsDeductionsAboveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	member, acc := openAccount(t, svc, "0")
	releaseLoan(t, svc, member.ID, acc.ID, "10000", 12, "regular")

	outstanding, err := svc.Originator.OutstandingBalance(ctx, member.ID)
	require.NoError(t, err)
	assert.True(t, outstanding.Equal(d("10000")))

	_, err = svc.Originator.Quote(ctx, member.ID, d("5000"), 12, "regular")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestQuoteFloatingRate(t *testing.T) {
	svc, _, _ := newTestService(t, WithKeyRateSource(fixedKeyRate{rate: d("16.5")}))
	ctx := context.Background()
	member, _ := openAccount(t, svc, "0")

	quote, err := svc.Originator.Quote(ctx, member.ID, d("50000"), 24, "commercial")
	require.NoError(t, err)
	assert.True(t, quote.AnnualRate.Equal(d("21.5")), "rate %s", quote.AnnualRate)
	assert.True(t, quote.RLPF.Equal(d("1200")))

	broken, _, _ := newTestService(t, WithKeyRateSource(fixedKeyRate{err: errors.New("upstream down")}))
	m2, _ := openAccount(t, broken, "0")
	_, err = broken.Originator.Quote(ctx, m2.ID, d("50000"), 24, "commercial")
	require.Error(t, err)
	assert.False(t, models.IsDomainError(err))

	noSource, _, _ := newTestService(t)
	m3, _ := openAccount(t, noSource, "0")
	_, err = noSource.Originator.Quote(ctx, m3.ID, d("50000"), 24, "commercial")
	require.Error(t, err)
}
