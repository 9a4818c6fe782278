package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus marks whether a scheduled payment has been settled
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

// AmortizationEntry represents one scheduled payment of a loan
type AmortizationEntry struct {
	ID               int64           `json:"id"`
	LoanID           int64           `json:"loan_id"`
	PaymentNumber    int             `json:"payment_number"`
	DueDate          time.Time       `json:"due_date"`
	Principal        decimal.Decimal `json:"principal"`
	Interest         decimal.Decimal `json:"interest"`
	TotalPayment     decimal.Decimal `json:"total_payment"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	Status           PaymentStatus   `json:"status"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	PaidBy           string          `json:"paid_by,omitempty"`
}

// OutstandingPrincipal returns the principal not yet covered by paid entries.
func OutstandingPrincipal(principal decimal.Decimal, schedule []AmortizationEntry) decimal.Decimal {
	out := principal
	for _, e := range schedule {
		if e.Status == PaymentPaid {
			out = out.Sub(e.Principal)
		}
	}
	return out
}
