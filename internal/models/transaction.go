package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TxDeposit     TransactionType = "DEPOSIT"
	TxWithdrawal  TransactionType = "WITHDRAWAL"
	TxInterest    TransactionType = "INTEREST"
	TxLoanRelease TransactionType = "LOAN_RELEASE"
	TxLoanPayment TransactionType = "LOAN_PAYMENT"
)

// Credits reports whether the type adds to the balance.
func (t TransactionType) Credits() bool {
	switch t {
	case TxDeposit, TxInterest, TxLoanRelease:
		return true
	}
	return false
}

// Transaction represents an immutable ledger record
type Transaction struct {
	ID             int64           `json:"id"`
	Reference      string          `json:"reference"`
	AccountID      int64           `json:"account_id"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	RunningBalance decimal.Decimal `json:"running_balance"`
	Actor          string          `json:"actor"`
	Description    string          `json:"description"`
	Signature      string          `json:"signature"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Signed returns the amount with the sign it applies to the balance.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Type.Credits() {
		return t.Amount
	}
	return t.Amount.Neg()
}
