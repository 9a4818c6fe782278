package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a savings account.
type AccountStatus string

const (
	AccountActive  AccountStatus = "ACTIVE"
	AccountDormant AccountStatus = "DORMANT"
	AccountClosed  AccountStatus = "CLOSED"
)

// Account represents a member savings account
type Account struct {
	ID             int64           `json:"id"`
	MemberID       int64           `json:"member_id"`
	Balance        decimal.Decimal `json:"balance"`
	InterestEarned decimal.Decimal `json:"interest_earned"`
	Status         AccountStatus   `json:"status"`
	LastActivityAt *time.Time      `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LastActivity returns the most recent of the account's creation time, its
// stamped activity time and the given last transaction time.
func (a *Account) LastActivity(lastTransactionAt *time.Time) time.Time {
	latest := a.CreatedAt
	if a.LastActivityAt != nil && a.LastActivityAt.After(latest) {
		latest = *a.LastActivityAt
	}
	if lastTransactionAt != nil && lastTransactionAt.After(latest) {
		latest = *lastTransactionAt
	}
	return latest
}

// AuditReport is the result of re-walking an account's transaction log.
type AuditReport struct {
	AccountID        int64           `json:"account_id"`
	Transactions     int             `json:"transactions"`
	Balance          decimal.Decimal `json:"balance"`
	ComputedBalance  decimal.Decimal `json:"computed_balance"`
	InterestEarned   decimal.Decimal `json:"interest_earned"`
	ComputedInterest decimal.Decimal `json:"computed_interest"`
	Consistent       bool            `json:"consistent"`
	// FirstMismatch is the id of the first transaction that fails a check.
	FirstMismatch int64  `json:"first_mismatch,omitempty"`
	Problem       string `json:"problem,omitempty"`
}
