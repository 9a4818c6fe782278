package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is a state of the loan lifecycle
type LoanStatus string

const (
	LoanPending  LoanStatus = "PENDING"
	LoanApproved LoanStatus = "APPROVED"
	LoanRejected LoanStatus = "REJECTED"
	LoanActive   LoanStatus = "ACTIVE"
	LoanPaid     LoanStatus = "PAID"
)

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending:  {LoanApproved, LoanRejected},
	LoanApproved: {LoanActive},
	LoanActive:   {LoanPaid},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s LoanStatus) CanTransition(next LoanStatus) bool {
	for _, allowed := range loanTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Loan represents a member loan
type Loan struct {
	ID                  int64           `json:"id"`
	MemberID            int64           `json:"member_id"`
	AccountID           int64           `json:"account_id"`
	LoanType            string          `json:"loan_type"`
	Principal           decimal.Decimal `json:"principal"`
	InterestRate        decimal.Decimal `json:"interest_rate"`
	TermMonths          int             `json:"term_months"`
	PreviousLoanBalance decimal.Decimal `json:"previous_loan_balance"`
	RLPF                decimal.Decimal `json:"rlpf"`
	Deductions          decimal.Decimal `json:"deductions"`
	NetProceeds         decimal.Decimal `json:"net_proceeds"`
	Status              LoanStatus      `json:"status"`
	RequestedBy         string          `json:"requested_by"`
	DecidedBy           string          `json:"decided_by,omitempty"`
	RejectionReason     string          `json:"rejection_reason,omitempty"`
	ReleasedAt          *time.Time      `json:"released_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// LoanQuote is the proceeds breakdown computed before a loan is originated.
type LoanQuote struct {
	MemberID            int64               `json:"member_id"`
	LoanType            string              `json:"loan_type"`
	Amount              decimal.Decimal     `json:"amount"`
	TermMonths          int                 `json:"term_months"`
	AnnualRate          decimal.Decimal     `json:"annual_rate"`
	PreviousLoanBalance decimal.Decimal     `json:"previous_loan_balance"`
	RLPF                decimal.Decimal     `json:"rlpf"`
	Deductions          decimal.Decimal     `json:"deductions"`
	NetProceeds         decimal.Decimal     `json:"net_proceeds"`
	MonthlyPayment      decimal.Decimal     `json:"monthly_payment"`
	Schedule            []AmortizationEntry `json:"schedule"`
}

// LoanApplication is the input to loan origination
type LoanApplication struct {
	MemberID   int64           `json:"member_id"`
	AccountID  int64           `json:"account_id"`
	LoanType   string          `json:"loan_type"`
	Amount     decimal.Decimal `json:"amount"`
	TermMonths int             `json:"term_months"`
}

// PaymentReceipt is returned when a scheduled payment is recorded
type PaymentReceipt struct {
	Loan        Loan              `json:"loan"`
	Entry       AmortizationEntry `json:"entry"`
	Transaction Transaction       `json:"transaction"`
}
