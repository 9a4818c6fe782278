package repository

import (
	"context"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
)

// Reader provides the read-only queries of the store. Reads outside a unit of
// work take no locks.
type Reader interface {
	GetMember(ctx context.Context, id int64) (*models.Member, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.Account, error)
	// ListTransactions returns an account's log oldest first. limit <= 0 returns everything.
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error)
	LastTransactionAt(ctx context.Context, accountID int64) (*time.Time, error)
	ListInterestSettings(ctx context.Context) ([]models.InterestSetting, error)
	GetLoan(ctx context.Context, id int64) (*models.Loan, error)
	ListLoansByMember(ctx context.Context, memberID int64) ([]models.Loan, error)
	ListSchedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error)
	ListDormancyRecords(ctx context.Context, status models.DormancyStatus) ([]models.DormancyRecord, error)
}

// Tx is a unit of work. Every write made through it commits or rolls back
// together. Lock* methods take a row lock held until the unit ends.
type Tx interface {
	CreateMember(ctx context.Context, m *models.Member) error
	CreateAccount(ctx context.Context, a *models.Account) error
	LockAccount(ctx context.Context, id int64) (*models.Account, error)
	UpdateAccount(ctx context.Context, a *models.Account) error
	AppendTransaction(ctx context.Context, t *models.Transaction) error
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error)
	LastTransactionAt(ctx context.Context, accountID int64) (*time.Time, error)

	CreateInterestSetting(ctx context.Context, s *models.InterestSetting) error

	CreateLoan(ctx context.Context, l *models.Loan) error
	LockLoan(ctx context.Context, id int64) (*models.Loan, error)
	LockLoansByMember(ctx context.Context, memberID int64, status models.LoanStatus) ([]models.Loan, error)
	UpdateLoan(ctx context.Context, l *models.Loan) error
	CreateScheduleEntries(ctx context.Context, entries []models.AmortizationEntry) error
	LockSchedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error)
	UpdateScheduleEntry(ctx context.Context, e *models.AmortizationEntry) error

	CreateDormancyRecord(ctx context.Context, d *models.DormancyRecord) error
	LockOpenDormancyRecord(ctx context.Context, accountID int64) (*models.DormancyRecord, error)
	UpdateDormancyRecord(ctx context.Context, d *models.DormancyRecord) error
}

// Repository is the persistent store consumed by the financial core
type Repository interface {
	Reader
	// WithinTx runs fn as one unit of work. If fn returns an error or the
	// commit fails, nothing fn wrote is persisted.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
