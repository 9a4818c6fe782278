package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/lib/pq"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresRepository provides database operations
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository initializes a new repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx runs fn inside a read-committed database transaction. Row
// locks taken through the Tx are released on commit or rollback.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&postgresTx{q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// postgresTx binds the row-level queries to one *sql.Tx
type postgresTx struct {
	q queryer
}

const memberColumns = `id, name, email, created_at`

// GetMember retrieves a member by id
func (r *PostgresRepository) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	m := &models.Member{}
	query := `SELECT ` + memberColumns + ` FROM coop.members WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Name, &m.Email, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("member %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find member: %w", err)
	}
	return m, nil
}

// CreateMember creates a new member in the database
func (t *postgresTx) CreateMember(ctx context.Context, m *models.Member) error {
	query := `
		INSERT INTO coop.members (name, email, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`
	if err := t.q.QueryRowContext(ctx, query, m.Name, m.Email, m.CreatedAt).Scan(&m.ID); err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

const accountColumns = `id, member_id, balance, interest_earned, status, last_activity_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	a := &models.Account{}
	var lastActivity sql.NullTime
	err := row.Scan(&a.ID, &a.MemberID, &a.Balance, &a.InterestEarned, &a.Status,
		&lastActivity, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LastActivityAt = timePtr(lastActivity)
	return a, nil
}

func getAccount(ctx context.Context, q queryer, id int64, forUpdate bool) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM coop.accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("account %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

// GetAccount retrieves an account without locking it
func (r *PostgresRepository) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return getAccount(ctx, r.db, id, false)
}

// LockAccount retrieves an account with SELECT ... FOR UPDATE
func (t *postgresTx) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	return getAccount(ctx, t.q, id, true)
}

// ListAccountsByStatus lists accounts in the given status ordered by id
func (r *PostgresRepository) ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM coop.accounts WHERE status = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CreateAccount creates a new account in the database
func (t *postgresTx) CreateAccount(ctx context.Context, a *models.Account) error {
	query := `
		INSERT INTO coop.accounts (member_id, balance, interest_earned, status, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query, a.MemberID, a.Balance, a.InterestEarned, a.Status,
		nullTime(a.LastActivityAt), a.CreatedAt, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return models.NotFoundf("member %d", a.MemberID)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateAccount writes balance, interest and status of a locked account
func (t *postgresTx) UpdateAccount(ctx context.Context, a *models.Account) error {
	query := `
		UPDATE coop.accounts
		SET balance = $2, interest_earned = $3, status = $4, last_activity_at = $5, updated_at = $6
		WHERE id = $1`
	res, err := t.q.ExecContext(ctx, query, a.ID, a.Balance, a.InterestEarned, a.Status,
		nullTime(a.LastActivityAt), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return expectOneRow(res, "account", a.ID)
}

const transactionColumns = `id, reference, account_id, type, amount, running_balance, actor, description, signature, created_at`

// AppendTransaction inserts an immutable ledger record
func (t *postgresTx) AppendTransaction(ctx context.Context, tr *models.Transaction) error {
	query := `
		INSERT INTO coop.transactions (reference, account_id, type, amount, running_balance, actor, description, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query, tr.Reference, tr.AccountID, tr.Type, tr.Amount,
		tr.RunningBalance, tr.Actor, tr.Description, tr.Signature, tr.CreatedAt).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// ListTransactions returns an account's transactions oldest first
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	return listTransactions(ctx, r.db, accountID, limit, offset)
}

// ListTransactions reads the log as seen by the unit of work
func (t *postgresTx) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	return listTransactions(ctx, t.q, accountID, limit, offset)
}

func listTransactions(ctx context.Context, q queryer, accountID int64, limit, offset int) ([]models.Transaction, error) {
	if _, err := getAccount(ctx, q, accountID, false); err != nil {
		return nil, err
	}
	query := `SELECT ` + transactionColumns + ` FROM coop.transactions WHERE account_id = $1 ORDER BY id`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` OFFSET $2`
		args = append(args, offset)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := []models.Transaction{}
	for rows.Next() {
		var tr models.Transaction
		if err := rows.Scan(&tr.ID, &tr.Reference, &tr.AccountID, &tr.Type, &tr.Amount,
			&tr.RunningBalance, &tr.Actor, &tr.Description, &tr.Signature, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func lastTransactionAt(ctx context.Context, q queryer, accountID int64) (*time.Time, error) {
	var at sql.NullTime
	query := `SELECT MAX(created_at) FROM coop.transactions WHERE account_id = $1`
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&at); err != nil {
		return nil, fmt.Errorf("failed to read last transaction: %w", err)
	}
	return timePtr(at), nil
}

// LastTransactionAt returns the time of the newest transaction, or nil
func (r *PostgresRepository) LastTransactionAt(ctx context.Context, accountID int64) (*time.Time, error) {
	return lastTransactionAt(ctx, r.db, accountID)
}

func (t *postgresTx) LastTransactionAt(ctx context.Context, accountID int64) (*time.Time, error) {
	return lastTransactionAt(ctx, t.q, accountID)
}

// ListInterestSettings returns every interest policy version
func (r *PostgresRepository) ListInterestSettings(ctx context.Context) ([]models.InterestSetting, error) {
	query := `
		SELECT id, rate, minimum_balance, computation_basis, effective_date, created_by, created_at
		FROM coop.interest_settings
		ORDER BY effective_date, created_at, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list interest settings: %w", err)
	}
	defer rows.Close()

	var out []models.InterestSetting
	for rows.Next() {
		var s models.InterestSetting
		if err := rows.Scan(&s.ID, &s.Rate, &s.MinimumBalance, &s.ComputationBasis,
			&s.EffectiveDate, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interest setting: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateInterestSetting stores a new interest policy version
func (t *postgresTx) CreateInterestSetting(ctx context.Context, s *models.InterestSetting) error {
	query := `
		INSERT INTO coop.interest_settings (rate, minimum_balance, computation_basis, effective_date, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query, s.Rate, s.MinimumBalance, s.ComputationBasis,
		s.EffectiveDate, s.CreatedBy, s.CreatedAt).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create interest setting: %w", err)
	}
	return nil
}

const loanColumns = `id, member_id, account_id, loan_type, principal, interest_rate, term_months,
	previous_loan_balance, rlpf, deductions, net_proceeds, status, requested_by, decided_by,
	rejection_reason, released_at, created_at, updated_at`

func scanLoan(row interface{ Scan(...any) error }) (*models.Loan, error) {
	l := &models.Loan{}
	var releasedAt sql.NullTime
	err := row.Scan(&l.ID, &l.MemberID, &l.AccountID, &l.LoanType, &l.Principal, &l.InterestRate,
		&l.TermMonths, &l.PreviousLoanBalance, &l.RLPF, &l.Deductions, &l.NetProceeds, &l.Status,
		&l.RequestedBy, &l.DecidedBy, &l.RejectionReason, &releasedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.ReleasedAt = timePtr(releasedAt)
	return l, nil
}

func getLoan(ctx context.Context, q queryer, id int64, forUpdate bool) (*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM coop.loans WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	l, err := scanLoan(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("loan %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find loan: %w", err)
	}
	return l, nil
}

// GetLoan retrieves a loan by id
func (r *PostgresRepository) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return getLoan(ctx, r.db, id, false)
}

// LockLoan retrieves a loan with SELECT ... FOR UPDATE
func (t *postgresTx) LockLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return getLoan(ctx, t.q, id, true)
}

func listLoans(ctx context.Context, q queryer, memberID int64, status models.LoanStatus, forUpdate bool) ([]models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM coop.loans WHERE member_id = $1`
	args := []any{memberID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var out []models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ListLoansByMember lists every loan of a member
func (r *PostgresRepository) ListLoansByMember(ctx context.Context, memberID int64) ([]models.Loan, error) {
	return listLoans(ctx, r.db, memberID, "", false)
}

// LockLoansByMember locks a member's loans in the given status
func (t *postgresTx) LockLoansByMember(ctx context.Context, memberID int64, status models.LoanStatus) ([]models.Loan, error) {
	return listLoans(ctx, t.q, memberID, status, true)
}

// CreateLoan inserts a new loan
func (t *postgresTx) CreateLoan(ctx context.Context, l *models.Loan) error {
	query := `
		INSERT INTO coop.loans (member_id, account_id, loan_type, principal, interest_rate, term_months,
			previous_loan_balance, rlpf, deductions, net_proceeds, status, requested_by, decided_by,
			rejection_reason, released_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query, l.MemberID, l.AccountID, l.LoanType, l.Principal,
		l.InterestRate, l.TermMonths, l.PreviousLoanBalance, l.RLPF, l.Deductions, l.NetProceeds,
		l.Status, l.RequestedBy, l.DecidedBy, l.RejectionReason, nullTime(l.ReleasedAt),
		l.CreatedAt, l.UpdatedAt).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// UpdateLoan writes the lifecycle fields and release-time deductions of a locked loan
func (t *postgresTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	query := `
		UPDATE coop.loans
		SET status = $2, decided_by = $3, rejection_reason = $4, released_at = $5, updated_at = $6,
			previous_loan_balance = $7, deductions = $8, net_proceeds = $9
		WHERE id = $1`
	res, err := t.q.ExecContext(ctx, query, l.ID, l.Status, l.DecidedBy, l.RejectionReason,
		nullTime(l.ReleasedAt), l.UpdatedAt, l.PreviousLoanBalance, l.Deductions, l.NetProceeds)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return expectOneRow(res, "loan", l.ID)
}

const entryColumns = `id, loan_id, payment_number, due_date, principal, interest, total_payment,
	remaining_balance, status, paid_amount, paid_at, paid_by`

func listSchedule(ctx context.Context, q queryer, loanID int64, forUpdate bool) ([]models.AmortizationEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM coop.amortization_entries WHERE loan_id = $1 ORDER BY payment_number`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule: %w", err)
	}
	defer rows.Close()

	out := []models.AmortizationEntry{}
	for rows.Next() {
		var e models.AmortizationEntry
		var paidAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.LoanID, &e.PaymentNumber, &e.DueDate, &e.Principal, &e.Interest,
			&e.TotalPayment, &e.RemainingBalance, &e.Status, &e.PaidAmount, &paidAt, &e.PaidBy); err != nil {
			return nil, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		e.PaidAt = timePtr(paidAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSchedule returns a loan's amortization schedule
func (r *PostgresRepository) ListSchedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error) {
	if _, err := r.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return listSchedule(ctx, r.db, loanID, false)
}

// LockSchedule returns a loan's schedule with every entry row locked
func (t *postgresTx) LockSchedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error) {
	return listSchedule(ctx, t.q, loanID, true)
}

// CreateScheduleEntries inserts a loan's schedule, assigning ids in place
func (t *postgresTx) CreateScheduleEntries(ctx context.Context, entries []models.AmortizationEntry) error {
	query := `
		INSERT INTO coop.amortization_entries (loan_id, payment_number, due_date, principal, interest,
			total_payment, remaining_balance, status, paid_amount, paid_at, paid_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	for i := range entries {
		e := &entries[i]
		err := t.q.QueryRowContext(ctx, query, e.LoanID, e.PaymentNumber, e.DueDate, e.Principal,
			e.Interest, e.TotalPayment, e.RemainingBalance, e.Status, e.PaidAmount,
			nullTime(e.PaidAt), e.PaidBy).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("failed to create schedule entry %d: %w", e.PaymentNumber, err)
		}
	}
	return nil
}

// UpdateScheduleEntry records payment details on a locked entry
func (t *postgresTx) UpdateScheduleEntry(ctx context.Context, e *models.AmortizationEntry) error {
	query := `
		UPDATE coop.amortization_entries
		SET status = $3, paid_amount = $4, paid_at = $5, paid_by = $6
		WHERE id = $1 AND loan_id = $2`
	res, err := t.q.ExecContext(ctx, query, e.ID, e.LoanID, e.Status, e.PaidAmount,
		nullTime(e.PaidAt), e.PaidBy)
	if err != nil {
		return fmt.Errorf("failed to update schedule entry: %w", err)
	}
	return expectOneRow(res, "schedule entry", e.ID)
}

const dormancyColumns = `id, account_id, last_transaction_at, flagged_at, flagged_by, status, reactivated_at, reactivated_by`

func scanDormancy(row interface{ Scan(...any) error }) (*models.DormancyRecord, error) {
	d := &models.DormancyRecord{}
	var lastTx, reactivatedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.AccountID, &lastTx, &d.FlaggedAt, &d.FlaggedBy, &d.Status,
		&reactivatedAt, &d.ReactivatedBy); err != nil {
		return nil, err
	}
	d.LastTransactionAt = timePtr(lastTx)
	d.ReactivatedAt = timePtr(reactivatedAt)
	return d, nil
}

// ListDormancyRecords lists dormancy records, optionally filtered by status
func (r *PostgresRepository) ListDormancyRecords(ctx context.Context, status models.DormancyStatus) ([]models.DormancyRecord, error) {
	query := `SELECT ` + dormancyColumns + ` FROM coop.dormancy_records`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dormancy records: %w", err)
	}
	defer rows.Close()

	var out []models.DormancyRecord
	for rows.Next() {
		d, err := scanDormancy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dormancy record: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CreateDormancyRecord inserts a dormancy record
func (t *postgresTx) CreateDormancyRecord(ctx context.Context, d *models.DormancyRecord) error {
	query := `
		INSERT INTO coop.dormancy_records (account_id, last_transaction_at, flagged_at, flagged_by, status, reactivated_at, reactivated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	err := t.q.QueryRowContext(ctx, query, d.AccountID, nullTime(d.LastTransactionAt), d.FlaggedAt,
		d.FlaggedBy, d.Status, nullTime(d.ReactivatedAt), d.ReactivatedBy).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to create dormancy record: %w", err)
	}
	return nil
}

// LockOpenDormancyRecord locks the newest open record of an account
func (t *postgresTx) LockOpenDormancyRecord(ctx context.Context, accountID int64) (*models.DormancyRecord, error) {
	query := `SELECT ` + dormancyColumns + ` FROM coop.dormancy_records
		WHERE account_id = $1 AND status = $2
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`
	d, err := scanDormancy(t.q.QueryRowContext(ctx, query, accountID, models.DormancyOpen))
	if err == sql.ErrNoRows {
		return nil, models.NotFoundf("open dormancy record for account %d", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find dormancy record: %w", err)
	}
	return d, nil
}

// UpdateDormancyRecord writes the reactivation fields of a record
func (t *postgresTx) UpdateDormancyRecord(ctx context.Context, d *models.DormancyRecord) error {
	query := `
		UPDATE coop.dormancy_records
		SET status = $2, reactivated_at = $3, reactivated_by = $4
		WHERE id = $1`
	res, err := t.q.ExecContext(ctx, query, d.ID, d.Status, nullTime(d.ReactivatedAt), d.ReactivatedBy)
	if err != nil {
		return fmt.Errorf("failed to update dormancy record: %w", err)
	}
	return expectOneRow(res, "dormancy record", d.ID)
}

func expectOneRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n != 1 {
		return models.NotFoundf("%s %d", entity, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
