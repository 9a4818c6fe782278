package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/coop-ledger/internal/models"
)

// MemoryRepository keeps the store in process memory; it backs tests and
// STORE_DRIVER=memory. Units of work are serialized and each one writes to a
// private copy of the state that replaces the committed state only on
// success, so readers never see a unit in progress.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	// state is never mutated once published; units of work clone it.
	state *memoryState
}

type memoryState struct {
	seq          int64
	members      map[int64]models.Member
	accounts     map[int64]models.Account
	transactions map[int64][]models.Transaction
	settings     []models.InterestSetting
	loans        map[int64]models.Loan
	schedules    map[int64][]models.AmortizationEntry
	dormancy     []models.DormancyRecord
}

// NewMemoryRepository initializes an empty in-memory store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: &memoryState{
		members:      make(map[int64]models.Member),
		accounts:     make(map[int64]models.Account),
		transactions: make(map[int64][]models.Transaction),
		loans:        make(map[int64]models.Loan),
		schedules:    make(map[int64][]models.AmortizationEntry),
	}}
}

// clone copies the maps and top-level slices. Per-key slices stay shared and
// are copied by the writer that changes them.
func (s *memoryState) clone() *memoryState {
	return &memoryState{
		seq:          s.seq,
		members:      maps.Clone(s.members),
		accounts:     maps.Clone(s.accounts),
		transactions: maps.Clone(s.transactions),
		settings:     slices.Clone(s.settings),
		loans:        maps.Clone(s.loans),
		schedules:    maps.Clone(s.schedules),
		dormancy:     slices.Clone(s.dormancy),
	}
}

func (s *memoryState) nextID() int64 {
	s.seq++
	return s.seq
}

// WithinTx runs fn with exclusive write access and publishes its writes only
// when fn succeeds.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx := &memoryTx{st: r.snapshot().clone()}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = tx.st
	r.mu.Unlock()
	return nil
}

// snapshot returns the committed state. It is safe to read without locks.
func (r *MemoryRepository) snapshot() *memoryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *MemoryRepository) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	return r.snapshot().member(id)
}

func (s *memoryState) member(id int64) (*models.Member, error) {
	m, ok := s.members[id]
	if !ok {
		return nil, models.NotFoundf("member %d", id)
	}
	return &m, nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	return r.snapshot().account(id)
}

func (s *memoryState) account(id int64) (*models.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.NotFoundf("account %d", id)
	}
	return &a, nil
}

func (r *MemoryRepository) ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.Account, error) {
	s := r.snapshot()
	var out []models.Account
	for _, a := range s.accounts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	return r.snapshot().transactionLog(accountID, limit, offset)
}

func (s *memoryState) transactionLog(accountID int64, limit, offset int) ([]models.Transaction, error) {
	if _, ok := s.accounts[accountID]; !ok {
		return nil, models.NotFoundf("account %d", accountID)
	}
	log := s.transactions[accountID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(log) {
		return []models.Transaction{}, nil
	}
	end := len(log)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]models.Transaction, end-offset)
	copy(out, log[offset:end])
	return out, nil
}

func (r *MemoryRepository) LastTransactionAt(ctx context.Context, accountID int64) (*time.Time, error) {
	return r.snapshot().lastTransactionAt(accountID), nil
}

func (s *memoryState) lastTransactionAt(accountID int64) *time.Time {
	log := s.transactions[accountID]
	if len(log) == 0 {
		return nil
	}
	at := log[len(log)-1].CreatedAt
	return &at
}

func (r *MemoryRepository) ListInterestSettings(ctx context.Context) ([]models.InterestSetting, error) {
	return slices.Clone(r.snapshot().settings), nil
}

func (r *MemoryRepository) GetLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return r.snapshot().loan(id)
}

func (s *memoryState) loan(id int64) (*models.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return nil, models.NotFoundf("loan %d", id)
	}
	return &l, nil
}

func (r *MemoryRepository) ListLoansByMember(ctx context.Context, memberID int64) ([]models.Loan, error) {
	return r.snapshot().loansByMember(memberID, ""), nil
}

func (s *memoryState) loansByMember(memberID int64, status models.LoanStatus) []models.Loan {
	var out []models.Loan
	for _, l := range s.loans {
		if l.MemberID == memberID && (status == "" || l.Status == status) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) ListSchedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error) {
	return r.snapshot().schedule(loanID)
}

func (s *memoryState) schedule(loanID int64) ([]models.AmortizationEntry, error) {
	if _, ok := s.loans[loanID]; !ok {
		return nil, models.NotFoundf("loan %d", loanID)
	}
	return slices.Clone(s.schedules[loanID]), nil
}

func (r *MemoryRepository) ListDormancyRecords(ctx context.Context, status models.DormancyStatus) ([]models.DormancyRecord, error) {
	var out []models.DormancyRecord
	for _, d := range r.snapshot().dormancy {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	return out, nil
}

// memoryTx reads and writes its own copy of the state. Appends to shared
// per-key slices go through a clipped slice so they never write into the
// committed backing array.
type memoryTx struct {
	st *memoryState
}

func (tx *memoryTx) CreateMember(ctx context.Context, m *models.Member) error {
	m.ID = tx.st.nextID()
	tx.st.members[m.ID] = *m
	return nil
}

func (tx *memoryTx) CreateAccount(ctx context.Context, a *models.Account) error {
	if _, ok := tx.st.members[a.MemberID]; !ok {
		return models.NotFoundf("member %d", a.MemberID)
	}
	a.ID = tx.st.nextID()
	tx.st.accounts[a.ID] = *a
	return nil
}

func (tx *memoryTx) LockAccount(ctx context.Context, id int64) (*models.Account, error) {
	return tx.st.account(id)
}

func (tx *memoryTx) UpdateAccount(ctx context.Context, a *models.Account) error {
	if _, ok := tx.st.accounts[a.ID]; !ok {
		return models.NotFoundf("account %d", a.ID)
	}
	tx.st.accounts[a.ID] = *a
	return nil
}

func (tx *memoryTx) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	t.ID = tx.st.nextID()
	log := tx.st.transactions[t.AccountID]
	tx.st.transactions[t.AccountID] = append(slices.Clip(log), *t)
	return nil
}

func (tx *memoryTx) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	return tx.st.transactionLog(accountID, limit, offset)
}

func (tx *memoryTx) LastTransactionAt(ctx context.Context, accountID int64) (*time.Time, error) {
	return tx.st.lastTransactionAt(accountID), nil
}

func (tx *memoryTx) CreateInterestSetting(ctx context.Context, s *models.InterestSetting) error {
	s.ID = tx.st.nextID()
	tx.st.settings = append(tx.st.settings, *s)
	return nil
}

func (tx *memoryTx) CreateLoan(ctx context.Context, l *models.Loan) error {
	l.ID = tx.st.nextID()
	tx.st.loans[l.ID] = *l
	return nil
}

func (tx *memoryTx) LockLoan(ctx context.Context, id int64) (*models.Loan, error) {
	return tx.st.loan(id)
}

func (tx *memoryTx) LockLoansByMember(ctx context.Context, memberID int64, status models.LoanStatus) ([]models.Loan, error) {
	return tx.st.loansByMember(memberID, status), nil
}

func (tx *memoryTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	if _, ok := tx.st.loans[l.ID]; !ok {
		return models.NotFoundf("loan %d", l.ID)
	}
	tx.st.loans[l.ID] = *l
	return nil
}

func (tx *memoryTx) CreateScheduleEntries(ctx context.Context, entries []models.AmortizationEntry) error {
	for i := range entries {
		e := &entries[i]
		e.ID = tx.st.nextID()
		tx.st.schedules[e.LoanID] = append(slices.Clip(tx.st.schedules[e.LoanID]), *e)
	}
	return nil
}

func (tx *memoryTx) LockSchedule(ctx context.Context, loanID int64) ([]models.AmortizationEntry, error) {
	return tx.st.schedule(loanID)
}

func (tx *memoryTx) UpdateScheduleEntry(ctx context.Context, e *models.AmortizationEntry) error {
	entries := tx.st.schedules[e.LoanID]
	idx := slices.IndexFunc(entries, func(cur models.AmortizationEntry) bool { return cur.ID == e.ID })
	if idx < 0 {
		return models.NotFoundf("schedule entry %d of loan %d", e.ID, e.LoanID)
	}
	entries = slices.Clone(entries)
	entries[idx] = *e
	tx.st.schedules[e.LoanID] = entries
	return nil
}

func (tx *memoryTx) CreateDormancyRecord(ctx context.Context, d *models.DormancyRecord) error {
	d.ID = tx.st.nextID()
	tx.st.dormancy = append(tx.st.dormancy, *d)
	return nil
}

func (tx *memoryTx) LockOpenDormancyRecord(ctx context.Context, accountID int64) (*models.DormancyRecord, error) {
	for i := len(tx.st.dormancy) - 1; i >= 0; i-- {
		d := tx.st.dormancy[i]
		if d.AccountID == accountID && d.Status == models.DormancyOpen {
			return &d, nil
		}
	}
	return nil, models.NotFoundf("open dormancy record for account %d", accountID)
}

func (tx *memoryTx) UpdateDormancyRecord(ctx context.Context, d *models.DormancyRecord) error {
	idx := slices.IndexFunc(tx.st.dormancy, func(cur models.DormancyRecord) bool { return cur.ID == d.ID })
	if idx < 0 {
		return models.NotFoundf("dormancy record %d", d.ID)
	}
	tx.st.dormancy[idx] = *d
	return nil
}
