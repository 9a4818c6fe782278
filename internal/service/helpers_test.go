package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	teller  = models.NewActor("teller-1", models.RoleTeller)
	manager = models.NewActor("manager-1", models.RoleManager)
	system  = models.SystemActor("system")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) AddMonths(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.AddDate(0, n, 0)
}

func (c *testClock) Add(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

func testConfig() *config.Config {
	return &config.Config{
		HMACSecret:              "test-secret",
		BatchWorkers:            4,
		DormancyThresholdMonths: 12,
		RLPFRatePerThousand:     decimal.NewFromInt(1),
		LoanTypes:               config.DefaultLoanTypes(),
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServiceWithRepo(t *testing.T, repo repository.Repository, opts ...Option) (*Service, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewService(repo, quietLogger(), testConfig(), opts...), clock
}

func newTestService(t *testing.T, opts ...Option) (*Service, *repository.MemoryRepository, *testClock) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	svc, clock := newTestServiceWithRepo(t, repo, opts...)
	return svc, repo, clock
}

// openAccount registers a member with one account holding balance.
func openAccount(t *testing.T, svc *Service, balance string) (*models.Member, *models.Account) {
	t.Helper()
	ctx := context.Background()
	member, err := svc.CreateMember(ctx, "Maria Santos", "maria@example.org", teller)
	require.NoError(t, err)
	acc, err := svc.Ledger.OpenAccount(ctx, member.ID, teller)
	require.NoError(t, err)
	if amount := d(balance); amount.IsPositive() {
		_, err = svc.Ledger.Deposit(ctx, acc.ID, amount, teller, "opening deposit")
		require.NoError(t, err)
	}
	acc, err = svc.Ledger.Account(ctx, acc.ID)
	require.NoError(t, err)
	return member, acc
}

// monthlySetting puts a 12% monthly-basis setting into effect as of yesterday
func monthlySetting(t *testing.T, svc *Service, clock *testClock, minimum string) *models.InterestSetting {
	t.Helper()
	s, err := svc.Interest.CreateSetting(context.Background(), models.InterestSetting{
		Rate:             d("12"),
		MinimumBalance:   d(minimum),
		ComputationBasis: models.BasisMonthly,
		EffectiveDate:    clock.Now().AddDate(0, 0, -1),
	}, manager)
	require.NoError(t, err)
	return s
}

// faultyRepo fails selected writes inside units of work.
type faultyRepo struct {
	*repository.MemoryRepository
	failAppend     bool
	failUpdateLoan bool
	// failReads breaks the account reads made outside a unit of work
	failReads bool
}

var errDiskFull = errors.New("disk full")

func (f *faultyRepo) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return f.MemoryRepository.WithinTx(ctx, func(tx repository.Tx) error {
		return fn(&faultyTx{Tx: tx, repo: f})
	})
}

func (f *faultyRepo) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	if f.failReads {
		return nil, errDiskFull
	}
	return f.MemoryRepository.GetAccount(ctx, id)
}

func (f *faultyRepo) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	if f.failReads {
		return nil, errDiskFull
	}
	return f.MemoryRepository.ListTransactions(ctx, accountID, limit, offset)
}

type faultyTx struct {
	repository.Tx
	repo *faultyRepo
}

func (t *faultyTx) AppendTransaction(ctx context.Context, tr *models.Transaction) error {
	if t.repo.failAppend {
		return errDiskFull
	}
	return t.Tx.AppendTransaction(ctx, tr)
}

func (t *faultyTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	if t.repo.failUpdateLoan {
		return errDiskFull
	}
	return t.Tx.UpdateLoan(ctx, l)
}

type recordingNotifier struct {
	mu       sync.Mutex
	released []int64
	payments []int
	dormant  []int64
}

func (n *recordingNotifier) LoanReleased(_ context.Context, _ models.Member, loan models.Loan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, loan.ID)
	return nil
}

func (n *recordingNotifier) PaymentReceived(_ context.Context, _ models.Member, _ models.Loan, e models.AmortizationEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payments = append(n.payments, e.PaymentNumber)
	return nil
}

func (n *recordingNotifier) AccountDormant(_ context.Context, _ models.Member, acc models.Account, _ models.DormancyRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dormant = append(n.dormant, acc.ID)
	return nil
}
