package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Notifier delivers member notifications after a unit of work commits.
type Notifier interface {
	LoanReleased(ctx context.Context, member models.Member, loan models.Loan) error
	PaymentReceived(ctx context.Context, member models.Member, loan models.Loan, entry models.AmortizationEntry) error
	AccountDormant(ctx context.Context, member models.Member, account models.Account, record models.DormancyRecord) error
}

// KeyRateSource supplies the central bank key rate for floating-rate loans.
type KeyRateSource interface {
	GetKeyRate(ctx context.Context) (decimal.Decimal, error)
}

type noopNotifier struct{}

func (noopNotifier) LoanReleased(context.Context, models.Member, models.Loan) error { return nil }
func (noopNotifier) PaymentReceived(context.Context, models.Member, models.Loan, models.AmortizationEntry) error {
	return nil
}
func (noopNotifier) AccountDormant(context.Context, models.Member, models.Account, models.DormancyRecord) error {
	return nil
}

type options struct {
	notifier Notifier
	keyRates KeyRateSource
	now      func() time.Time
}

// Option customizes a Service
type Option func(*options)

// WithNotifier sets where member notifications go
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithKeyRateSource enables floating-rate loan types
func WithKeyRateSource(k KeyRateSource) Option {
	return func(o *options) { o.keyRates = k }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Service wires the financial core components together
type Service struct {
	repo   repository.Repository
	log    *logrus.Logger
	config *config.Config
	now    func() time.Time

	Ledger     *Ledger
	Interest   *InterestEngine
	Originator *Originator
	Loans      *Servicer
	Dormancy   *DormancyMonitor
}

// NewService initializes the core on top of a repository
func NewService(repo repository.Repository, log *logrus.Logger, cfg *config.Config, opts ...Option) *Service {
	o := options{notifier: noopNotifier{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	// Postgres keeps microseconds; signatures must survive the round trip.
	clock := func() time.Time { return o.now().UTC().Truncate(time.Microsecond) }

	ledger := &Ledger{
		repo:   repo,
		log:    log,
		locks:  newAccountLocks(),
		secret: cfg.HMACSecret,
		now:    clock,
	}
	originator := &Originator{
		repo:      repo,
		loanTypes: cfg.LoanTypes,
		rlpfRate:  cfg.RLPFRatePerThousand,
		keyRates:  o.keyRates,
		now:       clock,
	}
	return &Service{
		repo:       repo,
		log:        log,
		config:     cfg,
		now:        clock,
		Ledger:     ledger,
		Interest:   &InterestEngine{repo: repo, ledger: ledger, log: log, workers: cfg.BatchWorkers, now: clock},
		Originator: originator,
		Loans: &Servicer{
			repo:       repo,
			ledger:     ledger,
			originator: originator,
			log:        log,
			notifier:   o.notifier,
			now:        clock,
		},
		Dormancy: &DormancyMonitor{
			repo:     repo,
			ledger:   ledger,
			log:      log,
			notifier: o.notifier,
			workers:  cfg.BatchWorkers,
			now:      clock,
		},
	}
}

// CreateMember registers a cooperative member
func (s *Service) CreateMember(ctx context.Context, name, email string, actor models.Actor) (*models.Member, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.Validationf("member name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, models.Validationf("invalid email %q", email)
	}

	member := &models.Member{Name: name, Email: email, CreatedAt: s.now()}
	err := s.repo.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.CreateMember(ctx, member)
	})
	if err != nil {
		return nil, classify(err)
	}

	s.log.WithFields(logrus.Fields{"member_id": member.ID, "actor": actor.ID}).Info("Member created")
	return member, nil
}

// Member retrieves a member by id
func (s *Service) Member(ctx context.Context, id int64) (*models.Member, error) {
	return s.repo.GetMember(ctx, id)
}

// classify maps a failed unit of work onto the error taxonomy. Domain errors
// were raised before any write and pass through; anything else came from the
// store after the unit began and is reported as a consistency failure.
func classify(err error) error {
	if err == nil || models.IsDomainError(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrConsistency, err)
}
