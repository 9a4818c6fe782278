package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/coop-ledger/internal/config"
	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/Dan9191/coop-ledger/internal/service"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs the periodic interest credit and dormancy sweep as the
// system actor.
type Scheduler struct {
	cron      *cron.Cron
	svc       *service.Service
	log       *logrus.Logger
	actor     models.Actor
	basis     models.ComputationBasis
	threshold int

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the batch jobs on their configured schedules
func New(svc *service.Service, cfg *config.Config, log *logrus.Logger) (*Scheduler, error) {
	cronLog := cron.VerbosePrintfLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		svc:       svc,
		log:       log,
		actor:     models.SystemActor(cfg.SystemActor),
		basis:     cfg.InterestBasis,
		threshold: cfg.DormancyThresholdMonths,
		ctx:       ctx,
		cancel:    cancel,
	}

	if _, err := s.cron.AddFunc(cfg.InterestCron, func() { s.RunInterest(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid interest schedule %q: %w", cfg.InterestCron, err)
	}
	if err := checkCadence(cfg.InterestCron, cfg.InterestBasis); err != nil {
		cancel()
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.DormancyCron, func() { s.RunDormancySweep(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid dormancy schedule %q: %w", cfg.DormancyCron, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Infof("Scheduler started with %d jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop cancels running jobs between accounts and waits for them to return
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("Scheduler stop timed out with jobs still running")
	}
}

// RunInterest credits one period of interest to all qualifying accounts. The
// run is refused when the setting in effect is computed on another basis.
func (s *Scheduler) RunInterest(ctx context.Context) *models.BatchResult {
	result, err := s.svc.Interest.ApplyForPeriod(ctx, s.basis, s.actor)
	if err != nil {
		s.log.Errorf("Scheduled interest run failed: %v", err)
	}
	return result
}

// RunDormancySweep flags accounts idle for the configured threshold
func (s *Scheduler) RunDormancySweep(ctx context.Context) *models.BatchResult {
	result, err := s.svc.Dormancy.Sweep(ctx, s.threshold, s.actor)
	if err != nil {
		s.log.Errorf("Scheduled dormancy sweep failed: %v", err)
	}
	return result
}

// checkCadence verifies that consecutive firings of expr are one basis period
// apart.
func checkCadence(expr string, basis models.ComputationBasis) error {
	lo, hi, ok := periodBounds(basis)
	if !ok {
		return fmt.Errorf("unknown interest basis %q", basis)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid interest schedule %q: %w", expr, err)
	}

	next := sched.Next(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 4; i++ {
		after := sched.Next(next)
		// one hour of slack for daylight saving shifts in the local zone
		if gap := after.Sub(next); gap < lo-time.Hour || gap > hi+time.Hour {
			return fmt.Errorf("interest schedule %q does not fire once per %s period", expr, basis)
		}
		next = after
	}
	return nil
}

func periodBounds(basis models.ComputationBasis) (time.Duration, time.Duration, bool) {
	const day = 24 * time.Hour
	switch basis {
	case models.BasisDaily:
		return day, day, true
	case models.BasisMonthly:
		return 28 * day, 31 * day, true
	case models.BasisQuarterly:
		return 89 * day, 92 * day, true
	case models.BasisAnnual:
		return 365 * day, 366 * day, true
	}
	return 0, 0, false
}
