package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"spendguard/internal/discovery"
	"spendguard/internal/ledger"
	"spendguard/internal/models"
	"spendguard/internal/orchestrator"
	"spendguard/internal/scheduler"
	"spendguard/internal/storage"
)

// Handler processes one discovered request.
type Handler interface {
	Handle(ctx context.Context, req models.DiscoveredRequest) orchestrator.Outcome
}

// Housekeeper is the recovery side of the ledger.
type Housekeeper interface {
	RecoverStale(ctx context.Context, olderThan time.Duration, rollback bool) (ledger.RecoveryReport, error)
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// Options tune the service.
type Options struct {
	MaxConcurrent     int
	LockKey           int64
	StaleAfter        time.Duration
	AutoRollbackStale bool
	Retention         time.Duration
}

// CycleReport summarises one discovery cycle.
type CycleReport struct {
	Skipped  bool
	Fetched  int
	New      int
	Statuses map[models.RequestStatus]int
	Deferred int
}

// Service drives discovery, decisions and payments on a schedule.
type Service struct {
	scheduler   *scheduler.Scheduler
	reconciler  *discovery.Reconciler
	handler     Handler
	housekeeper Housekeeper
	locker      storage.AdvisoryLocker
	opts        Options
	logger      zerolog.Logger
}

// New constructs the service. locker and housekeeper may be nil.
func New(opts Options, sched *scheduler.Scheduler, reconciler *discovery.Reconciler, handler Handler, housekeeper Housekeeper, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Service{
		scheduler:   sched,
		reconciler:  reconciler,
		handler:     handler,
		housekeeper: housekeeper,
		locker:      locker,
		opts:        opts,
		logger:      logger.With().Str("component", "service").Logger(),
	}
}

// Run performs startup housekeeping and then polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.Housekeep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("startup housekeeping failed")
	}
	return s.scheduler.Run(ctx, s.tick)
}

// Trigger requests an immediate cycle. Triggers that arrive while a cycle runs are dropped.
func (s *Service) Trigger() {
	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
}

func (s *Service) tick(ctx context.Context, at time.Time) error {
	report, err := s.RunCycle(ctx)
	if err != nil {
		return err
	}
	if !report.Skipped {
		s.logger.Info().
			Time("at", at).
			Int("fetched", report.Fetched).
			Int("new", report.New).
			Int("deferred", report.Deferred).
			Interface("statuses", report.Statuses).
			Msg("discovery cycle finished")
	}
	return nil
}

// RunCycle 执行一次发现与处理周期。
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return CycleReport{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	res := s.reconciler.Poll(ctx)
	if res.Skipped {
		return CycleReport{Skipped: true}, nil
	}

	report := CycleReport{Fetched: res.Fetched, New: len(res.New), Statuses: make(map[models.RequestStatus]int)}
	report.Deferred = s.dispatch(ctx, res.New, report.Statuses)
	return report, nil
}

// dispatch hands requests to the handler with bounded concurrency. Requests that could
// not start before ctx ended are forgotten by the seen set so a later cycle picks them up.
func (s *Service) dispatch(ctx context.Context, reqs []models.DiscoveredRequest, statuses map[models.RequestStatus]int) int {
	sem := semaphore.NewWeighted(int64(s.opts.MaxConcurrent))
	var g errgroup.Group
	var mu sync.Mutex
	deferred := 0

	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for _, rest := range reqs[i:] {
				s.reconciler.Seen().Forget(rest.RequestID)
			}
			deferred = len(reqs) - i
			s.logger.Warn().Err(err).Int("deferred", deferred).Msg("cycle interrupted, remaining requests deferred")
			break
		}
		req := req
		g.Go(func() error {
			defer sem.Release(1)
			out := s.handler.Handle(ctx, req)
			mu.Lock()
			statuses[out.Status]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return deferred
}

// Housekeep flags or rolls back stale reservations and prunes old ones.
func (s *Service) Housekeep(ctx context.Context) error {
	if s.housekeeper == nil {
		return nil
	}
	var errs []error
	if s.opts.StaleAfter > 0 {
		report, err := s.housekeeper.RecoverStale(ctx, s.opts.StaleAfter, s.opts.AutoRollbackStale)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover stale reservations: %w", err))
		}
		if len(report.Stale) > 0 {
			s.logger.Warn().
				Int("stale", len(report.Stale)).
				Int("rolled_back", report.RolledBack).
				Bool("auto_rollback", s.opts.AutoRollbackStale).
				Msg("stale reservations found")
		}
	}
	if s.opts.Retention > 0 {
		if _, err := s.housekeeper.Prune(ctx, s.opts.Retention); err != nil {
			errs = append(errs, fmt.Errorf("prune reservations: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
