package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval and on every wake-up.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// TickTimeout bounds each tick; zero means the tick only ends with ctx.
	TickTimeout time.Duration
	// RunImmediately fires one tick as soon as the startup delay has passed.
	RunImmediately bool
}

// Scheduler drives periodic reconciliation cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	wake   chan struct{}

	running atomic.Bool
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		wake:   make(chan struct{}, 1),
	}
}

// Trigger asks for an extra tick as soon as possible. Triggers that arrive while one is
// already pending collapse into it; triggers during a running tick are dropped.
func (s *Scheduler) Trigger() {
	if s.running.Load() {
		s.logger.Debug().Msg("tick in progress, trigger dropped")
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, invoking the tick function at each interval (and on Trigger) until ctx is
// cancelled. Ticks never overlap.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.runTick(ctx, tick, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
			s.logger.Debug().Msg("woken up")
			s.runTick(ctx, tick, time.Now().UTC())
			continue
		case <-timer.C:
			timer.Stop()
		}

		s.runTick(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

// Running reports whether a tick is executing.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) runTick(ctx context.Context, tick TickFunc, at time.Time) {
	s.running.Store(true)
	defer func() {
		// a wake-up queued while the tick started is covered by it
		select {
		case <-s.wake:
		default:
		}
		s.running.Store(false)
	}()

	tickCtx := ctx
	if s.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, s.opts.TickTimeout)
		defer cancel()
	}

	s.logger.Debug().Time("at", at).Msg("executing scheduled tick")
	if err := tick(tickCtx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
