// Package scheduler is the top-level supervisor: it owns the process
// lifecycle, runs the order-book builder and liquidity provider on
// independent randomized-interval loops gated by the live policy tag,
// runs the price watcher on its own loop, and exposes global
// pause/resume over tradeparams.Params.IsActive.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"mmagent/internal/metrics"
	"mmagent/internal/tradeparams"
)

// Builder is the subset of builder.Builder the scheduler drives.
type Builder interface {
	Tick(ctx context.Context) error
}

// Provider is the subset of liquidity.Provider the scheduler drives.
type Provider interface {
	Tick(ctx context.Context) error
}

// Watcher is the subset of pricewatcher.Watcher the scheduler drives.
// Run blocks, ticking internally, until ctx is cancelled.
type Watcher interface {
	Run(ctx context.Context)
}

// Scheduler owns the three component loops and the global activity flag.
type Scheduler struct {
	params   *tradeparams.Store
	builder  Builder
	provider Provider
	watcher  Watcher
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(params *tradeparams.Store, builder Builder, provider Provider, watcher Watcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		params:   params,
		builder:  builder,
		provider: provider,
		watcher:  watcher,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start launches the builder, provider, and price-watcher loops in the
// background. It returns immediately; call Stop to shut down.
func (s *Scheduler) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	metrics.SetActive(s.params.Snapshot().IsActive)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBuilderLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runProviderLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watcher.Run(s.ctx)
	}()
}

// Stop cancels all loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.logger.Info("shutting down")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// Pause clears the top-level activity flag: every gated component stops
// acting on its next tick, though the loops themselves keep running.
func (s *Scheduler) Pause() error {
	if err := s.params.Mutate(func(p *tradeparams.Params) { p.IsActive = false }); err != nil {
		return err
	}
	metrics.SetActive(false)
	return nil
}

// Resume sets the top-level activity flag.
func (s *Scheduler) Resume() error {
	if err := s.params.Mutate(func(p *tradeparams.Params) { p.IsActive = true }); err != nil {
		return err
	}
	metrics.SetActive(true)
	return nil
}

// runBuilderLoop ticks the order-book builder at U(min,max) intervals
// while the live policy is optimal or spread. Policy depth and
// component-level IsActive/OBActive gating are re-checked by
// Builder.Tick itself on every call; this loop only owns the
// scheduling cadence.
func (s *Scheduler) runBuilderLoop() {
	for {
		interval := s.nextInterval()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := s.builder.Tick(s.ctx); err != nil {
			s.logger.Warn("builder tick failed", "error", err)
		}
	}
}

// runProviderLoop ticks the liquidity provider at U(min,max) intervals.
// Unlike the builder, the provider runs under every policy;
// Provider.Tick gates on its own IsActive/LiqActive flags.
func (s *Scheduler) runProviderLoop() {
	for {
		interval := s.nextInterval()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := s.provider.Tick(s.ctx); err != nil {
			s.logger.Warn("liquidity tick failed", "error", err)
		}
	}
}

// nextInterval samples U(minMS, maxMS) from the live trade-parameters
// document, falling back to a safe default when the range is unset.
func (s *Scheduler) nextInterval() time.Duration {
	r := s.params.Snapshot().IntervalRange
	minMS, maxMS := r.MinMS, r.MaxMS
	if maxMS <= 0 {
		minMS, maxMS = 1500, 3000
	}
	if maxMS <= minMS {
		return time.Duration(minMS) * time.Millisecond
	}
	span := maxMS - minMS
	ms := minMS + rand.Int63n(span+1)
	return time.Duration(ms) * time.Millisecond
}
