/*
sweeper.go - Background sweep of abandoned payment intents

PURPOSE:
  Users close the PayPay tab, webhooks get lost, the poll page is never opened.
  The sweeper periodically runs Engine.Sweep so every intent reaches a terminal
  state: late successes are still credited, the rest are expired.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - On start: one Repair pass (re-applies missing effects of COMPLETED intents),
    then a sweep
  - Every tick: one sweep
  - Provider outages are skipped by the engine and retried on the next tick
  - Stop cancels an in-flight pass and waits for it

USAGE:
  sweeper := NewSweeper(engine, time.Minute, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - settlement/sweep.go: Sweep and Repair
  - cli/sweep.go: the same passes as one-shot commands
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/szer/settlement/settlement"
)

// Sweeper runs settlement sweeps on a ticker.
type Sweeper struct {
	Engine   *settlement.Engine
	Interval time.Duration
	Enabled  bool

	log    zerolog.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(engine *settlement.Engine, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Engine:   engine,
		Interval: interval,
		Enabled:  true,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Start begins the sweeper. Calling it twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker)

	s.log.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop stops the sweeper and waits for the current pass.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("stopped")
}

func (s *Sweeper) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	// Run immediately on start
	s.Repair(ctx)
	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one sweep pass and records its outcome.
func (s *Sweeper) Sweep(ctx context.Context) settlement.SweepReport {
	report, err := s.Engine.Sweep(ctx)
	recordSweep(report)
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
	return report
}

// Repair runs one repair pass and records its outcome.
func (s *Sweeper) Repair(ctx context.Context) settlement.RepairReport {
	report, err := s.Engine.Repair(ctx)
	repairedEffectsTotal.Add(float64(report.Repaired))
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("repair failed")
		}
		return report
	}
	if report.Repaired > 0 {
		s.log.Warn().Int("scanned", report.Scanned).Int("repaired", report.Repaired).Msg("missing effects re-applied")
	}
	return report
}
