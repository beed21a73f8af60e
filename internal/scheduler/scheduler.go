// Package scheduler drives the periodic full scan and the fast recheck of risky
// positions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/metrics"
)

const (
	KindFull    = "full"
	KindRecheck = "recheck"
)

// Target is the work the scheduler drives.
type Target interface {
	// AllBorrowers lists every borrower a full scan visits.
	AllBorrowers(ctx context.Context) ([]string, error)
	// RiskyBorrowers lists borrowers due for a fast recheck.
	RiskyBorrowers() []string
	// Check runs the per-position pipeline for one borrower.
	Check(ctx context.Context, borrowerID string) error
}

// HealthNotifier is told when full scans start and stop failing.
type HealthNotifier interface {
	SendError(ctx context.Context, err error) error
	SendRecovery(ctx context.Context, failureCount int) error
}

// Config controls scan cadence and batching.
type Config struct {
	FullScanInterval time.Duration
	RecheckInterval  time.Duration
	BatchSize        int
	BatchPause       time.Duration
	Workers          int
	CheckTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.FullScanInterval <= 0 {
		c.FullScanInterval = 10 * time.Minute
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

// Report summarizes one scan.
type Report struct {
	Kind     string
	Total    int
	Checked  int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// Scheduler runs the full scan and recheck loops. Stopping lets the batch in flight
// finish before the loops return.
type Scheduler struct {
	cfg    Config
	target Target
	clock  clock.Clock
	health HealthNotifier

	fullRunning atomic.Bool

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	failures    int
	lastFullRun time.Time
}

// New creates a scheduler for target.
func New(cfg Config, target Target, clk clock.Clock) *Scheduler {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{cfg: cfg, target: target, clock: clk}
}

// SetHealthNotifier installs the receiver of scan failure and recovery notices.
func (s *Scheduler) SetHealthNotifier(h HealthNotifier) {
	s.health = h
}

// Start launches both loops. The first full scan runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(runCtx, s.cfg.FullScanInterval, true, s.runFull)
	go s.loop(runCtx, s.cfg.RecheckInterval, false, s.runRecheck)
	logger.Info("Scheduler started: full scan every %v, recheck every %v", s.cfg.FullScanInterval, s.cfg.RecheckInterval)
}

// Stop halts both loops and waits for the batch in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	logger.Info("Scheduler stopped")
}

// LastFullScan returns when the last full scan finished.
func (s *Scheduler) LastFullScan() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFullRun
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, immediate bool, run func(context.Context)) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	if immediate {
		run(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			run(ctx)
		}
	}
}

func (s *Scheduler) runFull(ctx context.Context) {
	if _, err := s.RunFullScan(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Full scan failed: %v", err)
	}
}

func (s *Scheduler) runRecheck(ctx context.Context) {
	if s.fullRunning.Load() {
		logger.Debug("Recheck skipped: full scan in progress")
		return
	}
	s.RunRecheck(ctx)
}

// RunFullScan checks every known borrower in batches. It fails only when the borrower
// list itself cannot be read.
func (s *Scheduler) RunFullScan(ctx context.Context) (Report, error) {
	s.fullRunning.Store(true)
	defer s.fullRunning.Store(false)

	start := s.clock.Now()
	borrowers, err := s.target.AllBorrowers(ctx)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(KindFull).Inc()
		s.recordFailure(ctx, err)
		return Report{Kind: KindFull}, fmt.Errorf("failed to list borrowers: %w", err)
	}
	s.recordSuccess(ctx)

	rep := s.scan(ctx, KindFull, borrowers)
	rep.Duration = s.clock.Now().Sub(start)

	s.mu.Lock()
	s.lastFullRun = s.clock.Now()
	s.mu.Unlock()

	logger.Info("Full scan: %d/%d checked, %d failed, %d skipped in %v",
		rep.Checked, rep.Total, rep.Failed, rep.Skipped, rep.Duration)
	return rep, nil
}

// RunRecheck checks the borrowers currently flagged as risky.
func (s *Scheduler) RunRecheck(ctx context.Context) Report {
	start := s.clock.Now()
	rep := s.scan(ctx, KindRecheck, s.target.RiskyBorrowers())
	rep.Duration = s.clock.Now().Sub(start)
	if rep.Total > 0 {
		logger.Debug("Recheck: %d/%d checked, %d failed", rep.Checked, rep.Total, rep.Failed)
	}
	return rep
}

// scan walks borrowers batch by batch. Cancelling ctx stops before the next batch; the
// checks of the current batch run on a context detached from ctx.
func (s *Scheduler) scan(ctx context.Context, kind string, borrowers []string) Report {
	timer := time.Now()
	defer func() {
		metrics.ScanDuration.WithLabelValues(kind).Observe(time.Since(timer).Seconds())
	}()
	metrics.ScansTotal.WithLabelValues(kind).Inc()

	rep := Report{Kind: kind, Total: len(borrowers)}
	for start := 0; start < len(borrowers); start += s.cfg.BatchSize {
		if ctx.Err() != nil {
			rep.Skipped = len(borrowers) - start
			return rep
		}
		end := min(start+s.cfg.BatchSize, len(borrowers))
		checked, failed := s.runBatch(context.WithoutCancel(ctx), borrowers[start:end])
		rep.Checked += checked
		rep.Failed += failed

		if end < len(borrowers) && s.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				rep.Skipped = len(borrowers) - end
				return rep
			case <-s.clock.After(s.cfg.BatchPause):
			}
		}
	}
	return rep
}

// runBatch checks one batch on a bounded worker pool. A failed check is logged and
// counted; it never cancels its siblings.
func (s *Scheduler) runBatch(ctx context.Context, batch []string) (checked, failed int) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	var nFailed atomic.Int64
	for _, id := range batch {
		g.Go(func() error {
			checkCtx := ctx
			if s.cfg.CheckTimeout > 0 {
				var cancel context.CancelFunc
				checkCtx, cancel = context.WithTimeout(ctx, s.cfg.CheckTimeout)
				defer cancel()
			}
			if err := s.target.Check(checkCtx, id); err != nil {
				nFailed.Add(1)
				if errors.Is(err, context.DeadlineExceeded) {
					logger.Warn("Check of %s timed out", id)
				} else {
					logger.Warn("Check of %s failed: %v", id, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	failed = int(nFailed.Load())
	return len(batch) - failed, failed
}

func (s *Scheduler) recordFailure(ctx context.Context, err error) {
	s.mu.Lock()
	s.failures++
	first := s.failures == 1
	s.mu.Unlock()

	if first && s.health != nil {
		if sendErr := s.health.SendError(context.WithoutCancel(ctx), err); sendErr != nil {
			logger.Error("Failed to send error notification: %v", sendErr)
		}
	}
}

func (s *Scheduler) recordSuccess(ctx context.Context) {
	s.mu.Lock()
	n := s.failures
	s.failures = 0
	s.mu.Unlock()

	if n > 0 {
		logger.Info("Full scan recovered after %d consecutive failure(s)", n)
		if s.health != nil {
			if err := s.health.SendRecovery(context.WithoutCancel(ctx), n); err != nil {
				logger.Error("Failed to send recovery notification: %v", err)
			}
		}
	}
}
