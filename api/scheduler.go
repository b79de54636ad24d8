/*
scheduler.go - Background redemption session sweeper

PURPOSE:
  Periodically expires approved sessions whose TTL has passed and
  approved sessions the customer can no longer cover. The request path
  already catches both lazily at consumption; the sweeper keeps stale
  sessions from lingering in shop dashboards.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass: ExpireStaleSessions, then FindInvalidApprovedSessions(fix)
  - Errors are logged and the pass is retried on the next tick

USAGE:
  sweeper := NewSessionSweeper(auditor, 5*time.Minute, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: Sweep endpoint (manual trigger)
  - ledger/audit.go: ReconciliationAuditor
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/monitoring"
	"go.uber.org/zap"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 5 * time.Minute

// SweepResult is what one sweeper pass changed.
type SweepResult struct {
	Expired     []ledger.RedemptionSession
	Invalidated []ledger.InvalidSession
}

// SessionSweeper expires stale and uncovered approved sessions.
type SessionSweeper struct {
	Auditor       *ledger.ReconciliationAuditor
	CheckInterval time.Duration
	Enabled       bool
	Now           ledger.Clock
	Logger        *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSessionSweeper creates a sweeper. A non-positive interval uses
// DefaultSweepInterval.
func NewSessionSweeper(auditor *ledger.ReconciliationAuditor, interval time.Duration, logger *zap.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionSweeper{
		Auditor:       auditor,
		CheckInterval: interval,
		Enabled:       true,
		Now:           func() time.Time { return time.Now().UTC() },
		Logger:        logger.Named("sweeper"),
	}
}

// Start begins the sweeper.
func (s *SessionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the sweeper and waits for an in-flight pass to finish.
func (s *SessionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *SessionSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (s *SessionSweeper) sweep(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.Logger.Error("sweep failed", zap.Error(err))
	}
}

// RunOnce performs a single pass and returns what it changed.
func (s *SessionSweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	expired, err := s.Auditor.ExpireStaleSessions(ctx, s.Now())
	res.Expired = expired
	if len(expired) > 0 {
		monitoring.AuditFindingsTotal.WithLabelValues("stale_session").Add(float64(len(expired)))
		monitoring.RedemptionsTotal.WithLabelValues("expired").Add(float64(len(expired)))
	}
	if err != nil {
		return res, err
	}

	invalid, err := s.Auditor.FindInvalidApprovedSessions(ctx, true)
	if err != nil {
		return res, err
	}
	res.Invalidated = invalid

	fixed := 0
	for _, inv := range invalid {
		if inv.Expired {
			fixed++
		}
	}
	if len(invalid) > 0 {
		monitoring.AuditFindingsTotal.WithLabelValues("invalid_session").Add(float64(len(invalid)))
		monitoring.RedemptionsTotal.WithLabelValues("expired").Add(float64(fixed))
	}

	if len(expired) > 0 || len(invalid) > 0 {
		s.Logger.Info("sweep completed",
			zap.Int("ttl_expired", len(expired)),
			zap.Int("uncovered", len(invalid)),
			zap.Int("uncovered_expired", fixed),
		)
	}
	return res, nil
}
