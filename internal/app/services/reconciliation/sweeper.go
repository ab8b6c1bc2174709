package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
	"github.com/R3E-Network/donation_ledger/internal/app/metrics"
	"github.com/R3E-Network/donation_ledger/internal/app/system"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// SweeperConfig controls the pending sweeper.
type SweeperConfig struct {
	// Schedule is a cron expression, e.g. "@every 30s" or "*/1 * * * *".
	Schedule string
	// MinAge skips transactions younger than this; clients usually verify
	// fresh submissions themselves.
	MinAge    time.Duration
	BatchSize int
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Examined  int
	Confirmed int
	Failed    int
	Pending   int
	Errors    int
}

// Sweeper periodically verifies pending transactions so that none stays
// pending after the ledger has decided its outcome.
type Sweeper struct {
	service *Service
	cfg     SweeperConfig
	log     *logger.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a sweeper driving svc.
func NewSweeper(svc *Service, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("pending-sweeper")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	return &Sweeper{service: svc, cfg: cfg, log: log}
}

func (s *Sweeper) Name() string { return "pending-sweeper" }

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	adapter := cronLogger{log: s.log}
	c := cron.New(cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)))
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(runCtx); err != nil {
			s.log.WithError(err).Warn("pending sweep failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.log.WithField("schedule", s.cfg.Schedule).Info("pending sweeper started")
	return nil
}

// Stop cancels an in-flight sweep and waits for it to return.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep verifies one batch of pending transactions, oldest first. Individual
// verification errors are counted and logged; only a failure to list the
// batch is returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.service.now().Add(-s.cfg.MinAge)
	pending, err := s.service.txs.ListPendingTransactions(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSweep(0, false)
		return res, fmt.Errorf("list pending transactions: %w", err)
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Examined++
		updated, err := s.service.VerifyTransaction(ctx, tx.ID)
		if err != nil {
			res.Errors++
			s.log.WithError(err).WithField("transaction_id", tx.ID).Warn("verify pending transaction failed")
			continue
		}
		switch updated.Status {
		case donation.StatusConfirmed, donation.StatusCompleted:
			res.Confirmed++
		case donation.StatusFailed, donation.StatusCancelled:
			res.Failed++
		default:
			res.Pending++
		}
	}

	metrics.RecordSweep(res.Examined, res.Errors == 0)
	if res.Examined > 0 {
		s.log.WithFields(map[string]interface{}{
			"examined":  res.Examined,
			"confirmed": res.Confirmed,
			"failed":    res.Failed,
			"pending":   res.Pending,
			"errors":    res.Errors,
		}).Info("pending sweep finished")
	}
	return res, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
