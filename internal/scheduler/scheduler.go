// Package scheduler drives the seal engine's cycles on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

// Lock keys, one per cycle kind, so a failure pass never waits on a slow
// seal cycle.
const (
	SealLockKey    = "sealkeeper:cycle:seal"
	FailureLockKey = "sealkeeper:cycle:failures"
)

var (
	// ErrLocked is returned by a cycle skipped because another run holds
	// its lock.
	ErrLocked = errors.New("cycle already running elsewhere")

	// ErrSyncIncomplete is returned by a seal cycle whose confirmation poll
	// could not read the ledger. Both reports are still returned.
	ErrSyncIncomplete = errors.New("sync incomplete")
)

// Engine is the part of *service.Engine the scheduler drives.
type Engine interface {
	SealPending(ctx context.Context) (*model.SealReport, error)
	SyncUnconfirmed(ctx context.Context) (*model.SyncReport, error)
	HandleFailures(ctx context.Context, policy model.FailurePolicy) (*model.FailureReport, error)
}

// Config holds scheduling configuration.
type Config struct {
	SealInterval    time.Duration
	FailureInterval time.Duration
	// CycleTimeout bounds a single cycle; it also sets the lock TTL.
	CycleTimeout time.Duration
	Policy       model.FailurePolicy
}

// CycleRecordFunc is an optional callback for recording cycle outcomes.
type CycleRecordFunc func(cycle string, ok bool)

// Scheduler runs SealPending+SyncUnconfirmed and HandleFailures periodically.
type Scheduler struct {
	engine  Engine
	locker  Locker
	cfg     Config
	onCycle CycleRecordFunc
	logger  *zap.Logger
}

// New creates a Scheduler. Without SetLocker cycles are only serialized
// within this process.
func New(engine Engine, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SealInterval == 0 {
		cfg.SealInterval = time.Minute
	}
	if cfg.FailureInterval == 0 {
		cfg.FailureInterval = 15 * time.Minute
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	if cfg.Policy == (model.FailurePolicy{}) {
		cfg.Policy = model.UniformPolicy(24 * time.Hour)
	}
	return &Scheduler{
		engine: engine,
		locker: NewLocalLocker(),
		cfg:    cfg,
		logger: logger,
	}
}

// SetLocker replaces the cycle lock, e.g. with a RedisLocker shared by
// several instances.
func (s *Scheduler) SetLocker(l Locker) {
	s.locker = l
}

// SetCycleRecord configures the metrics callback.
func (s *Scheduler) SetCycleRecord(fn CycleRecordFunc) {
	s.onCycle = fn
}

// Start runs both cycle loops until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	sealTicker := time.NewTicker(s.cfg.SealInterval)
	defer sealTicker.Stop()
	failTicker := time.NewTicker(s.cfg.FailureInterval)
	defer failTicker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("seal_interval", s.cfg.SealInterval),
		zap.Duration("failure_interval", s.cfg.FailureInterval),
	)
	for {
		select {
		case <-sealTicker.C:
			s.logCycle("seal", s.RunSealCycle(ctx))
		case <-failTicker.C:
			s.logCycle("failures", s.RunFailureCycle(ctx))
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) logCycle(cycle string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrLocked):
		s.logger.Debug("cycle skipped, lock held", zap.String("cycle", cycle))
	default:
		s.logger.Warn("cycle failed", zap.String("cycle", cycle), zap.Error(err))
	}
}

// Policy returns the failure policy applied by scheduled failure cycles.
func (s *Scheduler) Policy() model.FailurePolicy {
	return s.cfg.Policy
}

// RunSealCycle broadcasts pending seals and then polls confirmations.
func (s *Scheduler) RunSealCycle(ctx context.Context) error {
	_, _, err := s.Seal(ctx)
	return err
}

// RunFailureCycle applies the configured failure policy.
func (s *Scheduler) RunFailureCycle(ctx context.Context) error {
	_, err := s.Failures(ctx, s.cfg.Policy)
	return err
}

// Seal runs one seal cycle under the seal lock and returns its reports.
// Manual triggers go through here so they never overlap a scheduled run.
func (s *Scheduler) Seal(ctx context.Context) (*model.SealReport, *model.SyncReport, error) {
	var sealReport *model.SealReport
	var syncReport *model.SyncReport
	err := s.locked(ctx, "seal", SealLockKey, func(ctx context.Context) error {
		var err error
		if sealReport, err = s.engine.SealPending(ctx); err != nil {
			return err
		}
		if syncReport, err = s.engine.SyncUnconfirmed(ctx); err != nil {
			return err
		}
		if syncReport.Error != "" {
			return fmt.Errorf("%w: %s", ErrSyncIncomplete, syncReport.Error)
		}
		return nil
	})
	return sealReport, syncReport, err
}

// Failures runs one failures cycle with policy under the failures lock.
func (s *Scheduler) Failures(ctx context.Context, policy model.FailurePolicy) (*model.FailureReport, error) {
	var report *model.FailureReport
	err := s.locked(ctx, "failures", FailureLockKey, func(ctx context.Context) error {
		var err error
		report, err = s.engine.HandleFailures(ctx, policy)
		return err
	})
	return report, err
}

func (s *Scheduler) locked(ctx context.Context, cycle, key string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	unlock, ok, err := s.locker.TryLock(ctx, key, s.cfg.CycleTimeout)
	if err != nil {
		s.record(cycle, false)
		return fmt.Errorf("acquire %s lock: %w", cycle, err)
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release cycle lock", zap.String("cycle", cycle), zap.Error(err))
		}
	}()

	err = fn(ctx)
	s.record(cycle, err == nil)
	return err
}

func (s *Scheduler) record(cycle string, ok bool) {
	if s.onCycle != nil {
		s.onCycle(cycle, ok)
	}
}
