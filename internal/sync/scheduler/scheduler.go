// Package scheduler provides the periodic driver for the sync engine.
// The engine core schedules nothing itself; this package is the
// "periodic job outside the core" that pulls pending batches for
// online devices and runs retention sweeps.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/logging"
	syncpkg "github.com/clinicore/syncbridge/internal/sync"
	"github.com/clinicore/syncbridge/internal/sync/retention"
)

// Config holds scheduler configuration.
type Config struct {
	ProcessInterval time.Duration // How often to process device queues (default: 1 minute)
	SweepInterval   time.Duration // How often to run retention sweeps (default: 1 hour)
	BatchLimit      int           // Items per device per pass (default: coordinator's limit)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		ProcessInterval: 1 * time.Minute,
		SweepInterval:   1 * time.Hour,
	}
}

// Scheduler periodically advances device queues and runs sweeps.
type Scheduler struct {
	coordinator *syncpkg.Coordinator
	sweeper     *retention.Sweeper
	config      *Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	lastPassTime   time.Time
	passInProgress bool
}

// New creates a new Scheduler.
func New(coordinator *syncpkg.Coordinator, sweeper *retention.Sweeper, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		coordinator: coordinator,
		sweeper:     sweeper,
		config:      config,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the scheduler loops. A second Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.processLoop(ctx)
	go s.sweepLoop(ctx)

	logging.Info("Sync scheduler started", nil)
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastPassTime returns when the last processing pass finished.
func (s *Scheduler) LastPassTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPassTime
}

// processLoop drives periodic queue processing for eligible devices.
func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// sweepLoop drives periodic retention sweeps.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.sweeper.Cleanup(); err != nil {
				logging.Error("Retention pass failed", err, nil)
			}
		}
	}
}

// runPass processes one batch for every online auto-sync device.
// A pass already in progress is skipped rather than stacked.
func (s *Scheduler) runPass(ctx context.Context) {
	s.mu.Lock()
	if s.passInProgress {
		s.mu.Unlock()
		logging.Debug("Processing pass already in progress, skipping", nil)
		return
	}
	s.passInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.passInProgress = false
		s.lastPassTime = time.Now()
		s.mu.Unlock()
	}()

	devices, err := s.coordinator.Repo().ListOnlineAutoSyncDevices()
	if err != nil {
		logging.Error("Failed to list devices for processing pass", err, nil)
		return
	}

	for _, device := range devices {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		opts := syncpkg.ProcessOptions{Limit: s.config.BatchLimit}
		summary, err := s.coordinator.ProcessPendingSync(ctx, device.UserID, device.DeviceID, opts)
		if err != nil {
			// Another coordinator holding the claim is routine, not a fault.
			if errors.Is(err, errors.ErrConcurrencyViolation) {
				logging.Debug("Device claimed elsewhere, skipping",
					map[string]interface{}{"user_id": device.UserID, "device_id": device.DeviceID})
				continue
			}
			logging.ErrorWithCode("Device processing pass failed",
				string(errors.CodeOf(err)), err,
				map[string]interface{}{"user_id": device.UserID, "device_id": device.DeviceID})
			continue
		}

		if summary.Processed > 0 {
			logging.Info("Device pass completed",
				map[string]interface{}{
					"user_id":   device.UserID,
					"device_id": device.DeviceID,
					"processed": summary.Processed,
					"completed": summary.Completed,
					"failed":    summary.Failed,
					"conflicts": summary.Conflicts,
				})
		}
	}
}

// TriggerPass runs an immediate processing pass. Returns false if a
// pass is already in progress.
func (s *Scheduler) TriggerPass(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.passInProgress
	s.mu.RUnlock()

	if busy {
		return false
	}

	s.runPass(ctx)
	return true
}
