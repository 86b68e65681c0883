// Package retention provides storage sweeps for the sync engine:
// aged-out completed items, permanently failed items, stale devices,
// and a watchdog for items stranded mid-processing.
package retention

import (
	"time"

	"github.com/clinicore/syncbridge/internal/db"
	"github.com/clinicore/syncbridge/internal/errors"
	"github.com/clinicore/syncbridge/internal/logging"
)

// Options configures one cleanup pass.
type Options struct {
	// CompletedRetentionDays keeps completed items this long before purging.
	CompletedRetentionDays int

	// StaleDeviceDays purges devices offline and inactive this long.
	StaleDeviceDays int

	// MaxAttempts identifies permanently failed items for the sweep.
	MaxAttempts int

	// StuckSyncingTimeout demotes items stranded in syncing back to
	// pending after this long without progress.
	StuckSyncingTimeout time.Duration

	// ClaimTimeout clears device claims abandoned this long. Must be
	// at least the coordinator's claim TTL.
	ClaimTimeout time.Duration
}

// DefaultOptions returns the retention defaults.
func DefaultOptions() Options {
	return Options{
		CompletedRetentionDays: 7,
		StaleDeviceDays:        90,
		MaxAttempts:            5,
		StuckSyncingTimeout:    10 * time.Minute,
		ClaimTimeout:           10 * time.Minute,
	}
}

// Summary reports what one cleanup pass removed or repaired.
type Summary struct {
	CompletedPurged int64 `json:"completed_purged"`
	FailedPurged    int64 `json:"failed_purged"`
	DevicesPurged   int64 `json:"devices_purged"`
	SyncingRequeued int64 `json:"syncing_requeued"`
	ClaimsReleased  int64 `json:"claims_released"`
}

// Sweeper runs retention sweeps against the sync store.
type Sweeper struct {
	repo *db.Repository
	opts Options
}

// NewSweeper creates a Sweeper. Zero-valued options fall back to
// DefaultOptions.
func NewSweeper(repo *db.Repository, opts Options) *Sweeper {
	def := DefaultOptions()
	if opts.CompletedRetentionDays <= 0 {
		opts.CompletedRetentionDays = def.CompletedRetentionDays
	}
	if opts.StaleDeviceDays <= 0 {
		opts.StaleDeviceDays = def.StaleDeviceDays
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.StuckSyncingTimeout <= 0 {
		opts.StuckSyncingTimeout = def.StuckSyncingTimeout
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = def.ClaimTimeout
	}
	return &Sweeper{repo: repo, opts: opts}
}

// CleanupCompleted purges items in the terminal completed state older
// than daysOld. Pending, failed and conflict items of any age are
// untouched.
func (s *Sweeper) CleanupCompleted(daysOld int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysOld).UnixMilli()
	removed, err := s.repo.DeleteCompletedBefore(cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "completed sweep failed", err)
	}
	return removed, nil
}

// CleanupStaleDevices purges devices offline and inactive for more than
// daysOld, along with their queue items, conflicts and entity state.
func (s *Sweeper) CleanupStaleDevices(daysOld int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysOld).UnixMilli()
	removed, err := s.repo.DeleteStaleDevices(cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "stale device sweep failed", err)
	}
	return removed, nil
}

// PurgeFailed removes permanently failed items (attempts at or past the
// limit). These are excluded from automatic processing already; this
// sweep reclaims their storage, never retries them.
func (s *Sweeper) PurgeFailed(maxAttempts int) (int64, error) {
	removed, err := s.repo.DeletePermanentlyFailed(maxAttempts)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed-item sweep failed", err)
	}
	return removed, nil
}

// RequeueStuck is the watchdog: items left in syncing past the timeout
// (a coordinator died mid-batch) return to pending without counting an
// attempt.
func (s *Sweeper) RequeueStuck(timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout).UnixMilli()
	requeued, err := s.repo.RequeueStuckSyncing(cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "watchdog sweep failed", err)
	}
	return requeued, nil
}

// ReleaseStaleClaims clears device processing claims abandoned longer
// than timeout. Claim takeover already handles expiry lazily; the sweep
// tidies uncontended devices.
func (s *Sweeper) ReleaseStaleClaims(timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout).UnixMilli()
	released, err := s.repo.ReleaseExpiredClaims(cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "claim sweep failed", err)
	}
	return released, nil
}

// Cleanup runs every sweep with the configured options and aggregates
// the counts. Individual sweep failures abort the pass.
func (s *Sweeper) Cleanup() (*Summary, error) {
	summary := &Summary{}
	var err error

	if summary.SyncingRequeued, err = s.RequeueStuck(s.opts.StuckSyncingTimeout); err != nil {
		return nil, err
	}
	if summary.ClaimsReleased, err = s.ReleaseStaleClaims(s.opts.ClaimTimeout); err != nil {
		return nil, err
	}
	if summary.CompletedPurged, err = s.CleanupCompleted(s.opts.CompletedRetentionDays); err != nil {
		return nil, err
	}
	if summary.FailedPurged, err = s.PurgeFailed(s.opts.MaxAttempts); err != nil {
		return nil, err
	}
	if summary.DevicesPurged, err = s.CleanupStaleDevices(s.opts.StaleDeviceDays); err != nil {
		return nil, err
	}

	logging.Info("Retention pass completed",
		map[string]interface{}{
			"completed_purged": summary.CompletedPurged,
			"failed_purged":    summary.FailedPurged,
			"devices_purged":   summary.DevicesPurged,
			"syncing_requeued": summary.SyncingRequeued,
			"claims_released":  summary.ClaimsReleased,
		})

	return summary, nil
}
