package ops

import (
	"context"
	"time"

	"github.com/sandwichfarm/hearsay/internal/storage"
)

// RetentionManager prunes old events and stale relay-association rows. The
// user's own events are never pruned; the feed history of everyone else is
// bounded by the prune period setting.
type RetentionManager struct {
	store       *storage.Store
	logger      *Logger
	ownerPubkey string

	// injectable for tests
	now func() time.Time
}

// NewRetentionManager creates a new retention manager
func NewRetentionManager(store *storage.Store, logger *Logger, ownerPubkey string) *RetentionManager {
	return &RetentionManager{
		store:       store,
		logger:      logger.WithComponent("retention"),
		ownerPubkey: ownerPubkey,
		now:         time.Now,
	}
}

// PruneOldEvents deletes events past the retention window. Returns how many
// events were deleted.
func (r *RetentionManager) PruneOldEvents(ctx context.Context) (int64, error) {
	days := r.store.ReadSettingInt64(storage.SettingPrunePeriodDays, 30)
	if days <= 0 {
		return 0, nil
	}
	cutoff := r.now().AddDate(0, 0, -int(days))

	deleted, err := r.store.PruneOldEvents(cutoff, r.ownerPubkey)
	if err != nil {
		r.logger.LogRetentionPrune(0, 0, err)
		return 0, err
	}

	remaining, _ := r.store.CountEvents()
	r.logger.LogRetentionPrune(deleted, remaining, nil)
	return deleted, nil
}

// PruneCaches drops stale seen-on-relay rows. These only inform relay
// selection for old events, so they age out faster than events do.
func (r *RetentionManager) PruneCaches(ctx context.Context) (int64, error) {
	days := r.store.ReadSettingInt64(storage.SettingCachePrunePeriodDays, 30)
	if days <= 0 {
		return 0, nil
	}
	cutoff := r.now().AddDate(0, 0, -int(days))

	deleted, err := r.store.PruneStaleEventRelays(cutoff)
	if err != nil {
		r.logger.Error("cache pruning failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		r.logger.Info("cache pruning complete", "deleted", deleted)
	}
	return deleted, nil
}

// StartPruningScheduler prunes on the given interval until the context ends.
func (r *RetentionManager) StartPruningScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.PruneOldEvents(ctx); err != nil {
					r.logger.Error("scheduled pruning failed", "error", err)
				}
				if _, err := r.PruneCaches(ctx); err != nil {
					r.logger.Error("scheduled cache pruning failed", "error", err)
				}
			}
		}
	}()
	r.logger.Info("pruning scheduler started", "interval", interval)
}
