package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned when the refresh API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// syncCooldown is the minimum time between two manual refreshes.
const syncCooldown = 30 * time.Second

// SyncResult contains the result of a catalog refresh.
type SyncResult struct {
	RegionsAdded    int       `json:"regions_added"`
	RegionsUpdated  int       `json:"regions_updated"`
	RegionsRemoved  int       `json:"regions_removed"`
	RegionsTotal    int       `json:"regions_total"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// RegionSyncService refreshes the region catalog periodically and on demand.
type RegionSyncService struct {
	catalog  *RegionCatalog
	interval time.Duration
	logger   *slog.Logger

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Rate limiting for API triggers
	lastAPISync time.Time
	apiMutex    sync.Mutex

	// Prevents concurrent sync operations
	syncOpMutex sync.Mutex

	// Track next scheduled sync for reporting
	nextSync time.Time
	syncMu   sync.RWMutex
}

// NewRegionSyncService creates a new sync service.
func NewRegionSyncService(catalog *RegionCatalog, interval time.Duration, logger *slog.Logger) *RegionSyncService {
	return &RegionSyncService{
		catalog:  catalog,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		// Allow an immediate first API call
		lastAPISync: time.Now().Add(-syncCooldown - time.Second),
	}
}

// Start begins the periodic sync scheduler.
func (s *RegionSyncService) Start(ctx context.Context) {
	s.logger.Info("starting region sync service", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

// run is the main sync loop.
func (s *RegionSyncService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Set initial next sync time
	s.setNextSync(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("sync service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled sync triggered")
			s.doSync(ctx)
			s.setNextSync(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the sync service.
func (s *RegionSyncService) Stop() {
	s.logger.Info("stopping region sync service")
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// TriggerSync manually triggers a refresh with rate limiting.
// Returns ErrRateLimited if called again within the cooldown.
func (s *RegionSyncService) TriggerSync(ctx context.Context) (SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if time.Since(s.lastAPISync) < syncCooldown {
		return SyncResult{}, ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.doSyncWithResult(ctx)
}

// doSync performs the refresh without returning detailed results.
func (s *RegionSyncService) doSync(ctx context.Context) {
	// Prevent concurrent sync operations
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	if _, err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Error("region sync failed", "error", err)
	}
}

// doSyncWithResult performs the refresh and returns detailed results.
func (s *RegionSyncService) doSyncWithResult(ctx context.Context) (SyncResult, error) {
	// Prevent concurrent sync operations
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	stats, err := s.catalog.Refresh(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	return SyncResult{
		RegionsAdded:    stats.Added,
		RegionsUpdated:  stats.Updated,
		RegionsRemoved:  stats.Removed,
		RegionsTotal:    stats.Total,
		SyncedAt:        time.Now(),
		NextScheduledAt: s.getNextSync(),
	}, nil
}

// setNextSync updates the next scheduled sync time.
func (s *RegionSyncService) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

// getNextSync returns the next scheduled sync time.
func (s *RegionSyncService) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *RegionSyncService) Interval() time.Duration {
	return s.interval
}
