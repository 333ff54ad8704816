// Package scheduler runs background sync: reachability probes, retry drains while
// changes are pending, and a periodic full sync.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// Prober checks whether the server is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	outbox        *queue.Outbox
	monitor       *connectivity.Monitor
	prober        Prober
	syncInterval  time.Duration
	retryInterval time.Duration
	probeInterval time.Duration
	timeout       time.Duration

	stopCh      chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
	mu          sync.RWMutex

	isRunning       bool
	lastSyncTime    time.Time
	syncInProgress  bool
	drainInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // Full sync while online (default: 15 minutes)
	RetryInterval time.Duration // Drain retry while changes are pending (default: 1 minute)
	ProbeInterval time.Duration // Reachability probe (default: 30 seconds); zero disables probing
	Timeout       time.Duration // Upper bound for a single run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		RetryInterval: 1 * time.Minute,
		ProbeInterval: 30 * time.Second,
		Timeout:       5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. prober may be nil, in which case the
// monitor is only updated through SetOnlineStatus.
func NewScheduler(engine syncpkg.SyncEngineInterface, outbox *queue.Outbox, monitor *connectivity.Monitor, prober Prober, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if monitor == nil {
		monitor = connectivity.New(true)
	}

	return &Scheduler{
		engine:        engine,
		outbox:        outbox,
		monitor:       monitor,
		prober:        prober,
		syncInterval:  config.SyncInterval,
		retryInterval: config.RetryInterval,
		probeInterval: config.ProbeInterval,
		timeout:       config.Timeout,
		stopCh:        make(chan struct{}),
	}
}

// Start starts the background loops. A reconnect observed by the monitor starts
// a drain right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.unsubscribe = s.monitor.OnOnline(func(context.Context) {
		s.TriggerDrain(ctx)
	})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.retryLoop(ctx)
	if s.prober != nil && s.probeInterval > 0 {
		s.wg.Add(1)
		go s.probeLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"retry_interval": s.retryInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop stops the loops and waits for runs they started to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	close(s.stopCh)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records an externally observed connectivity change.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.monitor.SetOnline(isOnline)
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.TriggerSync(ctx)
		}
	}
}

// retryLoop drains while changes are pending, so entries kept after a
// transient failure are retried without user action.
func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() || s.outbox.Len() == 0 {
				continue
			}
			s.TriggerDrain(ctx)
		}
	}
}

func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Probe pings the server once and feeds the result to the monitor.
func (s *Scheduler) Probe(ctx context.Context) bool {
	if s.prober == nil {
		return s.IsOnline()
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
	defer cancel()

	err := s.prober.Ping(probeCtx)
	if err != nil {
		logging.Debug("Server unreachable", map[string]interface{}{"error": err.Error()})
	}
	s.monitor.SetOnline(err == nil)
	return err == nil
}

func (s *Scheduler) probeTimeout() time.Duration {
	if s.probeInterval > 0 && s.probeInterval < 10*time.Second {
		return s.probeInterval
	}
	return 10 * time.Second
}

// TriggerDrain starts a drain in the background.
// Returns false if one is already running or the scheduler is offline.
func (s *Scheduler) TriggerDrain(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	s.mu.Lock()
	if s.drainInProgress {
		s.mu.Unlock()
		return false
	}
	s.drainInProgress = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.drainInProgress = false
			s.mu.Unlock()
		}()
		s.runDrain(ctx)
	}()
	return true
}

func (s *Scheduler) runDrain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.engine.Drain(drainCtx)
	if err != nil {
		logging.ErrorWithCode("Background drain failed", string(errors.ErrSyncFailed), err, nil)
		return
	}
	if result.Coalesced {
		return
	}
	logging.Debug("Background drain finished", map[string]interface{}{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"deferred":  result.Deferred,
	})
}

// TriggerSync starts a full sync in the background.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return false
	}
	s.syncInProgress = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.runSync(ctx, "Periodic sync"); err != nil {
			logging.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
				map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		}
	}()
	return true
}

// SyncNow runs a full sync and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	s.syncInProgress = true
	s.mu.Unlock()

	return s.runSync(ctx, "Manual sync")
}

// runSync expects syncInProgress to be set by the caller and clears it.
func (s *Scheduler) runSync(ctx context.Context, label string) error {
	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info(label+" completed",
		map[string]interface{}{
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
		})
	return nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool
	IsOnline        bool
	LastSyncTime    *time.Time
	SyncInProgress  bool
	DrainInProgress bool
	PendingItems    int
	QueueStats      map[string]int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		SyncInProgress:  s.syncInProgress,
		DrainInProgress: s.drainInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.PendingItems = s.outbox.Len()
	status.QueueStats = s.outbox.GetStats()
	return status
}

// IsOnline returns whether the server is considered reachable.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
