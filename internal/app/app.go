// Package app assembles the client runtime from a Config: the persisted store,
// the outbox, the sync engine and the calling-layer service.
package app

import (
	"context"
	"fmt"

	"github.com/kimhsiao/offlinesync/internal/auth"
	"github.com/kimhsiao/offlinesync/internal/client"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/crypto"
	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/remote"
	"github.com/kimhsiao/offlinesync/internal/store"
	syncengine "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/objectstore"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// App is a running client.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Outbox  *queue.Outbox
	Remote  remote.Client
	Engine  *syncengine.SyncEngine
	Monitor *connectivity.Monitor
	Service *client.Service

	scheduler *scheduler.Scheduler
	closers   []func() error
}

// Option adjusts how Open builds the runtime.
type Option func(*openOptions)

type openOptions struct {
	remote    remote.Client
	persister store.Persister
}

// WithRemote replaces the HTTP client built from the config.
func WithRemote(c remote.Client) Option {
	return func(o *openOptions) { o.remote = c }
}

// WithPersister replaces the persister selected by storage.backend.
func WithPersister(p store.Persister) Option {
	return func(o *openOptions) { o.persister = p }
}

// Open loads the store and wires the engine for cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	persister := o.persister
	if persister == nil {
		var err error
		persister, err = a.openPersister(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.Storage.EncryptionKey != "" {
		sealed, err := crypto.NewPersister(persister, cfg.Storage.EncryptionKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to set up storage encryption: %w", err)
		}
		persister = sealed
	}

	s, err := store.Open(ctx, persister)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a.Store = s

	policy := queue.CollapseOnDelete
	if !cfg.Sync.CollapseDeletes {
		policy = queue.KeepAll
	}
	a.Outbox = queue.New(s, queue.WithPolicy(policy))

	a.Remote = o.remote
	if a.Remote == nil {
		a.Remote = remote.NewHTTPClient(cfg.Server.BaseURL, remote.WithTimeout(cfg.Server.Timeout))
	}

	tokens := auth.NewTokenSource(cfg.Auth.Token, cfg.Auth.TokenFile)
	resolver := conflict.NewResolver(conflict.ParseStrategy(cfg.Sync.ConflictStrategy))
	a.Engine = syncengine.NewSyncEngine(s, a.Outbox, a.Remote, resolver, syncengine.Options{
		BatchSize:   cfg.Sync.BatchSize,
		TokenSource: tokens,
	})

	a.Monitor = connectivity.New(s.Values().IsOnline)
	unbind, err := a.Monitor.BindStore(s)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to bind connectivity: %w", err)
	}
	a.closers = append(a.closers, func() error {
		unbind()
		a.Monitor.Close()
		return nil
	})

	a.Service = client.NewService(s, a.Outbox, client.Options{
		TokenSource: tokens,
		Monitor:     a.Monitor,
		Trigger:     a,
	})

	logging.Info("Client opened", map[string]interface{}{
		"backend":   cfg.Storage.Backend,
		"encrypted": cfg.Storage.EncryptionKey != "",
		"pending":   a.Outbox.Len(),
		"discarded": s.Discarded(),
	})
	return a, nil
}

func (a *App) openPersister(ctx context.Context) (store.Persister, error) {
	st := a.Config.Storage
	switch st.Backend {
	case config.BackendFile:
		return store.NewFilePersister(st.Path)
	case config.BackendSQLite:
		database, err := db.Open(st.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		return db.NewStateRepository(database, ""), nil
	case config.BackendS3:
		return objectstore.New(ctx, st.S3)
	case config.BackendMemory:
		return store.NewMemoryPersister(nil), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
}

// StartScheduler runs background drains, periodic syncs and reachability probes
// until StopScheduler. Mutations made through Service are then drained in the
// background instead of inline.
func (a *App) StartScheduler(ctx context.Context) *scheduler.Scheduler {
	cfg := a.Config.Sync
	a.scheduler = scheduler.NewScheduler(a.Engine, a.Outbox, a.Monitor, a.Remote, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Interval,
		RetryInterval: cfg.RetryInterval,
		ProbeInterval: cfg.ProbeInterval,
	})
	a.scheduler.Start(ctx)
	return a.scheduler
}

// TriggerDrain implements client.Trigger. Without a scheduler the drain runs
// before returning, so a one-shot command leaves nothing half sent.
func (a *App) TriggerDrain(ctx context.Context) bool {
	if a.scheduler != nil {
		return a.scheduler.TriggerDrain(ctx)
	}
	if _, err := a.Engine.Drain(ctx); err != nil {
		logging.Warn("Drain failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// GoOnline probes the server and, when it answers, marks the device online.
// Queued changes are drained by the reconnect handler.
func (a *App) GoOnline(ctx context.Context) error {
	if err := a.Remote.Ping(ctx); err != nil {
		a.Monitor.SetOnline(false)
		return fmt.Errorf("server unreachable: %w", err)
	}
	if a.scheduler == nil {
		unsubscribe := a.Monitor.OnOnline(func(ctx context.Context) { a.TriggerDrain(ctx) })
		defer unsubscribe()
	}
	a.Monitor.SetOnline(true)
	a.Monitor.Wait()
	return nil
}

// GoOffline marks the device offline. In-flight calls still settle.
func (a *App) GoOffline() {
	a.Monitor.SetOnline(false)
}

// Close stops the scheduler and releases storage.
func (a *App) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
