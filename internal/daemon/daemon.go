// Package daemon assembles the sync client: metadata store, remote client,
// sync engine, filesystem watcher, push notifier, and the local control
// plane, run as one supervised unit.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/driveback/driveback/internal/config"
	"github.com/driveback/driveback/internal/engine"
	"github.com/driveback/driveback/internal/httpapi"
	"github.com/driveback/driveback/internal/metadata"
	"github.com/driveback/driveback/internal/remotefs"
	"github.com/driveback/driveback/internal/utils"
	"github.com/driveback/driveback/internal/watcher"
)

type Daemon struct {
	cfg      *config.Config
	store    *metadata.Store
	remote   *remotefs.Client
	engine   *engine.SyncEngine
	watcher  *watcher.Watcher
	notifier *remotefs.Notifier
	control  *httpapi.Server
	lock     *flock.Flock
}

func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := metadata.NewStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	remote, err := remotefs.NewClient(cfg.ServerURL, cfg.APIToken)
	if err != nil {
		return nil, err
	}

	notifier, err := remotefs.NewNotifier(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	eng := engine.New(store, remote, engine.Options{
		RootFolderID:     cfg.RootFolderID,
		ListInterval:     cfg.ListInterval(),
		ConflictInterval: cfg.ConflictInterval(),
	})

	addr, err := controlAddr(cfg.ControlURL)
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		engine:   eng,
		watcher:  watcher.New(cfg.DataDir, watcher.NewIgnoreList(cfg.DataDir)),
		notifier: notifier,
		control:  httpapi.New(addr, eng, store),
		lock:     flock.New(cfg.DatabasePath() + ".lock"),
	}, nil
}

// Run starts all components and blocks until ctx is cancelled or a component
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already syncing %s", d.cfg.DataDir)
	}
	defer d.lock.Unlock()

	if err := utils.EnsureDir(d.cfg.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	if err := d.store.Open(); err != nil {
		return err
	}
	defer d.store.Close()

	d.engine.Start(ctx)
	defer d.engine.Stop()

	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer d.watcher.Stop()

	if err := d.registerExistingOrigins(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.pumpLocalChanges(ctx)
	})
	g.Go(func() error {
		err := d.notifier.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return d.pumpNotifications(ctx)
	})
	g.Go(func() error {
		return d.control.Start(ctx)
	})

	slog.Info("daemon running", "dataDir", d.cfg.DataDir, "server", d.cfg.ServerURL)
	return g.Wait()
}

// registerExistingOrigins queues registration for every top-level directory
// already present under the sync root.
func (d *Daemon) registerExistingOrigins() error {
	entries, err := os.ReadDir(d.cfg.DataDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		origin := entry.Name()
		d.engine.RegisterOrigin(origin, nil)
	}
	return nil
}

func (d *Daemon) pumpLocalChanges(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-d.watcher.Changes():
			if !ok {
				return nil
			}
			d.engine.ApplyLocalChange(change.Change, change.LocalPath,
				change.Metadata, change.Target, nil)
		}
	}
}

func (d *Daemon) pumpNotifications(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-d.notifier.Notifications():
			if !ok {
				return nil
			}
			d.engine.OnNotificationReceived()
		}
	}
}

func controlAddr(controlURL string) (string, error) {
	addr, err := utils.HostPort(controlURL)
	if err != nil {
		return "", fmt.Errorf("control url: %w", err)
	}
	return addr, nil
}
