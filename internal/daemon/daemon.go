// Package daemon wires the store, queue manager, worker and RPC server into
// the long-running spackq process. One daemon per machine: a lock file keeps
// a second instance from starting, and the worker's heartbeat record guards
// against a stale lock surviving a crash.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/hpcops/spackq/internal/lock"
	"github.com/hpcops/spackq/internal/logging"
	"github.com/hpcops/spackq/internal/model"
	"github.com/hpcops/spackq/internal/queue"
	"github.com/hpcops/spackq/internal/rpc"
	"github.com/hpcops/spackq/internal/store"
	"github.com/hpcops/spackq/internal/worker"
)

// shutdownDrainTimeout bounds how long open RPC connections may delay exit.
const shutdownDrainTimeout = 5 * time.Second

type Daemon struct {
	cfg model.Config
	log *logging.Logger

	flock   *lock.FileLock
	store   store.Store
	mgr     *queue.Manager
	wk      *worker.Worker
	srv     *rpc.Server
	watcher *fsnotify.Watcher

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

func New(cfg model.Config, log *logging.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log}
}

// lockPath returns where the single-instance lock file lives, next to
// whichever resource the daemon owns.
func (d *Daemon) lockPath() string {
	if d.cfg.Database.Type == model.DatabaseTypeJSON || d.cfg.Database.Type == "" {
		return d.cfg.Database.Path + ".daemon.lock"
	}
	if d.cfg.Server.UseUnixSocket {
		return d.cfg.Server.SocketPath + ".lock"
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("spackq-%d.lock", d.cfg.Server.Port))
}

// Run starts everything and blocks until a shutdown signal arrives or a
// component fails. A second signal during shutdown exits immediately.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		d.cleanup()
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	groupErr := make(chan error, 1)
	go func() { groupErr <- d.group.Wait() }()

	var runErr error
	select {
	case sig := <-sigCh:
		d.log.Infof("received %s, shutting down", sig)
		go func() {
			s := <-sigCh
			d.log.Errorf("received %s during shutdown, exiting now", s)
			os.Exit(1)
		}()
		d.Shutdown()
		runErr = <-groupErr
	case runErr = <-groupErr:
		if runErr != nil {
			d.log.Errorf("daemon stopping: %v", runErr)
		}
		d.Shutdown()
	}

	d.cleanup()
	d.log.Infof("daemon stopped")
	return runErr
}

func (d *Daemon) start() error {
	d.flock = lock.NewFileLock(d.lockPath())
	if err := d.flock.TryLock(); err != nil {
		return fmt.Errorf("another daemon appears to be running: %w", err)
	}

	st, err := store.Open(d.cfg.Database, store.Options{
		MaxRetries:     d.cfg.Retry.MaxRetries,
		RetryBaseDelay: d.cfg.Retry.BaseDelaySec,
		RetryBackoff:   d.cfg.Retry.BackoffFactor,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.mgr = queue.NewManager(st, queue.OSIdentity{})
	d.wk = worker.New(d.mgr, st, d.cfg, nil, d.log.WithComponent("worker"))
	d.srv = rpc.NewServer(d.cfg.Server, d.log.WithComponent("rpc"))
	d.registerHandlers()

	if err := d.srv.Start(); err != nil {
		return err
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.group, d.ctx = errgroup.WithContext(d.ctx)

	d.group.Go(func() error { return d.wk.Run(d.ctx) })
	d.group.Go(func() error { return d.wk.RetryLoop(d.ctx) })

	if fs, ok := st.(*store.FileStore); ok {
		if err := d.watchStateFile(fs.Path()); err != nil {
			d.log.Warnf("state file watch unavailable, relying on polling: %v", err)
		}
	}

	return nil
}

// watchStateFile wakes the worker when another process changes the shared
// state file. The watch sits on the directory because atomic writes replace
// the file by rename.
func (d *Daemon) watchStateFile(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	d.watcher = watcher

	d.group.Go(func() error {
		for {
			select {
			case <-d.ctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Name == path && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					d.wk.Wake()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				d.log.Errorf("state file watch: %v", err)
			}
		}
	})
	return nil
}

// Shutdown stops accepting work and cancels the loops. Safe to call more
// than once.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.srv != nil {
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
			defer cancel()
			if err := d.srv.Stop(drainCtx); err != nil {
				d.log.Errorf("stop server: %v", err)
			}
		}
	})
}

func (d *Daemon) cleanup() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Errorf("close store: %v", err)
		}
		d.store = nil
	}
	if d.flock != nil {
		_ = d.flock.Unlock()
		d.flock = nil
	}
}
