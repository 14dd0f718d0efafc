package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/inspectlink/inspectlink/internal/bus"
	"github.com/inspectlink/inspectlink/internal/cipher"
	"github.com/inspectlink/inspectlink/internal/config"
	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/inspector"
	"github.com/inspectlink/inspectlink/internal/logging"
	"github.com/inspectlink/inspectlink/internal/notifications"
	"github.com/inspectlink/inspectlink/internal/persistence"
	"github.com/inspectlink/inspectlink/internal/platform"
	"github.com/inspectlink/inspectlink/internal/transport"
)

// Options overrides parts of the resolved environment, mostly for tests and
// CLI flags.
type Options struct {
	ConfigFile string
	DBFile     string
	LogOutput  io.Writer
	// Notifier replaces the desktop notifier used when crash notifications are enabled.
	Notifier notifications.Sender
}

// Runtime is the wired inspector daemon.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager  *logging.Manager
	Bus         *bus.PubSubBus
	Store       *Store
	WriterQueue *persistence.WriterQueue
	Sessions    *domain.SessionStore
	Cipher      *cipher.Cipher
	Inspector   *inspector.Server

	logger    *slog.Logger
	lockMu    sync.Mutex
	lock      platform.InstanceLock
	closeOnce sync.Once
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	if opts.ConfigFile != "" {
		paths.ConfigFile = opts.ConfigFile
	}
	if opts.DBFile != "" {
		paths.DBFile = opts.DBFile
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", paths.ConfigFile, err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if opts.LogOutput != nil {
		logMgr.SetOutput(opts.LogOutput)
	}
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	rt.logger = logMgr.Logger("app")
	rt.logger.Info("starting inspector runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	c, err := cipher.New(cfg.Security.Passphrase, cipher.Options{ScryptWorkFactor: cfg.Security.ScryptWorkFactor})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	rt.Cipher = c

	store, err := OpenStore(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Store = store

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), 512)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue
	domain.StartPersistenceProjection(ctx, b, writerQueue, store.Records, store.Sessions)

	sessions := domain.NewSessionStore(RecentRecordsLoad)
	if err := domain.LoadSessionStore(ctx, sessions, store.Sessions, store.Records, RecentSessions, RecentRecordsLoad); err != nil {
		rt.logger.Warn("session history not loaded", "error", err)
	}
	sessions.Start(ctx, b)
	rt.Sessions = sessions

	if cfg.Inspector.NotifyCrashes {
		sender := opts.Notifier
		if sender == nil {
			sender = notifications.NewBeeepSender(DaemonName, logMgr.Logger("notifications"))
		}
		notifications.StartCrashNotifier(ctx, b, sender, logMgr.Logger("notifications"))
	}

	srv, err := inspector.NewServer(c, inspector.Options{
		RepositorySignature: cfg.Security.RepositorySignature,
		TokenTTL:            cfg.Inspector.TokenTTL(),
		CompressThreshold:   compressThreshold(cfg.Transmit.CompressThreshold),
		Bus:                 b,
		Logger:              logMgr.Logger("inspector"),
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize inspector: %w", err)
	}
	rt.Inspector = srv

	return rt, nil
}

// compressThreshold maps the config convention (0 disables) onto the codec's
// (negative disables, 0 selects the default).
func compressThreshold(v int) int {
	if v == 0 {
		return -1
	}

	return v
}

// Listen takes the per-address instance lock and opens the configured
// listener. A leftover unix socket from a dead daemon is removed.
func (r *Runtime) Listen() (net.Listener, error) {
	network, address := ListenEndpoint(r.Config.Inspector, r.Paths)

	lock, err := platform.AcquireInstanceLock(DaemonName, address)
	if err != nil && !errors.Is(err, platform.ErrInstanceLockUnsupported) {
		return nil, fmt.Errorf("lock %s: %w", address, err)
	}
	r.setLock(lock)

	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(r.Ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	if network == "unix" {
		if err := os.Chmod(address, 0o600); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("restrict socket permissions: %w", err)
		}
	}

	return ln, nil
}

// Serve runs the inspector on ln until the runtime is closed.
func (r *Runtime) Serve(ln net.Listener) error {
	return r.Inspector.Serve(r.Ctx, ln)
}

// ServeSerial runs a single peer session over a serial line or pty.
func (r *Runtime) ServeSerial(port string, baud int) error {
	if strings.TrimSpace(port) == "" {
		return errors.New("serial port is required")
	}
	lock, err := platform.AcquireInstanceLock(DaemonName, port)
	if err != nil && !errors.Is(err, platform.ErrInstanceLockUnsupported) {
		return fmt.Errorf("lock %s: %w", port, err)
	}
	r.setLock(lock)

	return r.Inspector.ServeTransport(r.Ctx, transport.NewSerialTransport(port, baud))
}

func (r *Runtime) setLock(lock platform.InstanceLock) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if r.lock != nil {
		_ = r.lock.Release()
	}
	r.lock = lock
}

func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.WriterQueue != nil {
			<-r.WriterQueue.Done()
		}
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.Inspector != nil {
			r.Inspector.Close()
		}
		if r.Store != nil {
			_ = r.Store.Close()
		}
		r.setLock(nil)
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})

	return nil
}
