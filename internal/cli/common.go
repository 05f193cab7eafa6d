package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/backend/cryptsetup"
	"github.com/nace/volmon/internal/backend/udisks"
	"github.com/nace/volmon/internal/monitor"
	"github.com/nace/volmon/internal/mounter"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/secret"
	"github.com/nace/volmon/internal/system"
	"github.com/nace/volmon/internal/ui"
	"github.com/nace/volmon/internal/unlock"
	"github.com/nace/volmon/internal/volume"
)

// Backend names accepted by --backend.
const (
	BackendUDisks     = "udisks"
	BackendCryptsetup = "cryptsetup"
)

const (
	sessionSize     = 64
	pollInterval    = 2 * time.Second
	metricsInterval = 10 * time.Second
	metricsRetain   = time.Minute
)

// ErrSilent is returned by commands that failed in a way the user does not
// need to be told about, such as a dismissed passphrase prompt. main exits
// non-zero without printing it.
var ErrSilent = errors.New("silent failure")

// Options hold the global flag values.
type Options struct {
	Backend    string
	KeyringDB  string
	KeyringKey string
	NoPolkit   bool
	SessionTTL time.Duration

	Verbose bool
	Quiet   bool
	NoColor bool
	Debug   bool
}

// DefaultOptions returns the flag defaults. The keyring lives below the
// user's data directory.
func DefaultOptions() Options {
	dir := filepath.Join(dataHome(), "volmon")
	return Options{
		Backend:    BackendUDisks,
		KeyringDB:  filepath.Join(dir, "keyring.db"),
		KeyringKey: filepath.Join(dir, "keyring.key"),
		SessionTTL: 15 * time.Minute,
	}
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return os.TempDir()
}

// GlobalContext holds shared resources for all commands
type GlobalContext struct {
	Options

	// Logger prints user-facing status lines.
	Logger *ui.Logger
	// Log receives diagnostics from the internal packages.
	Log hclog.Logger
	// Metrics is the in-memory sink behind the global metrics registry.
	Metrics *metrics.InmemSink

	// Connect opens a session; tests replace it.
	Connect func(ctx context.Context) (*Session, error)

	metricsOnce sync.Once
}

// NewGlobalContext creates a new global context
func NewGlobalContext(opts Options) *GlobalContext {
	g := &GlobalContext{}
	g.Apply(opts)
	g.Connect = g.open
	return g
}

// Apply rebuilds the loggers from opts.
func (g *GlobalContext) Apply(opts Options) {
	g.Options = opts
	g.Logger = ui.NewLogger(opts.Verbose, opts.Quiet, opts.NoColor)
	g.Log = ui.NewDiagnostics(opts.Verbose, opts.Debug, opts.NoColor)
}

// EnableMetrics installs the in-memory metrics sink as the global
// registry. It is idempotent.
func (g *GlobalContext) EnableMetrics() (*metrics.InmemSink, error) {
	var err error
	g.metricsOnce.Do(func() {
		sink := metrics.NewInmemSink(metricsInterval, metricsRetain)
		conf := metrics.DefaultConfig("")
		conf.EnableHostname = false
		conf.EnableRuntimeMetrics = false
		if _, err = metrics.NewGlobal(conf, sink); err != nil {
			err = fmt.Errorf("failed to set up metrics: %w", err)
			return
		}
		g.Metrics = sink
	})
	return g.Metrics, err
}

// Session is an open backend with the monitor and engines built on it.
type Session struct {
	Pool     backend.Pool
	Monitor  *monitor.Monitor
	Keyring  *secret.Keyring
	Unlocker *unlock.Engine
	// Loops manages image files; nil unless the cryptsetup backend is used.
	Loops *cryptsetup.Pool

	cleanup *system.CleanupStack
	once    sync.Once
	err     error
}

// NewSession assembles a session over an already open pool. The cleanups
// run on Close in reverse order.
func NewSession(logger hclog.Logger, pool backend.Pool, gate authz.Gate, keyring *secret.Keyring, cleanup *system.CleanupStack) *Session {
	if cleanup == nil {
		cleanup = system.NewCleanupStack()
	}
	unlocker := unlock.NewEngine(logger, keyring, gate)
	return &Session{
		Pool:     pool,
		Keyring:  keyring,
		Unlocker: unlocker,
		Monitor: monitor.New(pool, monitor.Options{
			Logger:   logger,
			Unlocker: unlocker,
			Mounter:  mounter.NewEngine(logger, gate),
		}),
		cleanup: cleanup,
	}
}

// Close cancels pending mounts, waits for keyring writes and releases the
// backend.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.Monitor.Close()
		s.Unlocker.Wait()
		s.err = s.cleanup.Execute()
	})
	return s.err
}

// Resolve finds the volume named by id: an object path, device file (or a
// symlink to one), UUID, label or mount path.
func (s *Session) Resolve(id string) (*volume.Volume, error) {
	if v, ok := s.Monitor.Lookup(id); ok {
		return v, nil
	}
	if resolved, err := filepath.EvalSymlinks(id); err == nil && resolved != id {
		if v, ok := s.Monitor.Lookup(resolved); ok {
			return v, nil
		}
	}
	if abs, err := filepath.Abs(id); err == nil {
		if v, ok := s.Monitor.LookupMountPath(abs); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no volume found matching: %s", id)
}

func (g *GlobalContext) open(ctx context.Context) (*Session, error) {
	cleanup := system.NewCleanupStack()
	success := false
	defer func() {
		if success {
			return
		}
		if err := cleanup.Execute(); err != nil {
			g.Logger.Warning("Cleanup errors occurred: %v", err)
		}
	}()

	keyring := g.openKeyring(cleanup)

	var (
		pool  backend.Pool
		gate  authz.Gate
		loops *cryptsetup.Pool
	)
	switch g.Backend {
	case BackendUDisks:
		conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the system bus: %w", err)
		}
		cleanup.Add(conn.Close)

		p, err := udisks.Open(ctx, conn, g.Log)
		if err != nil {
			return nil, err
		}
		cleanup.Add(p.Close)
		pool = p

		if g.NoPolkit {
			gate = authz.AllowAll()
		} else {
			gate = authz.NewPolkit(conn, g.Log)
		}

	case BackendCryptsetup:
		if err := system.RequireRoot(); err != nil {
			return nil, err
		}
		executor := system.NewExecutor(g.Log)
		if err := executor.CheckDependencies([]string{"cryptsetup", "lsblk", "mount", "losetup", "eject"}); err != nil {
			return nil, err
		}
		p := cryptsetup.NewPool(cryptsetup.Options{Logger: g.Log, Runner: executor})
		if err := p.Refresh(ctx); err != nil {
			return nil, err
		}
		watchCtx, stop := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Watch(watchCtx, pollInterval)
		}()
		cleanup.Add(func() error {
			stop()
			wg.Wait()
			return p.Close()
		})
		pool = p
		loops = p
		// root needs no policy service
		gate = authz.AllowAll()

	default:
		return nil, fmt.Errorf("unknown backend %q (use %s or %s)", g.Backend, BackendUDisks, BackendCryptsetup)
	}

	s := NewSession(g.Log, pool, gate, keyring, cleanup)
	s.Loops = loops
	success = true
	return s, nil
}

// openKeyring builds the session tier and, when configured, the permanent
// tier. A permanent store that cannot be opened is skipped with a warning.
func (g *GlobalContext) openKeyring(cleanup *system.CleanupStack) *secret.Keyring {
	session := secret.NewSessionStore(sessionSize, g.SessionTTL)
	cleanup.Add(func() error {
		session.Purge()
		return nil
	})

	if g.KeyringDB == "" || g.KeyringDB == "none" {
		return secret.NewKeyring(g.Log, session, nil)
	}
	if err := os.MkdirAll(filepath.Dir(g.KeyringDB), 0700); err != nil {
		g.Logger.Warning("Saved passphrases unavailable: %v", err)
		return secret.NewKeyring(g.Log, session, nil)
	}
	store, err := secret.OpenBoltStore(g.KeyringDB, g.KeyringKey, true)
	if err != nil {
		g.Logger.Warning("Saved passphrases unavailable: %v", err)
		return secret.NewKeyring(g.Log, session, nil)
	}
	cleanup.Add(store.Close)
	return secret.NewKeyring(g.Log, session, store)
}

// Report prints err unless it is silent and returns what the command
// should return.
func (g *GlobalContext) Report(err error) error {
	if err == nil {
		return nil
	}
	if mounterr.IsSilent(err) {
		g.Logger.Debug("%v", err)
		return ErrSilent
	}
	return err
}
