// Package app holds the per-process runtime state of the gateway: the
// active configuration snapshot, the shared upstream client, and the
// machinery for mtime-driven hot reloads.
package app

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"spg/config"
	"spg/transport"
)

// clientCloseGrace is how long a replaced upstream client lingers so
// in-flight requests can drain before its connections are released.
const clientCloseGrace = 5 * time.Second

// App is the runtime state of the gateway. The config and upstream client
// are read lock-free by request handlers; writes happen under reloadMu so
// there is a single writer at any time.
type App struct {
	ConfigPath string
	Logger     *slog.Logger

	cfg    atomic.Pointer[config.SystemConfig]
	client atomic.Pointer[http.Client]

	reloadMu  sync.Mutex
	format    config.Format
	mtime     time.Time
	clientSig transport.Signature

	timerMu      sync.Mutex
	closeTimers  []*time.Timer
	shuttingDown bool
}

// New creates the runtime state at server start: installs the initial
// config, builds the upstream client from the proxy timeouts, and captures
// the on-disk mtime watermark.
func New(configPath string, cfg *config.SystemConfig, format config.Format, logger *slog.Logger) *App {
	a := &App{
		ConfigPath: configPath,
		Logger:     logger,
		format:     format,
		clientSig:  transport.SignatureOf(cfg.Proxy.Timeout),
		mtime:      statMtime(configPath),
	}
	a.cfg.Store(cfg)
	a.client.Store(transport.NewClient(cfg.Proxy))
	return a
}

// Config returns the active configuration snapshot. Handlers read it once
// at the top of request handling and keep using that snapshot even if a
// swap happens mid-flight.
func (a *App) Config() *config.SystemConfig {
	return a.cfg.Load()
}

// Client returns the shared upstream client.
func (a *App) Client() *http.Client {
	return a.client.Load()
}

// Format returns the persisted config file format.
func (a *App) Format() config.Format {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	return a.format
}

// Apply installs a new configuration: swaps the config reference, refreshes
// the mtime watermark, and rebuilds the upstream client only when the
// timeout signature changed. The previous client is closed after a grace
// delay so in-flight requests can finish.
func (a *App) Apply(cfg *config.SystemConfig, format config.Format) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()
	a.applyLocked(cfg, format)
}

func (a *App) applyLocked(cfg *config.SystemConfig, format config.Format) {
	if format != "" {
		a.format = format
	}
	a.cfg.Store(cfg)
	a.mtime = statMtime(a.ConfigPath)

	newSig := transport.SignatureOf(cfg.Proxy.Timeout)
	if newSig == a.clientSig {
		return
	}

	old := a.client.Swap(transport.NewClient(cfg.Proxy))
	a.clientSig = newSig
	a.scheduleClose(old)
	a.Logger.Info("Upstream client rebuilt",
		slog.Float64("connect", newSig.Connect),
		slog.Float64("read", newSig.Read),
		slog.Float64("write", newSig.Write),
	)
}

// scheduleClose releases the old client's connections after the grace
// delay. Timers are tracked so shutdown can cancel them; a close requested
// after shutdown happens at once.
func (a *App) scheduleClose(old *http.Client) {
	if old == nil {
		return
	}
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.shuttingDown {
		old.CloseIdleConnections()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(clientCloseGrace, func() {
		old.CloseIdleConnections()
		a.timerMu.Lock()
		for i, t := range a.closeTimers {
			if t == timer {
				a.closeTimers = append(a.closeTimers[:i], a.closeTimers[i+1:]...)
				break
			}
		}
		a.timerMu.Unlock()
	})
	a.closeTimers = append(a.closeTimers, timer)
}

// MaybeReload re-reads the config file when its mtime moved past the
// watermark. The mtime is double-checked under the reload lock so
// concurrent requests trigger at most one reload. A file that fails to
// parse or validate logs a warning and leaves the running state unchanged.
func (a *App) MaybeReload() {
	info, err := os.Stat(a.ConfigPath)
	if err != nil {
		return
	}

	a.reloadMu.Lock()
	watermark := a.mtime
	a.reloadMu.Unlock()
	if !info.ModTime().After(watermark) {
		return
	}

	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	info, err = os.Stat(a.ConfigPath)
	if err != nil || !info.ModTime().After(a.mtime) {
		return
	}

	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			a.Logger.Warn("Config reload rejected", slog.String("error", cfgErr.Reason))
		} else {
			a.Logger.Warn("Config reload failed", slog.Any("error", err))
		}
		return
	}
	_, format, err := config.ReadRaw(a.ConfigPath)
	if err != nil {
		format = a.format
	}

	a.applyLocked(cfg, format)
	a.Logger.Info("Config reloaded from disk", slog.Int("routes", len(cfg.Routes)))
}

// Shutdown cancels pending deferred closes and releases the current
// client's connections.
func (a *App) Shutdown() {
	a.timerMu.Lock()
	a.shuttingDown = true
	timers := a.closeTimers
	a.closeTimers = nil
	a.timerMu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if c := a.client.Load(); c != nil {
		c.CloseIdleConnections()
	}
}

func statMtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
