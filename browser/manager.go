// Package browser renders web pages in headless Chrome through Rod. The
// Renderer implements capability.Renderer for the webpage strategy: it
// returns a full-page screenshot, the rendered HTML and the visible text.
//
// Chrome is launched lazily on the first render, recycled after a fixed
// lifetime and relaunched transparently after a crash.
package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser.
type Config struct {
	// Enabled turns the renderer on. Chrome is never launched otherwise.
	Enabled bool `json:"enabled" yaml:"enabled" env:"BROWSER_ENABLED"`

	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string `json:"remote_url" yaml:"remote_url" env:"BROWSER_REMOTE_URL"`

	// Bin is the Chrome binary. Empty = launcher lookup or download.
	Bin string `json:"bin" yaml:"bin" env:"BROWSER_BIN"`

	// DisableStealth skips the go-rod/stealth evasions applied to every page.
	DisableStealth bool `json:"disable_stealth" yaml:"disable_stealth"`

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 1h.
	RecycleInterval time.Duration `json:"recycle_interval" yaml:"recycle_interval"`

	// NavigateTimeout bounds navigation and load. Default: 30s.
	NavigateTimeout time.Duration `json:"navigate_timeout" yaml:"navigate_timeout"`

	// IdleTimeout is how long to wait for network idle after load. Default: 2s.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// Width and Height of the viewport. Default: 1280x800.
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`

	// ResourceBlocking lists resource types to block (fonts, media, stylesheets).
	ResourceBlocking []string `json:"resource_blocking" yaml:"resource_blocking"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = time.Hour
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Second
	}
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 800
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("browser: closed")

// Manager owns the Chrome process.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewManager creates a Manager. Chrome starts on the first Browser call.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Browser returns a connected browser, launching or recycling Chrome as
// needed.
func (m *Manager) Browser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.browser != nil && time.Since(m.startAt) > m.cfg.RecycleInterval {
		m.cfg.Logger.Info("browser: recycle interval reached", "uptime", time.Since(m.startAt))
		m.cleanup()
	}
	if m.browser != nil {
		return m.browser, nil
	}
	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()
	return b, nil
}

// Reset drops the current Chrome process; the next Browser call relaunches.
// Called after a render failure that may come from a crashed browser.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup()
}

// Close shuts down Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage")
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// Available reports whether a browser can be used: a remote URL is set or
// a local Chrome binary is found.
func Available(cfg Config) bool {
	if cfg.RemoteURL != "" || cfg.Bin != "" {
		return true
	}
	_, ok := launcher.LookPath()
	return ok
}
