package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// Renderer implements capability.Renderer on top of a Manager.
type Renderer struct {
	mgr *Manager
}

var _ capability.Renderer = (*Renderer)(nil)

// NewRenderer creates a Renderer. Close releases Chrome.
func NewRenderer(cfg Config) *Renderer {
	return &Renderer{mgr: NewManager(cfg)}
}

// Close shuts down the underlying browser.
func (r *Renderer) Close() error { return r.mgr.Close() }

// Render opens url in a fresh tab, waits for load and network idle, and
// returns the full-page screenshot, the serialized DOM and the visible text.
func (r *Renderer) Render(ctx context.Context, url string) (capability.Rendering, error) {
	cfg := r.mgr.cfg
	b, err := r.mgr.Browser()
	if err != nil {
		return capability.Rendering{}, err
	}

	page, err := r.openPage(b)
	if err != nil {
		// A dead browser fails here; relaunch on the next call.
		r.mgr.Reset()
		return capability.Rendering{}, err
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, cfg.NavigateTimeout)
	defer cancel()
	p := page.Context(navCtx)

	start := time.Now()
	if err := p.Navigate(url); err != nil {
		return capability.Rendering{}, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	if err := p.WaitIdle(cfg.IdleTimeout); err != nil {
		cfg.Logger.Debug("browser: network not idle", "url", url, "error", err)
	}

	out := capability.Rendering{URL: url}
	if info, err := p.Info(); err == nil && info.URL != "" {
		out.URL = info.URL
	}
	if out.HTML, err = p.HTML(); err != nil {
		return capability.Rendering{}, fmt.Errorf("browser: html %s: %w", url, err)
	}
	if res, err := p.Eval(`() => document.body ? document.body.innerText : ""`); err == nil {
		out.Text = strings.TrimSpace(res.Value.Str())
	}

	shot, err := p.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		cfg.Logger.Warn("browser: screenshot failed", "url", url, "error", err)
	} else if img, err := chunk.DecodeImage(shot); err == nil {
		out.Screenshot = img
	}

	cfg.Logger.Debug("browser: rendered", "url", out.URL, "html_bytes", len(out.HTML), "duration", time.Since(start))
	return out, nil
}

func (r *Renderer) openPage(b *rod.Browser) (*rod.Page, error) {
	cfg := r.mgr.cfg
	var (
		page *rod.Page
		err  error
	)
	if !cfg.DisableStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: cfg.Width, Height: cfg.Height, DeviceScaleFactor: 1}); err != nil {
		cfg.Logger.Debug("browser: set viewport failed", "error", err)
	}
	if len(cfg.ResourceBlocking) > 0 {
		applyResourceBlocking(page, cfg.ResourceBlocking)
	}
	return page, nil
}
