// Package pdfrender rasterizes PDF pages with PDFium compiled to
// WebAssembly, so rendering needs neither cgo nor a system library.
package pdfrender

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
)

// DefaultDPI renders one pixel per PDF point.
const DefaultDPI = 72

// ErrClosed is returned by RenderPages after Close.
var ErrClosed = errors.New("pdfrender: renderer closed")

// Config sizes the PDFium instance pool.
type Config struct {
	// Instances is the number of WebAssembly PDFium instances. Default: 2.
	Instances int `json:"instances" yaml:"instances"`
	// Wait bounds how long a render waits for a free instance. Default: 30s.
	Wait time.Duration `json:"wait" yaml:"wait"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Instances <= 0 {
		c.Instances = 2
	}
	if c.Wait <= 0 {
		c.Wait = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer renders whole documents. The instance pool starts on first use;
// compiling the PDFium module takes a moment.
type Renderer struct {
	cfg  Config
	once sync.Once
	pool pdfium.Pool
	err  error
}

// New returns a Renderer. It does not start PDFium.
func New(cfg Config) *Renderer {
	cfg.defaults()
	return &Renderer{cfg: cfg}
}

func (r *Renderer) start() error {
	r.once.Do(func() {
		t0 := time.Now()
		r.pool, r.err = webassembly.Init(webassembly.Config{
			MinIdle:  1,
			MaxIdle:  r.cfg.Instances,
			MaxTotal: r.cfg.Instances,
		})
		if r.err != nil {
			r.err = fmt.Errorf("pdfrender: start pdfium: %w", r.err)
			return
		}
		r.cfg.Logger.Debug("pdfium started", "instances", r.cfg.Instances, "elapsed", time.Since(t0))
	})
	return r.err
}

// RenderPages renders every page of the document at dpi. A page that fails
// to render is left nil; a document that fails to open is an error.
func (r *Renderer) RenderPages(ctx context.Context, data []byte, dpi int) ([]image.Image, error) {
	if err := r.start(); err != nil {
		return nil, err
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	inst, err := r.pool.GetInstance(r.cfg.Wait)
	if err != nil {
		return nil, fmt.Errorf("pdfrender: instance: %w", err)
	}
	defer inst.Close()

	doc, err := inst.OpenDocument(&requests.OpenDocument{File: &data})
	if err != nil {
		return nil, fmt.Errorf("pdfrender: open: %w", err)
	}
	defer inst.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})

	count, err := inst.FPDF_GetPageCount(&requests.FPDF_GetPageCount{Document: doc.Document})
	if err != nil {
		return nil, fmt.Errorf("pdfrender: page count: %w", err)
	}

	pages := make([]image.Image, count.PageCount)
	for i := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := inst.RenderPageInDPI(&requests.RenderPageInDPI{
			DPI: dpi,
			Page: requests.Page{
				ByIndex: &requests.PageByIndex{Document: doc.Document, Index: i},
			},
		})
		if err != nil {
			r.cfg.Logger.Debug("pdf page render failed", "page", i+1, "error", err)
			continue
		}
		pages[i] = cloneRGBA(res.Result.Image)
		res.Cleanup()
	}
	return pages, nil
}

// Close stops the instance pool.
func (r *Renderer) Close() error {
	r.once.Do(func() { r.err = ErrClosed })
	if r.pool == nil {
		return nil
	}
	err := r.pool.Close()
	r.pool = nil
	r.err = ErrClosed
	return err
}

// cloneRGBA copies the bitmap out of PDFium-owned memory before Cleanup
// releases it.
func cloneRGBA(src *image.RGBA) image.Image {
	if src == nil {
		return nil
	}
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst
}
