package docpipe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/chunkpipe/pdfrender"
)

// DefaultScrapingPrompt asks a vision model for a faithful markdown transcript.
const DefaultScrapingPrompt = "A document is given. Please output the entire extracted contents " +
	"from the document in detailed markdown format. Your accuracy is very important. " +
	"Please be careful to not miss any content from the document. Be sure to retain " +
	"headings, tables, and the reading order of the text. Do not output any other text " +
	"besides the markdown."

// DefaultImagePrompt asks a vision model to describe and transcribe an image.
const DefaultImagePrompt = "Describe this image in detail and transcribe any text it contains " +
	"verbatim in markdown."

// Config configures the extraction pipeline.
type Config struct {
	// MaxFileSize is the largest source accepted (default: 100 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// Concurrency bounds parallel work on members, pages and windows (default: 4).
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// MaxDuration bounds transcription and frame sampling (default: 10 min).
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`

	// FrameInterval is the video frame sampling interval and the width of
	// the time window each video chunk spans (default: 10s).
	FrameInterval time.Duration `json:"frame_interval" yaml:"frame_interval"`

	// MinPageChars is the text density under which a PDF page is treated as
	// likely scanned and refined with the vision capability (default: 50).
	MinPageChars int `json:"min_page_chars" yaml:"min_page_chars"`

	// RenderDPI is the resolution of rendered PDF pages (default: 72).
	RenderDPI int `json:"render_dpi" yaml:"render_dpi"`

	// DisablePageRender attaches the largest embedded raster of each PDF
	// page instead of a rendering of the whole page.
	DisablePageRender bool `json:"disable_page_render" yaml:"disable_page_render"`

	// Archive recursion limits.
	MaxArchiveMembers int   `json:"max_archive_members" yaml:"max_archive_members"` // default: 10000
	MaxArchiveBytes   int64 `json:"max_archive_bytes" yaml:"max_archive_bytes"`     // uncompressed, default: 1 GB
	MaxDepth          int   `json:"max_depth" yaml:"max_depth"`                     // nested archives, default: 4

	// MaxPageImages caps images downloaded per web page (default: 20).
	MaxPageImages int `json:"max_page_images" yaml:"max_page_images"`

	// HTTPTimeout is the fetch timeout (default: 30s).
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout"`

	// UserAgent for page, file and image fetches.
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// AllowPrivateURLs lets fetches reach loopback and private addresses.
	AllowPrivateURLs bool `json:"allow_private_urls" yaml:"allow_private_urls"`

	// SyndicationURL is the tweet lookup endpoint.
	SyndicationURL string `json:"syndication_url" yaml:"syndication_url"`

	// ScrapingPrompt is sent with page screenshots and scanned PDF pages.
	ScrapingPrompt string `json:"scraping_prompt" yaml:"scraping_prompt"`

	// ImagePrompt is sent with standalone images.
	ImagePrompt string `json:"image_prompt" yaml:"image_prompt"`

	// PageRenderer rasterizes PDF pages. Default: a process-wide PDFium
	// renderer, unless DisablePageRender is set.
	PageRenderer PageRenderer `json:"-" yaml:"-"`

	HTTPClient *http.Client `json:"-" yaml:"-"`
	Logger     *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 10 * time.Minute
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = 10 * time.Second
	}
	if c.MinPageChars <= 0 {
		c.MinPageChars = 50
	}
	if c.RenderDPI <= 0 {
		c.RenderDPI = pdfrender.DefaultDPI
	}
	if c.PageRenderer == nil && !c.DisablePageRender {
		c.PageRenderer = sharedRenderer()
	}
	if c.MaxArchiveMembers <= 0 {
		c.MaxArchiveMembers = 10000
	}
	if c.MaxArchiveBytes <= 0 {
		c.MaxArchiveBytes = 1 << 30
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 4
	}
	if c.MaxPageImages <= 0 {
		c.MaxPageImages = 20
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; chunkpipe/1.0)"
	}
	if c.SyndicationURL == "" {
		c.SyndicationURL = "https://cdn.syndication.twimg.com/tweet-result"
	}
	if c.ScrapingPrompt == "" {
		c.ScrapingPrompt = DefaultScrapingPrompt
	}
	if c.ImagePrompt == "" {
		c.ImagePrompt = DefaultImagePrompt
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.HTTPTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
