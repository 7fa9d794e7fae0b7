// Package config loads the chunkpipe configuration and builds the
// capability set from it.
//
// Loading order, later sources winning:
//  1. built-in defaults
//  2. YAML file (optional)
//  3. .env file in the working directory (optional)
//  4. environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chunkpipe/browser"
	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunker"
	"github.com/hazyhaar/chunkpipe/docpipe"
	"github.com/hazyhaar/chunkpipe/embed"
	"github.com/hazyhaar/chunkpipe/ffmpeg"
	"github.com/hazyhaar/chunkpipe/llm"
	"github.com/hazyhaar/chunkpipe/message"
	"github.com/hazyhaar/chunkpipe/runner"
	"github.com/hazyhaar/chunkpipe/server"
	"github.com/hazyhaar/chunkpipe/store"
)

// Config is the full configuration.
type Config struct {
	Pipeline docpipe.Config         `json:"pipeline" yaml:"pipeline"`
	Chunker  ChunkerConfig          `json:"chunker" yaml:"chunker"`
	Message  MessageConfig          `json:"message" yaml:"message"`
	LLM      LLMConfig              `json:"llm" yaml:"llm"`
	Embed    embed.Config           `json:"embed" yaml:"embed"`
	Browser  browser.Config         `json:"browser" yaml:"browser"`
	Media    ffmpeg.Config          `json:"media" yaml:"media"`
	Guard    capability.GuardConfig `json:"guard" yaml:"guard"`
	Store    StoreConfig            `json:"store" yaml:"store"`
	Server   server.Config          `json:"server" yaml:"server"`
	GitHub   GitHubConfig           `json:"github" yaml:"github"`
}

// ChunkerConfig selects the default chunking policy.
type ChunkerConfig struct {
	Policy  string          `json:"policy" yaml:"policy" env:"CHUNKPIPE_CHUNKER"`
	Options chunker.Options `json:"options" yaml:"options"`
}

// MessageConfig holds the message adapter defaults.
type MessageConfig struct {
	IncludePaths  bool `json:"include_paths" yaml:"include_paths"`
	MaxResolution int  `json:"max_resolution" yaml:"max_resolution"`
}

// LLMConfig configures the OpenAI-compatible client and which capabilities
// it serves.
type LLMConfig struct {
	llm.Config `yaml:",inline"`

	DisableVision        bool `json:"disable_vision" yaml:"disable_vision"`
	DisableCompletion    bool `json:"disable_completion" yaml:"disable_completion"`
	DisableTranscription bool `json:"disable_transcription" yaml:"disable_transcription"`
}

// StoreConfig configures the chunk store. An empty path disables it.
type StoreConfig struct {
	Path string `json:"path" yaml:"path" env:"CHUNKPIPE_STORE"`
}

// GitHubConfig configures repository access.
type GitHubConfig struct {
	APIURL string `json:"api_url" yaml:"api_url" env:"GITHUB_API_URL"`
	Token  string `json:"-" yaml:"token" env:"GITHUB_TOKEN"`
}

// Default returns the built-in defaults. Component-level defaults (timeouts,
// limits) are applied by each component's constructor.
func Default() *Config {
	return &Config{
		Chunker: ChunkerConfig{Policy: string(chunker.PolicyPage)},
		Message: MessageConfig{MaxResolution: 2048},
		Server:  server.Config{Addr: ":8080"},
		GitHub:  GitHubConfig{APIURL: "https://api.github.com"},
	}
}

// Load reads the YAML file at path (skipped when path is empty), then the
// .env file, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values the components cannot default.
func (c *Config) Validate() error {
	if _, err := chunker.ParsePolicy(c.Chunker.Policy); err != nil {
		return err
	}
	switch c.Chunker.Options.Measure {
	case "", chunker.MeasureChars, chunker.MeasureTokens:
	default:
		return fmt.Errorf("chunker.options.measure: unsupported %q (use chars or tokens)", c.Chunker.Options.Measure)
	}
	if c.Pipeline.Concurrency < 0 {
		return fmt.Errorf("pipeline.concurrency must be >= 0")
	}
	if c.Message.MaxResolution < 0 {
		return fmt.Errorf("message.max_resolution must be >= 0")
	}
	return nil
}

// Capabilities builds the capability set described by the configuration,
// wrapped in a Guard. The returned close function releases the browser.
func (c *Config) Capabilities(logger *slog.Logger) (capability.Set, func() error) {
	if logger == nil {
		logger = slog.Default()
	}
	var set capability.Set
	closer := func() error { return nil }

	if c.LLM.APIKey != "" || c.LLM.BaseURL != "" {
		lc := c.LLM.Config
		lc.Logger = logger
		client := llm.New(lc)
		if !c.LLM.DisableVision {
			set.Vision = client
		}
		if !c.LLM.DisableCompletion {
			set.Completer = client
		}
		if !c.LLM.DisableTranscription {
			set.Transcriber = client
		}
	}
	if c.Embed.APIKey != "" || c.Embed.BaseURL != "" {
		ec := c.Embed
		ec.Logger = logger
		set.Embedder = embed.New(ec)
	}
	if c.Browser.Enabled {
		bc := c.Browser
		bc.Logger = logger
		r := browser.NewRenderer(bc)
		set.Renderer = r
		closer = r.Close
	}

	mc := c.Media
	mc.Logger = logger
	if s := ffmpeg.NewSampler(mc); s != nil {
		set.Frames = s
	}
	if d := ffmpeg.NewDownloader(mc); d != nil {
		set.Media = d
	}

	set.Repo = docpipe.NewGitHubLister(c.GitHub.APIURL, nil, logger)
	set.RepoToken = c.GitHub.Token

	gc := c.Guard
	gc.Logger = logger
	set = set.Guarded(capability.NewGuard(gc))

	logger.Debug("capabilities configured", "available", set.Available())
	return set, closer
}

// Runner wires the pipeline, capabilities and optional store into a Runner.
// The returned close function releases the browser and the store.
func (c *Config) Runner(logger *slog.Logger) (*runner.Runner, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc := c.Pipeline
	pc.Logger = logger
	caps, closeCaps := c.Capabilities(logger)

	r := &runner.Runner{
		Pipeline: docpipe.New(pc),
		Caps:     caps,
		Policy:   chunker.Policy(c.Chunker.Policy),
		Options:  c.Chunker.Options,
		Message: message.Options{
			IncludePaths:  c.Message.IncludePaths,
			MaxResolution: c.Message.MaxResolution,
		},
		Logger: logger,
	}
	if c.Store.Path == "" {
		return r, closeCaps, nil
	}
	st, err := store.Open(c.Store.Path, store.WithLogger(logger))
	if err != nil {
		closeCaps()
		return nil, nil, err
	}
	r.Store = st
	return r, func() error {
		return errors.Join(closeCaps(), st.Close())
	}, nil
}
