// Command chunkpipe extracts documents, media and web sources into chunks of
// text and images, and serves the same pipeline over HTTP and MCP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/chunkpipe/config"
	"github.com/hazyhaar/chunkpipe/runner"
)

var version = "dev"

// app carries what the subcommands share once the root has loaded the
// configuration.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	run        *runner.Runner
	close      func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := &cobra.Command{
		Use:   "chunkpipe",
		Short: "Extract files, folders and URLs into LLM-ready chunks",
		Long: `chunkpipe turns PDFs, office documents, spreadsheets, notebooks, images,
audio, video, archives, directories, web pages, social posts and code
repositories into ordered chunks of text and images, then splits them with a
chunking policy.

Environment variables:
  OPENAI_API_KEY      key for vision, completion and transcription
  LLM_BASE_URL        OpenAI-compatible endpoint (default: https://api.openai.com/v1)
  EMBED_BASE_URL      embeddings endpoint for the semantic chunker
  GITHUB_TOKEN        token for repository listing
  BROWSER_ENABLED     render web pages with headless Chrome
  CHUNKPIPE_STORE     SQLite file recording runs
  LOG_LEVEL           debug, info, warn or error (default: info)`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.shutdown()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CHUNKPIPE_CONFIG"), "YAML configuration file")

	root.AddCommand(
		extractCmd(a),
		classifyCmd(a),
		kindsCmd(a),
		serveCmd(a),
		mcpCmd(a),
		runsCmd(a),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		a.shutdown()
		os.Exit(1)
	}
}

func (a *app) init() error {
	a.logger = newLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(a.logger)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	r, closeFn, err := cfg.Runner(a.logger)
	if err != nil {
		return err
	}
	a.run = r
	a.close = closeFn
	return nil
}

// shutdown releases the runner's browser and store once.
func (a *app) shutdown() error {
	if a.close == nil {
		return nil
	}
	closeFn := a.close
	a.close = nil
	return closeFn()
}

// newLogger logs JSON to stderr so stdout stays clean for results and the
// stdio MCP transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
