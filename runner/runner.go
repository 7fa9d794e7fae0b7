// Package runner chains the pipeline stages for one source: extraction,
// chunking, then optionally message conversion and storage. The HTTP, MCP
// and CLI surfaces all go through Runner.Run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/chunker"
	"github.com/hazyhaar/chunkpipe/docpipe"
	"github.com/hazyhaar/chunkpipe/message"
	"github.com/hazyhaar/chunkpipe/store"
)

// Request describes one run. Zero fields take the Runner defaults.
type Request struct {
	Source string `json:"source"`
	// Data is the source content for uploads; Source then only names it.
	Data []byte `json:"-"`

	Chunker   string          `json:"chunker,omitempty"`
	Max       int             `json:"max,omitempty"`
	Measure   chunker.Measure `json:"measure,omitempty"`
	Keywords  []string        `json:"keywords,omitempty"`
	Separator string          `json:"separator,omitempty"`

	Include  []string `json:"include,omitempty"`
	TextOnly bool     `json:"text_only,omitempty"`

	// Messages returns chat messages instead of chunks.
	Messages      bool `json:"messages,omitempty"`
	IncludePaths  bool `json:"include_paths,omitempty"`
	MaxResolution int  `json:"max_resolution,omitempty"`

	// Store persists the run when the Runner has a store.
	Store bool `json:"store,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	Source   string            `json:"source"`
	Kind     chunk.Kind        `json:"kind"`
	Policy   chunker.Policy    `json:"policy"`
	RunID    string            `json:"run_id,omitempty"`
	Tokens   int               `json:"tokens"`
	Chunks   []chunk.Chunk     `json:"chunks,omitempty"`
	Messages []message.Message `json:"messages,omitempty"`
}

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("runner: invalid request")
	// ErrNoStore is returned when a request asks for storage and no store
	// is configured.
	ErrNoStore = errors.New("runner: no store configured")
)

// Runner holds the long-lived collaborators of a run.
type Runner struct {
	Pipeline *docpipe.Pipeline
	Caps     capability.Set
	// Store is optional.
	Store *store.Store

	// Policy and Options are the chunker defaults.
	Policy  chunker.Policy
	Options chunker.Options
	// Message holds the message adapter defaults.
	Message message.Options

	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run extracts req.Source, applies the chunker and builds the result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if req.Store && r.Store == nil {
		return nil, ErrNoStore
	}
	policy := r.Policy
	if req.Chunker != "" {
		p, err := chunker.ParsePolicy(req.Chunker)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		policy = p
	}
	if policy == "" {
		policy = chunker.PolicyPage
	}

	start := time.Now()
	src := docpipe.Source{Path: req.Source, Data: req.Data}
	kind, err := r.Pipeline.Classify(src)
	if err != nil {
		return nil, err
	}
	raw, err := r.Pipeline.Extract(ctx, src, r.Caps, docpipe.Options{Include: req.Include, TextOnly: req.TextOnly})
	if err != nil {
		return nil, err
	}
	chunks, err := chunker.Apply(ctx, policy, raw, r.Caps, r.options(req))
	if err != nil {
		return nil, fmt.Errorf("runner: chunk %s: %w", req.Source, err)
	}

	res := &Result{Source: req.Source, Kind: kind, Policy: policy}
	if req.Messages {
		mo := r.Message
		mo.TextOnly = mo.TextOnly || req.TextOnly
		mo.IncludePaths = mo.IncludePaths || req.IncludePaths
		if req.MaxResolution > 0 {
			mo.MaxResolution = req.MaxResolution
		}
		msgs, err := message.ToMessages(chunks, mo)
		if err != nil {
			return nil, err
		}
		res.Messages = msgs
		res.Tokens = message.CountTokens(msgs)
	} else {
		res.Chunks = chunks
		for _, c := range chunks {
			res.Tokens += c.Tokens()
		}
	}

	if req.Store {
		run, err := r.Store.SaveRun(ctx, req.Source, kind, string(policy), chunks)
		if err != nil {
			return nil, err
		}
		res.RunID = run.ID
	}

	r.logger().Info("run complete",
		"source", req.Source,
		"kind", kind,
		"policy", policy,
		"raw_chunks", len(raw),
		"chunks", len(chunks),
		"tokens", res.Tokens,
		"duration", time.Since(start))
	return res, nil
}

// options overlays the request's chunker parameters on the defaults.
func (r *Runner) options(req Request) chunker.Options {
	o := r.Options
	if req.Max > 0 {
		o.Max = req.Max
	}
	if req.Measure != "" {
		o.Measure = req.Measure
	}
	if len(req.Keywords) > 0 {
		o.Keywords = req.Keywords
	}
	if req.Separator != "" {
		o.Separator = req.Separator
	}
	return o
}
