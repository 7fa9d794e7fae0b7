// Package docpipe turns sources into ordered chunk sequences.
//
// A source is a local path, a URL or an in-memory buffer. The pipeline
// classifies it, routes it to the strategy for its kind and hands that
// strategy only the capabilities it declares:
//
//	webpage          browser, vision
//	pdf              vision
//	word-document    -
//	presentation     -
//	notebook         -
//	spreadsheet      -
//	plaintext        -
//	image            vision
//	audio            transcription
//	video            transcription, frames, media
//	social-post      -
//	code-repository  repository (members get everything)
//	archive          members get everything
//	directory        members get everything
//
// Missing capabilities select a capability-free path; only unsupported,
// oversized or unreadable sources fail.
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{})
//	chunks, err := pipe.Extract(ctx, docpipe.Source{Path: "report.pdf"}, caps, docpipe.Options{})
package docpipe

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/classify"
	"github.com/hazyhaar/chunkpipe/safeio"
)

// Source is one input of the pipeline. When Data is set it is the source
// content and Path only names it.
type Source struct {
	Path string
	Data []byte
}

// Options tune one extraction.
type Options struct {
	// Include restricts directory, archive and repository members to those
	// matching one of these glob patterns (relative path or base name).
	Include []string `json:"include,omitempty"`

	// TextOnly skips image payloads where a textual alternative exists.
	TextOnly bool `json:"text_only,omitempty"`
}

// Pipeline is the extraction dispatcher.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	fetcher *Fetcher
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		fetcher: NewFetcher(
			WithClient(cfg.HTTPClient),
			WithUserAgent(cfg.UserAgent),
			WithMaxBytes(cfg.MaxFileSize),
			WithAllowPrivate(cfg.AllowPrivateURLs),
			WithLogger(cfg.Logger),
		),
	}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Classify returns the kind of src.
func (p *Pipeline) Classify(src Source) (chunk.Kind, error) {
	return classify.Classify(src.Path, src.Data)
}

// input is what a strategy receives.
type input struct {
	path  string
	data  []byte
	depth int
}

type strategy func(ctx context.Context, in input, caps capability.Set, opts Options) ([]chunk.Chunk, error)

// strategyFor returns the strategy for k and the capabilities it uses.
func (p *Pipeline) strategyFor(k chunk.Kind) (strategy, []capability.Name) {
	switch k {
	case chunk.KindWebpage:
		return p.extractWebpage, []capability.Name{capability.Browser, capability.Vision}
	case chunk.KindPDF:
		return p.extractPDF, []capability.Name{capability.Vision}
	case chunk.KindWord:
		return p.extractWord, nil
	case chunk.KindPresentation:
		return p.extractPresentation, nil
	case chunk.KindNotebook:
		return p.extractNotebook, nil
	case chunk.KindSpreadsheet:
		return p.extractSpreadsheet, nil
	case chunk.KindPlaintext:
		return p.extractPlaintext, nil
	case chunk.KindImage:
		return p.extractImage, []capability.Name{capability.Vision}
	case chunk.KindAudio:
		return p.extractAudio, []capability.Name{capability.Transcribe}
	case chunk.KindVideo:
		return p.extractVideo, []capability.Name{capability.Transcribe, capability.Frames, capability.MediaSource}
	case chunk.KindSocialPost:
		return p.extractSocialPost, nil
	case chunk.KindRepository:
		return p.extractRepository, allCapabilities
	case chunk.KindArchive:
		return p.extractArchive, allCapabilities
	case chunk.KindDirectory:
		return p.extractDirectory, allCapabilities
	}
	return nil, nil
}

var allCapabilities = []capability.Name{
	capability.Vision, capability.Transcribe, capability.Embedding, capability.Browser,
	capability.Repository, capability.Completion, capability.Frames, capability.MediaSource,
}

// Extract classifies src, runs the matching strategy and returns its
// non-empty chunks in order.
func (p *Pipeline) Extract(ctx context.Context, src Source, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	return p.extract(ctx, src, caps, opts, 0)
}

func (p *Pipeline) extract(ctx context.Context, src Source, caps capability.Set, opts Options, depth int) ([]chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, err := p.Classify(src)
	if err != nil {
		return nil, err
	}
	run, needs := p.strategyFor(kind)
	if run == nil {
		return nil, &classify.UnsupportedSourceError{Source: src.Path, Reason: fmt.Sprintf("no strategy for %s", kind)}
	}

	in := input{path: src.Path, data: src.Data, depth: depth}
	if in.data == nil {
		if err := p.load(ctx, &in, kind); err != nil {
			return nil, wrapFailure(ctx, src.Path, kind, err)
		}
	}
	if size := int64(len(in.data)); size > p.cfg.MaxFileSize {
		return nil, &SourceTooLargeError{Path: src.Path, Size: size, Limit: p.cfg.MaxFileSize}
	}

	p.logger.Debug("extracting source", "path", src.Path, "kind", kind, "capabilities", caps.Only(needs...).Available())

	chunks, err := run(ctx, in, caps.Only(needs...), opts)
	if err != nil {
		return nil, wrapFailure(ctx, src.Path, kind, err)
	}
	chunks = chunk.Compact(chunks)
	if len(chunks) == 0 && !isContainer(kind) {
		return nil, &ExtractionFailedError{Path: src.Path, Kind: kind, Err: errNoContent}
	}
	return chunks, nil
}

// load reads the bytes of file-like sources. Container kinds and URL kinds
// whose strategy does its own fetching are left alone.
func (p *Pipeline) load(ctx context.Context, in *input, kind chunk.Kind) error {
	switch kind {
	case chunk.KindDirectory, chunk.KindSocialPost, chunk.KindRepository:
		return nil
	}
	if classify.IsURL(in.path) {
		switch kind {
		case chunk.KindWebpage:
			return nil
		case chunk.KindVideo:
			if _, hosted := classify.ByHost(in.path); hosted {
				return nil
			}
		}
		data, err := p.fetcher.Get(ctx, in.path)
		if err != nil {
			return p.sizeError(in.path, err)
		}
		in.data = data
		return nil
	}

	info, err := os.Stat(in.path)
	if err != nil {
		return err
	}
	if info.Size() > p.cfg.MaxFileSize {
		return &SourceTooLargeError{Path: in.path, Size: info.Size(), Limit: p.cfg.MaxFileSize}
	}
	f, err := os.Open(in.path)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := safeio.LimitedReadAll(f, p.cfg.MaxFileSize)
	if err != nil {
		return p.sizeError(in.path, err)
	}
	in.data = data
	return nil
}

func isContainer(k chunk.Kind) bool {
	return k == chunk.KindDirectory || k == chunk.KindArchive || k == chunk.KindRepository
}

// SupportedKinds returns every kind the pipeline can extract.
func (p *Pipeline) SupportedKinds() []chunk.Kind {
	var out []chunk.Kind
	for _, k := range chunk.Kinds() {
		if run, _ := p.strategyFor(k); run != nil {
			out = append(out, k)
		}
	}
	return out
}
