// Package capability defines the optional external collaborators consulted by
// the extraction pipeline and the chunkers: vision model, transcription,
// embeddings, browser rendering, repository access, text completion, video
// frame sampling and media download.
//
// Capabilities travel as an explicit Set value. A nil field means the
// capability is absent; callers check Has before branching and fall back to
// a capability-free path.
package capability

import (
	"context"
	"image"
	"sort"
	"time"
)

// Name identifies a capability.
type Name string

const (
	Vision      Name = "vision"
	Transcribe  Name = "transcription"
	Embedding   Name = "embedding"
	Browser     Name = "browser"
	Repository  Name = "repository"
	Completion  Name = "completion"
	Frames      Name = "frames"
	MediaSource Name = "media"
)

// Describer turns an image and a prompt into text.
type Describer interface {
	Describe(ctx context.Context, img image.Image, prompt string) (string, error)
}

// Segment is one timed transcript span, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the result of a transcription call.
type Transcript struct {
	Text     string    `json:"text"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments,omitempty"`
}

// Transcriber transcribes audio or video bytes. Media longer than maxDuration
// is truncated to it.
type Transcriber interface {
	Transcribe(ctx context.Context, name string, data []byte, maxDuration time.Duration) (Transcript, error)
}

// Embedder computes embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Rendering is the output of a browser render.
type Rendering struct {
	URL        string
	Screenshot image.Image
	HTML       string
	Text       string
}

// Renderer renders a URL in a browser.
type Renderer interface {
	Render(ctx context.Context, url string) (Rendering, error)
}

// File is one file of a repository listing.
type File struct {
	Path string
	Data []byte
}

// RepoLister lists the files of a code repository.
type RepoLister interface {
	ListFiles(ctx context.Context, repoURL, token string) ([]File, error)
}

// Completer answers a prompt with text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Frame is a video frame sampled at a timestamp.
type Frame struct {
	At    time.Duration
	Image image.Image
}

// FrameSampler samples frames every interval, up to maxDuration.
type FrameSampler interface {
	Sample(ctx context.Context, name string, data []byte, interval, maxDuration time.Duration) ([]Frame, error)
}

// MediaFetcher downloads media from a hosting page URL (video hosts).
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (name string, data []byte, err error)
}

// Set is the collection of capabilities made available by the caller.
type Set struct {
	Vision      Describer
	Transcriber Transcriber
	Embedder    Embedder
	Renderer    Renderer
	Repo        RepoLister
	RepoToken   string
	Completer   Completer
	Frames      FrameSampler
	Media       MediaFetcher
}

// Has reports whether capability n is present.
func (s Set) Has(n Name) bool {
	switch n {
	case Vision:
		return s.Vision != nil
	case Transcribe:
		return s.Transcriber != nil
	case Embedding:
		return s.Embedder != nil
	case Browser:
		return s.Renderer != nil
	case Repository:
		return s.Repo != nil
	case Completion:
		return s.Completer != nil
	case Frames:
		return s.Frames != nil
	case MediaSource:
		return s.Media != nil
	}
	return false
}

// Require returns an UnavailableError when n is absent.
func (s Set) Require(n Name) error {
	if !s.Has(n) {
		return &UnavailableError{Capability: n}
	}
	return nil
}

// Only returns a copy of s restricted to the named capabilities.
func (s Set) Only(names ...Name) Set {
	keep := make(map[Name]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	var out Set
	if keep[Vision] {
		out.Vision = s.Vision
	}
	if keep[Transcribe] {
		out.Transcriber = s.Transcriber
	}
	if keep[Embedding] {
		out.Embedder = s.Embedder
	}
	if keep[Browser] {
		out.Renderer = s.Renderer
	}
	if keep[Repository] {
		out.Repo = s.Repo
		out.RepoToken = s.RepoToken
	}
	if keep[Completion] {
		out.Completer = s.Completer
	}
	if keep[Frames] {
		out.Frames = s.Frames
	}
	if keep[MediaSource] {
		out.Media = s.Media
	}
	return out
}

// Available lists the present capabilities, sorted by name.
func (s Set) Available() []Name {
	var out []Name
	for _, n := range []Name{Vision, Transcribe, Embedding, Browser, Repository, Completion, Frames, MediaSource} {
		if s.Has(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
