package capability

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"
)

// GuardConfig bounds every capability call.
type GuardConfig struct {
	// Timeout per attempt (default: 60s).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MaxAttempts including the first call (default: 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Backoff before the second attempt, doubled each attempt (default: 500ms).
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
	// BreakerThreshold is the consecutive failures that open a circuit (default: 5).
	BreakerThreshold int `json:"breaker_threshold" yaml:"breaker_threshold"`
	// BreakerReset is how long an open circuit rejects calls (default: 30s).
	BreakerReset time.Duration `json:"breaker_reset" yaml:"breaker_reset"`

	Logger *slog.Logger `json:"-" yaml:"-"`
	// Now is the breaker clock (tests).
	Now func() time.Time `json:"-" yaml:"-"`
}

func (c *GuardConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Guard applies timeout, retry and a per-capability circuit breaker to
// capability calls. It is safe for concurrent use.
type Guard struct {
	cfg      GuardConfig
	mu       sync.Mutex
	breakers map[Name]*Breaker
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	cfg.defaults()
	return &Guard{cfg: cfg, breakers: make(map[Name]*Breaker)}
}

// Breaker returns the circuit for capability n.
func (g *Guard) Breaker(n Name) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[n]
	if !ok {
		b = NewBreaker(g.cfg.BreakerThreshold, g.cfg.BreakerReset, g.cfg.Now)
		g.breakers[n] = b
	}
	return b
}

// Call runs fn under the guard of capability n. Each attempt gets its own
// timeout; once started an attempt is not interrupted before it. Failures
// are wrapped in *CallFailedError.
func Call[T any](ctx context.Context, g *Guard, n Name, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g == nil {
		return fn(ctx)
	}
	b := g.Breaker(n)
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if !b.Allow() {
			lastErr = &CircuitOpenError{Capability: n}
			break
		}
		attempts++
		out, err := callOnce(ctx, g.cfg.Timeout, fn)
		if err == nil {
			b.Success()
			return out, nil
		}
		b.Failure()
		lastErr = err

		if attempt+1 < g.cfg.MaxAttempts {
			wait := g.cfg.Backoff * (1 << uint(attempt))
			g.cfg.Logger.WarnContext(ctx, "retrying capability call",
				"capability", n,
				"attempt", attempt+1,
				"max_attempts", g.cfg.MaxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return zero, &CallFailedError{Capability: n, Attempts: attempts, Err: lastErr}
			case <-time.After(wait):
			}
		}
	}
	return zero, &CallFailedError{Capability: n, Attempts: attempts, Err: lastErr}
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// IsFallback reports whether err means "capability unusable for this unit":
// absent, exhausted, or circuit open.
func IsFallback(err error) bool {
	var ue *UnavailableError
	var cf *CallFailedError
	var co *CircuitOpenError
	return errors.As(err, &ue) || errors.As(err, &cf) || errors.As(err, &co)
}

// Guarded returns a copy of s whose capabilities all go through g.
func (s Set) Guarded(g *Guard) Set {
	if g == nil {
		return s
	}
	out := s
	if s.Vision != nil {
		out.Vision = guardedVision{s.Vision, g}
	}
	if s.Transcriber != nil {
		out.Transcriber = guardedTranscriber{s.Transcriber, g}
	}
	if s.Embedder != nil {
		out.Embedder = guardedEmbedder{s.Embedder, g}
	}
	if s.Renderer != nil {
		out.Renderer = guardedRenderer{s.Renderer, g}
	}
	if s.Repo != nil {
		out.Repo = guardedRepo{s.Repo, g}
	}
	if s.Completer != nil {
		out.Completer = guardedCompleter{s.Completer, g}
	}
	if s.Frames != nil {
		out.Frames = guardedFrames{s.Frames, g}
	}
	if s.Media != nil {
		out.Media = guardedMedia{s.Media, g}
	}
	return out
}

type guardedVision struct {
	next Describer
	g    *Guard
}

func (v guardedVision) Describe(ctx context.Context, img image.Image, prompt string) (string, error) {
	return Call(ctx, v.g, Vision, func(ctx context.Context) (string, error) {
		return v.next.Describe(ctx, img, prompt)
	})
}

type guardedTranscriber struct {
	next Transcriber
	g    *Guard
}

func (t guardedTranscriber) Transcribe(ctx context.Context, name string, data []byte, maxDuration time.Duration) (Transcript, error) {
	return Call(ctx, t.g, Transcribe, func(ctx context.Context) (Transcript, error) {
		return t.next.Transcribe(ctx, name, data, maxDuration)
	})
}

type guardedEmbedder struct {
	next Embedder
	g    *Guard
}

func (e guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return Call(ctx, e.g, Embedding, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

func (e guardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return Call(ctx, e.g, Embedding, func(ctx context.Context) ([][]float32, error) {
		return e.next.EmbedBatch(ctx, texts)
	})
}

type guardedRenderer struct {
	next Renderer
	g    *Guard
}

func (r guardedRenderer) Render(ctx context.Context, url string) (Rendering, error) {
	return Call(ctx, r.g, Browser, func(ctx context.Context) (Rendering, error) {
		return r.next.Render(ctx, url)
	})
}

type guardedRepo struct {
	next RepoLister
	g    *Guard
}

func (r guardedRepo) ListFiles(ctx context.Context, repoURL, token string) ([]File, error) {
	return Call(ctx, r.g, Repository, func(ctx context.Context) ([]File, error) {
		return r.next.ListFiles(ctx, repoURL, token)
	})
}

type guardedCompleter struct {
	next Completer
	g    *Guard
}

func (c guardedCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	return Call(ctx, c.g, Completion, func(ctx context.Context) (string, error) {
		return c.next.Complete(ctx, system, prompt)
	})
}

type guardedFrames struct {
	next FrameSampler
	g    *Guard
}

func (f guardedFrames) Sample(ctx context.Context, name string, data []byte, interval, maxDuration time.Duration) ([]Frame, error) {
	return Call(ctx, f.g, Frames, func(ctx context.Context) ([]Frame, error) {
		return f.next.Sample(ctx, name, data, interval, maxDuration)
	})
}

type guardedMedia struct {
	next MediaFetcher
	g    *Guard
}

type fetched struct {
	name string
	data []byte
}

func (m guardedMedia) Fetch(ctx context.Context, url string) (string, []byte, error) {
	out, err := Call(ctx, m.g, MediaSource, func(ctx context.Context) (fetched, error) {
		name, data, err := m.next.Fetch(ctx, url)
		return fetched{name, data}, err
	})
	return out.name, out.data, err
}
