// Package chunker re-segments extracted chunk sequences under a named
// policy. Every chunker is a pure function of its input: it never mutates
// the chunks it receives, never re-runs extraction and never emits an empty
// chunk. Chunkers that merge chunks from different sources keep the path
// and source type of the first merged chunk.
//
//	by-document  everything in one chunk
//	by-page      passthrough; the input must already be page segmented
//	by-length    greedy merge up to a character or token budget
//	by-section   split on markdown heading lines
//	by-keyword   split before each keyword occurrence
//	semantic     split where consecutive sentence embeddings diverge
//	agentic      split where a language model places section boundaries
package chunker

import (
	"context"
	"fmt"
	"image"
	"unicode/utf8"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// Policy names a segmentation policy.
type Policy string

const (
	PolicyDocument Policy = "by-document"
	PolicyPage     Policy = "by-page"
	PolicyLength   Policy = "by-length"
	PolicySection  Policy = "by-section"
	PolicyKeyword  Policy = "by-keyword"
	PolicySemantic Policy = "semantic"
	PolicyAgentic  Policy = "agentic"
)

var allPolicies = []Policy{
	PolicyDocument, PolicyPage, PolicyLength, PolicySection,
	PolicyKeyword, PolicySemantic, PolicyAgentic,
}

// Policies returns every policy in declaration order.
func Policies() []Policy {
	out := make([]Policy, len(allPolicies))
	copy(out, allPolicies)
	return out
}

// ParsePolicy returns the policy named s. The empty string is by-page.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return PolicyPage, nil
	}
	for _, p := range allPolicies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("chunker: unknown policy %q", s)
}

// Measure is the unit of the by-length budget.
type Measure string

const (
	MeasureChars  Measure = "chars"
	MeasureTokens Measure = "tokens"
)

// Of returns the size of s: runes for chars, chunk.EstimateTokens for tokens.
func (m Measure) Of(s string) int {
	if m == MeasureTokens {
		return chunk.EstimateTokens(s)
	}
	return utf8.RuneCountInString(s)
}

// Options carries the parameters of every policy; each policy reads its own.
type Options struct {
	Max       int             `json:"max,omitempty" yaml:"max"`
	Measure   Measure         `json:"measure,omitempty" yaml:"measure"`
	Separator string          `json:"separator,omitempty" yaml:"separator"`
	Keywords  []string        `json:"keywords,omitempty" yaml:"keywords"`
	Semantic  SemanticOptions `json:"semantic" yaml:"semantic"`
	Agentic   AgenticOptions  `json:"agentic" yaml:"agentic"`
}

// Apply runs the chunker for policy p. Semantic and agentic policies take
// their collaborator from caps.
func Apply(ctx context.Context, p Policy, chunks []chunk.Chunk, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	switch p {
	case "", PolicyPage:
		return ByPage(chunks), nil
	case PolicyDocument:
		return ByDocument(chunks), nil
	case PolicyLength:
		return ByLength(chunks, opts.Max, opts.Measure)
	case PolicySection:
		return BySection(chunks, opts.Separator), nil
	case PolicyKeyword:
		return ByKeyword(chunks, opts.Keywords), nil
	case PolicySemantic:
		return Semantic(ctx, chunks, caps.Embedder, opts.Semantic)
	case PolicyAgentic:
		return Agentic(ctx, chunks, caps.Completer, opts.Agentic)
	}
	return nil, fmt.Errorf("chunker: unknown policy %q", p)
}

// ByDocument merges every chunk into one: text segments then images, in
// order. An input without content yields an empty sequence.
func ByDocument(chunks []chunk.Chunk) []chunk.Chunk {
	in := chunk.Compact(chunks)
	if len(in) == 0 {
		return []chunk.Chunk{}
	}
	return []chunk.Chunk{chunk.Merge(in)}
}

// ByPage returns copies of the non-empty chunks unchanged. It assumes the
// extraction already produced one chunk per page, slide or cell; it does
// not segment anything itself.
func ByPage(chunks []chunk.Chunk) []chunk.Chunk {
	in := chunk.Compact(chunks)
	out := make([]chunk.Chunk, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

// ByLength merges consecutive chunks while the merged text, joined by
// newlines, stays within max units of m. A chunk that alone exceeds max is
// emitted as is, never split. Images travel with their chunk.
func ByLength(chunks []chunk.Chunk, max int, m Measure) ([]chunk.Chunk, error) {
	if max <= 0 {
		return nil, fmt.Errorf("chunker: by-length max must be positive, got %d", max)
	}
	var (
		out     []chunk.Chunk
		group   []chunk.Chunk
		current string
	)
	for _, c := range chunk.Compact(chunks) {
		text := c.JoinedText("\n")
		if len(group) > 0 {
			joined := current
			if text != "" {
				if joined != "" {
					joined += "\n"
				}
				joined += text
			}
			if m.Of(joined) <= max {
				group = append(group, c)
				current = joined
				continue
			}
			out = append(out, chunk.Merge(group))
		}
		group = []chunk.Chunk{c}
		current = text
	}
	if len(group) > 0 {
		out = append(out, chunk.Merge(group))
	}
	if out == nil {
		out = []chunk.Chunk{}
	}
	return out, nil
}

// builder accumulates output chunks whose content may span several input
// chunks.
type builder struct {
	out  []chunk.Chunk
	cur  *chunk.Chunk
	text []string
	imgs []image.Image
}

// start closes the open chunk and opens one attributed to src.
func (b *builder) start(src chunk.Chunk) {
	b.flush()
	b.cur = &chunk.Chunk{Path: src.Path, SourceType: src.SourceType}
}

func (b *builder) addText(src chunk.Chunk, s string) {
	if b.cur == nil {
		b.start(src)
	}
	b.text = append(b.text, s)
}

func (b *builder) addImages(src chunk.Chunk, imgs []image.Image) {
	if len(imgs) == 0 {
		return
	}
	if b.cur == nil {
		b.start(src)
	}
	b.imgs = append(b.imgs, imgs...)
}

func (b *builder) flush() {
	if b.cur == nil {
		return
	}
	c := chunk.New(b.cur.Path, b.cur.SourceType, b.text, b.imgs)
	if !c.IsEmpty() {
		b.out = append(b.out, c)
	}
	b.cur, b.text, b.imgs = nil, nil, nil
}

func (b *builder) finish() []chunk.Chunk {
	b.flush()
	if b.out == nil {
		return []chunk.Chunk{}
	}
	return b.out
}

// splitBefore cuts every text segment at the offsets returned by cuts; each
// cut opens a new output chunk. Text between cuts continues the open chunk
// across input boundaries, and a chunk's images join the output chunk that
// is open once its text has been consumed.
func splitBefore(chunks []chunk.Chunk, cuts func(string) []int, trim func(string) string) []chunk.Chunk {
	var b builder
	for _, c := range chunk.Compact(chunks) {
		for _, seg := range c.Text {
			prev := 0
			for _, off := range cuts(seg) {
				if off > prev {
					if piece := trim(seg[prev:off]); piece != "" {
						b.addText(c, piece)
					}
				}
				b.start(c)
				prev = off
			}
			if piece := trim(seg[prev:]); piece != "" {
				b.addText(c, piece)
			}
		}
		b.addImages(c, c.Images)
	}
	return b.finish()
}
