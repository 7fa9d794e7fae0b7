package chunker

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/embed"
)

// SemanticOptions tune the semantic chunker.
type SemanticOptions struct {
	// Threshold is the cosine distance (1 - similarity) between consecutive
	// sentences above which a new chunk starts (default: 0.5).
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold"`

	// Buffer is the number of neighbouring sentences on each side embedded
	// together with a sentence to smooth the signal (default: 0).
	Buffer int `json:"buffer,omitempty" yaml:"buffer"`
}

// unit is a sentence and the index of the input chunk it came from.
type unit struct {
	text string
	src  int
}

// Semantic splits the text into sentences, embeds each one and starts a new
// chunk wherever the distance to the previous sentence exceeds the
// threshold. Sentences of one chunk are joined by newlines. It fails with
// MissingCapabilityError without an embedder.
func Semantic(ctx context.Context, chunks []chunk.Chunk, emb capability.Embedder, opts SemanticOptions) ([]chunk.Chunk, error) {
	if emb == nil {
		return nil, &MissingCapabilityError{Policy: PolicySemantic, Capability: capability.Embedding}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	in := chunk.Compact(chunks)

	var units []unit
	for i, c := range in {
		for _, seg := range c.Text {
			for _, s := range sentences(seg) {
				units = append(units, unit{text: s, src: i})
			}
		}
	}
	if len(units) == 0 {
		return ByDocument(in), nil
	}

	inputs := make([]string, len(units))
	for i := range units {
		lo, hi := max(0, i-opts.Buffer), min(len(units), i+opts.Buffer+1)
		parts := make([]string, 0, hi-lo)
		for _, u := range units[lo:hi] {
			parts = append(parts, u.text)
		}
		inputs[i] = strings.Join(parts, " ")
	}
	vecs, err := emb.EmbedBatch(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("chunker: semantic: %w", err)
	}
	if len(vecs) != len(units) {
		return nil, fmt.Errorf("chunker: semantic: %d embeddings for %d sentences", len(vecs), len(units))
	}
	dist := embed.Distances(vecs)

	var (
		out     []chunk.Chunk
		lines   []string
		group   chunk.Chunk
		pending int // next input chunk whose images are not placed yet
	)
	flush := func() {
		c := chunk.New(group.Path, group.SourceType, []string{strings.Join(lines, "\n")}, group.Images)
		if !c.IsEmpty() {
			out = append(out, c)
		}
		lines = nil
	}
	for i, u := range units {
		if i == 0 || dist[i-1] > opts.Threshold {
			if i > 0 {
				flush()
			}
			group = chunk.Chunk{Path: in[u.src].Path, SourceType: in[u.src].SourceType}
		}
		for ; pending <= u.src; pending++ {
			group.Images = append(group.Images, in[pending].Images...)
		}
		lines = append(lines, u.text)
	}
	for ; pending < len(in); pending++ {
		group.Images = append(group.Images, in[pending].Images...)
	}
	flush()
	return out, nil
}

// sentences splits text into sentences at line breaks and after '.', '!'
// or '?' followed by whitespace.
func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		start := 0
		for i := 0; i < len(line); i++ {
			if !strings.ContainsRune(".!?", rune(line[i])) {
				continue
			}
			if i+1 < len(line) && line[i+1] != ' ' && line[i+1] != '\t' {
				continue
			}
			if s := strings.TrimSpace(line[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
		if s := strings.TrimSpace(line[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}
