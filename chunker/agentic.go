package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// DefaultAgenticPrompt is the system prompt of the agentic chunker.
const DefaultAgenticPrompt = "You split documents into coherent, self-contained sections. " +
	"The user message is a document whose lines are numbered. Reply with a JSON array of " +
	"the line numbers at which each section after the first one begins, in increasing " +
	"order. Reply with the JSON array only."

// AgenticOptions tune the agentic chunker.
type AgenticOptions struct {
	// System overrides DefaultAgenticPrompt.
	System string `json:"system,omitempty" yaml:"system"`
}

type line struct {
	text string
	src  int
}

// Agentic numbers the lines of the input, asks the completer where sections
// begin and splits there. Boundaries must be strictly increasing line
// numbers within the document; any other answer yields the whole input as a
// single chunk. It fails with MissingCapabilityError without a completer.
func Agentic(ctx context.Context, chunks []chunk.Chunk, llm capability.Completer, opts AgenticOptions) ([]chunk.Chunk, error) {
	if llm == nil {
		return nil, &MissingCapabilityError{Policy: PolicyAgentic, Capability: capability.Completion}
	}
	system := opts.System
	if system == "" {
		system = DefaultAgenticPrompt
	}
	in := chunk.Compact(chunks)

	var lines []line
	for i, c := range in {
		for _, seg := range c.Text {
			for _, l := range strings.Split(seg, "\n") {
				lines = append(lines, line{text: l, src: i})
			}
		}
	}
	if len(lines) == 0 {
		return ByDocument(in), nil
	}

	var prompt strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&prompt, "%d: %s\n", i+1, l.text)
	}
	answer, err := llm.Complete(ctx, system, prompt.String())
	if err != nil {
		return nil, fmt.Errorf("chunker: agentic: %w", err)
	}
	starts, ok := parseBoundaries(answer, len(lines))
	if !ok {
		return ByDocument(in), nil
	}

	bounds := append([]int{0}, starts...)
	for i := range starts {
		bounds[i+1]--
	}
	bounds = append(bounds, len(lines))

	out := make([]chunk.Chunk, 0, len(bounds)-1)
	pending := 0 // next input chunk whose images are not placed yet
	for s := 0; s+1 < len(bounds); s++ {
		part := lines[bounds[s]:bounds[s+1]]
		first := in[part[0].src]
		texts := make([]string, len(part))
		for i, l := range part {
			texts[i] = l.text
		}
		last := part[len(part)-1].src
		if s+2 == len(bounds) {
			last = len(in) - 1
		}
		var images []image.Image
		for ; pending <= last; pending++ {
			images = append(images, in[pending].Images...)
		}
		c := chunk.New(first.Path, first.SourceType, []string{strings.TrimSpace(strings.Join(texts, "\n"))}, images)
		if !c.IsEmpty() {
			out = append(out, c)
		}
	}
	return out, nil
}

// parseBoundaries reads the JSON array of section start lines from answer.
// Line 1 may be listed; every other entry must lie in 2..n and the entries
// must strictly increase.
func parseBoundaries(answer string, n int) ([]int, bool) {
	open, end := strings.IndexByte(answer, '['), strings.LastIndexByte(answer, ']')
	if open < 0 || end < open {
		return nil, false
	}
	var raw []int
	if err := json.Unmarshal([]byte(answer[open:end+1]), &raw); err != nil {
		return nil, false
	}
	if len(raw) > 0 && raw[0] == 1 {
		raw = raw[1:]
	}
	prev := 1
	for _, v := range raw {
		if v <= prev || v > n {
			return nil, false
		}
		prev = v
	}
	return raw, true
}
