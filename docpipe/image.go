package docpipe

import (
	"context"
	"image"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// extractImage yields one chunk. With vision its only content is the
// description. Without vision, or when the call fails, the image alone is
// the content.
func (p *Pipeline) extractImage(ctx context.Context, in input, caps capability.Set, _ Options) ([]chunk.Chunk, error) {
	img, err := chunk.DecodeImage(in.data)
	if err != nil {
		return nil, err
	}
	if caps.Has(capability.Vision) {
		desc, err := caps.Vision.Describe(ctx, img, p.cfg.ImagePrompt)
		if err == nil && strings.TrimSpace(desc) != "" {
			return []chunk.Chunk{chunk.New(in.path, chunk.KindImage, []string{desc}, nil)}, nil
		}
		p.logger.Warn("image vision fallback", "path", in.path, "error", err)
	}
	return []chunk.Chunk{chunk.New(in.path, chunk.KindImage, nil, []image.Image{img})}, nil
}
