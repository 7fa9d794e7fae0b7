package docpipe

import (
	"context"
	"fmt"
	"image"
	"math"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/classify"
)

// formatTimestamp renders seconds as HH:MM:SS.mmm.
func formatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func formatSegment(seg capability.Segment) string {
	return fmt.Sprintf("[%s --> %s]  %s", formatTimestamp(seg.Start), formatTimestamp(seg.End), strings.TrimSpace(seg.Text))
}

// clampSegments drops segments starting at or after limit and cuts the end
// of the last one.
func clampSegments(segs []capability.Segment, limit time.Duration) []capability.Segment {
	max := limit.Seconds()
	out := make([]capability.Segment, 0, len(segs))
	for _, s := range segs {
		if s.Start >= max {
			break
		}
		if s.End > max {
			s.End = max
		}
		out = append(out, s)
	}
	return out
}

func transcriptLines(t capability.Transcript, limit time.Duration) []string {
	segs := clampSegments(t.Segments, limit)
	if len(segs) == 0 {
		if strings.TrimSpace(t.Text) == "" {
			return nil
		}
		return []string{strings.TrimSpace(t.Text)}
	}
	lines := make([]string, len(segs))
	for i, s := range segs {
		lines[i] = formatSegment(s)
	}
	return lines
}

func mediaName(p string) string {
	if classify.IsURL(p) {
		p = strings.SplitN(p, "?", 2)[0]
	}
	if base := path.Base(p); base != "." && base != "/" {
		return base
	}
	return "media"
}

// extractAudio transcribes the audio up to MaxDuration. Without a working
// transcriber the chunk keeps a deferred reference to the audio.
func (p *Pipeline) extractAudio(ctx context.Context, in input, caps capability.Set, _ Options) ([]chunk.Chunk, error) {
	if caps.Has(capability.Transcribe) {
		t, err := caps.Transcriber.Transcribe(ctx, mediaName(in.path), in.data, p.cfg.MaxDuration)
		if err == nil {
			if lines := transcriptLines(t, p.cfg.MaxDuration); len(lines) > 0 {
				return []chunk.Chunk{{
					Path:       in.path,
					Text:       []string{strings.Join(lines, "\n")},
					SourceType: chunk.KindAudio,
				}}, nil
			}
		}
		p.logger.Warn("audio transcription fallback", "path", in.path, "error", err)
	}
	return []chunk.Chunk{{
		Path:       in.path,
		Text:       []string{fmt.Sprintf("Audio %s (%d bytes, not transcribed)", mediaName(in.path), len(in.data))},
		Audio:      []chunk.MediaRef{{Path: in.path}},
		SourceType: chunk.KindAudio,
	}}, nil
}

// extractVideo samples frames and transcribes the soundtrack concurrently,
// then cuts the timeline into windows of FrameInterval. Each window becomes
// a chunk with its frames and the transcript segments starting in it.
func (p *Pipeline) extractVideo(ctx context.Context, in input, caps capability.Set, _ Options) ([]chunk.Chunk, error) {
	name, data := mediaName(in.path), in.data
	if data == nil {
		if !caps.Has(capability.MediaSource) {
			return []chunk.Chunk{videoPlaceholder(in.path)}, nil
		}
		n, d, err := caps.Media.Fetch(ctx, in.path)
		if err != nil {
			p.logger.Warn("video download fallback", "url", in.path, "error", err)
			return []chunk.Chunk{videoPlaceholder(in.path)}, nil
		}
		if int64(len(d)) > p.cfg.MaxFileSize {
			return nil, &SourceTooLargeError{Path: in.path, Size: int64(len(d)), Limit: p.cfg.MaxFileSize}
		}
		name, data = n, d
	}

	var (
		frames     []capability.Frame
		transcript capability.Transcript
		haveText   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	if caps.Has(capability.Frames) {
		g.Go(func() error {
			f, err := caps.Frames.Sample(gctx, name, data, p.cfg.FrameInterval, p.cfg.MaxDuration)
			if err != nil {
				p.logger.Warn("frame sampling fallback", "path", in.path, "error", err)
				return nil
			}
			frames = f
			return nil
		})
	}
	if caps.Has(capability.Transcribe) {
		g.Go(func() error {
			t, err := caps.Transcriber.Transcribe(gctx, name, data, p.cfg.MaxDuration)
			if err != nil {
				p.logger.Warn("video transcription fallback", "path", in.path, "error", err)
				return nil
			}
			transcript, haveText = t, true
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segs := clampSegments(transcript.Segments, p.cfg.MaxDuration)
	if len(frames) == 0 && len(segs) == 0 {
		c := videoPlaceholder(in.path)
		if haveText && strings.TrimSpace(transcript.Text) != "" {
			c.Text = []string{strings.TrimSpace(transcript.Text)}
		}
		return []chunk.Chunk{c}, nil
	}
	return videoWindows(in.path, frames, segs, p.cfg.FrameInterval, p.cfg.MaxDuration), nil
}

func videoWindows(src string, frames []capability.Frame, segs []capability.Segment, width, limit time.Duration) []chunk.Chunk {
	w := width.Seconds()
	end := 0.0
	for _, f := range frames {
		if f.At <= limit {
			end = math.Max(end, f.At.Seconds())
		}
	}
	for _, s := range segs {
		end = math.Max(end, s.Start)
	}
	n := int(end/w) + 1

	texts := make([][]string, n)
	images := make([][]image.Image, n)
	for _, f := range frames {
		if f.At > limit || f.Image == nil {
			continue
		}
		i := windowIndex(f.At.Seconds(), w)
		images[i] = append(images[i], f.Image)
	}
	for _, s := range segs {
		i := windowIndex(s.Start, w)
		texts[i] = append(texts[i], formatSegment(s))
	}

	out := make([]chunk.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * w
		c := chunk.Chunk{
			Path:       src,
			Images:     images[i],
			Video:      []chunk.MediaRef{{Path: src, Start: start, End: start + w}},
			SourceType: chunk.KindVideo,
		}
		if len(texts[i]) > 0 {
			c.Text = []string{strings.Join(texts[i], "\n")}
		}
		out = append(out, c)
	}
	return out
}

// windowIndex maps a timestamp onto its window; negative times from a
// misbehaving capability land in the first one.
func windowIndex(sec, width float64) int {
	if sec <= 0 {
		return 0
	}
	return int(sec / width)
}

func videoPlaceholder(src string) chunk.Chunk {
	return chunk.Chunk{
		Path:       src,
		Text:       []string{fmt.Sprintf("Video %s (not transcribed)", mediaName(src))},
		Video:      []chunk.MediaRef{{Path: src}},
		SourceType: chunk.KindVideo,
	}
}
