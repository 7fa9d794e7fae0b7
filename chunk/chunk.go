// Package chunk defines the content unit that flows through the extraction
// and chunking pipeline.
//
// A Chunk carries ordered text segments, decoded raster images and deferred
// media references, tagged with the source kind that produced it. Chunks are
// values: the helpers in this package never modify their receiver.
package chunk

import (
	"fmt"
	"image"
	"strings"
)

// Kind identifies the extraction strategy that produced a chunk.
type Kind string

const (
	KindWebpage      Kind = "webpage"
	KindPDF          Kind = "pdf"
	KindWord         Kind = "word-document"
	KindPresentation Kind = "presentation"
	KindVideo        Kind = "video"
	KindAudio        Kind = "audio"
	KindNotebook     Kind = "notebook"
	KindSpreadsheet  Kind = "spreadsheet"
	KindPlaintext    Kind = "plaintext"
	KindImage        Kind = "image"
	KindArchive      Kind = "archive"
	KindDirectory    Kind = "directory"
	KindSocialPost   Kind = "social-post"
	KindRepository   Kind = "code-repository"
)

var allKinds = []Kind{
	KindWebpage, KindPDF, KindWord, KindPresentation, KindVideo, KindAudio,
	KindNotebook, KindSpreadsheet, KindPlaintext, KindImage, KindArchive,
	KindDirectory, KindSocialPost, KindRepository,
}

// Kinds returns every source kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("chunk: unknown kind %q", s)
}

// MediaRef points at transcribable media that has not been transcribed yet.
type MediaRef struct {
	Path  string  `json:"path"`
	Start float64 `json:"start,omitempty"` // seconds
	End   float64 `json:"end,omitempty"`   // seconds, 0 = until the end
}

// Chunk is one unit of extracted content.
type Chunk struct {
	Path       string        `json:"path"`
	Text       []string      `json:"text,omitempty"`
	Images     []image.Image `json:"-"`
	Audio      []MediaRef    `json:"audio,omitempty"`
	Video      []MediaRef    `json:"video,omitempty"`
	SourceType Kind          `json:"source_type"`
}

// New builds a chunk, dropping blank text segments.
func New(path string, kind Kind, text []string, images []image.Image) Chunk {
	c := Chunk{Path: path, SourceType: kind}
	for _, t := range text {
		if strings.TrimSpace(t) != "" {
			c.Text = append(c.Text, t)
		}
	}
	for _, img := range images {
		if img != nil {
			c.Images = append(c.Images, img)
		}
	}
	return c
}

// IsEmpty reports whether the chunk has no non-blank text and no images.
// Empty chunks are never emitted by extraction or chunking.
func (c Chunk) IsEmpty() bool {
	if len(c.Images) > 0 {
		return false
	}
	for _, t := range c.Text {
		if strings.TrimSpace(t) != "" {
			return false
		}
	}
	return true
}

// HasText reports whether any text segment is non-blank.
func (c Chunk) HasText() bool {
	for _, t := range c.Text {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

// JoinedText returns the text segments joined by sep.
func (c Chunk) JoinedText(sep string) string {
	return strings.Join(c.Text, sep)
}

// Clone returns a copy whose slices do not alias the receiver's.
func (c Chunk) Clone() Chunk {
	out := c
	out.Text = append([]string(nil), c.Text...)
	out.Images = append([]image.Image(nil), c.Images...)
	out.Audio = append([]MediaRef(nil), c.Audio...)
	out.Video = append([]MediaRef(nil), c.Video...)
	return out
}

// WithPath returns a copy of c with a different path.
func (c Chunk) WithPath(path string) Chunk {
	out := c.Clone()
	out.Path = path
	return out
}

// Compact returns the non-empty chunks of in, in order.
func Compact(in []Chunk) []Chunk {
	out := make([]Chunk, 0, len(in))
	for _, c := range in {
		if !c.IsEmpty() {
			out = append(out, c)
		}
	}
	return out
}

// Merge concatenates text, images and media of chunks into one chunk.
// The merged chunk takes the path and source type of the first input.
func Merge(chunks []Chunk) Chunk {
	if len(chunks) == 0 {
		return Chunk{}
	}
	out := Chunk{Path: chunks[0].Path, SourceType: chunks[0].SourceType}
	for _, c := range chunks {
		out.Text = append(out.Text, c.Text...)
		out.Images = append(out.Images, c.Images...)
		out.Audio = append(out.Audio, c.Audio...)
		out.Video = append(out.Video, c.Video...)
	}
	return out
}

// TotalText returns the text of all chunks separated by blank lines.
func TotalText(chunks []Chunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(c.JoinedText("\n"))
	}
	return sb.String()
}
