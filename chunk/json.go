package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type wireChunk struct {
	Path       string     `json:"path"`
	Text       []string   `json:"text,omitempty"`
	Images     []string   `json:"images,omitempty"`
	Audio      []MediaRef `json:"audio,omitempty"`
	Video      []MediaRef `json:"video,omitempty"`
	SourceType Kind       `json:"source_type"`
}

// MarshalJSON encodes images as JPEG data URLs.
func (c Chunk) MarshalJSON() ([]byte, error) {
	w := wireChunk{
		Path:       c.Path,
		Text:       c.Text,
		Audio:      c.Audio,
		Video:      c.Video,
		SourceType: c.SourceType,
	}
	for i, img := range c.Images {
		u, err := DataURL(img)
		if err != nil {
			return nil, fmt.Errorf("chunk %s image %d: %w", c.Path, i, err)
		}
		w.Images = append(w.Images, u)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes images from data URLs.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var w wireChunk
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Chunk{
		Path:       w.Path,
		Text:       w.Text,
		Audio:      w.Audio,
		Video:      w.Video,
		SourceType: w.SourceType,
	}
	for i, u := range w.Images {
		img, err := DecodeDataURL(u)
		if err != nil {
			return fmt.Errorf("chunk %s image %d: %w", w.Path, i, err)
		}
		out.Images = append(out.Images, img)
	}
	*c = out
	return nil
}

// Save writes all chunk text to dir/prompt.txt and every image to
// dir/<chunk>_<image>.jpg.
func Save(dir string, chunks []Chunk) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	var texts []string
	for i, c := range chunks {
		if c.HasText() {
			texts = append(texts, c.JoinedText("\n"))
		}
		for j, img := range c.Images {
			data, err := EncodeJPEG(img)
			if err != nil {
				return fmt.Errorf("save chunk %d image %d: %w", i, j, err)
			}
			name := filepath.Join(dir, fmt.Sprintf("%d_%d.jpg", i, j))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				return fmt.Errorf("save: %w", err)
			}
		}
	}
	if len(texts) == 0 {
		return nil
	}
	prompt := strings.Join(texts, "\n\n")
	if err := os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte(prompt), 0o644); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// ImageCount returns the total number of images across chunks.
func ImageCount(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		n += len(c.Images)
	}
	return n
}
