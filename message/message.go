// Package message turns chunks into chat messages for multimodal models.
package message

import (
	"fmt"
	"image"
	"regexp"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/chunkpipe/chunk"
)

// RoleUser is the role of every message built from chunks.
const RoleUser = "user"

// Part types.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// Part is one element of a message's content.
type Part struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`

	// Image is the (resized) image behind ImageURL, kept for token counting.
	Image image.Image `json:"-"`
}

// Message is a chat message with ordered content parts.
type Message struct {
	Role    string `json:"role"`
	Content []Part `json:"content"`
}

// Options control the conversion.
type Options struct {
	// TextOnly drops image parts.
	TextOnly bool
	// IncludePaths wraps each chunk's text in <Document path="..."> tags.
	IncludePaths bool
	// MaxResolution bounds the longest image side in pixels; 0 keeps the
	// original size.
	MaxResolution int
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// ToMessages converts each chunk into one user message: the text first,
// then one high-detail JPEG data URL per image. A chunk left with no
// content (an empty chunk, or an image-only chunk under TextOnly) produces
// no message, so the result can be shorter than chunks and indexes do not
// line up.
func ToMessages(chunks []chunk.Chunk, opts Options) ([]Message, error) {
	out := make([]Message, 0, len(chunks))
	for i, c := range chunks {
		var parts []Part
		if text := cleanText(c.JoinedText("\n")); text != "" {
			if opts.IncludePaths {
				text = fmt.Sprintf("<Document path=%q>\n%s\n</Document>", c.Path, text)
			}
			parts = append(parts, Part{Type: PartText, Text: text})
		}
		if !opts.TextOnly {
			for j, img := range c.Images {
				img = chunk.Resize(img, opts.MaxResolution)
				url, err := chunk.DataURL(img)
				if err != nil {
					return nil, fmt.Errorf("message: chunk %d image %d: %w", i, j, err)
				}
				parts = append(parts, Part{Type: PartImage, ImageURL: url, Detail: string(chunk.DetailHigh), Image: img})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, Message{Role: RoleUser, Content: parts})
	}
	return out, nil
}

func cleanText(s string) string {
	return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
}

// ToOpenAI projects messages onto go-openai multi-part chat messages.
func ToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		parts := make([]openai.ChatMessagePart, 0, len(m.Content))
		for _, p := range m.Content {
			switch p.Type {
			case PartText:
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
			case PartImage:
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetail(p.Detail)},
				})
			}
		}
		out[i] = openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
	}
	return out
}

// CountTokens estimates the prompt cost of messages: a quarter token per
// character of text plus the vision cost of every image.
func CountTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		for _, p := range m.Content {
			switch p.Type {
			case PartText:
				n += utf8.RuneCountInString(p.Text) / 4
			case PartImage:
				img := p.Image
				if img == nil {
					// Decoded messages carry only the URL.
					decoded, err := chunk.DecodeDataURL(p.ImageURL)
					if err != nil {
						continue
					}
					img = decoded
				}
				n += chunk.ImageTokens(img, chunk.Detail(p.Detail))
			}
		}
	}
	return n
}
