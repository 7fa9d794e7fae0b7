package chunk

import (
	"image"
	"math"
	"strings"
	"unicode/utf8"
)

// Detail is the image detail level used for token accounting.
type Detail string

const (
	DetailLow  Detail = "low"
	DetailHigh Detail = "high"
)

// EstimateTokens approximates the token count of text as the average of
// runes/4 and words*4/3.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	byRunes := float64(runes) / 4.0
	byWords := float64(words) * 4.0 / 3.0
	return int(math.Ceil((byRunes + byWords) / 2.0))
}

// ImageTokens returns the vision token cost of img at the given detail.
// Low detail is a flat 85. High detail fits the image in 2048x2048, scales
// the shortest side to 768 and charges 170 per 512px tile plus 85.
func ImageTokens(img image.Image, detail Detail) int {
	if img == nil {
		return 0
	}
	if detail == DetailLow {
		return 85
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	if w <= 0 || h <= 0 {
		return 85
	}
	if w > 2048 || h > 2048 {
		scale := 2048 / math.Max(w, h)
		w, h = w*scale, h*scale
	}
	if short := math.Min(w, h); short > 768 {
		scale := 768 / short
		w, h = w*scale, h*scale
	}
	tiles := math.Ceil(w/512) * math.Ceil(h/512)
	return int(170*tiles) + 85
}

// Tokens returns the estimated token cost of the chunk: text tokens plus
// high-detail image tokens.
func (c Chunk) Tokens() int {
	n := EstimateTokens(c.JoinedText("\n"))
	for _, img := range c.Images {
		n += ImageTokens(img, DetailHigh)
	}
	return n
}
