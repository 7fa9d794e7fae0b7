package docpipe

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// PageQuality captures how much usable text a heuristic extraction yielded.
type PageQuality struct {
	Chars          int     `json:"chars"`
	PrintableRatio float64 `json:"printable_ratio"`
	WordlikeRatio  float64 `json:"wordlike_ratio"`
	HasImages      bool    `json:"has_images"`
}

func measurePage(text string, hasImages bool) PageQuality {
	return PageQuality{
		Chars:          utf8.RuneCountInString(strings.TrimSpace(text)),
		PrintableRatio: computePrintableRatio(text),
		WordlikeRatio:  computeWordlikeRatio(text),
		HasImages:      hasImages,
	}
}

// LikelyScanned reports whether the page text is too thin or too garbled to
// trust: under minChars characters, or under 85% printable runes.
func (q PageQuality) LikelyScanned(minChars int) bool {
	if q.Chars < minChars {
		return true
	}
	if q.PrintableRatio < 0.85 {
		return true
	}
	return q.WordlikeRatio < 0.3
}

// computePrintableRatio excludes the private use area, U+FFFD and control
// characters other than \n \r \t.
func computePrintableRatio(text string) float64 {
	if len(text) == 0 {
		return 1.0
	}
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == utf8.RuneError {
		return true
	}
	return r < 0x0020 && r != '\n' && r != '\r' && r != '\t'
}

// computeWordlikeRatio is the share of tokens 2 to 15 runes long.
func computeWordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := utf8.RuneCountInString(f)
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}
