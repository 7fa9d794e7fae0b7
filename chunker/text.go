package chunker

import (
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/hazyhaar/chunkpipe/chunk"
)

// DefaultSeparator starts a section under by-section.
const DefaultSeparator = "#"

// BySection splits on lines beginning with sep (default "#"). Each section
// runs from its heading line to the next one; text before the first heading
// is a section of its own. Lines inside fenced code blocks never split. With
// the default separator headings are found with a CommonMark parser, so
// only ATX headings count.
func BySection(chunks []chunk.Chunk, sep string) []chunk.Chunk {
	if sep == "" {
		sep = DefaultSeparator
	}
	cuts := func(s string) []int { return prefixedLines(s, sep) }
	if sep == DefaultSeparator {
		cuts = atxHeadings
	}
	return splitBefore(chunks, cuts, func(s string) string { return strings.TrimRight(s, "\n") })
}

// atxHeadings returns the byte offsets of the lines holding ATX headings.
func atxHeadings(s string) []int {
	src := []byte(s)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	var offs []int
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if h.Lines().Len() > 0 {
			content := h.Lines().At(0).Start
			start := strings.LastIndexByte(s[:content], '\n') + 1
			// Setext headings and headings nested in other blocks do not
			// start their line with '#'.
			if strings.HasPrefix(strings.TrimLeft(s[start:content], " "), "#") {
				offs = append(offs, start)
			}
		}
		return ast.WalkSkipChildren, nil
	})
	sort.Ints(offs)
	return offs
}

// prefixedLines returns the byte offsets of lines starting with sep,
// skipping fenced code blocks.
func prefixedLines(s, sep string) []int {
	var (
		offs  []int
		fence string
		pos   int
	)
	for _, line := range strings.SplitAfter(s, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		switch {
		case fence != "":
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
		case strings.HasPrefix(trimmed, "```"):
			fence = "```"
		case strings.HasPrefix(trimmed, "~~~"):
			fence = "~~~"
		case strings.HasPrefix(line, sep):
			offs = append(offs, pos)
		}
		pos += len(line)
	}
	return offs
}

// ByKeyword splits immediately before every case-insensitive occurrence of
// one of keywords. Longer keywords win when several match at one position.
func ByKeyword(chunks []chunk.Chunk, keywords []string) []chunk.Chunk {
	re := keywordPattern(keywords)
	if re == nil {
		return ByPage(chunks)
	}
	cuts := func(s string) []int {
		var offs []int
		for _, m := range re.FindAllStringIndex(s, -1) {
			offs = append(offs, m[0])
		}
		return offs
	}
	return splitBefore(chunks, cuts, func(s string) string { return s })
}

func keywordPattern(keywords []string) *regexp.Regexp {
	var alts []string
	for _, k := range keywords {
		if k != "" {
			alts = append(alts, regexp.QuoteMeta(k))
		}
	}
	if len(alts) == 0 {
		return nil
	}
	sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	return regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
}
