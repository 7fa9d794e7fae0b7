package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/pdfrender"
)

type pdfPage struct {
	text    string
	image   image.Image
	quality PageQuality
}

// PageRenderer rasterizes the pages of a PDF. A nil entry marks a page
// that failed to render.
type PageRenderer interface {
	RenderPages(ctx context.Context, data []byte, dpi int) ([]image.Image, error)
}

var sharedRenderer = sync.OnceValue(func() *pdfrender.Renderer {
	return pdfrender.New(pdfrender.Config{})
})

// extractPDF yields one chunk per page: the text layer plus a rendering of
// the page. Pages that look scanned are refined by the vision capability
// when present.
func (p *Pipeline) extractPDF(ctx context.Context, in input, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	render := !opts.TextOnly || caps.Has(capability.Vision)
	pages, err := p.readPDFPages(ctx, in.path, in.data, render)
	if err != nil {
		return nil, err
	}

	if caps.Has(capability.Vision) {
		p.refinePDFPages(ctx, in.path, pages, caps.Vision)
	}

	out := make([]chunk.Chunk, 0, len(pages))
	for _, pg := range pages {
		var images []image.Image
		if pg.image != nil && !opts.TextOnly {
			images = []image.Image{pg.image}
		}
		out = append(out, chunk.New(in.path, chunk.KindPDF, []string{pg.text}, images))
	}
	return out, nil
}

// refinePDFPages replaces the text of likely scanned pages with the vision
// model's markdown. A failed call keeps the heuristic text. Only a page
// with no image at all (rendering off, no embedded raster) is skipped.
func (p *Pipeline) refinePDFPages(ctx context.Context, path string, pages []pdfPage, vision capability.Describer) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	refined := make([]string, len(pages))
	for i := range pages {
		pg := pages[i]
		if pg.image == nil || !pg.quality.LikelyScanned(p.cfg.MinPageChars) {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			prompt := p.cfg.ScrapingPrompt
			if strings.TrimSpace(pg.text) != "" {
				prompt += "\n\nHeuristic text of this page, possibly garbled:\n" + pg.text
			}
			md, err := vision.Describe(gctx, pg.image, prompt)
			if err != nil {
				p.logger.Warn("pdf page vision fallback", "path", path, "page", i+1, "error", err)
				return nil
			}
			refined[i] = stripCodeFences(md)
			return nil
		})
	}
	_ = g.Wait()
	for i, md := range refined {
		if strings.TrimSpace(md) != "" {
			pages[i].text = md
		}
	}
}

// readPDFPages reads the text layer with ledongthuc/pdf, falling back to
// pdfcpu's content streams, and renders every page with the page renderer.
// When rendering is off or fails, the page's largest embedded raster stands
// in. The PDF is only rejected when no reader can make sense of it.
func (p *Pipeline) readPDFPages(ctx context.Context, path string, data []byte, render bool) ([]pdfPage, error) {
	texts, textErr := readPDFText(data)

	conf := model.NewDefaultConfiguration()
	pctx, cpuErr := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)

	var rendered []image.Image
	if render && p.cfg.PageRenderer != nil {
		imgs, err := p.cfg.PageRenderer.RenderPages(ctx, data, p.cfg.RenderDPI)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("pdf page rendering failed, using embedded images", "path", path, "error", err)
		}
		rendered = imgs
	}

	if textErr != nil && cpuErr != nil && len(rendered) == 0 {
		return nil, fmt.Errorf("pdf unreadable: %v; %v", textErr, cpuErr)
	}

	count := max(len(texts), len(rendered))
	if cpuErr == nil && pctx.PageCount > count {
		count = pctx.PageCount
	}
	pages := make([]pdfPage, count)
	for i := range pages {
		pageNr := i + 1
		if i < len(texts) {
			pages[i].text = texts[i]
		}
		if i < len(rendered) {
			pages[i].image = rendered[i]
		}
		if cpuErr == nil {
			if strings.TrimSpace(pages[i].text) == "" {
				pages[i].text = extractPageContentText(pctx, pageNr)
			}
			if pages[i].image == nil && render {
				pages[i].image = largestPageImage(pctx, pageNr)
			}
		}
		pages[i].quality = measurePage(pages[i].text, pages[i].image != nil)
	}
	return pages, nil
}

// readPDFText returns the plain text of each page.
func readPDFText(data []byte) (texts []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf text layer: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf text layer: %w", err)
	}
	n := r.NumPage()
	texts = make([]string, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		texts[i-1] = cleanPDFText(text)
	}
	return texts, nil
}

// extractPageContentText parses text operators from the page content stream.
func extractPageContentText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}

// largestPageImage decodes the page's raster images and keeps the largest,
// which for scanned documents is the page itself.
func largestPageImage(ctx *model.Context, pageNr int) image.Image {
	imgs, err := pdfcpu.ExtractPageImages(ctx, pageNr, false)
	if err != nil || len(imgs) == 0 {
		return nil
	}
	objNrs := make([]int, 0, len(imgs))
	for nr := range imgs {
		objNrs = append(objNrs, nr)
	}
	sort.Ints(objNrs)

	var best image.Image
	bestArea := 0
	for _, nr := range objNrs {
		pi := imgs[nr]
		if pi.Reader == nil {
			continue
		}
		img, _, err := image.Decode(pi.Reader)
		if err != nil {
			continue
		}
		b := img.Bounds()
		if area := b.Dx() * b.Dy(); area > bestArea {
			best, bestArea = img, area
		}
	}
	return best
}

var fenceRe = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")

// stripCodeFences removes ``` fence lines that vision models wrap output in.
func stripCodeFences(s string) string {
	return strings.TrimSpace(fenceRe.ReplaceAllString(s, ""))
}

// pdfStringRe matches PDF string literals: (text here)
var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// extractTextFromStream parses Tj, TJ, ', Td, TD and T* operators.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

// decodePDFString handles the escape sequences of PDF literal strings.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(c)
		default:
			if c < '0' || c > '7' {
				sb.WriteByte(c)
				continue
			}
			val := int(c - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// cleanPDFText collapses whitespace runs, keeping paragraph breaks.
func cleanPDFText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var sb strings.Builder
	spaces, newlines := 0, 0
	flush := func() {
		switch {
		case sb.Len() == 0:
		case newlines >= 2:
			sb.WriteString("\n\n")
		case newlines == 1:
			sb.WriteByte('\n')
		case spaces > 0:
			sb.WriteByte(' ')
		}
		spaces, newlines = 0, 0
	}
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			newlines++
		case unicode.IsSpace(r):
			spaces++
		case unicode.IsPrint(r):
			flush()
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
