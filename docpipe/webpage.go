package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/classify"
	"github.com/hazyhaar/chunkpipe/safeio"
)

const htmlAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)(?:^|[;\s])font-size\s*:\s*0(?:\.0+)?(?:px|em|rem|pt|%)?\s*(?:;|!|$)`),
	regexp.MustCompile(`(?i)(?:^|[;\s])opacity\s*:\s*0(?:\.0+)?\s*(?:;|!|$)`),
	regexp.MustCompile(`(?i)position\s*:\s*absolute[^;]*-\d{4,}`),
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

func hasHiddenStyle(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "hidden" {
			return true
		}
		if a.Key == "style" {
			for _, pat := range hiddenStylePatterns {
				if pat.MatchString(a.Val) {
					return true
				}
			}
		}
	}
	return false
}

func newMarkdownConverter() *htmltomd.Converter {
	return htmltomd.NewConverter(
		htmltomd.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// page is a web page ready for extraction.
type page struct {
	url        string // final URL, empty for local files
	html       string
	screenshot image.Image
}

// extractWebpage yields one chunk per page. A browser screenshot described
// by the vision capability is preferred; otherwise the DOM is pruned,
// sanitized and converted to markdown, with its images attached.
func (p *Pipeline) extractWebpage(ctx context.Context, in input, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	var pg page
	if in.data != nil {
		pg.html = decodeText(in.data, "text/html")
		if classify.IsURL(in.path) {
			pg.url = in.path
		}
	} else {
		var redirected []chunk.Chunk
		var err error
		pg, redirected, err = p.loadPage(ctx, in, caps, opts)
		if err != nil || redirected != nil {
			return redirected, err
		}
	}

	if pg.screenshot != nil && caps.Has(capability.Vision) {
		desc, err := caps.Vision.Describe(ctx, pg.screenshot, p.cfg.ScrapingPrompt)
		if err == nil && strings.TrimSpace(desc) != "" {
			desc = stripCodeFences(desc)
			if opts.TextOnly {
				return []chunk.Chunk{chunk.New(in.path, chunk.KindWebpage, []string{desc}, nil)}, nil
			}
			return []chunk.Chunk{chunk.New(in.path, chunk.KindWebpage, []string{desc}, []image.Image{pg.screenshot})}, nil
		}
		p.logger.Warn("webpage vision fallback", "url", in.path, "error", err)
	}

	doc, err := html.Parse(strings.NewReader(pg.html))
	if err != nil {
		return nil, fmt.Errorf("html: %w", err)
	}
	pruneDOM(doc)

	var images []image.Image
	if !opts.TextOnly {
		images = p.pageImages(ctx, in.path, pg.url, imageSources(doc))
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("html render: %w", err)
	}
	clean := bluemonday.UGCPolicy().Sanitize(buf.String())
	var convOpts []htmltomd.ConvertOptionFunc
	if pg.url != "" {
		convOpts = append(convOpts, htmltomd.WithDomain(pg.url))
	}
	md, err := newMarkdownConverter().ConvertString(clean, convOpts...)
	if err != nil {
		return nil, fmt.Errorf("html to markdown: %w", err)
	}
	md = strings.TrimSpace(blankLinesRe.ReplaceAllString(md, "\n\n"))
	return []chunk.Chunk{chunk.New(in.path, chunk.KindWebpage, []string{md}, images)}, nil
}

// loadPage renders the URL in a browser when one is available, else fetches
// it. A response that is not HTML is handed to the strategy of its kind.
func (p *Pipeline) loadPage(ctx context.Context, in input, caps capability.Set, opts Options) (page, []chunk.Chunk, error) {
	if caps.Has(capability.Browser) {
		r, err := caps.Renderer.Render(ctx, in.path)
		if err == nil && r.HTML != "" {
			u := r.URL
			if u == "" {
				u = in.path
			}
			return page{url: u, html: r.HTML, screenshot: r.Screenshot}, nil, nil
		}
		p.logger.Warn("browser render fallback", "url", in.path, "error", err)
	}

	resp, err := p.fetcher.Fetch(ctx, in.path, htmlAccept)
	if err != nil {
		return page{}, nil, p.sizeError(in.path, err)
	}
	if kind, ok := responseKind(resp); ok && kind != chunk.KindWebpage {
		run, _ := p.strategyFor(kind)
		if run != nil && !isContainer(kind) {
			p.logger.Debug("url is not a page", "url", in.path, "kind", kind)
			chunks, err := run(ctx, input{path: in.path, data: resp.Body, depth: in.depth}, caps, opts)
			if err == nil && chunks == nil {
				chunks = []chunk.Chunk{}
			}
			return page{}, chunks, err
		}
	}
	return page{url: resp.URL, html: decodeText(resp.Body, resp.ContentType)}, nil, nil
}

// responseKind maps a response to a kind by its declared media type, then
// by its content.
func responseKind(resp *Response) (chunk.Kind, bool) {
	if mt, _, err := mime.ParseMediaType(resp.ContentType); err == nil {
		switch mt {
		case "text/html", "application/xhtml+xml":
			return chunk.KindWebpage, true
		}
	}
	return classify.Sniff(resp.Body)
}

// pruneDOM removes boilerplate and hidden elements in place.
func pruneDOM(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && prunable(c)) {
			n.RemoveChild(c)
		} else {
			pruneDOM(c)
		}
		c = next
	}
}

func prunable(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer,
		atom.Header, atom.Aside, atom.Iframe, atom.Template, atom.Svg:
		return true
	}
	return hasHiddenStyle(n)
}

// imageSources lists <img> sources in document order, deduplicated.
func imageSources(doc *html.Node) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			for _, a := range n.Attr {
				if a.Key == "src" && a.Val != "" && !seen[a.Val] {
					seen[a.Val] = true
					out = append(out, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// pageImages loads up to MaxPageImages images. Sources that fail to load
// or decode are skipped.
func (p *Pipeline) pageImages(ctx context.Context, srcPath, pageURL string, refs []string) []image.Image {
	var out []image.Image
	for _, ref := range refs {
		if len(out) >= p.cfg.MaxPageImages {
			break
		}
		if img := p.pageImage(ctx, srcPath, pageURL, ref); img != nil {
			out = append(out, img)
		}
	}
	return out
}

func (p *Pipeline) pageImage(ctx context.Context, srcPath, pageURL, ref string) image.Image {
	if strings.HasPrefix(ref, "data:") {
		img, _ := chunk.DecodeDataURL(ref)
		return img
	}
	if pageURL != "" {
		base, err := url.Parse(pageURL)
		if err != nil {
			return nil
		}
		u, err := base.Parse(ref)
		if err != nil {
			return nil
		}
		data, err := p.fetcher.Get(ctx, u.String())
		if err != nil {
			p.logger.Debug("page image fetch failed", "url", u.String(), "error", err)
			return nil
		}
		img, _ := chunk.DecodeImage(data)
		return img
	}
	if classify.IsURL(ref) {
		data, err := p.fetcher.Get(ctx, ref)
		if err != nil {
			return nil
		}
		img, _ := chunk.DecodeImage(data)
		return img
	}
	if srcPath == "" {
		return nil
	}
	full, err := safeio.SafePath(filepath.Dir(srcPath), ref)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil
	}
	img, _ := chunk.DecodeImage(data)
	return img
}
