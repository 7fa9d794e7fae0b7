package docpipe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/classify"
	"github.com/hazyhaar/chunkpipe/safeio"
)

// multiline is a notebook string field: either a string or a list of lines.
type multiline string

func (m *multiline) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*m = multiline(strings.Join(lines, ""))
	return nil
}

type notebookOutput struct {
	OutputType string               `json:"output_type"`
	Text       multiline            `json:"text"`
	Data       map[string]multiline `json:"data"`
	EName      string               `json:"ename"`
	EValue     string               `json:"evalue"`
}

type notebookCell struct {
	CellType    string                          `json:"cell_type"`
	Source      multiline                       `json:"source"`
	Outputs     []notebookOutput                `json:"outputs"`
	Attachments map[string]map[string]multiline `json:"attachments"`
}

type notebook struct {
	Cells []notebookCell `json:"cells"`
}

var htmlImgRe = regexp.MustCompile(`(?i)<img[^>]+src\s*=\s*["']([^"']+)["']`)

// extractNotebook yields one chunk per cell. Outputs of a code cell join
// the cell's own chunk.
func (p *Pipeline) extractNotebook(ctx context.Context, in input, _ capability.Set, opts Options) ([]chunk.Chunk, error) {
	var nb notebook
	if err := json.Unmarshal(in.data, &nb); err != nil {
		return nil, fmt.Errorf("ipynb: %w", err)
	}
	md := goldmark.New()

	out := make([]chunk.Chunk, 0, len(nb.Cells))
	for _, cell := range nb.Cells {
		src := string(cell.Source)
		var texts []string
		var images []image.Image
		switch cell.CellType {
		case "markdown":
			texts = append(texts, src)
			if !opts.TextOnly {
				for _, ref := range markdownImageRefs(md, src) {
					images = append(images, p.notebookImage(ctx, in.path, ref, cell.Attachments))
				}
			}
		case "code":
			texts = append(texts, src)
			for _, o := range cell.Outputs {
				t, img := renderOutput(o, opts.TextOnly)
				texts = append(texts, t)
				images = append(images, img)
			}
		default:
			texts = append(texts, src)
		}
		out = append(out, chunk.New(in.path, chunk.KindNotebook, texts, images))
	}
	return out, nil
}

// markdownImageRefs lists image destinations in order: markdown images from
// the goldmark AST, then inline HTML <img> tags.
func markdownImageRefs(md goldmark.Markdown, src string) []string {
	var refs []string
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok {
			refs = append(refs, string(img.Destination))
		}
		return ast.WalkContinue, nil
	})
	for _, m := range htmlImgRe.FindAllStringSubmatch(src, -1) {
		refs = append(refs, m[1])
	}
	return refs
}

// notebookImage resolves an image reference: data URL, cell attachment,
// http(s) URL or a path relative to a local notebook.
func (p *Pipeline) notebookImage(ctx context.Context, nbPath, ref string, attachments map[string]map[string]multiline) image.Image {
	switch {
	case strings.HasPrefix(ref, "data:image/"):
		img, err := chunk.DecodeDataURL(ref)
		if err != nil {
			return nil
		}
		return img
	case strings.HasPrefix(ref, "attachment:"):
		att := attachments[strings.TrimPrefix(ref, "attachment:")]
		for _, mime := range imageMIMEs {
			if payload, ok := att[mime]; ok {
				if img := decodeBase64Image(string(payload)); img != nil {
					return img
				}
			}
		}
		return nil
	case classify.IsURL(ref):
		data, err := p.fetcher.Get(ctx, ref)
		if err != nil {
			p.logger.Debug("notebook image fetch failed", "url", ref, "error", err)
			return nil
		}
		img, _ := chunk.DecodeImage(data)
		return img
	case classify.IsURL(nbPath) || nbPath == "":
		return nil
	}
	full, err := safeio.SafePath(filepath.Dir(nbPath), ref)
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

var imageMIMEs = []string{"image/png", "image/jpeg", "image/gif"}

func renderOutput(o notebookOutput, textOnly bool) (string, image.Image) {
	switch o.OutputType {
	case "stream":
		return string(o.Text), nil
	case "error":
		return o.EName + ": " + o.EValue, nil
	}
	if !textOnly {
		for _, mime := range imageMIMEs {
			if payload, ok := o.Data[mime]; ok {
				if img := decodeBase64Image(string(payload)); img != nil {
					return string(o.Data["text/plain"]), img
				}
			}
		}
	}
	if t, ok := o.Data["text/markdown"]; ok {
		return string(t), nil
	}
	return string(o.Data["text/plain"]), nil
}

func decodeBase64Image(payload string) image.Image {
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(payload), ""))
	if err != nil {
		return nil
	}
	img, err := chunk.DecodeImage(raw)
	if err != nil {
		return nil
	}
	return img
}
