package docpipe

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"image"
	"path"
	"strings"

	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/safeio"
)

// docPage accumulates the blocks and images of one page or slide.
type docPage struct {
	blocks []string
	images []image.Image
}

type pageBuilder struct {
	pages []docPage
	cur   docPage
}

func (b *pageBuilder) text(s string) {
	if strings.TrimSpace(s) != "" {
		b.cur.blocks = append(b.cur.blocks, s)
	}
}

func (b *pageBuilder) image(img image.Image) {
	if img != nil {
		b.cur.images = append(b.cur.images, img)
	}
}

func (b *pageBuilder) breakPage() {
	if len(b.cur.blocks) > 0 || len(b.cur.images) > 0 {
		b.pages = append(b.pages, b.cur)
	}
	b.cur = docPage{}
}

func (b *pageBuilder) finish() []docPage {
	b.breakPage()
	return b.pages
}

func pagesToChunks(path string, kind chunk.Kind, pages []docPage, textOnly bool) []chunk.Chunk {
	out := make([]chunk.Chunk, 0, len(pages))
	for _, pg := range pages {
		var images []image.Image
		if !textOnly {
			images = pg.images
		}
		out = append(out, chunk.New(path, kind, pg.blocks, images))
	}
	return out
}

// officeZip wraps an OOXML / ODF container.
type officeZip struct {
	zr      *zip.Reader
	files   map[string]*zip.File
	maxRead int64
}

func openOfficeZip(data []byte, maxRead int64) (*officeZip, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	oz := &officeZip{zr: zr, files: make(map[string]*zip.File, len(zr.File)), maxRead: maxRead}
	for _, f := range zr.File {
		oz.files[f.Name] = f
	}
	return oz, nil
}

func (oz *officeZip) has(name string) bool {
	_, ok := oz.files[name]
	return ok
}

func (oz *officeZip) read(name string) ([]byte, error) {
	f, ok := oz.files[name]
	if !ok {
		return nil, fmt.Errorf("%s not found in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	return safeio.LimitedReadAll(rc, oz.maxRead)
}

// image decodes an embedded picture. Unknown formats (emf, wmf, svg) are
// skipped.
func (oz *officeZip) image(name string) image.Image {
	data, err := oz.read(name)
	if err != nil {
		return nil
	}
	img, err := chunk.DecodeImage(data)
	if err != nil {
		return nil
	}
	return img
}

// resolveTarget resolves a relationship target relative to the part that
// declares it (e.g. "../media/image1.png" from "ppt/slides/slide1.xml").
func resolveTarget(partName, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Clean(path.Join(path.Dir(partName), target))
}

// relsPath returns the relationships part of partName.
func relsPath(partName string) string {
	return path.Join(path.Dir(partName), "_rels", path.Base(partName)+".rels")
}

// markdownTable renders rows as a GitHub-flavored markdown table; the first
// row is the header.
func markdownTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	if width == 0 {
		return ""
	}
	cell := func(s string) string {
		s = strings.Join(strings.Fields(s), " ")
		return strings.ReplaceAll(s, "|", `\|`)
	}
	var sb strings.Builder
	writeRow := func(r []string) {
		sb.WriteString("|")
		for i := 0; i < width; i++ {
			v := ""
			if i < len(r) {
				v = cell(r[i])
			}
			sb.WriteString(" " + v + " |")
		}
		sb.WriteByte('\n')
	}
	writeRow(rows[0])
	sb.WriteString("|")
	for i := 0; i < width; i++ {
		sb.WriteString(" --- |")
	}
	sb.WriteByte('\n')
	for _, r := range rows[1:] {
		writeRow(r)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func headingPrefix(level int) string {
	if level <= 0 {
		return ""
	}
	if level > 6 {
		level = 6
	}
	return strings.Repeat("#", level) + " "
}

const maxXMLDepth = 256

var errXMLTooDeep = fmt.Errorf("xml nesting depth exceeds %d", maxXMLDepth)

// xmlDecoder is an xml.Decoder that refuses documents nested deeper than
// maxXMLDepth.
type xmlDecoder struct {
	*xml.Decoder
	depth int
}

func newXMLDecoder(data []byte) *xmlDecoder {
	return &xmlDecoder{Decoder: xml.NewDecoder(bytes.NewReader(data))}
}

func (d *xmlDecoder) Token() (xml.Token, error) {
	tok, err := d.Decoder.Token()
	switch tok.(type) {
	case xml.StartElement:
		d.depth++
		if d.depth > maxXMLDepth {
			return nil, errXMLTooDeep
		}
	case xml.EndElement:
		d.depth--
	}
	return tok, err
}
