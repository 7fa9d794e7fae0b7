package docpipe

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// extractPresentation yields one chunk per slide in presentation order. The
// first text shape of a slide is taken as its title.
func (p *Pipeline) extractPresentation(_ context.Context, in input, _ capability.Set, opts Options) ([]chunk.Chunk, error) {
	oz, err := openOfficeZip(in.data, p.cfg.MaxArchiveBytes)
	if err != nil {
		return nil, err
	}
	slides, err := slideOrder(oz)
	if err != nil {
		return nil, err
	}
	pages := make([]docPage, 0, len(slides))
	for _, name := range slides {
		pg, err := parseSlide(oz, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		pages = append(pages, pg)
	}
	return pagesToChunks(in.path, chunk.KindPresentation, pages, opts.TextOnly), nil
}

// slideOrder lists slide parts in the order of p:sldIdLst, falling back to
// numeric file order.
func slideOrder(oz *officeZip) ([]string, error) {
	const part = "ppt/presentation.xml"
	if data, err := oz.read(part); err == nil {
		var pres struct {
			IDs []struct {
				RID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
			} `xml:"sldIdLst>sldId"`
		}
		if err := xml.Unmarshal(data, &pres); err == nil && len(pres.IDs) > 0 {
			rels := readRels(oz, part)
			var out []string
			for _, id := range pres.IDs {
				if target, ok := rels[id.RID]; ok && oz.has(target) {
					out = append(out, target)
				}
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	}

	type numbered struct {
		name string
		n    int
	}
	var found []numbered
	for name := range oz.files {
		if !strings.HasPrefix(name, "ppt/slides/slide") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml"))
		if err != nil {
			continue
		}
		found = append(found, numbered{name, n})
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no slides found")
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.name
	}
	return out, nil
}

func parseSlide(oz *officeZip, part string) (docPage, error) {
	data, err := oz.read(part)
	if err != nil {
		return docPage{}, err
	}
	rels := readRels(oz, part)

	var (
		b        pageBuilder
		shape    []string
		para     strings.Builder
		inShape  int
		inText   bool
		tblDepth int
		rows     [][]string
		row      []string
		cell     strings.Builder
		titled   bool
	)
	emit := func(s string) {
		if strings.TrimSpace(s) == "" {
			return
		}
		if !titled {
			s = "# " + s
			titled = true
		}
		b.text(s)
	}

	dec := newXMLDecoder(data)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return docPage{}, fmt.Errorf("slide: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				inShape++
				if inShape == 1 {
					shape = nil
				}
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "br":
				para.WriteByte('\n')
			case "tbl":
				if tblDepth == 0 {
					rows = nil
				}
				tblDepth++
			case "tr":
				row = nil
			case "tc":
				cell.Reset()
			case "blip":
				if id := attr(t, "embed"); id != "" {
					if target, ok := rels[id]; ok {
						b.image(oz.image(target))
					}
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				para.Reset()
				if text == "" {
					continue
				}
				if tblDepth > 0 {
					if cell.Len() > 0 {
						cell.WriteByte(' ')
					}
					cell.WriteString(text)
				} else {
					shape = append(shape, text)
				}
			case "sp":
				inShape--
				if inShape == 0 {
					emit(strings.Join(shape, "\n"))
					shape = nil
				}
			case "tc":
				row = append(row, cell.String())
			case "tr":
				rows = append(rows, row)
			case "tbl":
				tblDepth--
				if tblDepth == 0 {
					emit(markdownTable(rows))
				}
			}
		}
	}
	pages := b.finish()
	if len(pages) == 0 {
		return docPage{}, nil
	}
	return pages[0], nil
}
