package docpipe

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// extractWord handles .docx and .odt, one chunk per page.
func (p *Pipeline) extractWord(_ context.Context, in input, _ capability.Set, opts Options) ([]chunk.Chunk, error) {
	oz, err := openOfficeZip(in.data, p.cfg.MaxArchiveBytes)
	if err != nil {
		return nil, err
	}
	var pages []docPage
	switch {
	case oz.has("word/document.xml"):
		pages, err = parseDocx(oz)
	case oz.has("content.xml"):
		pages, err = parseODT(oz)
	default:
		return nil, fmt.Errorf("neither word/document.xml nor content.xml found")
	}
	if err != nil {
		return nil, err
	}
	return pagesToChunks(in.path, chunk.KindWord, pages, opts.TextOnly), nil
}

type xmlRels struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// readRels maps relationship ids of partName to archive paths.
func readRels(oz *officeZip, partName string) map[string]string {
	out := make(map[string]string)
	data, err := oz.read(relsPath(partName))
	if err != nil {
		return out
	}
	var rels xmlRels
	if err := xml.Unmarshal(data, &rels); err != nil {
		return out
	}
	for _, r := range rels.Rels {
		out[r.ID] = resolveTarget(partName, r.Target)
	}
	return out
}

// parseDocx walks word/document.xml. Pages break on explicit page breaks
// and on Word's last rendered page break markers.
func parseDocx(oz *officeZip) ([]docPage, error) {
	const part = "word/document.xml"
	data, err := oz.read(part)
	if err != nil {
		return nil, err
	}
	rels := readRels(oz, part)

	var (
		b         pageBuilder
		para      strings.Builder
		style     string
		inText    bool
		pendBreak bool
		tblDepth  int
		rows      [][]string
		row       []string
		cell      strings.Builder
	)

	flushPara := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			return
		}
		if tblDepth > 0 {
			if cell.Len() > 0 {
				cell.WriteByte(' ')
			}
			cell.WriteString(text)
			return
		}
		b.text(headingPrefix(docxHeadingLevel(style)) + text)
	}

	dec := newXMLDecoder(data)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
				style = ""
			case "pStyle":
				style = attr(t, "val")
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br":
				if attr(t, "type") != "page" {
					para.WriteByte('\n')
					continue
				}
				fallthrough
			case "lastRenderedPageBreak":
				// Content after the marker belongs to the next page.
				if tblDepth > 0 {
					pendBreak = true
					continue
				}
				flushPara()
				b.breakPage()
			case "tbl":
				if tblDepth == 0 {
					rows = nil
				}
				tblDepth++
			case "tr":
				if tblDepth == 1 {
					row = nil
				}
			case "tc":
				if tblDepth == 1 {
					cell.Reset()
				}
			case "blip":
				if id := attr(t, "embed"); id != "" {
					if target, ok := rels[id]; ok {
						b.image(oz.image(target))
					}
				}
			case "imagedata":
				if id := attr(t, "id"); id != "" {
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
				flushPara()
			case "tc":
				if tblDepth == 1 {
					row = append(row, cell.String())
					cell.Reset()
				}
			case "tr":
				if tblDepth == 1 {
					rows = append(rows, row)
				}
			case "tbl":
				tblDepth--
				if tblDepth == 0 {
					b.text(markdownTable(rows))
					if pendBreak {
						b.breakPage()
						pendBreak = false
					}
				}
			}
		}
	}
	return b.finish(), nil
}

// docxHeadingLevel maps a paragraph style to a heading level.
// "Heading1" → 1, "Title" → 1, "Subtitle" → 2, body → 0.
func docxHeadingLevel(style string) int {
	lower := strings.ToLower(style)
	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if strings.HasPrefix(lower, prefix) {
			rest := strings.TrimSpace(lower[len(prefix):])
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
