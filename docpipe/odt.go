package docpipe

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseODT walks content.xml of an OpenDocument text. Pages break on
// text:soft-page-break, which writers emit where layout broke the page.
func parseODT(oz *officeZip) ([]docPage, error) {
	data, err := oz.read("content.xml")
	if err != nil {
		return nil, err
	}

	var (
		b        pageBuilder
		cur      strings.Builder
		depth    int // nesting of text:h / text:p
		level    int
		inList   bool
		tblDepth int
		rows     [][]string
		row      []string
		cell     strings.Builder
	)

	flush := func(heading bool) {
		text := strings.TrimSpace(cur.String())
		cur.Reset()
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
		switch {
		case heading:
			b.text(headingPrefix(level) + text)
		case inList:
			b.text("- " + text)
		default:
			b.text(text)
		}
	}

	dec := newXMLDecoder(data)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("content.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "h":
				depth++
				cur.Reset()
				level = 1
				if n, err := strconv.Atoi(attr(t, "outline-level")); err == nil {
					level = n
				}
			case "p":
				depth++
				if depth == 1 {
					cur.Reset()
				}
			case "list":
				inList = true
			case "tab":
				cur.WriteByte('\t')
			case "s":
				n := 1
				if c, err := strconv.Atoi(attr(t, "c")); err == nil && c > 0 {
					n = c
				}
				cur.WriteString(strings.Repeat(" ", n))
			case "line-break":
				cur.WriteByte('\n')
			case "soft-page-break":
				if tblDepth == 0 {
					flush(false)
					b.breakPage()
				}
			case "table":
				if tblDepth == 0 {
					rows = nil
				}
				tblDepth++
			case "table-row":
				if tblDepth == 1 {
					row = nil
				}
			case "table-cell":
				if tblDepth == 1 {
					cell.Reset()
				}
			case "image":
				if href := attr(t, "href"); href != "" && !strings.Contains(href, "://") {
					b.image(oz.image(strings.TrimPrefix(href, "./")))
				}
			}
		case xml.CharData:
			if depth > 0 {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "h":
				depth--
				flush(true)
			case "p":
				depth--
				if depth == 0 {
					flush(false)
				}
			case "list":
				inList = false
			case "table-cell":
				if tblDepth == 1 {
					row = append(row, cell.String())
					cell.Reset()
				}
			case "table-row":
				if tblDepth == 1 {
					rows = append(rows, row)
				}
			case "table":
				tblDepth--
				if tblDepth == 0 {
					b.text(markdownTable(rows))
				}
			}
		}
	}
	return b.finish(), nil
}
