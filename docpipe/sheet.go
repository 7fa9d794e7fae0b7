package docpipe

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

type sheet struct {
	name string
	rows [][]string
}

// extractSpreadsheet yields one chunk per data row, encoded as a JSON object
// whose first key is "row index" followed by the columns in header order.
func (p *Pipeline) extractSpreadsheet(_ context.Context, in input, _ capability.Set, _ Options) ([]chunk.Chunk, error) {
	var sheets []sheet
	var err error
	switch {
	case bytes.HasPrefix(in.data, []byte("PK\x03\x04")):
		sheets, err = readXLSX(in.data, p.cfg.MaxArchiveBytes)
	case strings.EqualFold(path.Ext(in.path), ".tsv"):
		sheets, err = readDelimited(in.data, '\t')
	default:
		sheets, err = readDelimited(in.data, ',')
	}
	if err != nil {
		return nil, err
	}

	var out []chunk.Chunk
	for _, sh := range sheets {
		if len(sh.rows) < 2 {
			continue
		}
		header := columnNames(sh.rows[0])
		label := ""
		if len(sheets) > 1 {
			label = sh.name
		}
		for i, row := range sh.rows[1:] {
			if blankRow(row) {
				continue
			}
			enc, err := encodeRow(i, label, header, row)
			if err != nil {
				return nil, err
			}
			out = append(out, chunk.New(in.path, chunk.KindSpreadsheet, []string{enc}, nil))
		}
	}
	return out, nil
}

func readDelimited(data []byte, comma rune) ([]sheet, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		rows = append(rows, rec)
	}
	return []sheet{{name: "Sheet1", rows: rows}}, nil
}

// columnNames fills blank or duplicate headers.
func columnNames(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "column " + strconv.Itoa(i+1)
		}
		if n := seen[h]; n > 0 {
			seen[h] = n + 1
			h = h + "." + strconv.Itoa(n)
		} else {
			seen[h] = 1
		}
		out[i] = h
	}
	return out
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// encodeRow writes an ordered JSON object; encoding/json would sort map keys.
func encodeRow(index int, sheetName string, header, row []string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"row index":`)
	buf.WriteString(strconv.Itoa(index))
	write := func(k, v string) error {
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}
	if sheetName != "" {
		if err := write("sheet", sheetName); err != nil {
			return "", err
		}
	}
	width := len(header)
	if len(row) > width {
		width = len(row)
	}
	for i := 0; i < width; i++ {
		name := "column " + strconv.Itoa(i+1)
		if i < len(header) {
			name = header[i]
		}
		v := ""
		if i < len(row) {
			v = row[i]
		}
		if err := write(name, v); err != nil {
			return "", err
		}
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// readXLSX reads every worksheet of a workbook in workbook order.
func readXLSX(data []byte, maxRead int64) ([]sheet, error) {
	oz, err := openOfficeZip(data, maxRead)
	if err != nil {
		return nil, err
	}
	shared := readSharedStrings(oz)

	const wbPart = "xl/workbook.xml"
	wbData, err := oz.read(wbPart)
	if err != nil {
		return nil, err
	}
	var wb struct {
		Sheets []struct {
			Name string `xml:"name,attr"`
			RID  string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
		} `xml:"sheets>sheet"`
	}
	if err := xml.Unmarshal(wbData, &wb); err != nil {
		return nil, fmt.Errorf("workbook.xml: %w", err)
	}
	rels := readRels(oz, wbPart)

	var out []sheet
	for _, s := range wb.Sheets {
		target, ok := rels[s.RID]
		if !ok {
			continue
		}
		rows, err := readWorksheet(oz, target, shared)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", s.Name, err)
		}
		out = append(out, sheet{name: s.Name, rows: rows})
	}
	return out, nil
}

func readSharedStrings(oz *officeZip) []string {
	data, err := oz.read("xl/sharedStrings.xml")
	if err != nil {
		return nil
	}
	var out []string
	var cur strings.Builder
	inSI, inT := false, false
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inSI = true
				cur.Reset()
			case "t":
				inT = inSI
			case "rPh":
				// Phonetic runs duplicate the visible text.
				if err := dec.Skip(); err != nil {
					return out
				}
			}
		case xml.CharData:
			if inT {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inT = false
			case "si":
				inSI = false
				out = append(out, cur.String())
			}
		}
	}
	return out
}

func readWorksheet(oz *officeZip, part string, shared []string) ([][]string, error) {
	data, err := oz.read(part)
	if err != nil {
		return nil, err
	}
	var ws struct {
		Rows []struct {
			R     int `xml:"r,attr"`
			Cells []struct {
				Ref    string `xml:"r,attr"`
				Type   string `xml:"t,attr"`
				Value  string `xml:"v"`
				Inline string `xml:"is>t"`
			} `xml:"c"`
		} `xml:"sheetData>row"`
	}
	if err := xml.Unmarshal(data, &ws); err != nil {
		return nil, err
	}
	var rows [][]string
	for _, r := range ws.Rows {
		var row []string
		for i, c := range r.Cells {
			col := i
			if n := columnIndex(c.Ref); n >= 0 {
				col = n
			}
			for len(row) <= col {
				row = append(row, "")
			}
			row[col] = cellValue(c.Type, c.Value, c.Inline, shared)
		}
		// Keep row positions when the sheet skips empty rows.
		for r.R > 0 && len(rows) < r.R-1 {
			rows = append(rows, nil)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cellValue(typ, v, inline string, shared []string) string {
	switch typ {
	case "s":
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 || i >= len(shared) {
			return ""
		}
		return shared[i]
	case "inlineStr":
		return inline
	case "b":
		if v == "1" {
			return "TRUE"
		}
		return "FALSE"
	}
	return v
}

// columnIndex converts the letters of a cell reference ("AB12") to a
// zero-based column index.
func columnIndex(ref string) int {
	n := 0
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1
}
