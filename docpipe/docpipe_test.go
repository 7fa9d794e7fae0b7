package docpipe

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/classify"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func extractFile(t *testing.T, pipe *Pipeline, path string, caps capability.Set, opts Options) []chunk.Chunk {
	t.Helper()
	chunks, err := pipe.Extract(context.Background(), Source{Path: path}, caps, opts)
	if err != nil {
		t.Fatalf("extract %s: %v", path, err)
	}
	return chunks
}

func texts(chunks []chunk.Chunk) [][]string {
	out := make([][]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// --- dispatcher ---

func TestStrategyForEveryKind(t *testing.T) {
	// WHAT: Every kind of the closed enumeration has a strategy.
	// WHY: A kind without a strategy would be classified but never extracted.
	pipe := New(Config{})
	for _, k := range chunk.Kinds() {
		if run, _ := pipe.strategyFor(k); run == nil {
			t.Errorf("no strategy for %s", k)
		}
	}
	if got := pipe.SupportedKinds(); !reflect.DeepEqual(got, chunk.Kinds()) {
		t.Errorf("SupportedKinds = %v", got)
	}
}

func TestExtract_Plaintext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "test.txt", []byte("Hello  world\r\n\r\n  test  "))
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if got := chunks[0].JoinedText(""); got != "Hello  world\n\n  test  " {
		t.Errorf("text = %q", got)
	}
	if chunks[0].SourceType != chunk.KindPlaintext || chunks[0].Path != path {
		t.Errorf("metadata: %+v", chunks[0])
	}
}

func TestExtract_PlaintextLegacyCharset(t *testing.T) {
	// WHAT: Non UTF-8 text is decoded rather than mangled.
	// WHY: Old text files are often Windows-1252.
	path := writeFile(t, t.TempDir(), "menu.txt", []byte("caf\xe9 cr\xe8me"))
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})
	if got := chunks[0].JoinedText(""); got != "café crème" {
		t.Errorf("text = %q", got)
	}
}

func TestExtract_EmptySourceFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.txt", []byte("   \n"))
	_, err := New(Config{}).Extract(context.Background(), Source{Path: path}, capability.Set{}, Options{})
	var ef *ExtractionFailedError
	if !errors.As(err, &ef) || ef.Path != path {
		t.Fatalf("expected ExtractionFailedError for %s, got %v", path, err)
	}
}

func TestExtract_TooLarge(t *testing.T) {
	path := writeFile(t, t.TempDir(), "big.txt", bytes.Repeat([]byte("x"), 64))
	_, err := New(Config{MaxFileSize: 16}).Extract(context.Background(), Source{Path: path}, capability.Set{}, Options{})
	var tl *SourceTooLargeError
	if !errors.As(err, &tl) {
		t.Fatalf("expected SourceTooLargeError, got %v", err)
	}
	if tl.Path != path || tl.Size != 64 || tl.Limit != 16 {
		t.Errorf("error fields: %+v", tl)
	}
}

func TestExtract_Unsupported(t *testing.T) {
	path := writeFile(t, t.TempDir(), "blob.qqq", []byte{0x00, 0x01, 0x02, 0x03, 0xfe, 0xff})
	_, err := New(Config{}).Extract(context.Background(), Source{Path: path}, capability.Set{}, Options{})
	var us *classify.UnsupportedSourceError
	if !errors.As(err, &us) {
		t.Fatalf("expected UnsupportedSourceError, got %v", err)
	}
}

func TestExtract_InMemorySource(t *testing.T) {
	// WHAT: Source.Data replaces file access; the path only names it.
	chunks, err := New(Config{}).Extract(context.Background(),
		Source{Path: "upload.csv", Data: []byte("k,v\na,1\n")}, capability.Set{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Text[0] != `{"row index":0,"k":"a","v":"1"}` {
		t.Fatalf("chunks = %v", texts(chunks))
	}
}

// --- office documents ---

const (
	nsW   = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"`
	nsR   = `xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"`
	nsA   = `xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"`
	nsP   = `xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"`
	nsRel = `xmlns="http://schemas.openxmlformats.org/package/2006/relationships"`
)

func TestExtract_Docx(t *testing.T) {
	// WHAT: A docx with a page break yields one chunk per page with
	// markdown headings, a markdown table and the embedded image.
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document ` + nsW + ` ` + nsR + ` ` + nsA + `>
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Test Title</w:t></w:r></w:p>
<w:p><w:r><w:t>Body one.</w:t></w:r></w:p>
<w:p><w:r><w:br w:type="page"/><w:t>Page two.</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>A</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>B</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>1</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>2</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:drawing><a:graphic><a:graphicData><a:blip r:embed="rId1"/></a:graphicData></a:graphic></w:drawing></w:r></w:p>
</w:body>
</w:document>`
	rels := `<?xml version="1.0" encoding="UTF-8"?>
<Relationships ` + nsRel + `><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/image1.png"/></Relationships>`

	data := zipBytes(t,
		zipEntry{"word/document.xml", []byte(doc)},
		zipEntry{"word/_rels/document.xml.rels", []byte(rels)},
		zipEntry{"word/media/image1.png", testPNG(t, 12, 8)},
	)
	path := writeFile(t, t.TempDir(), "test.docx", data)
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	want := [][]string{
		{"# Test Title", "Body one."},
		{"Page two.", "| A | B |\n| --- | --- |\n| 1 | 2 |"},
	}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
	if len(chunks[1].Images) != 1 {
		t.Errorf("page 2 images = %d, want 1", len(chunks[1].Images))
	}

	chunks = extractFile(t, New(Config{}), path, capability.Set{}, Options{TextOnly: true})
	if len(chunks[1].Images) != 0 {
		t.Errorf("text-only kept images")
	}
}

func TestExtract_ODT(t *testing.T) {
	content := `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
  xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
<office:body>
<office:text>
<text:h text:outline-level="1">ODT Title</text:h>
<text:p>First<text:s text:c="2"/>paragraph.</text:p>
<text:list><text:list-item><text:p>Item</text:p></text:list-item></text:list>
<text:p><text:soft-page-break/>Second page.</text:p>
</office:text>
</office:body>
</office:document-content>`

	path := writeFile(t, t.TempDir(), "test.odt", zipBytes(t, zipEntry{"content.xml", []byte(content)}))
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	want := [][]string{
		{"# ODT Title", "First  paragraph.", "- Item"},
		{"Second page."},
	}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
}

func nestedXML(open, inner, close string, n int) string {
	return strings.Repeat(open, n) + inner + strings.Repeat(close, n)
}

func TestDOCX_XMLBomb(t *testing.T) {
	// WHAT: A docx nested deeper than the XML depth limit is rejected.
	// WHY: Deep nesting is a denial of service vector.
	doc := `<w:document ` + nsW + `><w:body>` + nestedXML("<w:p>", "<w:r><w:t>deep</w:t></w:r>", "</w:p>", 300) + `</w:body></w:document>`
	path := writeFile(t, t.TempDir(), "bomb.docx", zipBytes(t, zipEntry{"word/document.xml", []byte(doc)}))

	_, err := New(Config{}).Extract(context.Background(), Source{Path: path}, capability.Set{}, Options{})
	var ef *ExtractionFailedError
	if !errors.As(err, &ef) {
		t.Fatalf("expected ExtractionFailedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "nesting depth") {
		t.Errorf("expected 'nesting depth' error, got: %v", err)
	}
}

func TestODT_XMLBomb(t *testing.T) {
	content := `<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0"><office:body><office:text>` +
		nestedXML("<text:p>", "deep text", "</text:p>", 300) + `</office:text></office:body></office:document-content>`
	path := writeFile(t, t.TempDir(), "bomb.odt", zipBytes(t, zipEntry{"content.xml", []byte(content)}))

	_, err := New(Config{}).Extract(context.Background(), Source{Path: path}, capability.Set{}, Options{})
	if err == nil || !strings.Contains(err.Error(), "nesting depth") {
		t.Fatalf("expected 'nesting depth' error, got: %v", err)
	}
}

func pptxSlide(title, body string) []byte {
	shape := func(s string) string {
		return `<p:sp><p:txBody><a:p><a:r><a:t>` + s + `</a:t></a:r></a:p></p:txBody></p:sp>`
	}
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<p:sld ` + nsP + ` ` + nsA + ` ` + nsR + `><p:cSld><p:spTree>` + shape(title) + shape(body) + `</p:spTree></p:cSld></p:sld>`)
}

func TestExtract_Pptx_SlideOrder(t *testing.T) {
	// WHAT: Slides follow the presentation's slide list, not file names;
	// the first shape of each slide becomes a heading.
	pres := `<?xml version="1.0" encoding="UTF-8"?>
<p:presentation ` + nsP + ` ` + nsR + `><p:sldIdLst><p:sldId id="256" r:id="rId2"/><p:sldId id="257" r:id="rId1"/></p:sldIdLst></p:presentation>`
	rels := `<?xml version="1.0" encoding="UTF-8"?>
<Relationships ` + nsRel + `>
<Relationship Id="rId1" Target="slides/slide1.xml"/>
<Relationship Id="rId2" Target="slides/slide2.xml"/>
</Relationships>`

	data := zipBytes(t,
		zipEntry{"ppt/presentation.xml", []byte(pres)},
		zipEntry{"ppt/_rels/presentation.xml.rels", []byte(rels)},
		zipEntry{"ppt/slides/slide1.xml", pptxSlide("Second", "body two")},
		zipEntry{"ppt/slides/slide2.xml", pptxSlide("First", "body one")},
	)
	path := writeFile(t, t.TempDir(), "deck.pptx", data)
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	want := [][]string{{"# First", "body one"}, {"# Second", "body two"}}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
}

func TestExtract_XLSX(t *testing.T) {
	workbook := `<?xml version="1.0" encoding="UTF-8"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" ` + nsR + `><sheets><sheet name="People" sheetId="1" r:id="rId1"/></sheets></workbook>`
	rels := `<?xml version="1.0" encoding="UTF-8"?>
<Relationships ` + nsRel + `><Relationship Id="rId1" Target="worksheets/sheet1.xml"/></Relationships>`
	shared := `<?xml version="1.0" encoding="UTF-8"?>
<sst xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"><si><t>name</t></si><si><t>age</t></si><si><t>alice</t></si></sst>`
	sheet := `<?xml version="1.0" encoding="UTF-8"?>
<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row r="2"><c r="A2" t="s"><v>2</v></c><c r="B2"><v>30</v></c></row>
</sheetData></worksheet>`

	data := zipBytes(t,
		zipEntry{"xl/workbook.xml", []byte(workbook)},
		zipEntry{"xl/_rels/workbook.xml.rels", []byte(rels)},
		zipEntry{"xl/sharedStrings.xml", []byte(shared)},
		zipEntry{"xl/worksheets/sheet1.xml", []byte(sheet)},
	)
	path := writeFile(t, t.TempDir(), "people.xlsx", data)
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	if len(chunks) != 1 {
		t.Fatalf("expected 1 row chunk, got %d", len(chunks))
	}
	if got := chunks[0].Text[0]; got != `{"row index":0,"name":"alice","age":"30"}` {
		t.Errorf("row = %s", got)
	}
}

func TestExtract_CSV_SkipsBlankRows(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.csv", []byte("a,b\n1,2\n,\n3,4\n"))
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	want := [][]string{
		{`{"row index":0,"a":"1","b":"2"}`},
		{`{"row index":2,"a":"3","b":"4"}`},
	}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
	for _, c := range chunks {
		if len(c.Images) != 0 {
			t.Error("spreadsheet chunk carries images")
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(c.Text[0]), &row); err != nil {
			t.Errorf("row is not JSON: %v", err)
		}
	}
}

// --- notebook ---

func TestExtract_Notebook(t *testing.T) {
	// WHAT: One chunk per cell; outputs join their code cell and images
	// come from data URLs and display outputs.
	pngB64 := base64.StdEncoding.EncodeToString(testPNG(t, 6, 6))
	nb := map[string]any{
		"cells": []any{
			map[string]any{
				"cell_type": "markdown",
				"source":    []string{"# Intro\n", "![dot](data:image/png;base64," + pngB64 + ")"},
			},
			map[string]any{
				"cell_type": "code",
				"source":    "print('hi')",
				"outputs": []any{
					map[string]any{"output_type": "stream", "text": []string{"hi\n"}},
					map[string]any{"output_type": "display_data", "data": map[string]any{
						"image/png":  pngB64,
						"text/plain": "<Figure>",
					}},
				},
			},
			map[string]any{"cell_type": "raw", "source": "raw text"},
		},
	}
	data, _ := json.Marshal(nb)
	path := writeFile(t, t.TempDir(), "nb.ipynb", data)
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if !strings.HasPrefix(chunks[0].Text[0], "# Intro") || len(chunks[0].Images) != 1 {
		t.Errorf("markdown cell: %q, %d images", chunks[0].Text, len(chunks[0].Images))
	}
	if want := []string{"print('hi')", "hi\n", "<Figure>"}; !reflect.DeepEqual(chunks[1].Text, want) {
		t.Errorf("code cell text = %q", chunks[1].Text)
	}
	if len(chunks[1].Images) != 1 {
		t.Errorf("code cell images = %d, want 1", len(chunks[1].Images))
	}
	if chunks[2].Text[0] != "raw text" {
		t.Errorf("raw cell = %q", chunks[2].Text)
	}
}

// --- image ---

func TestExtract_Image(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pic.png", testPNG(t, 20, 10))
	pipe := New(Config{})

	// Without vision the image is the only content.
	chunks := extractFile(t, pipe, path, capability.Set{}, Options{})
	if len(chunks) != 1 || len(chunks[0].Images) != 1 || chunks[0].HasText() {
		t.Fatalf("no vision: %+v", chunks)
	}

	vision := &stubVision{reply: "a gradient"}
	chunks = extractFile(t, pipe, path, capability.Set{Vision: vision}, Options{TextOnly: true})
	if len(chunks[0].Images) != 0 || chunks[0].JoinedText("") != "a gradient" {
		t.Fatalf("vision text-only: %+v", chunks[0])
	}

	// WHY: With vision the description replaces the image, TextOnly or not.
	chunks = extractFile(t, pipe, path, capability.Set{Vision: vision}, Options{})
	if len(chunks[0].Images) != 0 || chunks[0].JoinedText("") != "a gradient" {
		t.Fatalf("vision: %+v", chunks[0])
	}

	// A failed or empty description falls back to the image.
	chunks = extractFile(t, pipe, path, capability.Set{Vision: &stubVision{reply: "  "}}, Options{})
	if len(chunks[0].Images) != 1 || chunks[0].HasText() {
		t.Fatalf("empty description: %+v", chunks[0])
	}
	if vision.prompt != DefaultImagePrompt {
		t.Errorf("prompt = %q", vision.prompt)
	}
}

// --- directory ---

func TestExtract_DirectoryInclude(t *testing.T) {
	// WHAT: Only members matching the include pattern are extracted, in
	// lexicographic order, and ignored folders are never entered.
	dir := t.TempDir()
	writeFile(t, dir, "b.md", []byte("beta"))
	writeFile(t, dir, "a.txt", []byte("alpha"))
	writeFile(t, dir, "sub/c.txt", []byte("gamma"))
	writeFile(t, dir, "node_modules/d.txt", []byte("ignored"))

	chunks := extractFile(t, New(Config{}), dir, capability.Set{}, Options{Include: []string{"*.txt"}})

	var got []string
	for _, c := range chunks {
		got = append(got, c.JoinedText(""))
	}
	if want := []string{"alpha", "gamma"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
	if chunks[1].Path != filepath.Join(dir, "sub", "c.txt") {
		t.Errorf("member path = %q", chunks[1].Path)
	}
}

func TestExtract_DirectorySkipsBrokenMember(t *testing.T) {
	// WHAT: A corrupt member is skipped; its siblings still extract.
	// WHY: Member failures are isolated.
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("alpha"))
	writeFile(t, dir, "b.pdf", []byte("not a pdf at all"))
	writeFile(t, dir, "c.txt", []byte("gamma"))

	chunks := extractFile(t, New(Config{}), dir, capability.Set{}, Options{})
	if len(chunks) != 2 || chunks[0].JoinedText("") != "alpha" || chunks[1].JoinedText("") != "gamma" {
		t.Fatalf("chunks = %q", texts(chunks))
	}
}

func TestExtract_Deterministic(t *testing.T) {
	// WHAT: Concurrent member extraction returns the same sequence on
	// every run.
	// WHY: Results are merged by member index, not completion order.
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, dir, fmt.Sprintf("f%02d.txt", i), []byte(strings.Repeat(fmt.Sprintf("doc %d ", i), i+1)))
	}
	pipe := New(Config{Concurrency: 8})
	first := extractFile(t, pipe, dir, capability.Set{}, Options{})
	for run := 0; run < 5; run++ {
		again := extractFile(t, pipe, dir, capability.Set{}, Options{})
		if !reflect.DeepEqual(texts(first), texts(again)) {
			t.Fatalf("run %d differs", run)
		}
	}
	if len(first) != 20 || first[0].JoinedText("") != "doc 0 " {
		t.Fatalf("unexpected first result: %d chunks", len(first))
	}
}

// --- archives ---

func TestExtract_Zip(t *testing.T) {
	data := zipBytes(t,
		zipEntry{"b.txt", []byte("bravo")},
		zipEntry{"a.txt", []byte("alpha")},
		zipEntry{"../evil.txt", []byte("escape")},
		zipEntry{"dir/c.csv", []byte("k\nv\n")},
	)
	path := writeFile(t, t.TempDir(), "bundle.zip", data)
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})

	want := [][]string{{"alpha"}, {"bravo"}, {`{"row index":0,"k":"v"}`}}
	if got := texts(chunks); !reflect.DeepEqual(got, want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
	if chunks[0].Path != path+"/a.txt" {
		t.Errorf("member path = %q", chunks[0].Path)
	}
}

func TestExtract_TarGz(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range []struct{ name, body string }{{"z.txt", "zulu"}, {"m.txt", "mike"}} {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(f.body))
	}
	tw.Close()
	gz.Close()

	path := writeFile(t, t.TempDir(), "bundle.tar.gz", buf.Bytes())
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})
	if got := texts(chunks); !reflect.DeepEqual(got, [][]string{{"mike"}, {"zulu"}}) {
		t.Fatalf("texts = %q", got)
	}
}

func TestExtract_NestedArchiveDepth(t *testing.T) {
	// WHAT: Archives nested beyond MaxDepth are skipped, not followed.
	inner := zipBytes(t, zipEntry{"deep.txt", []byte("deep")})
	outer := zipBytes(t, zipEntry{"inner.zip", inner}, zipEntry{"top.txt", []byte("top")})
	path := writeFile(t, t.TempDir(), "outer.zip", outer)

	chunks := extractFile(t, New(Config{MaxDepth: 1}), path, capability.Set{}, Options{})
	if got := texts(chunks); !reflect.DeepEqual(got, [][]string{{"top"}}) {
		t.Fatalf("depth 1: %q", got)
	}
	chunks = extractFile(t, New(Config{MaxDepth: 2}), path, capability.Set{}, Options{})
	if got := texts(chunks); !reflect.DeepEqual(got, [][]string{{"deep"}, {"top"}}) {
		t.Fatalf("depth 2: %q", got)
	}
}

func TestExtract_ArchiveMemberCap(t *testing.T) {
	data := zipBytes(t,
		zipEntry{"a.txt", []byte("a")},
		zipEntry{"b.txt", []byte("b")},
		zipEntry{"c.txt", []byte("c")},
	)
	path := writeFile(t, t.TempDir(), "many.zip", data)
	_, err := New(Config{MaxArchiveMembers: 2}).Extract(context.Background(), Source{Path: path}, capability.Set{}, Options{})
	var ef *ExtractionFailedError
	if !errors.As(err, &ef) {
		t.Fatalf("expected ExtractionFailedError, got %v", err)
	}
}

// --- webpage ---

const testPage = `<!DOCTYPE html>
<html><head><title>T</title><script>alert("x")</script><style>p{}</style></head>
<body>
<nav><a href="/">navlink</a></nav>
<h1>Heading</h1>
<p>Visible paragraph.</p>
<div style="display:none">secret</div>
<table><tr><th>Name</th><th>Age</th></tr><tr><td>Ann</td><td>31</td></tr></table>
<img src="/pic.png" alt="pic">
<img src="/missing.png" alt="gone">
<footer>footer text</footer>
</body></html>`

func TestExtract_Webpage_NoCapabilities(t *testing.T) {
	// WHAT: Without capabilities a page is fetched, pruned, converted to
	// markdown and its images downloaded.
	// WHY: Web pages have a capability-free path.
	pngData := testPNG(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(testPage))
		case "/pic.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngData)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pipe := New(Config{AllowPrivateURLs: true})
	chunks := extractFile(t, pipe, srv.URL+"/page.html", capability.Set{}, Options{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	md := chunks[0].JoinedText("")
	for _, want := range []string{"# Heading", "Visible paragraph.", "Name", "Ann", "|"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown lacks %q:\n%s", want, md)
		}
	}
	for _, unwanted := range []string{"navlink", "secret", "alert", "footer text"} {
		if strings.Contains(md, unwanted) {
			t.Errorf("markdown keeps %q:\n%s", unwanted, md)
		}
	}
	if strings.Contains(md, "\n\n\n") {
		t.Error("markdown keeps runs of blank lines")
	}
	if len(chunks[0].Images) != 1 {
		t.Errorf("images = %d, want 1", len(chunks[0].Images))
	}
}

func TestExtract_Webpage_RenderAndVision(t *testing.T) {
	// WHAT: With a renderer and vision the screenshot and its description
	// make the chunk.
	shot := testImage(30, 20)
	renderer := &stubRenderer{rendering: capability.Rendering{Screenshot: shot, HTML: testPage}}
	vision := &stubVision{reply: "```markdown\n# Rendered\n```"}
	caps := capability.Set{Renderer: renderer, Vision: vision}

	chunks := extractFile(t, New(Config{}), "https://example.com/page.html", caps, Options{})
	if len(chunks) != 1 || chunks[0].JoinedText("") != "# Rendered" || len(chunks[0].Images) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if vision.prompt != DefaultScrapingPrompt {
		t.Errorf("prompt = %q", vision.prompt)
	}
}

func TestExtract_Webpage_RenderFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>fetched body</p></body></html>"))
	}))
	defer srv.Close()

	caps := capability.Set{Renderer: &stubRenderer{err: errors.New("no chrome")}}
	chunks := extractFile(t, New(Config{AllowPrivateURLs: true}), srv.URL+"/index.html", caps, Options{})
	if got := chunks[0].JoinedText(""); got != "fetched body" {
		t.Fatalf("text = %q", got)
	}
}

func TestExtract_URLServingPDF(t *testing.T) {
	// WHAT: An extension-less URL that serves a PDF goes to the PDF strategy.
	pdfData := buildPDF(t, pdfFixturePage{text: "Served over HTTP"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfData)
	}))
	defer srv.Close()

	chunks := extractFile(t, New(Config{AllowPrivateURLs: true}), srv.URL+"/download", capability.Set{}, Options{})
	if chunks[0].SourceType != chunk.KindPDF {
		t.Fatalf("source type = %q", chunks[0].SourceType)
	}
	if !strings.Contains(squash(chunks[0].JoinedText("")), "ServedoverHTTP") {
		t.Errorf("text = %q", chunks[0].JoinedText(""))
	}
}

func TestExtract_PrivateURLRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>x</p>"))
	}))
	defer srv.Close()

	_, err := New(Config{}).Extract(context.Background(), Source{Path: srv.URL + "/a.html"}, capability.Set{}, Options{})
	if err == nil {
		t.Fatal("expected loopback fetch to be refused")
	}
}

// --- social post ---

func TestTweetToken(t *testing.T) {
	got, err := tweetToken("1234567890123456789")
	if err != nil {
		t.Fatal(err)
	}
	if got != "2zq" {
		t.Errorf("token = %q, want 2zq", got)
	}
}

func TestExtract_SocialPost(t *testing.T) {
	pngData := testPNG(t, 4, 4)
	var gotQuery string
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tweet-result":
			gotQuery = r.URL.RawQuery
			json.NewEncoder(w).Encode(map[string]any{
				"text":         "hello tweet",
				"user":         map[string]any{"name": "Ann", "screen_name": "ann"},
				"mediaDetails": []any{map[string]any{"media_url_https": srv.URL + "/m.png"}},
			})
		case "/m.png":
			w.Write(pngData)
		}
	}))
	defer srv.Close()

	pipe := New(Config{AllowPrivateURLs: true, SyndicationURL: srv.URL + "/tweet-result"})
	chunks := extractFile(t, pipe, "https://x.com/ann/status/1234567890123456789", capability.Set{}, Options{})

	if len(chunks) != 1 || !strings.Contains(chunks[0].JoinedText(""), "hello tweet") || len(chunks[0].Images) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !strings.Contains(gotQuery, "id=1234567890123456789") || !strings.Contains(gotQuery, "token=2zq") {
		t.Errorf("query = %q", gotQuery)
	}
}

// --- repository ---

func TestExtract_Repository(t *testing.T) {
	lister := &stubLister{files: []capability.File{
		{Path: "src/main.go", Data: []byte("package main")},
		{Path: "README.md", Data: []byte("# Repo")},
		{Path: "node_modules/x.js", Data: []byte("ignored")},
		{Path: "package.json", Data: []byte("{}")},
	}}
	caps := capability.Set{Repo: lister, RepoToken: "tok"}
	repo := "https://github.com/owner/repo"

	chunks := extractFile(t, New(Config{}), repo, caps, Options{})
	if got := texts(chunks); !reflect.DeepEqual(got, [][]string{{"# Repo"}, {"package main"}}) {
		t.Fatalf("texts = %q", got)
	}
	if chunks[0].Path != repo+"/README.md" {
		t.Errorf("path = %q", chunks[0].Path)
	}
	if lister.token != "tok" {
		t.Errorf("token = %q", lister.token)
	}
}

func TestGitHubLister_Zipball(t *testing.T) {
	archive := zipBytes(t,
		zipEntry{"owner-repo-abc123/README.md", []byte("top")},
		zipEntry{"owner-repo-abc123/docs/a.md", []byte("doc a")},
	)
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, path = r.Header.Get("Authorization"), r.URL.Path
		w.Write(archive)
	}))
	defer srv.Close()

	g := NewGitHubLister(srv.URL, srv.Client(), nil)
	files, err := g.ListFiles(context.Background(), "https://github.com/owner/repo/tree/main/docs", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/repos/owner/repo/zipball/main" || auth != "Bearer tok" {
		t.Errorf("request: path=%q auth=%q", path, auth)
	}
	if len(files) != 1 || files[0].Path != "a.md" || string(files[0].Data) != "doc a" {
		t.Fatalf("files = %+v", files)
	}
}

// --- media ---

func TestExtract_AudioTranscript(t *testing.T) {
	tr := &stubTranscriber{transcript: capability.Transcript{Segments: []capability.Segment{
		{Start: 0, End: 1.5, Text: " hello"},
		{Start: 1.5, End: 700, Text: "long"},
		{Start: 700, End: 710, Text: "cut"},
	}}}
	path := writeFile(t, t.TempDir(), "talk.mp3", []byte("ID3 fake audio"))

	chunks := extractFile(t, New(Config{}), path, capability.Set{Transcriber: tr}, Options{})
	want := "[00:00:00.000 --> 00:00:01.500]  hello\n[00:00:01.500 --> 00:10:00.000]  long"
	if got := chunks[0].JoinedText(""); got != want {
		t.Fatalf("transcript = %q, want %q", got, want)
	}
	if tr.gotMax != New(Config{}).Config().MaxDuration {
		t.Errorf("max duration = %v", tr.gotMax)
	}
}

func TestExtract_AudioWithoutTranscriber(t *testing.T) {
	path := writeFile(t, t.TempDir(), "talk.mp3", []byte("ID3 fake audio"))
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})
	if len(chunks) != 1 || len(chunks[0].Audio) != 1 || chunks[0].Audio[0].Path != path {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestExtract_VideoWindows(t *testing.T) {
	// WHAT: Frames and transcript segments land in the window covering
	// their timestamp.
	frames := &stubFrames{frames: []capability.Frame{
		{At: 0, Image: testImage(4, 4)},
		{At: 10e9, Image: testImage(4, 4)},
		{At: 20e9, Image: testImage(4, 4)},
	}}
	tr := &stubTranscriber{transcript: capability.Transcript{Segments: []capability.Segment{
		{Start: 1, End: 4, Text: "intro"},
		{Start: 12, End: 15, Text: "middle"},
	}}}
	path := writeFile(t, t.TempDir(), "clip.mp4", []byte("fake video"))

	chunks := extractFile(t, New(Config{}), path, capability.Set{Frames: frames, Transcriber: tr}, Options{})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].JoinedText(""), "intro") || !strings.Contains(chunks[1].JoinedText(""), "middle") {
		t.Errorf("window texts = %q", texts(chunks))
	}
	if chunks[2].HasText() || len(chunks[2].Images) != 1 {
		t.Errorf("last window = %+v", chunks[2])
	}
	if v := chunks[1].Video; len(v) != 1 || v[0].Start != 10 || v[0].End != 20 {
		t.Errorf("window 2 ref = %+v", v)
	}
}

func TestExtract_VideoNegativeTimestamps(t *testing.T) {
	// WHAT: A frame or segment stamped before zero lands in the first window.
	// WHY: Capability output is untrusted; it must never index out of range.
	frames := &stubFrames{frames: []capability.Frame{
		{At: -2e9, Image: testImage(4, 4)},
		{At: 10e9, Image: testImage(4, 4)},
	}}
	tr := &stubTranscriber{transcript: capability.Transcript{Segments: []capability.Segment{
		{Start: -0.5, End: 2, Text: "early"},
	}}}
	path := writeFile(t, t.TempDir(), "clip.mp4", []byte("fake video"))

	chunks := extractFile(t, New(Config{}), path, capability.Set{Frames: frames, Transcriber: tr}, Options{})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].JoinedText(""), "early") || len(chunks[0].Images) != 1 {
		t.Errorf("first window = %+v", chunks[0])
	}
}

func TestExtract_VideoWithoutCapabilities(t *testing.T) {
	path := writeFile(t, t.TempDir(), "clip.mp4", []byte("fake video"))
	chunks := extractFile(t, New(Config{}), path, capability.Set{}, Options{})
	if len(chunks) != 1 || len(chunks[0].Video) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}

	chunks = extractFile(t, New(Config{}), "https://www.youtube.com/watch?v=abc", capability.Set{}, Options{})
	if len(chunks) != 1 || chunks[0].Video[0].Path != "https://www.youtube.com/watch?v=abc" {
		t.Fatalf("hosted chunks = %+v", chunks)
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := formatTimestamp(3725.5); got != "01:02:05.500" {
		t.Errorf("formatTimestamp = %q", got)
	}
}
