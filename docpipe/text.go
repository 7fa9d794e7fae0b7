package docpipe

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// extractPlaintext yields a single chunk with the whole text.
func (p *Pipeline) extractPlaintext(_ context.Context, in input, _ capability.Set, _ Options) ([]chunk.Chunk, error) {
	text := normalizeNewlines(decodeText(in.data, ""))
	return []chunk.Chunk{chunk.New(in.path, chunk.KindPlaintext, []string{text}, nil)}, nil
}

// decodeText converts data to UTF-8. BOMs win, then valid UTF-8, then the
// charset sniffed from contentType or the content itself.
func decodeText(data []byte, contentType string) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:])
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(data); err == nil {
			return string(out)
		}
	}
	if utf8.Valid(data) {
		return string(data)
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	enc, _, _ := charset.DetermineEncoding(data, contentType)
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	return string(out)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
