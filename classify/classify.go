// Package classify maps a path, URL or byte buffer to exactly one source kind.
//
// Resolution order:
//  1. URL host allow-lists (social posts, video hosts, code repositories)
//  2. URL path extension for other http(s) URLs
//  3. local directory check
//  4. file extension
//  5. content sniffing on a bounded header, only when 1-4 did not match
package classify

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hazyhaar/chunkpipe/chunk"
)

// SniffLimit is the number of header bytes inspected during content sniffing.
const SniffLimit = 3072

var hostPrefixes = []struct {
	prefix string
	kind   chunk.Kind
}{
	{"https://twitter.com", chunk.KindSocialPost},
	{"https://www.twitter.com", chunk.KindSocialPost},
	{"https://x.com", chunk.KindSocialPost},
	{"https://www.x.com", chunk.KindSocialPost},
	{"https://www.youtube.com", chunk.KindVideo},
	{"https://youtube.com", chunk.KindVideo},
	{"https://youtu.be", chunk.KindVideo},
	{"https://github.com", chunk.KindRepository},
	{"https://www.github.com", chunk.KindRepository},
}

var pageExtensions = map[string]bool{
	"": true, ".html": true, ".htm": true, ".php": true, ".asp": true, ".aspx": true,
}

var extensions = map[string]chunk.Kind{
	".pdf":  chunk.KindPDF,
	".docx": chunk.KindWord,
	".odt":  chunk.KindWord,
	".pptx": chunk.KindPresentation,

	".csv":  chunk.KindSpreadsheet,
	".tsv":  chunk.KindSpreadsheet,
	".xlsx": chunk.KindSpreadsheet,

	".ipynb": chunk.KindNotebook,

	".png": chunk.KindImage, ".jpg": chunk.KindImage, ".jpeg": chunk.KindImage,
	".gif": chunk.KindImage, ".webp": chunk.KindImage, ".bmp": chunk.KindImage,
	".tif": chunk.KindImage, ".tiff": chunk.KindImage,

	".mp3": chunk.KindAudio, ".wav": chunk.KindAudio, ".m4a": chunk.KindAudio,
	".flac": chunk.KindAudio, ".ogg": chunk.KindAudio, ".oga": chunk.KindAudio,
	".aac": chunk.KindAudio, ".opus": chunk.KindAudio, ".weba": chunk.KindAudio,

	".mp4": chunk.KindVideo, ".mov": chunk.KindVideo, ".mkv": chunk.KindVideo,
	".webm": chunk.KindVideo, ".avi": chunk.KindVideo, ".m4v": chunk.KindVideo,
	".mpeg": chunk.KindVideo, ".mpg": chunk.KindVideo,

	".zip": chunk.KindArchive, ".tar": chunk.KindArchive,
	".tgz": chunk.KindArchive, ".gz": chunk.KindArchive,

	".html": chunk.KindWebpage, ".htm": chunk.KindWebpage, ".xhtml": chunk.KindWebpage,
}

var textExtensions = []string{
	".txt", ".text", ".md", ".markdown", ".rst", ".json", ".yaml", ".yml", ".toml",
	".xml", ".ini", ".cfg", ".conf", ".log", ".tex",
	".go", ".py", ".js", ".jsx", ".ts", ".tsx", ".java", ".kt", ".scala", ".c", ".h",
	".cc", ".cpp", ".hpp", ".cs", ".rs", ".rb", ".php", ".swift", ".m", ".r", ".jl",
	".lua", ".pl", ".sh", ".bash", ".zsh", ".ps1", ".sql", ".css", ".scss", ".vue",
	".svelte", ".proto", ".graphql", ".dockerfile", ".mk", ".gradle",
}

func init() {
	for _, ext := range textExtensions {
		extensions[ext] = chunk.KindPlaintext
	}
}

// IsURL reports whether s is an http or https URL.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Classify returns the kind of the source at path (a local path or URL).
// data, when non-nil, is the source content and replaces any file access;
// a URL then only contributes the extension of its path.
func Classify(source string, data []byte) (chunk.Kind, error) {
	if IsURL(source) {
		if data == nil {
			return classifyURL(source)
		}
		return classifyContent(source, urlPath(source), data)
	}
	if data == nil && source != "" {
		if info, err := os.Stat(source); err == nil && info.IsDir() {
			return chunk.KindDirectory, nil
		}
	}
	return classifyContent(source, source, data)
}

func classifyContent(source, name string, data []byte) (chunk.Kind, error) {
	if k, ok := ByExtension(name); ok {
		return k, nil
	}
	header := data
	if header == nil && source != "" {
		h, err := readHeader(source)
		if err != nil {
			return "", &UnsupportedSourceError{Source: source, Reason: err.Error()}
		}
		header = h
	}
	if k, ok := Sniff(header); ok {
		return k, nil
	}
	return "", &UnsupportedSourceError{Source: source, Reason: "no matching kind"}
}

func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return ""
}

// ByHost matches rawURL against the host allow-lists.
func ByHost(rawURL string) (chunk.Kind, bool) {
	for _, hp := range hostPrefixes {
		if rawURL == hp.prefix || strings.HasPrefix(rawURL, hp.prefix+"/") ||
			strings.HasPrefix(rawURL, hp.prefix+"?") {
			return hp.kind, true
		}
	}
	return "", false
}

func classifyURL(rawURL string) (chunk.Kind, error) {
	if k, ok := ByHost(rawURL); ok {
		return k, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", &UnsupportedSourceError{Source: rawURL, Reason: "malformed URL"}
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if pageExtensions[ext] {
		return chunk.KindWebpage, nil
	}
	if k, ok := ByExtension(u.Path); ok {
		return k, nil
	}
	return "", &UnsupportedSourceError{Source: rawURL, Reason: "unknown extension " + ext}
}

// ByExtension maps a file name to a kind using its extension.
func ByExtension(name string) (chunk.Kind, bool) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".tar.gz") {
		return chunk.KindArchive, true
	}
	ext := filepath.Ext(lower)
	if ext == "" {
		return "", false
	}
	k, ok := extensions[ext]
	return k, ok
}

// Sniff detects a kind from the leading bytes of a source.
func Sniff(header []byte) (chunk.Kind, bool) {
	if len(header) == 0 {
		return "", false
	}
	if len(header) > SniffLimit {
		header = header[:SniffLimit]
	}
	for m := mimetype.Detect(header); m != nil; m = m.Parent() {
		if k, ok := mimeKind(m.String()); ok {
			return k, true
		}
	}
	return "", false
}

func mimeKind(mime string) (chunk.Kind, bool) {
	base, _, _ := strings.Cut(mime, ";")
	switch base {
	case "application/pdf":
		return chunk.KindPDF, true
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.oasis.opendocument.text":
		return chunk.KindWord, true
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return chunk.KindPresentation, true
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/csv", "text/tab-separated-values":
		return chunk.KindSpreadsheet, true
	case "application/zip", "application/x-tar", "application/gzip":
		return chunk.KindArchive, true
	case "text/html":
		return chunk.KindWebpage, true
	case "text/plain":
		return chunk.KindPlaintext, true
	}
	switch {
	case strings.HasPrefix(base, "image/"):
		return chunk.KindImage, true
	case strings.HasPrefix(base, "audio/"):
		return chunk.KindAudio, true
	case strings.HasPrefix(base, "video/"):
		return chunk.KindVideo, true
	}
	return "", false
}

func readHeader(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, SniffLimit)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}
