package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/chunkpipe/capability"
)

type stubVision struct {
	mu     sync.Mutex
	calls  int
	reply  string
	err    error
	prompt string
}

func (s *stubVision) Describe(_ context.Context, _ image.Image, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompt = prompt
	return s.reply, s.err
}

type stubTranscriber struct {
	transcript capability.Transcript
	err        error
	gotMax     time.Duration
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ string, _ []byte, maxDuration time.Duration) (capability.Transcript, error) {
	s.gotMax = maxDuration
	return s.transcript, s.err
}

type stubFrames struct {
	frames []capability.Frame
}

func (s *stubFrames) Sample(_ context.Context, _ string, _ []byte, _, _ time.Duration) ([]capability.Frame, error) {
	return s.frames, nil
}

type stubRenderer struct {
	rendering capability.Rendering
	err       error
}

func (s *stubRenderer) Render(_ context.Context, url string) (capability.Rendering, error) {
	r := s.rendering
	if r.URL == "" {
		r.URL = url
	}
	return r, s.err
}

type stubLister struct {
	files []capability.File
	err   error
	token string
}

func (s *stubLister) ListFiles(_ context.Context, _ string, token string) ([]capability.File, error) {
	s.token = token
	return s.files, s.err
}

type zipEntry struct {
	name string
	data []byte
}

// zipBytes builds an in-memory zip with entries in the given order.
func zipBytes(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(e.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: 120, A: 255})
		}
	}
	return img
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(w, h)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(w, h), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
