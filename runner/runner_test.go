package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/chunker"
	"github.com/hazyhaar/chunkpipe/docpipe"
	"github.com/hazyhaar/chunkpipe/store"
)

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# A\nalpha\n# B\nbeta\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_DefaultsToByPage(t *testing.T) {
	r := &Runner{Pipeline: docpipe.New(docpipe.Config{})}
	res, err := r.Run(context.Background(), Request{Source: writeDoc(t)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != chunk.KindPlaintext || res.Policy != chunker.PolicyPage || len(res.Chunks) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Tokens != res.Chunks[0].Tokens() {
		t.Errorf("tokens = %d", res.Tokens)
	}
}

func TestRun_SectionsToMessages(t *testing.T) {
	// WHAT: A request can override the chunker and ask for messages.
	r := &Runner{Pipeline: docpipe.New(docpipe.Config{}), Policy: chunker.PolicyDocument}
	res, err := r.Run(context.Background(), Request{Source: writeDoc(t), Chunker: "by-section", Messages: true, IncludePaths: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Policy != chunker.PolicySection || len(res.Messages) != 2 || res.Chunks != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Tokens == 0 {
		t.Error("tokens not counted")
	}
}

func TestRun_InMemoryUpload(t *testing.T) {
	r := &Runner{Pipeline: docpipe.New(docpipe.Config{})}
	res, err := r.Run(context.Background(), Request{
		Source:   "upload.txt",
		Data:     []byte("hello STOP world STOP end"),
		Chunker:  "by-keyword",
		Keywords: []string{"stop"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(res.Chunks))
	}
}

func TestRun_Store(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	r := &Runner{Pipeline: docpipe.New(docpipe.Config{}), Store: st}

	res, err := r.Run(context.Background(), Request{Source: writeDoc(t), Chunker: "by-section", Store: true})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := st.Chunks(context.Background(), res.RunID)
	if err != nil || len(recs) != 2 || recs[1].Text != "# B\nbeta" {
		t.Fatalf("stored = %+v, %v", recs, err)
	}
}

func TestRun_Errors(t *testing.T) {
	r := &Runner{Pipeline: docpipe.New(docpipe.Config{})}
	ctx := context.Background()
	if _, err := r.Run(ctx, Request{}); err == nil {
		t.Error("expected error for empty source")
	}
	if _, err := r.Run(ctx, Request{Source: "x.txt", Store: true}); !errors.Is(err, ErrNoStore) {
		t.Errorf("expected ErrNoStore, got %v", err)
	}
	if _, err := r.Run(ctx, Request{Source: writeDoc(t), Chunker: "by-mood"}); err == nil {
		t.Error("expected unknown policy error")
	}
	if _, err := r.Run(ctx, Request{Source: writeDoc(t), Chunker: "semantic"}); !errors.As(err, new(*chunker.MissingCapabilityError)) {
		t.Errorf("expected MissingCapabilityError, got %v", err)
	}
}
