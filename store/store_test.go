package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/chunkpipe/chunk"
)

func openMemory(t *testing.T, opts ...Option) *Store {
	t.Helper()
	st, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sample() []chunk.Chunk {
	return []chunk.Chunk{
		chunk.New("r.pdf#page=1", chunk.KindPDF, []string{"first", "page"}, []image.Image{image.NewRGBA(image.Rect(0, 0, 4, 4))}),
		chunk.New("r.pdf#page=2", chunk.KindPDF, []string{"second page"}, nil),
	}
}

func TestSaveRun_RoundTrip(t *testing.T) {
	st := openMemory(t)
	ctx := context.Background()

	run, err := st.SaveRun(ctx, "r.pdf", chunk.KindPDF, "by-page", sample())
	if err != nil {
		t.Fatal(err)
	}
	if len(run.ID) != 36 || run.ChunkCount != 2 {
		t.Fatalf("run = %+v", run)
	}

	got, err := st.Run(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != run.ID || got.Source != "r.pdf" || got.Kind != chunk.KindPDF || got.Policy != "by-page" ||
		got.ChunkCount != 2 || !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("Run = %+v, want %+v", got, run)
	}

	recs, err := st.Chunks(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Seq != 0 || recs[0].Text != "first\npage" || recs[0].ImageCount != 1 || recs[0].Path != "r.pdf#page=1" {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].Hash != Hash(sample()[1]) || len(recs[1].Hash) != 64 {
		t.Errorf("record 1 hash = %q", recs[1].Hash)
	}
	if recs[0].Tokens != sample()[0].Tokens() {
		t.Errorf("tokens = %d, want %d", recs[0].Tokens, sample()[0].Tokens())
	}
}

func TestRun_NotFound(t *testing.T) {
	st := openMemory(t)
	if _, err := st.Run(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.Chunks(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHash_Stable(t *testing.T) {
	// WHAT: Identical text hashes identically regardless of path or images.
	// WHY: The hash index is used to spot duplicate chunks across runs.
	a := chunk.New("a", chunk.KindPlaintext, []string{"same"}, nil)
	b := chunk.New("b", chunk.KindPDF, []string{"same"}, []image.Image{image.NewRGBA(image.Rect(0, 0, 1, 1))})
	if Hash(a) != Hash(b) {
		t.Fatal("hash depends on more than text")
	}
	if Hash(a) == Hash(chunk.New("a", chunk.KindPlaintext, []string{"other"}, nil)) {
		t.Fatal("different text, same hash")
	}
}

func TestRuns_NewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n int
	st := openMemory(t,
		WithClock(func() time.Time { n++; return base.Add(time.Duration(n) * time.Minute) }),
		WithIDGenerator(func() string { return fmt.Sprintf("run-%d", n) }),
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := st.SaveRun(ctx, fmt.Sprintf("s%d", i), chunk.KindPlaintext, "by-page", sample()[1:]); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := st.Runs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Source != "s2" || runs[1].Source != "s1" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestSaveRun_DuplicateIDRollsBack(t *testing.T) {
	st := openMemory(t, WithIDGenerator(func() string { return "fixed" }))
	ctx := context.Background()
	if _, err := st.SaveRun(ctx, "a", chunk.KindPlaintext, "by-page", sample()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SaveRun(ctx, "b", chunk.KindPlaintext, "by-page", sample()); err == nil {
		t.Fatal("expected primary key violation")
	}
	recs, err := st.Chunks(ctx, "fixed")
	if err != nil || len(recs) != 2 {
		t.Fatalf("first run damaged: %d records, %v", len(recs), err)
	}
}

func TestFileDatabase_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "chunks.db")
	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := st.SaveRun(context.Background(), fmt.Sprintf("src%d", i), chunk.KindPDF, "by-page", sample()); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	runs, err := st.Runs(context.Background(), 100)
	if err != nil || len(runs) != 8 {
		t.Fatalf("runs: %d, %v", len(runs), err)
	}
}

func TestIsBusy(t *testing.T) {
	if isBusy(nil) || isBusy(errors.New("constraint failed")) {
		t.Error("false positive")
	}
	if !isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("busy error not detected")
	}
}
