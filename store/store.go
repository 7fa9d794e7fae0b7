// Package store persists pipeline runs and their chunks in SQLite. It is a
// write-mostly sink for produced chunks: text, counts and content hashes.
// Images are not stored, only counted.
//
// Usage:
//
//	st, err := store.Open("chunks.db")
//	run, err := st.SaveRun(ctx, "report.pdf", chunk.KindPDF, "by-page", chunks)
//	recs, err := st.Chunks(ctx, run.ID)
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/chunkpipe/chunk"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Run is one stored pipeline execution.
type Run struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Kind       chunk.Kind `json:"kind"`
	Policy     string     `json:"policy"`
	ChunkCount int        `json:"chunk_count"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Record is a stored chunk.
type Record struct {
	RunID      string     `json:"run_id"`
	Seq        int        `json:"seq"`
	Path       string     `json:"path"`
	SourceType chunk.Kind `json:"source_type"`
	Text       string     `json:"text"`
	ImageCount int        `json:"image_count"`
	Tokens     int        `json:"tokens"`
	Hash       string     `json:"hash"`
}

type options struct {
	busyTimeout time.Duration
	newID       func() string
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithBusyTimeout sets the SQLite busy timeout. Default: 10s.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// WithIDGenerator replaces the UUIDv7 run ID generator.
func WithIDGenerator(fn func() string) Option { return func(o *options) { o.newID = fn } }

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(o *options) { o.now = fn } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Store is a SQLite chunk store. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	opts options
}

// Open opens or creates the database at path (":memory:" for a private
// in-memory database) and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		busyTimeout: 10 * time.Second,
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	db, err := openDB(path, o.busyTimeout)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, opts: o}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Hash returns the hex blake2b-256 digest of the chunk's text, segments
// joined by newlines.
func Hash(c chunk.Chunk) string {
	sum := blake2b.Sum256([]byte(c.JoinedText("\n")))
	return hex.EncodeToString(sum[:])
}

// SaveRun stores a run and its chunks in one transaction, in order.
func (s *Store) SaveRun(ctx context.Context, source string, kind chunk.Kind, policy string, chunks []chunk.Chunk) (Run, error) {
	run := Run{
		ID:         s.opts.newID(),
		Source:     source,
		Kind:       kind,
		Policy:     policy,
		ChunkCount: len(chunks),
		CreatedAt:  s.opts.now().UTC().Truncate(time.Millisecond),
	}
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, source, kind, policy, chunk_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, run.Source, string(run.Kind), run.Policy, run.ChunkCount, run.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("store: insert run: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO chunks (run_id, seq, path, source_type, text, image_count, tokens, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare: %w", err)
		}
		defer stmt.Close()
		for i, c := range chunks {
			if _, err := stmt.ExecContext(ctx, run.ID, i, c.Path, string(c.SourceType),
				c.JoinedText("\n"), len(c.Images), c.Tokens(), Hash(c)); err != nil {
				return fmt.Errorf("store: insert chunk %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	s.opts.logger.Info("store: run saved", "run_id", run.ID, "source", source, "chunks", len(chunks))
	return run, nil
}

// Run returns the run with the given ID.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	var (
		r       Run
		kind    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, kind, policy, chunk_count, created_at FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Source, &kind, &r.Policy, &r.ChunkCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: run %s: %w", id, err)
	}
	r.Kind = chunk.Kind(kind)
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, kind, policy, chunk_count, created_at FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r       Run
			kind    string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Source, &kind, &r.Policy, &r.ChunkCount, &created); err != nil {
			return nil, err
		}
		r.Kind = chunk.Kind(kind)
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Chunks returns the chunks of a run in their original order.
func (s *Store) Chunks(ctx context.Context, runID string) ([]Record, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, path, source_type, text, image_count, tokens, hash FROM chunks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: chunks: %w", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			r  Record
			st string
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Path, &st, &r.Text, &r.ImageCount, &r.Tokens, &r.Hash); err != nil {
			return nil, err
		}
		r.SourceType = chunk.Kind(st)
		out = append(out, r)
	}
	return out, rows.Err()
}
