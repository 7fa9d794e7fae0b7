// Package server exposes the runner over HTTP and MCP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunker"
	"github.com/hazyhaar/chunkpipe/classify"
	"github.com/hazyhaar/chunkpipe/docpipe"
	"github.com/hazyhaar/chunkpipe/runner"
	"github.com/hazyhaar/chunkpipe/store"
)

// Config configures the HTTP server.
type Config struct {
	Addr string `json:"addr" yaml:"addr" env:"CHUNKPIPE_ADDR"`

	// MaxUpload bounds request bodies in bytes (default: the pipeline
	// MaxFileSize plus 1 MiB for the multipart envelope).
	MaxUpload int64 `json:"max_upload" yaml:"max_upload"`

	// LocalPaths lets JSON requests name files and directories on the
	// server. When false only URLs and uploads are accepted.
	LocalPaths bool `json:"local_paths" yaml:"local_paths" env:"CHUNKPIPE_LOCAL_PATHS"`

	// WriteTimeout bounds one response (default: 10m).
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Server serves the runner.
type Server struct {
	run    *runner.Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a server for r.
func New(r *runner.Runner, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = r.Pipeline.Config().MaxFileSize + 1<<20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{run: r, cfg: cfg, logger: cfg.Logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(headToGet, securityHeaders, maxBody(s.cfg.MaxUpload), requestID(s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"capabilities": s.run.Caps.Available(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/kinds", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"kinds": s.run.Pipeline.SupportedKinds()})
		})
		r.Post("/classify", s.handleClassify)
		r.Post("/extract", s.handleExtract)

		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Get("/runs/{id}/chunks", s.handleRunChunks)
	})
	return r
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, errors.New("source is required"))
		return
	}
	if !s.allowed(req.Source) {
		writeError(w, http.StatusForbidden, errLocalPaths)
		return
	}
	kind, err := s.run.Pipeline.Classify(docpipe.Source{Path: req.Source})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": req.Source, "kind": string(kind)})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var (
		req runner.Request
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = decodeUpload(r)
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
		if err == nil && !s.allowed(req.Source) {
			writeError(w, http.StatusForbidden, errLocalPaths)
			return
		}
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	res, err := s.run.Run(r.Context(), req)
	if err != nil {
		requestLogger(r.Context()).Warn("extract failed", "source", req.Source, "error", err)
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var errLocalPaths = errors.New("local paths are disabled; send a URL or upload a file")

// allowed reports whether a JSON request may name source.
func (s *Server) allowed(source string) bool {
	return s.cfg.LocalPaths || source == "" || classify.IsURL(source)
}

// decodeUpload reads a multipart request: the "file" part is the source,
// the other form fields mirror the JSON request.
func decodeUpload(r *http.Request) (runner.Request, error) {
	var req runner.Request
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, badRequest(err)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return req, badRequest(fmt.Errorf("file: %w", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return req, err
	}

	req.Source = filepath.Base(hdr.Filename)
	req.Data = data
	req.Chunker = r.FormValue("chunker")
	req.Measure = chunker.Measure(r.FormValue("measure"))
	req.Separator = r.FormValue("separator")
	req.Keywords = formList(r, "keywords")
	req.Include = formList(r, "include")
	for _, f := range []struct {
		name string
		dst  *int
	}{{"max", &req.Max}, {"max_resolution", &req.MaxResolution}} {
		if v := r.FormValue(f.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return req, badRequest(fmt.Errorf("%s: %w", f.name, err))
			}
			*f.dst = n
		}
	}
	for _, f := range []struct {
		name string
		dst  *bool
	}{{"text_only", &req.TextOnly}, {"messages", &req.Messages}, {"include_paths", &req.IncludePaths}, {"store", &req.Store}} {
		if v := r.FormValue(f.name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return req, badRequest(fmt.Errorf("%s: %w", f.name, err))
			}
			*f.dst = b
		}
	}
	return req, nil
}

// formList accepts repeated fields and comma-separated values.
func formList(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.MultipartForm.Value[name] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.run.Store == nil {
		writeError(w, http.StatusNotFound, runner.ErrNoStore)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.run.Store.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.run.Store == nil {
		writeError(w, http.StatusNotFound, runner.ErrNoStore)
		return
	}
	run, err := s.run.Store.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunChunks(w http.ResponseWriter, r *http.Request) {
	if s.run.Store == nil {
		writeError(w, http.StatusNotFound, runner.ErrNoStore)
		return
	}
	recs, err := s.run.Store.Chunks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": recs})
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to 30 seconds.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.cfg.Addr, "capabilities", s.run.Caps.Available())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// badRequestError marks malformed client input.
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &badRequestError{err: err} }

// statusOf maps pipeline errors to HTTP status codes.
func statusOf(err error) int {
	var (
		bad       *badRequestError
		tooLarge  *docpipe.SourceTooLargeError
		maxBytes  *http.MaxBytesError
		unsupport *classify.UnsupportedSourceError
		missing   *chunker.MissingCapabilityError
		failed    *docpipe.ExtractionFailedError
		capFailed *capability.CallFailedError
		syntax    *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxBytes), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &bad), errors.As(err, &syntax), errors.As(err, &typeErr), errors.Is(err, io.EOF):
		return http.StatusBadRequest
	case errors.As(err, &unsupport):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity
	case errors.As(err, &capFailed):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.As(err, &failed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runner.ErrNoStore), errors.Is(err, runner.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
