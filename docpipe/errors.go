package docpipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/classify"
)

// SourceTooLargeError is returned when a source exceeds the configured limit.
type SourceTooLargeError struct {
	Path  string
	Size  int64
	Limit int64
}

func (e *SourceTooLargeError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("source %s too large (max %d bytes)", e.Path, e.Limit)
	}
	return fmt.Sprintf("source %s too large: %d bytes (max %d)", e.Path, e.Size, e.Limit)
}

// ExtractionFailedError is returned when a source matched a kind but its
// content could not be read.
type ExtractionFailedError struct {
	Path string
	Kind chunk.Kind
	Err  error
}

func (e *ExtractionFailedError) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *ExtractionFailedError) Unwrap() error { return e.Err }

// errNoContent is wrapped when a well-formed source yields nothing.
var errNoContent = errors.New("no extractable content")

// isMemberError reports whether err is isolated to one member of a
// directory, archive or repository.
func isMemberError(err error) bool {
	var ef *ExtractionFailedError
	var tl *SourceTooLargeError
	var us *classify.UnsupportedSourceError
	return errors.As(err, &ef) || errors.As(err, &tl) || errors.As(err, &us)
}

// wrapFailure turns a strategy error into an ExtractionFailedError. Typed
// pipeline errors pass through, and so does the caller's cancellation.
func wrapFailure(ctx context.Context, path string, kind chunk.Kind, err error) error {
	if err == nil {
		return nil
	}
	if isMemberError(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &ExtractionFailedError{Path: path, Kind: kind, Err: err}
}
