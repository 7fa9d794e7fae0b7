package docpipe

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// member is one entry of a directory, archive or repository. Data is nil
// for files read from disk.
type member struct {
	rel  string // slash path relative to the container
	path string // source path handed to the dispatcher
	data []byte
}

var ignoredDirs = map[string]bool{
	"node_modules":       true,
	".git":               true,
	"venv":               true,
	".venv":              true,
	".vscode":            true,
	"__pycache__":        true,
	".ipynb_checkpoints": true,
}

var ignoredFiles = []string{
	".gitignore", "*.bin", "*.pyc", "*.pyo", "*.pyd", "*.so", "*.dll", "*.exe",
	"*.tar", "*.tar.gz", "*.egg-info", "package-lock.json", "package.json", "*.lock",
	"*.log", "Pipfile.lock", "requirements.lock", ".DS_Store", "Thumbs.db",
}

// ignoredPath reports whether a relative slash path is excluded from
// directory and repository recursion.
func ignoredPath(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, dir := range parts[:len(parts)-1] {
		if ignoredDirs[dir] || strings.HasSuffix(dir, ".egg-info") {
			return true
		}
	}
	base := parts[len(parts)-1]
	for _, pat := range ignoredFiles {
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// included reports whether rel passes the include filter. Patterns match
// the relative path or the base name; no patterns means everything.
func included(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := path.Base(rel)
	for _, pat := range patterns {
		pat = filepath.ToSlash(pat)
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// extractMembers extracts members concurrently and concatenates their
// chunks in member order. Failures isolated to a member are logged and
// skipped; anything else, cancellation included, aborts.
func (p *Pipeline) extractMembers(ctx context.Context, container string, members []member, caps capability.Set, opts Options, depth int) ([]chunk.Chunk, error) {
	results := make([][]chunk.Chunk, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, m := range members {
		g.Go(func() error {
			chunks, err := p.extract(gctx, Source{Path: m.path, Data: m.data}, caps, opts, depth)
			if err != nil {
				if isMemberError(err) {
					p.logger.Warn("member skipped", "container", container, "member", m.rel, "error", err)
					return nil
				}
				return err
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []chunk.Chunk
	for _, r := range results {
		out = append(out, r...)
	}
	if out == nil {
		out = []chunk.Chunk{}
	}
	return out, nil
}
