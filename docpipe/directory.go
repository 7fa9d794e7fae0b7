package docpipe

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// extractDirectory walks a local directory in lexicographic order and
// extracts every regular file that survives the ignore lists and the
// include filter.
func (p *Pipeline) extractDirectory(ctx context.Context, in input, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	var members []member
	err := filepath.WalkDir(in.path, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Warn("directory walk", "path", full, "error", err)
			if d != nil && d.IsDir() && full != in.path {
				return fs.SkipDir
			}
			return nil
		}
		if full == in.path {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(in.path, full)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ignoredPath(rel) || !included(rel, opts.Include) {
			return nil
		}
		if len(members) >= p.cfg.MaxArchiveMembers {
			return fs.SkipAll
		}
		members = append(members, member{rel: rel, path: full})
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("directory listed", "path", in.path, "members", len(members))
	return p.extractMembers(ctx, in.path, members, caps, opts, in.depth)
}
