package docpipe

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/safeio"
)

var errTooDeep = errors.New("archive nesting too deep")

// extractArchive unpacks a zip, tar or gzipped tar in memory and extracts
// its members in lexicographic order. Member names that escape the archive
// are dropped; the member count and total uncompressed size are capped.
func (p *Pipeline) extractArchive(ctx context.Context, in input, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	if in.depth >= p.cfg.MaxDepth {
		return nil, errTooDeep
	}
	var (
		members []member
		err     error
	)
	switch {
	case bytes.HasPrefix(in.data, []byte("PK\x03\x04")), bytes.HasPrefix(in.data, []byte("PK\x05\x06")):
		members, err = p.readZip(in)
	case bytes.HasPrefix(in.data, []byte{0x1f, 0x8b}):
		members, err = p.readGzip(in)
	default:
		members, err = p.readTar(in, bytes.NewReader(in.data))
	}
	if err != nil {
		return nil, err
	}

	kept := members[:0]
	for _, m := range members {
		if included(m.rel, opts.Include) {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].rel < kept[j].rel })
	p.logger.Debug("archive listed", "path", in.path, "members", len(kept), "depth", in.depth)
	return p.extractMembers(ctx, in.path, kept, caps, opts, in.depth+1)
}

// memberBudget tracks the caps shared by every member of one archive.
type memberBudget struct {
	path      string
	count     int
	maxCount  int
	remaining int64
	limit     int64
}

func (b *memberBudget) take(size int64) error {
	b.count++
	if b.count > b.maxCount {
		return fmt.Errorf("archive has more than %d members", b.maxCount)
	}
	if size > b.remaining {
		return &SourceTooLargeError{Path: b.path, Size: -1, Limit: b.limit}
	}
	b.remaining -= size
	return nil
}

func (p *Pipeline) budget(path string) *memberBudget {
	return &memberBudget{
		path:      path,
		maxCount:  p.cfg.MaxArchiveMembers,
		remaining: p.cfg.MaxArchiveBytes,
		limit:     p.cfg.MaxArchiveBytes,
	}
}

// memberPath names a member for the dispatcher and for chunk paths.
func memberPath(archive, rel string) string {
	return strings.TrimSuffix(archive, "/") + "/" + rel
}

func (p *Pipeline) readZip(in input) ([]member, error) {
	zr, err := zip.NewReader(bytes.NewReader(in.data), int64(len(in.data)))
	if err != nil {
		return nil, fmt.Errorf("zip: %w", err)
	}
	b := p.budget(in.path)
	var out []member
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !f.Mode().IsRegular() {
			continue
		}
		rel, err := safeio.MemberName(f.Name)
		if err != nil {
			p.logger.Warn("archive member rejected", "path", in.path, "member", f.Name, "error", err)
			continue
		}
		if p.oversized(in.path, rel, int64(f.UncompressedSize64)) {
			continue
		}
		if err := b.take(int64(f.UncompressedSize64)); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", rel, err)
		}
		// The declared size is not trusted.
		data, err := safeio.LimitedReadAll(rc, int64(f.UncompressedSize64))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", rel, err)
		}
		out = append(out, member{rel: rel, path: memberPath(in.path, rel), data: data})
	}
	return out, nil
}

// oversized logs and reports a member above MaxFileSize. Such members are
// skipped like any other member failure.
func (p *Pipeline) oversized(archive, rel string, size int64) bool {
	if size <= p.cfg.MaxFileSize {
		return false
	}
	p.logger.Warn("member skipped", "container", archive, "member", rel,
		"error", &SourceTooLargeError{Path: memberPath(archive, rel), Size: size, Limit: p.cfg.MaxFileSize})
	return true
}

// readGzip reads a gzipped tar, or a single gzipped file when the payload
// is not a tar stream.
func (p *Pipeline) readGzip(in input) ([]member, error) {
	zr, err := gzip.NewReader(bytes.NewReader(in.data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	raw, err := safeio.LimitedReadAll(zr, min(p.cfg.MaxArchiveBytes, p.cfg.MaxFileSize))
	if err != nil {
		if errors.Is(err, safeio.ErrTooLarge) {
			return nil, &SourceTooLargeError{Path: in.path, Size: -1, Limit: min(p.cfg.MaxArchiveBytes, p.cfg.MaxFileSize)}
		}
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if isTar(raw) {
		return p.readTar(in, bytes.NewReader(raw))
	}
	name := zr.Name
	if name == "" {
		name = strings.TrimSuffix(path.Base(in.path), ".gz")
	}
	rel, err := safeio.MemberName(path.Base(name))
	if err != nil {
		return nil, err
	}
	return []member{{rel: rel, path: memberPath(in.path, rel), data: raw}}, nil
}

// isTar checks the ustar magic of the first header.
func isTar(data []byte) bool {
	return len(data) >= 262 && string(data[257:262]) == "ustar"
}

func (p *Pipeline) readTar(in input, r io.Reader) ([]member, error) {
	tr := tar.NewReader(r)
	b := p.budget(in.path)
	var out []member
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel, err := safeio.MemberName(hdr.Name)
		if err != nil {
			p.logger.Warn("archive member rejected", "path", in.path, "member", hdr.Name, "error", err)
			continue
		}
		if p.oversized(in.path, rel, hdr.Size) {
			continue
		}
		if err := b.take(hdr.Size); err != nil {
			return nil, err
		}
		data, err := safeio.LimitedReadAll(tr, hdr.Size)
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", rel, err)
		}
		out = append(out, member{rel: rel, path: memberPath(in.path, rel), data: data})
	}
	return out, nil
}
