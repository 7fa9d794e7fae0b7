package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/safeio"
)

// GitHubLister lists repository files by downloading the repository
// zipball from the GitHub REST API.
type GitHubLister struct {
	// APIURL is the REST API root (default: https://api.github.com).
	APIURL string
	// MaxBytes caps the zipball and the total uncompressed size (default: 500 MB).
	MaxBytes int64
	Client   *http.Client
	Logger   *slog.Logger
}

// NewGitHubLister creates a lister with defaults applied.
func NewGitHubLister(apiURL string, client *http.Client, logger *slog.Logger) *GitHubLister {
	g := &GitHubLister{APIURL: apiURL, Client: client, Logger: logger}
	if g.APIURL == "" {
		g.APIURL = "https://api.github.com"
	}
	if g.Client == nil {
		g.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	g.MaxBytes = 500 * 1024 * 1024
	return g
}

// repoRef is a parsed repository URL.
type repoRef struct {
	owner, name, ref, subdir string
}

// parseRepoURL accepts https://github.com/owner/repo with an optional
// /tree/<ref>[/<subdir>] suffix.
func parseRepoURL(raw string) (repoRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return repoRef{}, fmt.Errorf("repository url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return repoRef{}, fmt.Errorf("repository url %q: want /owner/repo", raw)
	}
	r := repoRef{owner: parts[0], name: strings.TrimSuffix(parts[1], ".git")}
	if len(parts) >= 4 && (parts[2] == "tree" || parts[2] == "blob") {
		r.ref = parts[3]
		r.subdir = strings.Join(parts[4:], "/")
	}
	return r, nil
}

// ListFiles downloads the repository and returns its regular files with
// paths relative to the repository root, or to the subdirectory named in
// the URL.
func (g *GitHubLister) ListFiles(ctx context.Context, repoURL, token string) ([]capability.File, error) {
	ref, err := parseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/zipball", strings.TrimSuffix(g.APIURL, "/"),
		url.PathEscape(ref.owner), url.PathEscape(ref.name))
	if ref.ref != "" {
		endpoint += "/" + url.PathEscape(ref.ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: new request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("github: %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	body, err := safeio.LimitedReadAll(resp.Body, g.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("github zipball: %w", err)
	}
	return g.unzip(body, ref.subdir)
}

// unzip strips the "<owner>-<repo>-<sha>/" root folder GitHub adds.
func (g *GitHubLister) unzip(body []byte, subdir string) ([]capability.File, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("github zipball: %w", err)
	}
	prefix := ""
	if subdir != "" {
		prefix = strings.Trim(subdir, "/") + "/"
	}
	remaining := g.MaxBytes
	var out []capability.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !f.Mode().IsRegular() {
			continue
		}
		name, err := safeio.MemberName(f.Name)
		if err != nil {
			continue
		}
		_, rel, ok := strings.Cut(name, "/")
		if !ok || !strings.HasPrefix(rel, prefix) {
			continue
		}
		rel = strings.TrimPrefix(rel, prefix)
		size := int64(f.UncompressedSize64)
		if size > remaining {
			return nil, fmt.Errorf("github zipball: %w", safeio.ErrTooLarge)
		}
		remaining -= size
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("github zipball %s: %w", rel, err)
		}
		data, err := safeio.LimitedReadAll(rc, size)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("github zipball %s: %w", rel, err)
		}
		out = append(out, capability.File{Path: rel, Data: data})
	}
	g.Logger.Debug("repository listed", "files", len(out))
	return out, nil
}

// extractRepository lists the repository through the repository capability
// and extracts its files like a directory. Without the capability the
// repository home page is extracted as a web page.
func (p *Pipeline) extractRepository(ctx context.Context, in input, caps capability.Set, opts Options) ([]chunk.Chunk, error) {
	if !caps.Has(capability.Repository) {
		p.logger.Warn("repository fallback to web page", "url", in.path)
		return p.repositoryPage(ctx, in, opts)
	}
	files, err := caps.Repo.ListFiles(ctx, in.path, caps.RepoToken)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("repository fallback to web page", "url", in.path, "error", err)
		return p.repositoryPage(ctx, in, opts)
	}

	var members []member
	for _, f := range files {
		rel, err := safeio.MemberName(f.Path)
		if err != nil || ignoredPath(rel) || !included(rel, opts.Include) {
			continue
		}
		if int64(len(f.Data)) > p.cfg.MaxFileSize {
			p.oversized(in.path, rel, int64(len(f.Data)))
			continue
		}
		members = append(members, member{rel: rel, path: memberPath(in.path, rel), data: f.Data})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].rel < members[j].rel })
	if len(members) > p.cfg.MaxArchiveMembers {
		return nil, fmt.Errorf("repository has more than %d files", p.cfg.MaxArchiveMembers)
	}
	return p.extractMembers(ctx, in.path, members, caps, opts, in.depth+1)
}

func (p *Pipeline) repositoryPage(ctx context.Context, in input, opts Options) ([]chunk.Chunk, error) {
	chunks, err := p.extractWebpage(ctx, in, capability.Set{}, opts)
	for i := range chunks {
		chunks[i].SourceType = chunk.KindRepository
	}
	return chunks, err
}
