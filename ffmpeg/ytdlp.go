package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/hazyhaar/chunkpipe/capability"
)

// Downloader fetches the media behind a video hosting page with yt-dlp.
type Downloader struct {
	cfg Config
}

var _ capability.MediaFetcher = (*Downloader)(nil)

// NewDownloader returns a Downloader, or nil when yt-dlp is missing.
func NewDownloader(cfg Config) *Downloader {
	cfg.defaults()
	if _, err := exec.LookPath(cfg.YTDLP); err != nil {
		cfg.Logger.Debug("ffmpeg: yt-dlp not found, video download disabled", "bin", cfg.YTDLP)
		return nil
	}
	return &Downloader{cfg: cfg}
}

// Fetch downloads a single mp4 rendition of url, bounded by MaxDownload, and
// returns its file name and bytes.
func (d *Downloader) Fetch(ctx context.Context, url string) (string, []byte, error) {
	dir, err := os.MkdirTemp("", "chunkpipe-media-")
	if err != nil {
		return "", nil, fmt.Errorf("ytdlp: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	err = run(ctx, d.cfg.YTDLP,
		"--no-playlist", "--no-progress", "--quiet",
		"-f", "best[ext=mp4]/best",
		"--max-filesize", strconv.FormatInt(d.cfg.MaxDownload, 10),
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		url,
	)
	if err != nil {
		return "", nil, err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return "", nil, err
	}
	if len(files) != 1 {
		return "", nil, fmt.Errorf("ytdlp: expected one file for %s, got %d", url, len(files))
	}
	info, err := os.Stat(files[0])
	if err != nil {
		return "", nil, err
	}
	if info.Size() > d.cfg.MaxDownload {
		return "", nil, fmt.Errorf("ytdlp: %s is %d bytes, limit %d", url, info.Size(), d.cfg.MaxDownload)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		return "", nil, err
	}
	d.cfg.Logger.Info("ytdlp: downloaded", "url", url, "file", filepath.Base(files[0]), "bytes", len(data))
	return filepath.Base(files[0]), data, nil
}
