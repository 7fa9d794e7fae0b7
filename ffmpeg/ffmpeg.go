// Package ffmpeg shells out to the ffmpeg and yt-dlp binaries. Sampler
// implements capability.FrameSampler; Downloader implements
// capability.MediaFetcher for video hosting pages.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// Config configures both binaries.
type Config struct {
	// FFmpeg is the ffmpeg binary. Default: "ffmpeg" on PATH.
	FFmpeg string `json:"ffmpeg" yaml:"ffmpeg" env:"FFMPEG_BIN"`
	// YTDLP is the yt-dlp binary. Default: "yt-dlp" on PATH.
	YTDLP string `json:"ytdlp" yaml:"ytdlp" env:"YTDLP_BIN"`
	// MaxFrameSide bounds the longest side of sampled frames. Default: 1024.
	MaxFrameSide int `json:"max_frame_side" yaml:"max_frame_side"`
	// MaxDownload bounds downloaded media in bytes. Default: 512 MiB.
	MaxDownload int64 `json:"max_download" yaml:"max_download"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.FFmpeg == "" {
		c.FFmpeg = "ffmpeg"
	}
	if c.YTDLP == "" {
		c.YTDLP = "yt-dlp"
	}
	if c.MaxFrameSide <= 0 {
		c.MaxFrameSide = 1024
	}
	if c.MaxDownload <= 0 {
		c.MaxDownload = 512 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrNoFrames is returned when ffmpeg produced no frame.
var ErrNoFrames = errors.New("ffmpeg: no frames extracted")

// Sampler extracts still frames from video bytes.
type Sampler struct {
	cfg Config
}

var _ capability.FrameSampler = (*Sampler)(nil)

// NewSampler returns a Sampler, or nil when the ffmpeg binary is missing.
func NewSampler(cfg Config) *Sampler {
	cfg.defaults()
	if _, err := exec.LookPath(cfg.FFmpeg); err != nil {
		cfg.Logger.Debug("ffmpeg: binary not found, frame sampling disabled", "bin", cfg.FFmpeg)
		return nil
	}
	return &Sampler{cfg: cfg}
}

// Sample writes data to a temporary file and extracts one JPEG frame every
// interval, stopping at maxDuration. Frame i is stamped i*interval.
func (s *Sampler) Sample(ctx context.Context, name string, data []byte, interval, maxDuration time.Duration) ([]capability.Frame, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("ffmpeg: interval must be positive, got %s", interval)
	}
	dir, err := os.MkdirTemp("", "chunkpipe-frames-")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+filepath.Ext(name))
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("ffmpeg: write input: %w", err)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-i", in}
	if maxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(maxDuration.Seconds(), 'f', 3, 64))
	}
	args = append(args,
		"-vf", fmt.Sprintf("fps=1/%s,%s", strconv.FormatFloat(interval.Seconds(), 'f', 3, 64), scaleFilter(s.cfg.MaxFrameSide)),
		"-q:v", "3",
		filepath.Join(dir, "frame_%05d.jpg"),
	)
	if err := run(ctx, s.cfg.FFmpeg, args...); err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFrames
	}
	sort.Strings(files)

	frames := make([]capability.Frame, 0, len(files))
	for i, f := range files {
		at := time.Duration(i) * interval
		if maxDuration > 0 && at > maxDuration {
			break
		}
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: read frame: %w", err)
		}
		img, err := chunk.DecodeImage(raw)
		if err != nil {
			s.cfg.Logger.Warn("ffmpeg: undecodable frame", "name", name, "frame", i, "error", err)
			continue
		}
		frames = append(frames, capability.Frame{At: at, Image: img})
	}
	s.cfg.Logger.Debug("ffmpeg: sampled frames", "name", name, "frames", len(frames), "interval", interval)
	return frames, nil
}

// scaleFilter keeps the aspect ratio and bounds the longest side.
func scaleFilter(maxSide int) string {
	return fmt.Sprintf("scale='if(gt(iw,ih),min(%d,iw),-2)':'if(gt(iw,ih),-2,min(%d,ih))'", maxSide, maxSide)
}

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w\nOutput: %s", filepath.Base(bin), err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}
