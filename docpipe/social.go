package docpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

var tweetIDRe = regexp.MustCompile(`/status(?:es)?/(\d+)`)

type tweetResult struct {
	Text string `json:"text"`
	User struct {
		Name       string `json:"name"`
		ScreenName string `json:"screen_name"`
	} `json:"user"`
	MediaDetails []struct {
		MediaURLHTTPS string `json:"media_url_https"`
	} `json:"mediaDetails"`
}

// tweetToken derives the token the syndication endpoint expects:
// (id / 1e15) * pi written in base 36, with zeros and dots removed.
func tweetToken(id string) (string, error) {
	n, err := strconv.ParseFloat(id, 64)
	if err != nil {
		return "", fmt.Errorf("tweet id %q: %w", id, err)
	}
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	v := math.Floor(n / 1e15 * math.Pi)
	var b []byte
	for v > 0 {
		r := int(math.Mod(v, 36))
		b = append([]byte{digits[r]}, b...)
		v = math.Floor((v - float64(r)) / 36)
	}
	return strings.NewReplacer("0", "", ".", "").Replace(string(b)), nil
}

// extractSocialPost fetches a post through the public syndication endpoint
// and yields one chunk with its text and media images.
func (p *Pipeline) extractSocialPost(ctx context.Context, in input, _ capability.Set, opts Options) ([]chunk.Chunk, error) {
	m := tweetIDRe.FindStringSubmatch(in.path)
	if m == nil {
		return nil, fmt.Errorf("no status id in %s", in.path)
	}
	id := m[1]
	token, err := tweetToken(id)
	if err != nil {
		return nil, err
	}
	q := url.Values{"id": {id}, "lang": {"en"}, "token": {token}}
	resp, err := p.fetcher.Fetch(ctx, p.cfg.SyndicationURL+"?"+q.Encode(), "application/json")
	if err != nil {
		return nil, err
	}
	var tw tweetResult
	if err := json.Unmarshal(resp.Body, &tw); err != nil {
		return nil, fmt.Errorf("tweet %s: %w", id, err)
	}

	text := strings.TrimSpace(tw.Text)
	if tw.User.ScreenName != "" && text != "" {
		text = fmt.Sprintf("%s (@%s):\n%s", tw.User.Name, tw.User.ScreenName, text)
	}
	var images []image.Image
	if !opts.TextOnly {
		for _, md := range tw.MediaDetails {
			if md.MediaURLHTTPS == "" || len(images) >= p.cfg.MaxPageImages {
				continue
			}
			data, err := p.fetcher.Get(ctx, md.MediaURLHTTPS)
			if err != nil {
				p.logger.Debug("tweet media fetch failed", "url", md.MediaURLHTTPS, "error", err)
				continue
			}
			if img, err := chunk.DecodeImage(data); err == nil {
				images = append(images, img)
			}
		}
	}
	return []chunk.Chunk{chunk.New(in.path, chunk.KindSocialPost, []string{text}, images)}, nil
}
