// Package llm adapts an OpenAI-compatible API to the vision, completion and
// transcription capabilities. Any server speaking the OpenAI wire format
// works (OpenAI, vLLM, Ollama, LiteLLM).
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/chunkpipe/capability"
	"github.com/hazyhaar/chunkpipe/chunk"
)

// Config configures the client.
type Config struct {
	BaseURL string `json:"base_url" yaml:"base_url" env:"LLM_BASE_URL"`
	APIKey  string `json:"-" yaml:"api_key" env:"OPENAI_API_KEY"`

	// ChatModel answers completions (default: gpt-4o-mini).
	ChatModel string `json:"chat_model" yaml:"chat_model" env:"LLM_CHAT_MODEL"`
	// VisionModel describes images (default: gpt-4o).
	VisionModel string `json:"vision_model" yaml:"vision_model" env:"LLM_VISION_MODEL"`
	// TranscribeModel transcribes audio (default: whisper-1).
	TranscribeModel string `json:"transcribe_model" yaml:"transcribe_model" env:"LLM_TRANSCRIBE_MODEL"`

	// MaxResolution bounds the longest side of images sent for description.
	// Default: 2048.
	MaxResolution int `json:"max_resolution" yaml:"max_resolution"`

	// Timeout per HTTP request. Default: 120s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.ChatModel == "" {
		c.ChatModel = openai.GPT4oMini
	}
	if c.VisionModel == "" {
		c.VisionModel = openai.GPT4o
	}
	if c.TranscribeModel == "" {
		c.TranscribeModel = openai.Whisper1
	}
	if c.MaxResolution <= 0 {
		c.MaxResolution = 2048
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client implements capability.Describer, capability.Completer and
// capability.Transcriber.
type Client struct {
	api *openai.Client
	cfg Config
}

var (
	_ capability.Describer   = (*Client)(nil)
	_ capability.Completer   = (*Client)(nil)
	_ capability.Transcriber = (*Client)(nil)
)

// New creates a Client from cfg.
func New(cfg Config) *Client {
	cfg.defaults()
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg}
}

// Describe sends img with prompt to the vision model and returns its answer.
func (c *Client) Describe(ctx context.Context, img image.Image, prompt string) (string, error) {
	if img == nil {
		return "", errors.New("llm: describe: nil image")
	}
	url, err := chunk.DataURL(chunk.Resize(img, c.cfg.MaxResolution))
	if err != nil {
		return "", fmt.Errorf("llm: describe: %w", err)
	}
	msg := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh}},
		},
	}
	out, err := c.chat(ctx, c.cfg.VisionModel, []openai.ChatCompletionMessage{msg})
	if err != nil {
		return "", fmt.Errorf("llm: describe: %w", err)
	}
	return out, nil
}

// Complete sends a system and a user message to the chat model.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	out, err := c.chat(ctx, c.cfg.ChatModel, msgs)
	if err != nil {
		return "", fmt.Errorf("llm: complete: %w", err)
	}
	return out, nil
}

func (c *Client) chat(ctx context.Context, model string, msgs []openai.ChatCompletionMessage) (string, error) {
	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	c.cfg.Logger.Debug("llm: chat completion",
		"model", model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start))
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcribe sends the media to the transcription endpoint with segment
// timestamps. Segments starting at or after maxDuration are dropped and the
// text is rebuilt from the kept ones, so longer media is truncated rather
// than rejected. A zero maxDuration keeps everything.
func (c *Client) Transcribe(ctx context.Context, name string, data []byte, maxDuration time.Duration) (capability.Transcript, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscribeModel,
		FilePath: filepath.Base(name),
		Reader:   bytes.NewReader(data),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return capability.Transcript{}, fmt.Errorf("llm: transcribe %s: %w", name, err)
	}

	tr := capability.Transcript{Text: strings.TrimSpace(resp.Text), Duration: resp.Duration}
	limit := maxDuration.Seconds()
	truncated := false
	for _, s := range resp.Segments {
		if limit > 0 && s.Start >= limit {
			truncated = true
			continue
		}
		end := s.End
		if limit > 0 && end > limit {
			end = limit
		}
		tr.Segments = append(tr.Segments, capability.Segment{Start: s.Start, End: end, Text: strings.TrimSpace(s.Text)})
	}
	if limit > 0 && tr.Duration > limit {
		tr.Duration = limit
		truncated = true
	}
	if truncated && len(resp.Segments) > 0 {
		parts := make([]string, len(tr.Segments))
		for i, s := range tr.Segments {
			parts[i] = s.Text
		}
		tr.Text = strings.Join(parts, " ")
		c.cfg.Logger.Info("llm: transcript truncated", "name", name, "max_duration", maxDuration)
	}
	return tr, nil
}
