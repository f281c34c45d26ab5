// Package summary produces the short post-call summary stored on the call
// record. Failures never block finalization; a fixed fallback is used.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"receptionist-platform/internal/config"
)

// Fallback is stored whenever a summary cannot be generated.
const Fallback = "Call completed."

const systemPrompt = "Summarize this phone call transcript in 1-2 short sentences. " +
	"Mention the caller's purpose and the outcome. Plain text only."

// Generator calls a chat-completions endpoint to summarize transcripts.
type Generator struct {
	log     *slog.Logger
	hc      *http.Client
	apiKey  string
	model   string
	url     string
	timeout time.Duration
}

func NewGenerator(log *slog.Logger, cfg config.SpeechConfig) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		log:     log,
		hc:      &http.Client{Timeout: cfg.SummaryTimeout},
		apiKey:  cfg.APIKey,
		model:   cfg.SummaryModel,
		url:     cfg.SummaryURL,
		timeout: cfg.SummaryTimeout,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate returns a summary of the transcript, or Fallback when the
// transcript is empty or the upstream call fails.
func (g *Generator) Generate(ctx context.Context, transcript string) string {
	if strings.TrimSpace(transcript) == "" {
		return Fallback
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript},
		},
		MaxTokens:   120,
		Temperature: 0.3,
	}
	text, err := g.complete(ctx, body)
	if err != nil {
		g.log.Warn("summary generation failed", "error", err)
		return Fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Fallback
	}
	return text
}

func (g *Generator) complete(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("summary: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("summary: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("summary: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summary: status %d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("summary: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("summary: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}
