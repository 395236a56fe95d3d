package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider generates coaching text from the Anthropic
// Messages API.
type AnthropicProvider struct {
	name       string
	apiKey     string
	model      string
	apiURL     string
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic-backed provider. Timeouts
// come from the router's per-call deadline, not the client.
func NewAnthropicProvider(name, apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		name:   name,
		apiKey: apiKey,
		model:  model,
		apiURL: anthropicAPIURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
		),
	}
}

// SetAPIURL overrides the endpoint. Intended for tests.
func (a *AnthropicProvider) SetAPIURL(url string) { a.apiURL = url }

// Name returns the configured provider name.
func (a *AnthropicProvider) Name() string { return a.name }

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// systemPrompt fixes the response contract per style. Live requests
// demand a single short spoken cue; debrief requests allow a few
// explanatory sentences.
func systemPrompt(style Style) string {
	if style == StyleDebrief {
		return "You are a workout coach writing a short post-session debrief. " +
			"Reply with 2-4 plain sentences summarizing effort and one suggestion. No markdown."
	}
	return "You are a realtime workout coach speaking into the athlete's ear. " +
		"Reply with exactly one short spoken sentence. No markdown, no preamble."
}

// Invoke sends a non-streaming Messages API request.
func (a *AnthropicProvider) Invoke(ctx context.Context, req Request) (string, error) {
	body := anthropicRequest{
		Model:     a.model,
		System:    systemPrompt(req.Style),
		MaxTokens: req.MaxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("anthropic returned %d: %s", resp.StatusCode, msg)
	}

	var out anthropicResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	result := strings.TrimSpace(text.String())
	if result == "" {
		return "", ErrEmptyResponse
	}
	return result, nil
}
