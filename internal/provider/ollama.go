package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/httpkit"
)

// OllamaProvider generates coaching text from a local Ollama instance.
type OllamaProvider struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates an Ollama-backed provider. The router's
// per-call deadline controls timeouts, so the client itself carries
// none.
func NewOllamaProvider(name, baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(1, 250*time.Millisecond),
		),
	}
}

// Name returns the configured provider name.
func (o *OllamaProvider) Name() string { return o.name }

// generateRequest is the request format for the Ollama generate API.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

// ollamaOptions are model parameters.
type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// generateResponse is the response from the Ollama generate API.
type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Invoke sends a non-streaming generate request.
func (o *OllamaProvider) Invoke(ctx context.Context, req Request) (string, error) {
	body := generateRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		Stream: false,
		Options: &ollamaOptions{
			NumPredict: req.MaxTokens,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, msg)
	}

	var out generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
