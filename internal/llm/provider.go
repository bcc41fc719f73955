package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type CompletionResult struct {
	Content    string
	TokensUsed int
	Duration   time.Duration
}

// Provider is the inference backend. The production implementation is
// an OpenAI-style HTTP server on localhost; tests inject fakes.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// HTTPProvider talks to the local vLLM-style server. It never points
// outside the machine; the access controller pins its port to
// localhost as well.
type HTTPProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewHTTPProvider(baseURL, model string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		Model:   model,
		// Per-request deadlines come from the queue's context.
		Client: &http.Client{},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *HTTPProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	msgs := req.Messages
	if req.System != "" {
		msgs = append([]Message{{Role: "system", Content: req.System}}, msgs...)
	}
	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("llm backend: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("llm backend: neispravan odgovor: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm backend: prazan odgovor")
	}
	return &CompletionResult{
		Content:    parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
		Duration:   time.Since(start),
	}, nil
}
