// Package llamacpp describes tiles with a vision model served by llama.cpp
// through its OpenAI-compatible chat endpoint.
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultURL is where llama-server listens unless told otherwise
const DefaultURL = "http://localhost:8080"

const chatPath = "/v1/chat/completions"

// Sampling tunes the completion; captions are a handful of tokens
type Sampling struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// DefaultSampling keeps answers short and close to deterministic
func DefaultSampling() Sampling {
	return Sampling{MaxTokens: 64, Temperature: 0.2, TopP: 0.8}
}

// Client talks to one llama.cpp server
type Client struct {
	baseURL    string
	httpClient *http.Client
	sampling   Sampling
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSampling overrides the sampling parameters
func WithSampling(s Sampling) Option {
	return func(c *Client) { c.sampling = s }
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a client for serverURL, DefaultURL when empty
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("llama.cpp url must start with http:// or https://: %s", serverURL)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		sampling:   DefaultSampling(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Describe sends a JPEG tile (base64, may be empty) with prompt and returns
// the first text reply
func (c *Client) Describe(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	parts := []contentPart{{Type: "text", Text: prompt}}
	if imgB64 != "" {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + imgB64},
		})
	}

	req := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		Temperature: c.sampling.Temperature,
		MaxTokens:   c.sampling.MaxTokens,
		TopP:        c.sampling.TopP,
	}

	var resp chatResponse
	if err := c.post(ctx, chatPath, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llama.cpp: no choices in response")
	}
	text := replyText(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("llama.cpp: empty reply")
	}
	return text, nil
}

// replyText reads string content or the first text part of array content
func replyText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok || part["type"] != "text" && part["type"] != nil {
				continue
			}
			if text, _ := part["text"].(string); text != "" {
				return text
			}
		}
	}
	return ""
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("llama.cpp: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llama.cpp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llama.cpp %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("llama.cpp %s: read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return fmt.Errorf("llama.cpp %s: status %d: %s", path, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("llama.cpp %s: decode response: %w", path, err)
	}
	return nil
}
