// Package aiprovider talks to hosted LLM APIs (OpenAI chat completions and
// Anthropic messages) to turn a prompt into analysis text.
package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/version"
)

// Supported providers.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
)

const anthropicVersion = "2023-06-01"

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// Client calls the provider APIs. The API key is supplied per call since each
// user brings their own.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Logger
}

// Config for the provider client.
type Config struct {
	OpenAIBaseURL    string
	OpenAIModel      string
	AnthropicBaseURL string
	AnthropicModel   string
	MaxTokens        int
	Timeout          time.Duration
}

// NewClient creates a provider client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = "https://api.openai.com"
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4"
	}
	if cfg.AnthropicModel == "" {
		cfg.AnthropicModel = "claude-2.1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	cfg.OpenAIBaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	cfg.AnthropicBaseURL = strings.TrimRight(cfg.AnthropicBaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends prompt to provider and returns the generated text.
func (c *Client) Complete(ctx context.Context, provider, apiKey, prompt string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("ai provider api key not configured")
	}
	switch provider {
	case OpenAI:
		return c.completeOpenAI(ctx, apiKey, prompt)
	case Anthropic:
		return c.completeAnthropic(ctx, apiKey, prompt)
	default:
		return "", fmt.Errorf("unsupported ai provider %q", provider)
	}
}

func (c *Client) completeOpenAI(ctx context.Context, apiKey, prompt string) (string, error) {
	body := openAIRequest{
		Model:     c.cfg.OpenAIModel,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.cfg.MaxTokens,
	}
	headers := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", apiKey)}

	var resp openAIResponse
	if err := c.sendJSON(ctx, c.cfg.OpenAIBaseURL+"/v1/chat/completions", headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) completeAnthropic(ctx context.Context, apiKey, prompt string) (string, error) {
	body := anthropicRequest{
		Model:     c.cfg.AnthropicModel,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: c.cfg.MaxTokens,
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := c.sendJSON(ctx, c.cfg.AnthropicBaseURL+"/v1/messages", headers, body, &resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic response contained no text")
	}
	return sb.String(), nil
}

// sendJSON posts payload to url and decodes the JSON response into out.
func (c *Client) sendJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("server"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"url":      url,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("AI provider request completed")

	return nil
}
