// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configuration constants for the completion API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "rigchat/1.0"
)

// sharedTransport pools connections across per-request clients.
var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// Error variables for common provider errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrEmptyResponse indicates a completion without choices.
	ErrEmptyResponse = errors.New("empty completion")
)

// OpenRouterError represents an error from the completion API.
type OpenRouterError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *OpenRouterError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("OpenRouter error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// MESSAGES AND REQUESTS
// =============================================================================

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

func (r apiErrorResponse) code() string {
	return strings.Trim(string(r.Error.Code), `"`)
}

// =============================================================================
// CLIENT
// =============================================================================

// OpenRouterClient is a client for one caller's completion API key.
type OpenRouterClient struct {
	apiKey   string
	baseURL  string
	timeout  time.Duration
	siteURL  string
	siteName string

	httpClient *http.Client
	logger     zerolog.Logger
}

// NewOpenRouterClient creates a client with the given API key. An empty key
// still yields a client; its requests fail with ErrNotConfigured.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultOpenRouterURL,
		timeout:    DefaultTimeout,
		siteName:   "rigchat",
		httpClient: &http.Client{Transport: sharedTransport},
		logger:     zerolog.Nop(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	if url != "" {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
	return c
}

// WithTimeout sets the timeout for non-streaming requests. Streams are bounded
// by their context only.
func (c *OpenRouterClient) WithTimeout(timeout time.Duration) *OpenRouterClient {
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// WithSiteURL sets the HTTP-Referer attribution header.
func (c *OpenRouterClient) WithSiteURL(url string) *OpenRouterClient {
	c.siteURL = url
	return c
}

// WithSiteName sets the X-Title attribution header.
func (c *OpenRouterClient) WithSiteName(name string) *OpenRouterClient {
	c.siteName = name
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *OpenRouterClient) WithHTTPClient(hc *http.Client) *OpenRouterClient {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger sets the request logger.
func (c *OpenRouterClient) WithLogger(l zerolog.Logger) *OpenRouterClient {
	c.logger = l
	return c
}

// IsConfigured returns true if the client has an API key configured.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// KeyFingerprint identifies the API key in logs without exposing it.
func (c *OpenRouterClient) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for API requests.
func (c *OpenRouterClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// newRequest builds a POST to the chat completions endpoint.
func (c *OpenRouterClient) newRequest(ctx context.Context, body ChatRequest) (*http.Request, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

// Complete performs a non-streaming completion and returns the first
// choice's content.
func (c *OpenRouterClient) Complete(ctx context.Context, reqBody ChatRequest) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	reqBody.Stream = false

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, reqBody)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logResponse(reqBody.Model, false, resp.StatusCode, time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return chatResp.GetContent(), nil
}

// logResponse logs status and duration only. Headers and bodies may carry
// credentials or user content.
func (c *OpenRouterClient) logResponse(model string, stream bool, status int, d time.Duration) {
	c.logger.Debug().
		Str("model", model).
		Bool("stream", stream).
		Int("status", status).
		Dur("duration", d).
		Str("key", c.KeyFingerprint()).
		Msg("completion request")
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to sentinel errors.
func handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		orErr := &OpenRouterError{
			Code:    apiErr.code(),
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}

		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailed, orErr.Message)
		case http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", ErrInsufficientCredits, orErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrModelNotFound, orErr.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, orErr.Message)
		default:
			return orErr
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &OpenRouterError{Message: msg, Status: statusCode}
	}
}
