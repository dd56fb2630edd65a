// Package reasoning submits the assembled instruction payload to the
// external reasoning engine over a chat-completions boundary and classifies
// the outcome. Every call is recorded in the exchange log before any parsing
// so the audit trail survives malformed responses. Failed calls are
// surfaced, never retried.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"starpipe/internal/config"
)

const (
	maxResponseBytes = 10 * 1024 * 1024
	bodyExcerptLen   = 512
)

// TransportError reports a non-2xx engine response. It is terminal for the
// pipeline run and is never treated as zero results.
type TransportError struct {
	Status      int
	BodyExcerpt string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine request failed with status %d: %s", e.Status, e.BodyExcerpt)
}

// Client performs one synchronous call per invocation against the reasoning
// engine.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	siteURL    string
	siteName   string
	httpClient *http.Client
	log        *ExchangeLog
	logger     *zap.Logger
}

// NewClient creates a reasoning client from config. Every call is appended
// to the given exchange log.
func NewClient(cfg config.EngineConfig, timeout time.Duration, log *ExchangeLog, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		siteURL:  cfg.SiteURL,
		siteName: cfg.SiteName,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:    log,
		logger: logger,
	}
}

// Submit posts the instruction payload as a single user-role message and
// returns the engine's raw textual content. Non-2xx responses yield a
// *TransportError; the exchange log entry exists in either case.
func (c *Client) Submit(ctx context.Context, instruction string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("engine API key not configured")
	}

	// Bound the call even when the caller supplied no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	reqBody := Request{
		Model: c.model,
		Messages: []Message{
			{Role: "user", Content: instruction},
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal engine request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}

	exchange := Exchange{
		Timestamp: time.Now().UTC(),
		Request: ExchangeRequest{
			URL:     url,
			Headers: flattenHeaders(req.Header),
			Body:    string(jsonData),
		},
	}

	start := time.Now()
	c.logger.Debug("submitting payload to reasoning engine",
		zap.String("model", c.model), zap.Int("payload_len", len(instruction)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		exchange.Error = err.Error()
		c.appendExchange(exchange)
		return "", fmt.Errorf("engine request failed: %w", err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()

	exchange.Response = &ExchangeResponse{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    string(body),
	}
	if readErr != nil {
		exchange.Error = readErr.Error()
	}
	// Audit trail must exist before any parsing is attempted.
	c.appendExchange(exchange)

	if readErr != nil {
		return "", fmt.Errorf("failed to read engine response: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("engine returned non-2xx status",
			zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))
		return "", &TransportError{Status: resp.StatusCode, BodyExcerpt: excerpt(body)}
	}

	var envelope Response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse engine envelope: %w", err)
	}
	if envelope.Error != nil {
		return "", fmt.Errorf("engine error: %s", envelope.Error.Message)
	}
	if len(envelope.Choices) == 0 {
		return "", fmt.Errorf("engine returned no choices")
	}

	content := envelope.Choices[0].Message.Content
	c.logger.Info("engine call completed",
		zap.Duration("elapsed", time.Since(start)), zap.Int("content_len", len(content)))
	return content, nil
}

func (c *Client) appendExchange(ex Exchange) {
	if c.log == nil {
		return
	}
	if err := c.log.Append(ex); err != nil {
		// The audit write failing must not mask the call outcome.
		c.logger.Error("failed to append exchange log entry", zap.Error(err))
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func excerpt(body []byte) string {
	if len(body) > bodyExcerptLen {
		return string(body[:bodyExcerptLen]) + "..."
	}
	return string(body)
}
