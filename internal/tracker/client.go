// Package tracker pushes reconciled priorities and rationales to the
// external issue tracker, one idempotent update per decision card, and
// reports every per-card outcome in a structured batch report.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"starpipe/internal/config"
	"starpipe/internal/reconcile"
)

// adfDoc is the rich-text document envelope the tracker expects for the
// rationale field.
type adfDoc struct {
	Type    string    `json:"type"`
	Version int       `json:"version"`
	Content []adfNode `json:"content"`
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

type updatePayload struct {
	Fields map[string]any `json:"fields"`
}

// Client performs per-card tracker updates.
type Client struct {
	baseURL       string
	email         string
	apiToken      string
	priorityField string
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewClient creates a tracker client from config.
func NewClient(cfg config.TrackerConfig, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	priorityField := cfg.PriorityField
	if priorityField == "" {
		priorityField = "priority"
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		email:         cfg.Email,
		apiToken:      cfg.APIToken,
		priorityField: priorityField,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

// Propagate performs exactly one update call per card that carries a
// resolvable identifier, a priority score, and a rationale. Cards missing
// any of the three are skipped, not retried. A failed update does not halt
// the remaining cards; every outcome lands in the report.
func (c *Client) Propagate(ctx context.Context, cards []reconcile.DecisionCard) *PropagationReport {
	report := &PropagationReport{}
	for i := range cards {
		card := &cards[i]
		if reason, ok := c.updatable(card); !ok {
			c.logger.Warn("skipping card for tracker update",
				zap.String("key", card.Key), zap.String("reason", reason))
			report.add(card.Key, OutcomeSkipped, reason)
			continue
		}
		if err := c.update(ctx, card); err != nil {
			c.logger.Error("tracker update failed",
				zap.String("key", card.Key), zap.Error(err))
			report.add(card.Key, OutcomeFailed, err.Error())
			continue
		}
		c.logger.Info("tracker updated",
			zap.String("key", card.Key), zap.Int("priority", card.PriorityScore))
		report.add(card.Key, OutcomeUpdated, "")
	}
	return report
}

func (c *Client) updatable(card *reconcile.DecisionCard) (string, bool) {
	switch {
	case strings.TrimSpace(card.Key) == "":
		return "missing issue identifier", false
	case !card.HasScore():
		return "missing priority score", false
	case strings.TrimSpace(card.Rationale) == "":
		return "missing rationale", false
	}
	return "", true
}

// update issues one PUT. A full-field replace is idempotent: repeating the
// same call leaves the issue in the same state.
func (c *Client) update(ctx context.Context, card *reconcile.DecisionCard) error {
	payload := updatePayload{
		Fields: map[string]any{
			c.priorityField: card.PriorityScore,
			"rationale":     rationaleDoc(card.Rationale),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	url := fmt.Sprintf("%s/rest/api/3/issue/%s", c.baseURL, card.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.email != "" || c.apiToken != "" {
		req.SetBasicAuth(c.email, c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("update request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tracker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return nil
}

func rationaleDoc(text string) adfDoc {
	return adfDoc{
		Type:    "doc",
		Version: 1,
		Content: []adfNode{
			{
				Type: "paragraph",
				Content: []adfNode{
					{Type: "text", Text: text},
				},
			},
		},
	}
}
