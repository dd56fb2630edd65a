// Package prompt builds the single instruction payload submitted to the
// reasoning engine: a scoring directive followed by the reflexive feedback
// block and the projected feature block, both JSON.
package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"starpipe/internal/feedback"
	"starpipe/internal/record"
)

// ErrEmptyInput is returned when there are no feature records to evaluate.
// The pipeline must not call the reasoning engine in that case.
var ErrEmptyInput = errors.New("no feature records to evaluate")

// directive instructs the engine to derive priority only from supplied
// fields, fold in prior-cycle feedback, avoid ties, and answer with nothing
// but a JSON array of decision_card objects.
const directive = "Analyze the following list of feature metadata (in JSON). " +
	"For each feature, generate a decision card including all input fields, " +
	"a priority_score (integer 1-10), and a rationale. " +
	"Use only the inputs provided below to determine priority, do not invent anything on your own. " +
	"Study the reflexive feedback from the last eligible cycle, the deviations between " +
	"assigned priority and post-release outcome, and incorporate that analysis into your " +
	"final priority evaluation. " +
	"Try to avoid assigning the same priority to more than one feature. " +
	"Return the output as a JSON array of decision_card objects, each containing all inputs, " +
	"a priority_score, and a rationale. Do not return anything else."

// projectedRecord is the required-field allowlist the engine is allowed to
// see. Provenance fields (reporter, session, facilitator, timestamps) are
// deliberately dropped.
type projectedRecord struct {
	Key            string `json:"key"`
	Summary        string `json:"summary"`
	Description    string `json:"description"`
	ValueAgreement string `json:"value_agreement"`
	Dissent        string `json:"dissent"`
	Dependencies   string `json:"dependencies"`
	Biases         string `json:"biases"`
}

// Payload is the assembled instruction for one engine request. It is owned
// by the builder for the duration of a single request and only persisted as
// part of the exchange audit log.
type Payload struct {
	Text          string
	FeatureCount  int
	FeedbackCount int
}

// Build projects the records onto the allowlist, serializes them together
// with the feedback rows preserving submission order, and returns the
// combined instruction payload.
func Build(records []record.FeatureRecord, fb *feedback.Records) (*Payload, error) {
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}

	projected := make([]projectedRecord, len(records))
	for i, r := range records {
		projected[i] = projectedRecord{
			Key:            r.Key,
			Summary:        r.Summary,
			Description:    r.Description,
			ValueAgreement: r.ValueAgreement,
			Dissent:        r.Dissent,
			Dependencies:   r.Dependencies,
			Biases:         r.Biases,
		}
	}
	featureJSON, err := json.MarshalIndent(projected, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize features: %w", err)
	}

	feedbackJSON, feedbackCount, err := marshalFeedback(fb)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(directive)
	sb.WriteString("\n\nREFLEXIVE FEEDBACK (prior cycle):\n")
	sb.Write(feedbackJSON)
	sb.WriteString("\n\nFEATURES:\n")
	sb.Write(featureJSON)
	sb.WriteString("\n")

	return &Payload{
		Text:          sb.String(),
		FeatureCount:  len(records),
		FeedbackCount: feedbackCount,
	}, nil
}

// marshalFeedback serializes feedback rows as JSON objects with keys in
// worksheet column order. encoding/json would sort map keys, losing the
// sheet's column order, so rows are assembled by hand.
func marshalFeedback(fb *feedback.Records) ([]byte, int, error) {
	if fb == nil || len(fb.Rows) == 0 {
		return []byte("[]"), 0, nil
	}

	var buf bytes.Buffer
	buf.WriteString("[\n")
	for i, row := range fb.Rows {
		buf.WriteString("  {\n")
		for j, col := range fb.Columns {
			name, err := json.Marshal(col)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to serialize feedback column: %w", err)
			}
			val, err := json.Marshal(row[col])
			if err != nil {
				return nil, 0, fmt.Errorf("failed to serialize feedback value: %w", err)
			}
			buf.WriteString("    ")
			buf.Write(name)
			buf.WriteString(": ")
			buf.Write(val)
			if j < len(fb.Columns)-1 {
				buf.WriteString(",")
			}
			buf.WriteString("\n")
		}
		buf.WriteString("  }")
		if i < len(fb.Rows)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString("]")
	return buf.Bytes(), len(fb.Rows), nil
}
