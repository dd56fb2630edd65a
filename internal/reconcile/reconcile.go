// Package reconcile joins the reasoning engine's free-form reply back to the
// original feature records: extracts the card array, resolves each card's
// key through an ordered alias table, and merges fields with explicit
// precedence: engine output wins for evaluation fields, the source record
// always wins for provenance.
package reconcile

import (
	"errors"
	"math"
	"strconv"

	"go.uber.org/zap"

	"starpipe/internal/record"
)

// ErrEmptyOutput is returned when the engine's array parses but holds no
// cards.
var ErrEmptyOutput = errors.New("engine returned an empty decision-card array")

// DecisionCard is the reconciled, scored output for one feature record.
type DecisionCard struct {
	record.FeatureRecord

	PriorityScore int    `json:"priority_score"`
	Rationale     string `json:"rationale"`

	// Orphan marks a card whose key resolved to no source record. Orphans
	// carry only engine-supplied fields and are excluded from Cards.
	Orphan bool `json:"orphan,omitempty"`
}

// HasScore reports whether the engine supplied a usable priority score.
func (c *DecisionCard) HasScore() bool {
	return c.PriorityScore != 0
}

// Result is one reconciliation outcome.
type Result struct {
	// Cards are the merged decision cards, in the engine's array order.
	Cards []DecisionCard
	// Unmatched lists keys of original records with no engine counterpart,
	// in submission order. They are reported, never silently dropped.
	Unmatched []string
	// Orphans are engine cards whose key matched no original record.
	Orphans []DecisionCard
	// ProvenanceOverridesIgnored counts engine attempts to overwrite
	// provenance fields that were discarded in favor of the source record.
	ProvenanceOverridesIgnored int
}

// Reconciler matches engine cards back to source records.
type Reconciler struct {
	keyAliases []string
	logger     *zap.Logger
}

// New creates a reconciler with the given ordered key-alias table.
func New(keyAliases []string, logger *zap.Logger) *Reconciler {
	if len(keyAliases) == 0 {
		keyAliases = []string{"key", "issue_key", "jira_key", "jira_id"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{keyAliases: keyAliases, logger: logger}
}

// Reconcile extracts the card array from raw engine content and merges each
// card with its source record. Re-running with the same inputs yields the
// same result; source records are never mutated.
func (r *Reconciler) Reconcile(raw string, records []record.FeatureRecord) (*Result, error) {
	cards, err := extractCards(raw)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, ErrEmptyOutput
	}

	byKey := make(map[string]record.FeatureRecord, len(records))
	for _, rec := range records {
		byKey[rec.Key] = rec
	}

	result := &Result{}
	matched := make(map[string]bool, len(records))

	for i, engineCard := range cards {
		key, ok := r.resolveKey(engineCard)
		if !ok {
			r.logger.Warn("engine card has no resolvable key", zap.Int("index", i))
			result.Orphans = append(result.Orphans, r.orphanCard(engineCard))
			continue
		}
		source, found := byKey[key]
		if !found {
			r.logger.Warn("engine card key matches no source record", zap.String("key", key))
			card := r.orphanCard(engineCard)
			card.Key = key
			result.Orphans = append(result.Orphans, card)
			continue
		}
		matched[key] = true
		result.Cards = append(result.Cards, r.merge(source, engineCard, result))
	}

	for _, rec := range records {
		if !matched[rec.Key] {
			result.Unmatched = append(result.Unmatched, rec.Key)
		}
	}
	if len(result.Unmatched) > 0 {
		r.logger.Warn("records without engine counterpart",
			zap.Strings("keys", result.Unmatched))
	}
	return result, nil
}

// resolveKey tries the alias table in order and returns the first non-empty
// string value.
func (r *Reconciler) resolveKey(card map[string]any) (string, bool) {
	for _, alias := range r.keyAliases {
		if v, ok := card[alias]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// merge builds a decision card from a copy of the source record overlaid
// with the engine card's evaluation fields. Provenance fields stay with the
// source: an engine attempting to rewrite them is counted and ignored.
func (r *Reconciler) merge(source record.FeatureRecord, engineCard map[string]any, result *Result) DecisionCard {
	card := DecisionCard{FeatureRecord: source}

	overlay := func(field string, dst *string) {
		if v, ok := stringField(engineCard, field); ok {
			*dst = v
		}
	}
	overlay("summary", &card.Summary)
	overlay("description", &card.Description)
	overlay("value_agreement", &card.ValueAgreement)
	overlay("dissent", &card.Dissent)
	overlay("dependencies", &card.Dependencies)
	overlay("biases", &card.Biases)

	for _, field := range record.ProvenanceFields() {
		if v, ok := stringField(engineCard, field); ok && v != provenanceValue(source, field) {
			result.ProvenanceOverridesIgnored++
			r.logger.Warn("ignoring engine overwrite of provenance field",
				zap.String("key", source.Key), zap.String("field", field))
		}
	}

	if score, ok := intField(engineCard, "priority_score"); ok {
		if n, isFloat := engineCard["priority_score"].(float64); isFloat && n != math.Trunc(n) {
			r.logger.Warn("truncating non-integral priority score",
				zap.String("key", source.Key), zap.Float64("score", n))
		}
		if score < 1 || score > 10 {
			r.logger.Warn("priority score outside 1-10",
				zap.String("key", source.Key), zap.Int("score", score))
		}
		card.PriorityScore = score
	}
	if v, ok := stringField(engineCard, "rationale"); ok {
		card.Rationale = v
	}
	return card
}

// orphanCard builds a card from engine fields alone.
func (r *Reconciler) orphanCard(engineCard map[string]any) DecisionCard {
	card := DecisionCard{Orphan: true}
	if v, ok := stringField(engineCard, "summary"); ok {
		card.Summary = v
	}
	if v, ok := stringField(engineCard, "rationale"); ok {
		card.Rationale = v
	}
	if score, ok := intField(engineCard, "priority_score"); ok {
		card.PriorityScore = score
	}
	return card
}

func provenanceValue(rec record.FeatureRecord, field string) string {
	switch field {
	case "reporter":
		return rec.Reporter
	case "stakeholders":
		return rec.Stakeholders
	case "module":
		return rec.Module
	case "session_id":
		return rec.SessionID
	case "facilitator_id":
		return rec.FacilitatorID
	case "timestamp":
		return rec.Timestamp
	}
	return ""
}

func stringField(card map[string]any, field string) (string, bool) {
	v, ok := card[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intField accepts JSON numbers and numeric strings; engines are not
// consistent about which they emit.
func intField(card map[string]any, field string) (int, bool) {
	v, ok := card[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}
