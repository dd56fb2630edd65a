// Package record defines the feature facilitation record and its per-session
// store. Records are immutable once submitted; the store enforces the
// unique-key-per-session invariant and preserves submission order.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FeatureRecord is one facilitator-submitted unit describing a candidate
// work item and its qualitative evaluation inputs. The field set is closed:
// merging and projection operate over these fields only.
type FeatureRecord struct {
	// Key is the tracker issue identifier. Non-empty, unique per session.
	Key         string `json:"key"`
	Summary     string `json:"summary"`
	Description string `json:"description"`

	// Facilitation outcome fields
	ValueAgreement string `json:"value_agreement"`
	Dissent        string `json:"dissent"`
	Dependencies   string `json:"dependencies"`
	Biases         string `json:"biases"`

	// Provenance fields: owned by the source record, never by engine output.
	Reporter      string `json:"reporter,omitempty"`
	Stakeholders  string `json:"stakeholders,omitempty"`
	Module        string `json:"module,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	FacilitatorID string `json:"facilitator_id,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Validate checks the invariants a record must satisfy before submission.
func (r *FeatureRecord) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("record key must be non-empty")
	}
	return nil
}

// ProvenanceFields lists the fields the source record always wins during
// reconciliation.
func ProvenanceFields() []string {
	return []string{"reporter", "stakeholders", "module", "session_id", "facilitator_id", "timestamp"}
}

// LoadJSON parses a JSON array of feature records, preserving order.
func LoadJSON(data []byte) ([]FeatureRecord, error) {
	var records []FeatureRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records: %w", err)
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return records, nil
}
