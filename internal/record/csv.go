package record

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// fieldMapping normalizes tracker CSV export headers to record field names.
var fieldMapping = map[string]string{
	"issue key":                    "key",
	"issue id":                     "key",
	"jira key":                     "key",
	"summary":                      "summary",
	"description":                  "description",
	"reporter":                     "reporter",
	"custom field (stakeholders)":  "stakeholders",
	"stakeholders":                 "stakeholders",
	"custom field (module)":        "module",
	"module":                       "module",
	"value agreement":              "value_agreement",
	"dissent":                      "dissent",
	"dependencies":                 "dependencies",
	"biases":                       "biases",
}

// NormalizeHeader maps a raw CSV header onto its record field name. Unknown
// headers are lowered and trimmed so callers can still see them.
func NormalizeHeader(header string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	if mapped, ok := fieldMapping[h]; ok {
		return mapped
	}
	return h
}

// ImportCSV reads a tracker CSV export and returns the base feature records
// in file order. Outcome fields stay empty; facilitators fill them at
// submission time. Rows without a key are skipped.
func ImportCSV(path string) ([]FeatureRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()
	return parseCSV(f)
}

func parseCSV(r io.Reader) ([]FeatureRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	fields := make([]string, len(header))
	for i, h := range header {
		fields[i] = NormalizeHeader(h)
	}

	var records []FeatureRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}

		var rec FeatureRecord
		for i, v := range row {
			if i >= len(fields) {
				break
			}
			switch fields[i] {
			case "key":
				if rec.Key == "" {
					rec.Key = strings.TrimSpace(v)
				}
			case "summary":
				rec.Summary = v
			case "description":
				rec.Description = v
			case "reporter":
				rec.Reporter = v
			case "stakeholders":
				rec.Stakeholders = v
			case "module":
				rec.Module = v
			case "value_agreement":
				rec.ValueAgreement = v
			case "dissent":
				rec.Dissent = v
			case "dependencies":
				rec.Dependencies = v
			case "biases":
				rec.Biases = v
			}
		}
		if rec.Key == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
