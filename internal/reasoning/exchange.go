package reasoning

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// redactedValue replaces secret header values in the exchange log at rest.
const redactedValue = "[redacted]"

// ExchangeRequest is the request half of one audit entry.
type ExchangeRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ExchangeResponse is the response half of one audit entry.
type ExchangeResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// Exchange is one full request/response envelope, recorded verbatim apart
// from secret redaction.
type Exchange struct {
	Timestamp time.Time         `json:"timestamp"`
	Request   ExchangeRequest   `json:"request"`
	Response  *ExchangeResponse `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ExchangeLog persists every reasoning-engine call as one JSON line in an
// append-only file, one entry per call, written before any content parsing.
type ExchangeLog struct {
	path string
	mu   sync.Mutex
}

// NewExchangeLog creates an exchange log at the given path.
func NewExchangeLog(path string) *ExchangeLog {
	return &ExchangeLog{path: path}
}

// Path returns the log file location.
func (l *ExchangeLog) Path() string { return l.path }

// Append writes one exchange entry. The Authorization header is redacted.
func (l *ExchangeLog) Append(ex Exchange) error {
	redactHeaders(ex.Request.Headers)

	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open exchange log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write exchange log: %w", err)
	}
	return nil
}

// Entries reads all recorded exchanges back, oldest first.
func (l *ExchangeLog) Entries() ([]Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read exchange log: %w", err)
	}

	var entries []Exchange
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ex Exchange
		if err := json.Unmarshal([]byte(line), &ex); err != nil {
			return nil, fmt.Errorf("failed to parse exchange entry: %w", err)
		}
		entries = append(entries, ex)
	}
	return entries, nil
}

func redactHeaders(headers map[string]string) {
	for name := range headers {
		if http.CanonicalHeaderKey(name) == "Authorization" {
			headers[name] = redactedValue
		}
	}
}
