// Package session defines the per-session context passed explicitly to every
// pipeline component. A session owns one working folder holding the record
// store, the API exchange log, and the merged decision-card artifact. No
// component reads session state from the ambient environment.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Artifact file names inside a session folder.
const (
	RecordsDBFile     = "records.db"
	RecordsFile       = "records.json"
	ExchangeLogFile   = "api_exchange.jsonl"
	DecisionCardsFile = "decision_cards.json"

	archiveDirName = "archived"
)

var emailPattern = regexp.MustCompile(`^[^@ \t\r\n]+@[^@ \t\r\n]+\.[^@ \t\r\n]+$`)

// Context is the process-wide-for-the-session state. It is created at
// session start and torn down by Archive at finalize; nothing survives a
// session except what was written into Dir.
type Context struct {
	ID            string
	Dir           string
	FacilitatorID string
	StartedAt     time.Time
}

// New creates a fresh session with a generated identifier under root.
func New(root, facilitatorID string) (*Context, error) {
	if facilitatorID != "" && !emailPattern.MatchString(facilitatorID) {
		return nil, fmt.Errorf("facilitator id %q is not a valid email address", facilitatorID)
	}
	id := fmt.Sprintf("session_%s_%s", time.Now().Format("20060102150405"), uuid.NewString()[:8])
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session folder: %w", err)
	}
	return &Context{
		ID:            id,
		Dir:           dir,
		FacilitatorID: facilitatorID,
		StartedAt:     time.Now().UTC(),
	}, nil
}

// Open attaches to an existing session folder, creating it if needed. The
// session identifier is the folder basename.
func Open(dir string) (*Context, error) {
	if dir == "" {
		return nil, fmt.Errorf("session folder required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session folder: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session folder: %w", err)
	}
	return &Context{
		ID:        filepath.Base(abs),
		Dir:       abs,
		StartedAt: time.Now().UTC(),
	}, nil
}

// RecordsDBPath returns the path of the sqlite record store.
func (c *Context) RecordsDBPath() string { return filepath.Join(c.Dir, RecordsDBFile) }

// RecordsPath returns the path of the raw submitted-records artifact.
func (c *Context) RecordsPath() string { return filepath.Join(c.Dir, RecordsFile) }

// ExchangeLogPath returns the path of the request/response audit log.
func (c *Context) ExchangeLogPath() string { return filepath.Join(c.Dir, ExchangeLogFile) }

// DecisionCardsPath returns the path of the merged decision-card artifact.
func (c *Context) DecisionCardsPath() string { return filepath.Join(c.Dir, DecisionCardsFile) }

// Archive moves the session folder under an archived/ sibling directory.
// Durable artifacts remain readable at the archived location.
func (c *Context) Archive() (string, error) {
	parent := filepath.Dir(c.Dir)
	archiveDir := filepath.Join(parent, archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive folder: %w", err)
	}
	dest := filepath.Join(archiveDir, c.ID)
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s_%d", dest, time.Now().Unix())
	}
	if err := os.Rename(c.Dir, dest); err != nil {
		return "", fmt.Errorf("failed to archive session: %w", err)
	}
	c.Dir = dest
	return dest, nil
}
