package record

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrDuplicateKey is returned when a key is submitted twice in one session.
var ErrDuplicateKey = errors.New("record key already submitted in this session")

// Store is the append-only per-session record log, backed by SQLite. The
// session process is the only writer; the UNIQUE(session_id, key) constraint
// still holds the invariant if that ever changes.
type Store struct {
	db        *sql.DB
	sessionID string
	logger    *zap.Logger
}

// OpenStore initializes the record store at the given path.
func OpenStore(path, sessionID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}

	s := &Store{db: db, sessionID: sessionID, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feature_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		value_agreement TEXT NOT NULL DEFAULT '',
		dissent TEXT NOT NULL DEFAULT '',
		dependencies TEXT NOT NULL DEFAULT '',
		biases TEXT NOT NULL DEFAULT '',
		reporter TEXT NOT NULL DEFAULT '',
		stakeholders TEXT NOT NULL DEFAULT '',
		module TEXT NOT NULL DEFAULT '',
		facilitator_id TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL DEFAULT '',
		UNIQUE(session_id, key)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize record schema: %w", err)
	}
	return nil
}

// Append adds one record to the session log. The record's SessionID and
// Timestamp are stamped by the store if unset. Duplicate keys within the
// session are rejected with ErrDuplicateKey.
func (s *Store) Append(rec FeatureRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.SessionID == "" {
		rec.SessionID = s.sessionID
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(`
		INSERT INTO feature_records
		(session_id, key, summary, description, value_agreement, dissent,
		 dependencies, biases, reporter, stakeholders, module, facilitator_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Key, rec.Summary, rec.Description, rec.ValueAgreement,
		rec.Dissent, rec.Dependencies, rec.Biases, rec.Reporter, rec.Stakeholders,
		rec.Module, rec.FacilitatorID, rec.Timestamp)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Key)
		}
		return fmt.Errorf("failed to append record: %w", err)
	}
	s.logger.Debug("record appended", zap.String("key", rec.Key), zap.String("session", rec.SessionID))
	return nil
}

// All returns the session's records in submission order.
func (s *Store) All() ([]FeatureRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, key, summary, description, value_agreement, dissent,
		       dependencies, biases, reporter, stakeholders, module, facilitator_id, timestamp
		FROM feature_records
		WHERE session_id = ?
		ORDER BY id ASC`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	var records []FeatureRecord
	for rows.Next() {
		var r FeatureRecord
		if err := rows.Scan(&r.SessionID, &r.Key, &r.Summary, &r.Description,
			&r.ValueAgreement, &r.Dissent, &r.Dependencies, &r.Biases,
			&r.Reporter, &r.Stakeholders, &r.Module, &r.FacilitatorID, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of records in the session.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM feature_records WHERE session_id = ?`, s.sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// ExportJSON writes the raw submitted records as a JSON array artifact,
// the form downstream collaborators consume.
func (s *Store) ExportJSON(path string) error {
	records, err := s.All()
	if err != nil {
		return err
	}
	if records == nil {
		records = []FeatureRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write records artifact: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
