package record

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "records.db"), "test-session", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndAllPreservesSubmissionOrder(t *testing.T) {
	s := newTestStore(t)

	keys := []string{"X-3", "X-1", "X-2"}
	for _, k := range keys {
		require.NoError(t, s.Append(FeatureRecord{Key: k, Summary: "s " + k}))
	}

	records, err := s.All()
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, k := range keys {
		assert.Equal(t, k, records[i].Key)
	}
}

func TestAppendRejectsDuplicateKeyInSession(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(FeatureRecord{Key: "X-1"}))
	err := s.Append(FeatureRecord{Key: "X-1", Summary: "again"})
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendRejectsEmptyKey(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Append(FeatureRecord{Key: "  "}))
}

func TestAppendStampsSessionAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(FeatureRecord{Key: "X-1"}))

	records, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, "test-session", records[0].SessionID)
	assert.NotEmpty(t, records[0].Timestamp)
}

func TestExportJSONWritesOrderedArtifact(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(FeatureRecord{Key: "X-2", Summary: "second"}))
	require.NoError(t, s.Append(FeatureRecord{Key: "X-1", Summary: "first submitted later"}))

	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, s.ExportJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []FeatureRecord
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "X-2", out[0].Key)
	assert.Equal(t, "X-1", out[1].Key)
}

func TestExportJSONEmptyStoreWritesEmptyArray(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, s.ExportJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}
