package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesFolderAndUniqueID(t *testing.T) {
	root := t.TempDir()

	a, err := New(root, "facilitator@example.com")
	require.NoError(t, err)
	b, err := New(root, "facilitator@example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.DirExists(t, a.Dir)
	assert.Equal(t, "facilitator@example.com", a.FacilitatorID)
}

func TestNewRejectsBadFacilitatorEmail(t *testing.T) {
	_, err := New(t.TempDir(), "not-an-email")
	assert.Error(t, err)
}

func TestOpenUsesBasenameAsID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Session1234_20250101")
	ctx, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "Session1234_20250101", ctx.ID)
	assert.DirExists(t, ctx.Dir)
	assert.True(t, filepath.IsAbs(ctx.Dir))
}

func TestArtifactPathsLiveInSessionFolder(t *testing.T) {
	ctx, err := Open(filepath.Join(t.TempDir(), "s1"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(ctx.Dir, "records.json"), ctx.RecordsPath())
	assert.Equal(t, filepath.Join(ctx.Dir, "api_exchange.jsonl"), ctx.ExchangeLogPath())
	assert.Equal(t, filepath.Join(ctx.Dir, "decision_cards.json"), ctx.DecisionCardsPath())
	assert.Equal(t, filepath.Join(ctx.Dir, "records.db"), ctx.RecordsDBPath())
}

func TestArchiveMovesSessionFolder(t *testing.T) {
	root := t.TempDir()
	ctx, err := Open(filepath.Join(root, "s1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ctx.DecisionCardsPath(), []byte("[]"), 0644))

	oldDir := ctx.Dir
	dest, err := ctx.Archive()
	require.NoError(t, err)

	assert.NoDirExists(t, oldDir)
	assert.Equal(t, filepath.Join(root, "archived", "s1"), dest)
	assert.FileExists(t, filepath.Join(dest, "decision_cards.json"))
}
