package reconcile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"starpipe/internal/record"
)

func twoRecords() []record.FeatureRecord {
	return []record.FeatureRecord{
		{Key: "X-1", Summary: "S1", Reporter: "alice", SessionID: "s-1", Timestamp: "2025-01-01T00:00:00Z"},
		{Key: "X-2", Summary: "S2", Reporter: "bob", SessionID: "s-1"},
	}
}

func TestReconcileFullMatch(t *testing.T) {
	raw := `[{"key":"X-1","priority_score":8,"rationale":"r1"},{"key":"X-2","priority_score":3,"rationale":"r2"}]`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)

	require.Len(t, res.Cards, 2)
	assert.Equal(t, "X-1", res.Cards[0].Key)
	assert.Equal(t, 8, res.Cards[0].PriorityScore)
	assert.Equal(t, "r1", res.Cards[0].Rationale)
	assert.Equal(t, "X-2", res.Cards[1].Key)
	assert.Equal(t, 3, res.Cards[1].PriorityScore)
	assert.Empty(t, res.Unmatched)
	assert.Empty(t, res.Orphans)
}

func TestReconcilePartialMatchReportsUnmatched(t *testing.T) {
	raw := `[{"key":"X-1","priority_score":8,"rationale":"r1"}]`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)

	require.Len(t, res.Cards, 1)
	assert.Equal(t, "X-1", res.Cards[0].Key)
	assert.Equal(t, []string{"X-2"}, res.Unmatched)
}

func TestReconcileToleratesProseAroundArray(t *testing.T) {
	raw := `Sure, here you go: [{"key":"X-1","priority_score":5,"rationale":"ok"}] Hope that helps!`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)
	require.Len(t, res.Cards, 1)
	assert.Equal(t, 5, res.Cards[0].PriorityScore)
}

func TestReconcileOutputFollowsEngineOrder(t *testing.T) {
	// Engine ranks X-2 first; output must reflect that, not submission order.
	raw := `[{"key":"X-2","priority_score":9,"rationale":"r2"},{"key":"X-1","priority_score":4,"rationale":"r1"}]`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)
	require.Len(t, res.Cards, 2)
	assert.Equal(t, "X-2", res.Cards[0].Key)
	assert.Equal(t, "X-1", res.Cards[1].Key)
}

func TestReconcileIsIdempotent(t *testing.T) {
	raw := `[{"key":"X-1","priority_score":8,"rationale":"r1"}]`
	records := twoRecords()

	r := New(nil, nil)
	first, err := r.Reconcile(raw, records)
	require.NoError(t, err)
	second, err := r.Reconcile(raw, records)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("reconcile not idempotent (-first +second):\n%s", diff)
	}
}

func TestReconcileProvenanceRoundTrip(t *testing.T) {
	// Engine tries to rewrite provenance; the source record must win.
	raw := `[{"key":"X-1","priority_score":8,"rationale":"r1","reporter":"mallory","session_id":"fake","timestamp":"1999-01-01T00:00:00Z"}]`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)

	require.Len(t, res.Cards, 1)
	card := res.Cards[0]
	assert.Equal(t, "alice", card.Reporter)
	assert.Equal(t, "s-1", card.SessionID)
	assert.Equal(t, "2025-01-01T00:00:00Z", card.Timestamp)
	assert.Equal(t, 3, res.ProvenanceOverridesIgnored)
}

func TestReconcileEngineWinsEvaluationFields(t *testing.T) {
	raw := `[{"key":"X-1","priority_score":8,"rationale":"r1","summary":"refined summary","dissent":"two objections"}]`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)
	assert.Equal(t, "refined summary", res.Cards[0].Summary)
	assert.Equal(t, "two objections", res.Cards[0].Dissent)
}

func TestReconcileKeyAliasOrder(t *testing.T) {
	records := []record.FeatureRecord{{Key: "X-1", Summary: "S1"}}

	tests := []struct {
		name string
		raw  string
	}{
		{"issue_key", `[{"issue_key":"X-1","priority_score":7,"rationale":"r"}]`},
		{"jira_key", `[{"jira_key":"X-1","priority_score":7,"rationale":"r"}]`},
		{"jira_id", `[{"jira_id":"X-1","priority_score":7,"rationale":"r"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil, nil)
			res, err := r.Reconcile(tt.raw, records)
			require.NoError(t, err)
			require.Len(t, res.Cards, 1)
			assert.Equal(t, "X-1", res.Cards[0].Key)
		})
	}
}

func TestReconcileAliasPrecedenceIsOrdered(t *testing.T) {
	records := []record.FeatureRecord{{Key: "X-1"}, {Key: "X-9"}}
	// Both aliases present; the earlier alias in the table must win.
	raw := `[{"key":"X-1","jira_key":"X-9","priority_score":7,"rationale":"r"}]`

	r := New([]string{"key", "jira_key"}, nil)
	res, err := r.Reconcile(raw, records)
	require.NoError(t, err)
	require.Len(t, res.Cards, 1)
	assert.Equal(t, "X-1", res.Cards[0].Key)
	assert.Equal(t, []string{"X-9"}, res.Unmatched)
}

func TestReconcileOrphanCards(t *testing.T) {
	raw := `[{"key":"GHOST-1","priority_score":6,"rationale":"r"},{"priority_score":2,"rationale":"keyless"}]`

	r := New(nil, nil)
	res, err := r.Reconcile(raw, twoRecords())
	require.NoError(t, err)

	assert.Empty(t, res.Cards)
	require.Len(t, res.Orphans, 2)
	assert.True(t, res.Orphans[0].Orphan)
	assert.Equal(t, "GHOST-1", res.Orphans[0].Key)
	assert.Equal(t, "keyless", res.Orphans[1].Rationale)
	assert.ElementsMatch(t, []string{"X-1", "X-2"}, res.Unmatched)
}

func TestReconcileMalformedContent(t *testing.T) {
	r := New(nil, nil)

	tests := []struct {
		name string
		raw  string
	}{
		{"no brackets", "I could not produce a ranking today."},
		{"only open", "here: ["},
		{"close before open", "] then ["},
		{"unparsable array", "[{not json}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Reconcile(tt.raw, twoRecords())
			var me *MalformedResponseError
			assert.True(t, errors.As(err, &me), "want MalformedResponseError, got %v", err)
		})
	}
}

func TestReconcileValidArrayNeverMalformed(t *testing.T) {
	r := New(nil, nil)
	inputs := []string{
		`[]`,
		`prose [] prose`,
		`[{"key":"X-1","priority_score":1,"rationale":"r"}]`,
		"noise before [ {\"key\": \"X-1\"} ] noise after",
	}
	for _, raw := range inputs {
		_, err := r.Reconcile(raw, twoRecords())
		var me *MalformedResponseError
		assert.False(t, errors.As(err, &me), "raw %q wrongly classified malformed", raw)
	}
}

func TestReconcileEmptyArray(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Reconcile(`Here is the ranking: []`, twoRecords())
	assert.True(t, errors.Is(err, ErrEmptyOutput))
}

func TestReconcileScoreParsing(t *testing.T) {
	records := []record.FeatureRecord{{Key: "X-1"}}
	r := New(nil, nil)

	res, err := r.Reconcile(`[{"key":"X-1","priority_score":"7","rationale":"string score"}]`, records)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Cards[0].PriorityScore)

	res, err = r.Reconcile(`[{"key":"X-1","rationale":"no score"}]`, records)
	require.NoError(t, err)
	assert.False(t, res.Cards[0].HasScore())
}

func TestReconcileFractionalScoreTruncatesWithWarning(t *testing.T) {
	records := []record.FeatureRecord{{Key: "X-1"}}
	core, logs := observer.New(zapcore.WarnLevel)
	r := New(nil, zap.New(core))

	res, err := r.Reconcile(`[{"key":"X-1","priority_score":7.5,"rationale":"fractional"}]`, records)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Cards[0].PriorityScore)
	assert.Equal(t, 1, logs.FilterMessage("truncating non-integral priority score").Len())

	// Whole-valued floats pass without the warning.
	core, logs = observer.New(zapcore.WarnLevel)
	r = New(nil, zap.New(core))
	res, err = r.Reconcile(`[{"key":"X-1","priority_score":7,"rationale":"integral"}]`, records)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Cards[0].PriorityScore)
	assert.Equal(t, 0, logs.FilterMessage("truncating non-integral priority score").Len())
}
