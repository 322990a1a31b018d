package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bench-cli/internal/model"
)

func TestFreshManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	m, err := Load(path, "v1", true)
	require.NoError(t, err)

	assert.False(t, m.IsCompleted("m1", "q1"))
	assert.False(t, m.Stale("v1"))
	assert.Zero(t, m.CompletedCount("m1"))
}

func TestMarkFlushLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	m, err := Load(path, "v1", true)
	require.NoError(t, err)

	m.MarkCompleted("m1", "q2")
	m.MarkCompleted("m1", "q1")
	m.SetModelIndex(0)
	require.NoError(t, m.Flush())

	// Question IDs are persisted sorted for stable diffs.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, "v1", st.ConfigVersion)
	assert.Equal(t, []string{"q1", "q2"}, st.Completed["m1"])
	assert.False(t, st.LastUpdatedAt.IsZero())

	m2, err := Load(path, "v1", true)
	require.NoError(t, err)
	assert.True(t, m2.IsCompleted("m1", "q1"))
	assert.True(t, m2.IsCompleted("m1", "q2"))
	assert.False(t, m2.IsCompleted("m2", "q1"))
	assert.Equal(t, 2, m2.CompletedCount("m1"))
}

func TestNoResumeIgnoresExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	m, err := Load(path, "v1", true)
	require.NoError(t, err)
	m.MarkCompleted("m1", "q1")
	require.NoError(t, m.Flush())

	fresh, err := Load(path, "v1", false)
	require.NoError(t, err)
	assert.False(t, fresh.IsCompleted("m1", "q1"))
}

func TestStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	m, err := Load(path, "v1", true)
	require.NoError(t, err)
	m.MarkCompleted("m1", "q1")
	require.NoError(t, m.Flush())

	m2, err := Load(path, "v2", true)
	require.NoError(t, err)
	assert.True(t, m2.Stale("v2"))
	assert.False(t, m2.Stale("v1"))
}

func TestMalformedCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	_, err := Load(path, "v1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestForceRerun(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "checkpoint.json"), "v1", true)
	require.NoError(t, err)

	m.MarkCompleted("m1", "q1")
	m.MarkCompleted("m2", "q1")
	m.ForceRerun("m1")

	assert.False(t, m.IsCompleted("m1", "q1"))
	assert.True(t, m.IsCompleted("m2", "q1"))
}

func TestCrossCheck(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "checkpoint.json"), "v1", true)
	require.NoError(t, err)

	// Claimed but only one row in the ledger: dropped.
	m.MarkCompleted("m1", "q1")
	// Claimed and backed by both rows: kept.
	m.MarkCompleted("m1", "q2")

	rows := []model.ResultRow{
		{ModelID: "m1", QuestionID: "q1", Condition: model.ConditionA},
		{ModelID: "m1", QuestionID: "q2", Condition: model.ConditionA},
		{ModelID: "m1", QuestionID: "q2", Condition: model.ConditionB},
		// Unclaimed but complete: adopted.
		{ModelID: "m1", QuestionID: "q3", Condition: model.ConditionA},
		{ModelID: "m1", QuestionID: "q3", Condition: model.ConditionB},
	}

	dropped, adopted := m.CrossCheck(rows)

	require.Len(t, dropped, 1)
	assert.Equal(t, "q1", dropped[0].QuestionID)
	require.Len(t, adopted, 1)
	assert.Equal(t, "q3", adopted[0].QuestionID)

	assert.False(t, m.IsCompleted("m1", "q1"))
	assert.True(t, m.IsCompleted("m1", "q2"))
	assert.True(t, m.IsCompleted("m1", "q3"))
}

func TestCrossCheckDuplicateRows(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "checkpoint.json"), "v1", true)
	require.NoError(t, err)

	m.MarkCompleted("m1", "q1")
	rows := []model.ResultRow{
		{ModelID: "m1", QuestionID: "q1", Condition: model.ConditionA},
		{ModelID: "m1", QuestionID: "q1", Condition: model.ConditionA},
		{ModelID: "m1", QuestionID: "q1", Condition: model.ConditionB},
	}

	dropped, _ := m.CrossCheck(rows)
	require.Len(t, dropped, 1)
	assert.False(t, m.IsCompleted("m1", "q1"))
}

func TestFlushAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")

	m, err := Load(path, "v1", true)
	require.NoError(t, err)
	m.MarkCompleted("m1", "q1")
	require.NoError(t, m.Flush())
	m.MarkCompleted("m1", "q2")
	require.NoError(t, m.Flush())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}
