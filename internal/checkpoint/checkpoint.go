// Package checkpoint persists which (model, question) pairs are fully done
// and drives resume. Checkpoint granularity is strictly coarser than the
// ledger's row granularity: a pair is committed only after both conditions
// have their rows.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/model"
)

// State is the persisted checkpoint document.
type State struct {
	ConfigVersion     string              `json:"config_version"`
	StartedAt         time.Time           `json:"started_at"`
	LastUpdatedAt     time.Time           `json:"last_updated_at"`
	CurrentModelIndex int                 `json:"current_model_index"`
	Completed         map[string][]string `json:"completed"`
}

// Manager owns the in-memory checkpoint state and its atomic persistence.
// It is the single writer of the checkpoint file; no ambient state.
type Manager struct {
	path      string
	state     State
	completed map[string]map[string]bool

	// loadedVersion is the config version of the checkpoint read from
	// disk, before it is rewritten with the current one. Empty for a
	// fresh checkpoint.
	loadedVersion string
}

// Load reads a prior checkpoint if resume is set and one exists; otherwise
// it starts fresh. A stale checkpoint (config version mismatch) is loaded
// anyway so the pre-flight validator can warn about it.
func Load(path, configVersion string, resume bool) (*Manager, error) {
	m := &Manager{
		path: path,
		state: State{
			ConfigVersion: configVersion,
			StartedAt:     time.Now().UTC(),
			Completed:     map[string][]string{},
		},
		completed: map[string]map[string]bool{},
	}

	if !resume {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: read file")
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, eris.Wrap(err, "checkpoint: unmarshal")
	}
	if st.Completed == nil {
		st.Completed = map[string][]string{}
	}

	m.state = st
	m.loadedVersion = st.ConfigVersion
	m.state.ConfigVersion = configVersion
	for modelID, questions := range st.Completed {
		set := make(map[string]bool, len(questions))
		for _, q := range questions {
			set[q] = true
		}
		m.completed[modelID] = set
	}

	return m, nil
}

// Stale reports whether the loaded checkpoint was written by a different
// config version.
func (m *Manager) Stale(configVersion string) bool {
	return m.loadedVersion != "" && m.loadedVersion != configVersion
}

// IsCompleted reports whether both conditions for a (model, question) pair
// are recorded in the ledger and committed here.
func (m *Manager) IsCompleted(modelID, questionID string) bool {
	return m.completed[modelID][questionID]
}

// MarkCompleted records a pair as fully done. Callers must only invoke it
// after both conditions' rows are in the ledger.
func (m *Manager) MarkCompleted(modelID, questionID string) {
	if m.completed[modelID] == nil {
		m.completed[modelID] = map[string]bool{}
	}
	m.completed[modelID][questionID] = true
}

// Drop removes a pair's claim. Used when the ledger disagrees.
func (m *Manager) Drop(modelID, questionID string) {
	delete(m.completed[modelID], questionID)
}

// ForceRerun clears a model's completed set so its questions re-run.
func (m *Manager) ForceRerun(modelID string) {
	delete(m.completed, modelID)
}

// SetModelIndex records the position in the configured model order.
func (m *Manager) SetModelIndex(i int) {
	m.state.CurrentModelIndex = i
}

// ModelIndex returns the recorded model position.
func (m *Manager) ModelIndex() int {
	return m.state.CurrentModelIndex
}

// CompletedCount returns the number of committed questions for a model.
func (m *Manager) CompletedCount(modelID string) int {
	return len(m.completed[modelID])
}

// Completed returns a copy of a model's committed question IDs, sorted.
func (m *Manager) Completed(modelID string) []string {
	set := m.completed[modelID]
	out := make([]string, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Flush persists the whole state via write-to-temp then atomic rename, so
// no reader ever observes a partially written checkpoint.
func (m *Manager) Flush() error {
	m.state.LastUpdatedAt = time.Now().UTC()
	m.state.Completed = make(map[string][]string, len(m.completed))
	for modelID := range m.completed {
		m.state.Completed[modelID] = m.Completed(modelID)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".checkpoint-*.json")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "checkpoint: write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return eris.Wrap(err, "checkpoint: sync temp")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close temp")
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return eris.Wrap(err, "checkpoint: rename temp")
	}

	return nil
}

// CrossCheck reconciles the checkpoint against the ledger on resume. The
// ledger is authoritative: claims without one full condition set are
// dropped, and unclaimed pairs with a full set are adopted. Returns what
// changed for logging.
func (m *Manager) CrossCheck(rows []model.ResultRow) (dropped, adopted []model.Pair) {
	idx := make(map[model.Pair]map[model.Condition]int)
	for _, r := range rows {
		p := model.Pair{ModelID: r.ModelID, QuestionID: r.QuestionID}
		if idx[p] == nil {
			idx[p] = make(map[model.Condition]int)
		}
		idx[p][r.Condition]++
	}

	complete := func(conds map[model.Condition]int) bool {
		if len(conds) != len(model.Conditions) {
			return false
		}
		for _, c := range model.Conditions {
			if conds[c] != 1 {
				return false
			}
		}
		return true
	}

	for modelID, questions := range m.completed {
		for q := range questions {
			p := model.Pair{ModelID: modelID, QuestionID: q}
			if !complete(idx[p]) {
				m.Drop(modelID, q)
				dropped = append(dropped, p)
			}
		}
	}

	for p, conds := range idx {
		if complete(conds) && !m.IsCompleted(p.ModelID, p.QuestionID) {
			m.MarkCompleted(p.ModelID, p.QuestionID)
			adopted = append(adopted, p)
		}
	}

	for _, p := range dropped {
		zap.L().Warn("checkpoint: dropped claim without ledger rows",
			zap.String("model", p.ModelID),
			zap.String("question", p.QuestionID),
		)
	}
	for _, p := range adopted {
		zap.L().Info("checkpoint: adopted complete pair from ledger",
			zap.String("model", p.ModelID),
			zap.String("question", p.QuestionID),
		)
	}

	return dropped, adopted
}
