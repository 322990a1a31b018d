package ledger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/model"
)

// ReadAll loads every result row from the ledger. A missing file yields an
// empty slice: a fresh run has no history yet.
func ReadAll(path string) ([]model.ResultRow, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: read file")
	}

	body := strings.TrimPrefix(string(data), utf8BOM)
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(body))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse csv")
	}

	var rows []model.ResultRow
	for i, rec := range records {
		if i == 0 && len(rec) > 0 && rec[0] == model.LedgerColumns[0] {
			continue // header
		}
		if len(rec) < len(model.LedgerColumns) {
			return nil, eris.Errorf("ledger: record %d has %d fields, want %d", i, len(rec), len(model.LedgerColumns))
		}
		rows = append(rows, model.RowFromFields(rec))
	}

	return rows, nil
}

// ConditionsByPair indexes the ledger by (model, question) pair, counting
// rows per condition.
func ConditionsByPair(rows []model.ResultRow) map[model.Pair]map[model.Condition]int {
	idx := make(map[model.Pair]map[model.Condition]int)
	for _, r := range rows {
		p := model.Pair{ModelID: r.ModelID, QuestionID: r.QuestionID}
		if idx[p] == nil {
			idx[p] = make(map[model.Condition]int)
		}
		idx[p][r.Condition]++
	}
	return idx
}

// Complete reports whether a pair's rows form one full condition set:
// exactly one row per condition.
func Complete(conds map[model.Condition]int) bool {
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

// Rewrite replaces the ledger with only the rows keep returns true for,
// using a temp file and atomic rename so no reader ever observes a partial
// ledger. Returns the number of rows dropped.
func Rewrite(path string, keep func(model.ResultRow) bool) (int, error) {
	rows, err := ReadAll(path)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".raw-data-*.csv")
	if err != nil {
		return 0, eris.Wrap(err, "ledger: create temp")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(utf8BOM + encodeRecord(model.LedgerColumns)); err != nil {
		tmp.Close()
		return 0, eris.Wrap(err, "ledger: write temp header")
	}

	dropped := 0
	for _, row := range rows {
		if !keep(row) {
			dropped++
			continue
		}
		if _, err := tmp.WriteString(encodeRecord(row.Fields())); err != nil {
			tmp.Close()
			return 0, eris.Wrap(err, "ledger: write temp row")
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, eris.Wrap(err, "ledger: sync temp")
	}
	if err := tmp.Close(); err != nil {
		return 0, eris.Wrap(err, "ledger: close temp")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, eris.Wrap(err, "ledger: rename temp")
	}

	return dropped, nil
}

// RepairOrphans removes rows for pairs that are not claimed complete and
// do not hold one full condition set. A crash between Condition A's write
// and the checkpoint commit leaves such a partial pair; its rows are
// deleted so both conditions re-run from scratch. Returns the repaired
// pairs.
func RepairOrphans(path string, isCompleted func(model.Pair) bool) ([]model.Pair, error) {
	rows, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	orphaned := make(map[model.Pair]bool)
	for pair, conds := range ConditionsByPair(rows) {
		if isCompleted(pair) || Complete(conds) {
			continue
		}
		orphaned[pair] = true
	}
	if len(orphaned) == 0 {
		return nil, nil
	}

	dropped, err := Rewrite(path, func(r model.ResultRow) bool {
		return !orphaned[model.Pair{ModelID: r.ModelID, QuestionID: r.QuestionID}]
	})
	if err != nil {
		return nil, err
	}

	pairs := make([]model.Pair, 0, len(orphaned))
	for p := range orphaned {
		pairs = append(pairs, p)
		zap.L().Warn("ledger: repaired orphan rows",
			zap.String("model", p.ModelID),
			zap.String("question", p.QuestionID),
		)
	}
	zap.L().Info("ledger: orphan repair complete",
		zap.Int("pairs", len(pairs)),
		zap.Int("rows_dropped", dropped),
	)

	return pairs, nil
}

// PurgeModel drops every row belonging to a model. Used by --force-rerun,
// which re-processes the model from scratch; leaving the old rows would
// break the one-row-per-tuple invariant.
func PurgeModel(path, modelID string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	return Rewrite(path, func(r model.ResultRow) bool {
		return r.ModelID != modelID
	})
}
