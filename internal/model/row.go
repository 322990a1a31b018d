package model

import "strconv"

// LedgerColumns is the fixed 17-column header of raw-data.csv. Order is
// load-bearing: downstream scoring tooling indexes by position.
var LedgerColumns = []string{
	"site_id",
	"question_id",
	"model_id",
	"condition",
	"content_chars",
	"input_tokens",
	"reference_tokens",
	"output_tokens",
	"response_text",
	"engine",
	"duration_ms",
	"exclusion_reason",
	"scoring_notes",
	"score_accuracy",
	"score_completeness",
	"score_citation",
	"score_overall",
}

// ResultRow is one persisted ledger record. Immutable once written; the
// four score columns are always written empty by the runner and filled in
// later by human scorers.
type ResultRow struct {
	SiteID          string
	QuestionID      string
	ModelID         string
	Condition       Condition
	ContentChars    int
	InputTokens     int
	ReferenceTokens int
	OutputTokens    int
	ResponseText    string
	Engine          string
	DurationMS      int64
	ExclusionReason string
	ScoringNotes    string
}

// Tuple returns the row's work-item key.
func (r ResultRow) Tuple() Tuple {
	return Tuple{
		SiteID:     r.SiteID,
		QuestionID: r.QuestionID,
		ModelID:    r.ModelID,
		Condition:  r.Condition,
	}
}

// Fields returns the row in ledger column order, score columns empty.
func (r ResultRow) Fields() []string {
	return []string{
		r.SiteID,
		r.QuestionID,
		r.ModelID,
		string(r.Condition),
		strconv.Itoa(r.ContentChars),
		strconv.Itoa(r.InputTokens),
		strconv.Itoa(r.ReferenceTokens),
		strconv.Itoa(r.OutputTokens),
		r.ResponseText,
		r.Engine,
		strconv.FormatInt(r.DurationMS, 10),
		r.ExclusionReason,
		r.ScoringNotes,
		"", "", "", "",
	}
}

// RowFromFields parses a ledger record back into a ResultRow. Numeric
// columns fall back to zero on malformed input so a hand-edited ledger
// still loads for resume cross-checks.
func RowFromFields(fields []string) ResultRow {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	var r ResultRow
	if len(fields) < len(LedgerColumns) {
		return r
	}
	r.SiteID = fields[0]
	r.QuestionID = fields[1]
	r.ModelID = fields[2]
	r.Condition = Condition(fields[3])
	r.ContentChars = atoi(fields[4])
	r.InputTokens = atoi(fields[5])
	r.ReferenceTokens = atoi(fields[6])
	r.OutputTokens = atoi(fields[7])
	r.ResponseText = fields[8]
	r.Engine = fields[9]
	r.DurationMS, _ = strconv.ParseInt(fields[10], 10, 64)
	r.ExclusionReason = fields[11]
	r.ScoringNotes = fields[12]
	return r
}
