package model

import "fmt"

// Condition identifies the content-presentation variant for a work item.
type Condition string

const (
	// ConditionA is the control: readability-extracted HTML.
	ConditionA Condition = "A"
	// ConditionB is the treatment: curated Markdown wrapped in a
	// structured context document.
	ConditionB Condition = "B"
)

// Conditions is the fixed execution order. Condition A always runs before B
// so paired comparisons stay temporally adjacent in the ledger.
var Conditions = []Condition{ConditionA, ConditionB}

// Valid reports whether c is one of the two known conditions.
func (c Condition) Valid() bool {
	return c == ConditionA || c == ConditionB
}

// Tuple is the atomic unit of work. It is never persisted as an object;
// every persisted record is keyed by its four fields.
type Tuple struct {
	SiteID     string    `json:"site_id"`
	QuestionID string    `json:"question_id"`
	ModelID    string    `json:"model_id"`
	Condition  Condition `json:"condition"`
}

// Pair identifies a (model, question) pair, the checkpoint granularity.
type Pair struct {
	ModelID    string `json:"model_id"`
	QuestionID string `json:"question_id"`
}

// Pair returns the checkpoint-granularity key for the tuple.
func (t Tuple) Pair() Pair {
	return Pair{ModelID: t.ModelID, QuestionID: t.QuestionID}
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", t.SiteID, t.QuestionID, t.ModelID, t.Condition)
}
