package model

// AssembledContent is the ephemeral output of the content assembler for one
// tuple. It is produced fresh per tuple and never cached across runs.
type AssembledContent struct {
	Prompt          string
	ContentChars    int
	InputTokens     int
	ReferenceTokens int
	ContextWindow   int

	// TokensTrusted is false when the token lookup had no entry for the
	// tuple; both counts default to zero in that case.
	TokensTrusted bool

	// ExclusionReason is set when the condition cannot run at all. A
	// non-empty reason means no inference call is issued.
	ExclusionReason string

	// Notes records partial-failure details (for example source URLs that
	// were dropped) and ends up in the ledger's scoring_notes column.
	Notes string
}

// Excluded reports whether the condition was excluded from inference.
func (a AssembledContent) Excluded() bool {
	return a.ExclusionReason != ""
}

// InferenceResult is the ephemeral outcome of one chat-completion request.
type InferenceResult struct {
	Text         string
	OutputTokens int
	DurationMS   int64
	StopReason   string

	// ErrorReason is a ledger reason code when the request failed.
	ErrorReason string
}
