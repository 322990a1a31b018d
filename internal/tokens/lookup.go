// Package tokens provides the precomputed token-count lookup. Counts are
// computed offline by canonical tokenizers; this layer only keys into them.
package tokens

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bench-cli/internal/model"
)

// Counts holds the precomputed token counts for one key.
type Counts struct {
	InputTokens     int `json:"input_tokens"`
	ReferenceTokens int `json:"reference_tokens"`
}

// Lookup is a read-only keyed map from (site, question, condition, family)
// to precomputed token counts. Safe for shared use without synchronization.
type Lookup struct {
	counts map[string]Counts
}

// Key builds the lookup key for a tuple's model family.
func Key(siteID, questionID string, cond model.Condition, family string) string {
	return fmt.Sprintf("%s|%s|%s|%s", siteID, questionID, cond, family)
}

// Load reads the lookup file. An empty path yields an empty lookup: every
// query misses and downstream consumers see untrusted zero counts.
func Load(path string) (*Lookup, error) {
	if path == "" {
		return &Lookup{counts: map[string]Counts{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "tokens: read file")
	}

	var counts map[string]Counts
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, eris.Wrap(err, "tokens: unmarshal")
	}

	return &Lookup{counts: counts}, nil
}

// Get returns the counts for a key. The second return is false on a miss;
// missing counts default to zero and must be treated as untrustworthy.
func (l *Lookup) Get(siteID, questionID string, cond model.Condition, family string) (Counts, bool) {
	c, ok := l.counts[Key(siteID, questionID, cond, family)]
	return c, ok
}

// Len returns the number of keyed entries.
func (l *Lookup) Len() int {
	return len(l.counts)
}
