// Package corpus provides read-only views over the question corpus and the
// immutable content archive manifest.
package corpus

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bench-cli/internal/model"
)

// Load reads the question corpus, preserving file order. The corpus order
// is the iteration order for every model.
func Load(path string) ([]model.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "corpus: read file")
	}

	var questions []model.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, eris.Wrap(err, "corpus: unmarshal")
	}

	if len(questions) == 0 {
		return nil, eris.New("corpus: no questions")
	}

	seen := make(map[string]bool, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			return nil, eris.Errorf("corpus: question[%d] has empty question_id", i)
		}
		if seen[q.ID] {
			return nil, eris.Errorf("corpus: duplicate question_id %q", q.ID)
		}
		seen[q.ID] = true
		if q.SiteID == "" {
			return nil, eris.Errorf("corpus: question %q has empty site_id", q.ID)
		}
		if len(q.SourceURLs) == 0 {
			return nil, eris.Errorf("corpus: question %q has no source_urls", q.ID)
		}
	}

	return questions, nil
}
