package analyzers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sketchflow/sketchflow/pkg/analyzer"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
)

// KeywordAnalyzer tags events whose message contains any of the configured
// keywords. Matching is case-insensitive.
type KeywordAnalyzer struct {
	keywords map[string]string // lowercase keyword -> tag name
}

// NewKeywordAnalyzer creates the analyzer from a keyword -> tag mapping.
func NewKeywordAnalyzer(keywords map[string]string) *KeywordAnalyzer {
	normalized := make(map[string]string, len(keywords))
	for kw, tag := range keywords {
		normalized[strings.ToLower(kw)] = tag
	}
	return &KeywordAnalyzer{keywords: normalized}
}

// Name implements analyzer.Analyzer.
func (a *KeywordAnalyzer) Name() string { return "keyword" }

// Run implements analyzer.Analyzer.
func (a *KeywordAnalyzer) Run(rc *analyzer.RunContext) (*analyzer.Result, error) {
	events, err := rc.Search(eventstore.Filter{})
	if err != nil {
		return nil, analyzer.Transient(err, "event search failed")
	}

	matches := make(map[string][]string) // tag -> event ids
	for i, ev := range events {
		if i%1000 == 0 {
			if err := rc.Checkpoint(); err != nil {
				return nil, err
			}
		}
		msg := strings.ToLower(ev.Message)
		for kw, tag := range a.keywords {
			if strings.Contains(msg, kw) {
				matches[tag] = append(matches[tag], ev.ID)
			}
		}
	}

	result := &analyzer.Result{}
	tags := make([]string, 0, len(matches))
	for tag := range matches {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		result.Artifacts = append(result.Artifacts, analyzer.TagEvents(tag, matches[tag]))
	}

	result.Summary = fmt.Sprintf("%d keywords matched across %d tags", len(a.keywords), len(matches))
	return result, nil
}
