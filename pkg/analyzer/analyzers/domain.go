// Package analyzers ships the built-in analysis capabilities: domain
// extraction, login brute-force detection, and keyword tagging.
package analyzers

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/sketchflow/sketchflow/pkg/analyzer"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"']+`)

// DomainAnalyzer extracts domains from event messages and url attributes,
// tags the events per domain, and commits a saved search for the rare
// domains seen only once.
type DomainAnalyzer struct{}

// NewDomainAnalyzer creates the analyzer.
func NewDomainAnalyzer() *DomainAnalyzer { return &DomainAnalyzer{} }

// Name implements analyzer.Analyzer.
func (a *DomainAnalyzer) Name() string { return "domain" }

// Run implements analyzer.Analyzer.
func (a *DomainAnalyzer) Run(rc *analyzer.RunContext) (*analyzer.Result, error) {
	events, err := rc.Search(eventstore.Filter{})
	if err != nil {
		return nil, analyzer.Transient(err, "event search failed")
	}

	domains := make(map[string][]string) // domain -> event ids
	for i, ev := range events {
		if i%1000 == 0 {
			if err := rc.Checkpoint(); err != nil {
				return nil, err
			}
		}

		candidates := urlPattern.FindAllString(ev.Message, -1)
		if raw, ok := ev.Attributes["url"].(string); ok {
			candidates = append(candidates, raw)
		}
		for _, raw := range candidates {
			domain := extractDomain(raw)
			if domain == "" {
				continue
			}
			domains[domain] = append(domains[domain], ev.ID)
		}
	}

	result := &analyzer.Result{}
	var rare []string
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)

	for _, domain := range names {
		ids := domains[domain]
		result.Artifacts = append(result.Artifacts, analyzer.TagEvents("domain:"+domain, ids))
		if len(ids) == 1 {
			rare = append(rare, domain)
		}
	}
	if len(rare) > 0 {
		result.Artifacts = append(result.Artifacts, analyzer.SavedSearch(
			"Rare domains",
			fmt.Sprintf("tag:(%s)", strings.Join(prefixAll("domain:", rare), " OR ")),
		))
	}

	result.Summary = fmt.Sprintf("%d domains discovered, %d rare", len(domains), len(rare))
	return result, nil
}

// extractDomain returns the registered host of a URL, or "" when the input
// does not parse.
func extractDomain(raw string) string {
	raw = strings.TrimRight(raw, ".,;)")
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func prefixAll(prefix string, in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = prefix + s
	}
	return out
}
