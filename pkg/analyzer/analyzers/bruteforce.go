package analyzers

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sketchflow/sketchflow/pkg/analyzer"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
)

var failedLoginPattern = regexp.MustCompile(`(?i)failed (?:password|login)|authentication failure|invalid user`)

// BruteforceAnalyzer detects login brute-force bursts: windowSize worth of
// events containing at least threshold failed logins. Matched events get a
// tag; each burst also produces a story entry.
type BruteforceAnalyzer struct {
	windowSize time.Duration
	threshold  int
}

// NewBruteforceAnalyzer creates the analyzer with the default window of
// five minutes and a threshold of 20 failures.
func NewBruteforceAnalyzer() *BruteforceAnalyzer {
	return &BruteforceAnalyzer{windowSize: 5 * time.Minute, threshold: 20}
}

// Name implements analyzer.Analyzer.
func (a *BruteforceAnalyzer) Name() string { return "bruteforce" }

// Run implements analyzer.Analyzer.
func (a *BruteforceAnalyzer) Run(rc *analyzer.RunContext) (*analyzer.Result, error) {
	events, err := rc.Search(eventstore.Filter{})
	if err != nil {
		return nil, analyzer.Transient(err, "event search failed")
	}

	// Events arrive timestamp-ordered; slide a window over the failures.
	var failures []int64 // timestamps, ns
	var failureIDs []string
	for i, ev := range events {
		if i%1000 == 0 {
			if err := rc.Checkpoint(); err != nil {
				return nil, err
			}
		}
		if failedLoginPattern.MatchString(ev.Message) {
			failures = append(failures, ev.Timestamp)
			failureIDs = append(failureIDs, ev.ID)
		}
	}

	window := a.windowSize.Nanoseconds()
	var bursts []burst
	start := 0
	for end := range failures {
		for failures[end]-failures[start] > window {
			start++
		}
		if count := end - start + 1; count >= a.threshold {
			if len(bursts) > 0 && bursts[len(bursts)-1].overlaps(start) {
				bursts[len(bursts)-1].extend(end, count)
			} else {
				bursts = append(bursts, burst{first: start, last: end, peak: count})
			}
		}
	}

	result := &analyzer.Result{}
	var tagged []string
	for _, b := range bursts {
		tagged = append(tagged, failureIDs[b.first:b.last+1]...)
	}
	if len(tagged) > 0 {
		result.Artifacts = append(result.Artifacts, analyzer.TagEvents("bruteforce", tagged))
	}
	for i, b := range bursts {
		from := time.Unix(0, failures[b.first]).UTC()
		to := time.Unix(0, failures[b.last]).UTC()
		result.Artifacts = append(result.Artifacts, analyzer.Story(
			fmt.Sprintf("Brute-force burst %d", i+1),
			fmt.Sprintf("%d login failures between %s and %s (peak %d within %s)",
				b.last-b.first+1, from.Format(time.RFC3339), to.Format(time.RFC3339),
				b.peak, a.windowSize),
		))
	}

	result.Summary = fmt.Sprintf("%d failures scanned, %d bursts found", len(failures), len(bursts))
	return result, nil
}

type burst struct {
	first, last int
	peak        int
}

func (b *burst) overlaps(start int) bool { return start <= b.last+1 }

func (b *burst) extend(end, count int) {
	if end > b.last {
		b.last = end
	}
	if count > b.peak {
		b.peak = count
	}
}
