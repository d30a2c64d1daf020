// Package filter implements the post-analysis quality gate: an opportunity
// is excluded when at least two of its three core category scores are zero,
// or when scoring is missing entirely.
package filter

import (
	"time"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// Exclusion reasons reported in filter metrics.
const (
	ReasonMissingScoring    = "missingScoring"
	ReasonTwoZeroCategories = "twoZeroCategories"
)

// Metrics aggregates the filter stage outcome.
type Metrics struct {
	TotalAnalyzed    int            `json:"totalAnalyzed"`
	Included         int            `json:"included"`
	Excluded         int            `json:"excluded"`
	ExclusionReasons map[string]int `json:"exclusionReasons"`
	ProcessingTimeMS int64          `json:"processingTime"`
}

// Result is the filter stage output.
type Result struct {
	Included []domain.AnalyzedOpportunity
	Excluded []domain.AnalyzedOpportunity
	Metrics  Metrics
}

// Apply partitions analyzed opportunities into included and excluded sets.
func Apply(opps []domain.AnalyzedOpportunity) *Result {
	start := time.Now()
	result := &Result{
		Metrics: Metrics{
			TotalAnalyzed:    len(opps),
			ExclusionReasons: map[string]int{},
		},
	}

	for _, opp := range opps {
		if reason, excluded := exclude(opp); excluded {
			result.Excluded = append(result.Excluded, opp)
			result.Metrics.ExclusionReasons[reason]++
			continue
		}
		result.Included = append(result.Included, opp)
	}

	result.Metrics.Included = len(result.Included)
	result.Metrics.Excluded = len(result.Excluded)
	result.Metrics.ProcessingTimeMS = time.Since(start).Milliseconds()
	return result
}

// exclude applies the two-zero-categories rule over clientRelevance,
// projectTypeRelevance, and fundingAttractiveness.
func exclude(opp domain.AnalyzedOpportunity) (string, bool) {
	if opp.Scoring == nil {
		return ReasonMissingScoring, true
	}
	zeros := 0
	for _, score := range []float64{
		opp.Scoring.ClientRelevance,
		opp.Scoring.ProjectTypeRelevance,
		opp.Scoring.FundingAttractiveness,
	} {
		if score == 0 {
			zeros++
		}
	}
	if zeros >= 2 {
		return ReasonTwoZeroCategories, true
	}
	return "", false
}
