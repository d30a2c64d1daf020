// Package taxonomy holds the static tiered category tables used by the
// deterministic scoring pass. Tables are fixed at build time; they encode the
// business profile the platform scores opportunities against.
package taxonomy

import "strings"

// Tier orders category matches from best to worst.
type Tier int

const (
	TierNone Tier = iota
	TierWeak
	TierMild
	TierStrong
	TierHot
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierStrong:
		return "strong"
	case TierMild:
		return "mild"
	case TierWeak:
		return "weak"
	}
	return "none"
}

// Table is one tiered category list. Terms are stored lowercase.
type Table struct {
	Hot    []string
	Strong []string
	Mild   []string
	Weak   []string
}

// Applicants tiers eligible-applicant terms by fit with the client base.
var Applicants = Table{
	Hot:    []string{"local governments", "municipalities", "cities", "counties", "city or township governments", "county governments"},
	Strong: []string{"state governments", "tribal governments", "special districts", "special district governments", "regional organizations"},
	Mild:   []string{"nonprofits", "public utilities", "public housing authorities", "school districts"},
	Weak:   []string{"institutions of higher education", "for-profit organizations", "individuals", "small businesses"},
}

// ProjectTypes tiers eligible-project-type terms.
var ProjectTypes = Table{
	Hot:    []string{"infrastructure", "water", "wastewater", "stormwater", "transportation", "broadband"},
	Strong: []string{"energy", "resilience", "flood mitigation", "parks and recreation", "community facilities"},
	Mild:   []string{"housing", "economic development", "public safety", "environmental remediation"},
	Weak:   []string{"arts and culture", "workforce development", "health services", "education"},
}

// Activities tiers eligible-activity terms; the matched tier drives the
// score multiplier rather than an additive score.
var Activities = Table{
	Hot:    []string{"construction", "implementation", "capital improvements", "acquisition"},
	Strong: []string{"design", "engineering", "final design", "permitting"},
	Mild:   []string{"planning", "feasibility study", "preliminary engineering", "assessment"},
	Weak:   []string{"research", "education", "outreach", "technical assistance"},
}

// FundingTypes tiers funding mechanism terms.
var FundingTypes = Table{
	Hot:    []string{"grant", "formula grant", "discretionary grant"},
	Strong: []string{"cooperative agreement"},
	Mild:   []string{"direct payment", "rebate"},
	Weak:   []string{"loan", "loan guarantee", "other"},
}

// Match returns the tier of a single term, or TierNone.
// Matching is case-insensitive on trimmed input and accepts a table term
// appearing as a substring of the candidate (upstream APIs often decorate
// terms, e.g. "City or township governments (see clarification)").
func (tb Table) Match(term string) Tier {
	t := strings.ToLower(strings.TrimSpace(term))
	if t == "" {
		return TierNone
	}
	switch {
	case containsAny(t, tb.Hot):
		return TierHot
	case containsAny(t, tb.Strong):
		return TierStrong
	case containsAny(t, tb.Mild):
		return TierMild
	case containsAny(t, tb.Weak):
		return TierWeak
	}
	return TierNone
}

// BestTier returns the highest tier matched across a set of terms.
func (tb Table) BestTier(terms []string) Tier {
	best := TierNone
	for _, term := range terms {
		t := strings.ToLower(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		if containsAny(t, tb.Hot) {
			return TierHot
		}
		if containsAny(t, tb.Strong) && best < TierStrong {
			best = TierStrong
		}
		if containsAny(t, tb.Mild) && best < TierMild {
			best = TierMild
		}
		if containsAny(t, tb.Weak) && best < TierWeak {
			best = TierWeak
		}
	}
	return best
}

func containsAny(term string, list []string) bool {
	for _, entry := range list {
		if term == entry || strings.Contains(term, entry) {
			return true
		}
	}
	return false
}

// RelevanceScore maps a tier to the 0–3 relevance scale used for applicant
// and project-type scoring. Weak matches score the same as no match.
func RelevanceScore(t Tier) float64 {
	switch t {
	case TierHot:
		return 3
	case TierStrong:
		return 2
	case TierMild:
		return 1
	}
	return 0
}

// FundingTypeScore maps a funding-type tier onto the {0, 0.5, 1} scale.
func FundingTypeScore(t Tier) float64 {
	switch t {
	case TierHot:
		return 1
	case TierStrong, TierMild:
		return 0.5
	}
	return 0
}

// ActivityMultiplier maps an activity tier onto the score multiplier.
// hasActivities distinguishes "no activities listed" (neutral, 1.0) from
// "activities listed but none recognized" (0.25).
func ActivityMultiplier(t Tier, hasActivities bool) float64 {
	if !hasActivities {
		return 1.0
	}
	switch t {
	case TierHot:
		return 1.0
	case TierStrong:
		return 0.75
	case TierMild:
		return 0.5
	}
	return 0.25
}
