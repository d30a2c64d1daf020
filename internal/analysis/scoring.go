package analysis

import (
	"fmt"
	"math"
	"strings"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/taxonomy"
)

// Funding attractiveness dollar thresholds.
const (
	totalTier3 = 50_000_000
	totalTier2 = 25_000_000
	totalTier1 = 10_000_000
	maxTier3   = 5_000_000
	maxTier2   = 2_000_000
	maxTier1   = 1_000_000
)

// Score computes the deterministic taxonomy-based scoring for one
// opportunity. Pure CPU work, no I/O.
func Score(opp domain.Opportunity) domain.Scoring {
	applicantTier := taxonomy.Applicants.BestTier(opp.EligibleApplicants)
	projectTier := taxonomy.ProjectTypes.BestTier(opp.EligibleProjectTypes)
	activityTier := taxonomy.Activities.BestTier(opp.EligibleActivities)

	fundingTypeTier := taxonomy.TierNone
	if opp.FundingType != nil {
		fundingTypeTier = taxonomy.FundingTypes.Match(*opp.FundingType)
	}

	s := domain.Scoring{
		ClientRelevance:       taxonomy.RelevanceScore(applicantTier),
		ProjectTypeRelevance:  taxonomy.RelevanceScore(projectTier),
		FundingAttractiveness: fundingAttractiveness(opp.TotalFundingAvailable, opp.MaximumAward),
		FundingTypeScore:      taxonomy.FundingTypeScore(fundingTypeTier),
		ActivityMultiplier:    taxonomy.ActivityMultiplier(activityTier, len(opp.EligibleActivities) > 0),
	}
	s.BaseScore = s.ClientRelevance + s.ProjectTypeRelevance + s.FundingAttractiveness + s.FundingTypeScore
	s.FinalScore = round1(s.BaseScore * s.ActivityMultiplier)
	s.RelevanceReasoning = reasoning(applicantTier, projectTier, activityTier, s)
	return s
}

// fundingAttractiveness maps dollar amounts onto the 0–3 scale. Both amounts
// unknown lands at 1 — unknown money is worth a look, not a zero.
func fundingAttractiveness(total, maxAward *float64) float64 {
	t := deref(total)
	m := deref(maxAward)
	switch {
	case t >= totalTier3 || m >= maxTier3:
		return 3
	case t >= totalTier2 || m >= maxTier2:
		return 2
	case t >= totalTier1 || m >= maxTier1:
		return 1
	case total == nil && maxAward == nil:
		return 1
	}
	return 0
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// reasoning renders a one-line explanation of the deterministic score.
func reasoning(applicant, project, activity taxonomy.Tier, s domain.Scoring) string {
	parts := []string{
		fmt.Sprintf("applicant match %s (%.0f)", applicant, s.ClientRelevance),
		fmt.Sprintf("project match %s (%.0f)", project, s.ProjectTypeRelevance),
		fmt.Sprintf("funding attractiveness %.0f", s.FundingAttractiveness),
	}
	if s.ActivityMultiplier != 1.0 {
		parts = append(parts, fmt.Sprintf("activity tier %s multiplier %.2f", activity, s.ActivityMultiplier))
	}
	return strings.Join(parts, "; ")
}
