// Package analysis implements the analysis stage for NEW opportunities:
// deterministic taxonomy scoring and LLM content enhancement run in parallel
// per batch, then merge. Batch size adapts to description length via the LLM
// client's capacity hint.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grantflow-data/grantflow/platform/internal/config"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/llm"
)

// failedReasoning is attached when per-opportunity scoring panics or errors;
// the opportunity continues through the pipeline with zero scores.
const failedReasoning = "Analysis failed — manual review required"

// Metrics aggregates the analysis stage outcome.
type Metrics struct {
	TotalTokens       int64              `json:"totalTokens"`
	TotalAPICalls     int64              `json:"totalApiCalls"`
	ExecutionTimeMS   int64              `json:"executionTime"`
	AverageScore      float64            `json:"averageScore"`
	ScoreDistribution ScoreDistribution  `json:"scoreDistribution"`
	CategoryBreakdown map[string]float64 `json:"categoryBreakdown"`
	FundingStats      FundingStats       `json:"fundingStatistics"`
	BatchPlan         llm.BatchPlan      `json:"batchPlan"`
}

// ScoreDistribution buckets final scores by the configured thresholds.
type ScoreDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// FundingStats summarizes dollar amounts over the analyzed set.
type FundingStats struct {
	WithAmounts  int     `json:"withAmounts"`
	TotalFunding float64 `json:"totalFunding"`
	LargestAward float64 `json:"largestAward"`
}

// Result is the analysis stage output.
type Result struct {
	Opportunities []domain.AnalyzedOpportunity
	Metrics       Metrics
}

// Engine runs scoring and enhancement over batches of NEW opportunities.
type Engine struct {
	llm llm.Caller
	cfg config.Analysis
}

// NewEngine creates an analysis engine.
func NewEngine(caller llm.Caller, cfg config.Analysis) *Engine {
	return &Engine{llm: caller, cfg: cfg}
}

// Analyze processes a batch of NEW opportunities. Terminal failure only on
// content-enhancement errors that survive the serial fallback, or on
// cancellation. Per-opportunity scoring failures degrade to zero scores.
func (e *Engine) Analyze(ctx context.Context, opps []domain.Opportunity) (*Result, error) {
	start := time.Now()
	if len(opps) == 0 {
		return &Result{Metrics: Metrics{CategoryBreakdown: map[string]float64{}}}, nil
	}

	plan := e.llm.OptimalBatchSize(meanDescriptionLen(opps))
	slog.Debug("analysis batch plan",
		"batch_size", plan.BatchSize, "max_tokens", plan.MaxTokens, "reason", plan.Reason)

	result := &Result{Metrics: Metrics{BatchPlan: plan, CategoryBreakdown: map[string]float64{}}}

	for offset := 0; offset < len(opps); offset += plan.BatchSize {
		end := offset + plan.BatchSize
		if end > len(opps) {
			end = len(opps)
		}
		batch := opps[offset:end]

		if offset > 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-time.After(e.cfg.BatchDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		analyzed, tokens, calls, err := e.analyzeBatch(ctx, batch, plan)
		if err != nil {
			return nil, err
		}
		result.Opportunities = append(result.Opportunities, analyzed...)
		result.Metrics.TotalTokens += tokens
		result.Metrics.TotalAPICalls += calls
	}

	e.aggregate(&result.Metrics, result.Opportunities)
	result.Metrics.ExecutionTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

// analyzeBatch runs the two tasks concurrently and merges by opportunity id.
// The scoring task is CPU-bound and cannot block the LLM task; the merge
// waits for both.
func (e *Engine) analyzeBatch(ctx context.Context, batch []domain.Opportunity, plan llm.BatchPlan) ([]domain.AnalyzedOpportunity, int64, int64, error) {
	var (
		scores       map[string]domain.Scoring
		enhancements map[string]domain.Enhancement
		tokens       int64
		calls        int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scores = scoreBatch(batch)
		return nil
	})
	g.Go(func() error {
		var err error
		enhancements, tokens, calls, err = e.enhanceBatch(gctx, batch, plan)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, tokens, calls, err
	}

	merged := make([]domain.AnalyzedOpportunity, len(batch))
	for i, opp := range batch {
		key := mergeKey(opp)
		a := domain.AnalyzedOpportunity{Opportunity: opp}
		if s, ok := scores[key]; ok {
			sc := s
			a.Scoring = &sc
		}
		if enh, ok := enhancements[key]; ok {
			en := enh
			a.Enhancement = &en
		}
		merged[i] = a
	}
	return merged, tokens, calls, nil
}

// scoreBatch scores each opportunity; a per-opportunity panic degrades that
// record to zero scores instead of propagating.
func scoreBatch(batch []domain.Opportunity) map[string]domain.Scoring {
	out := make(map[string]domain.Scoring, len(batch))
	for _, opp := range batch {
		out[mergeKey(opp)] = scoreSafely(opp)
	}
	return out
}

func scoreSafely(opp domain.Opportunity) (s domain.Scoring) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scoring panic", "opportunity", opp.APIOpportunityID, "panic", r)
			s = domain.Scoring{RelevanceReasoning: failedReasoning}
		}
	}()
	return Score(opp)
}

// enhancedItem is the per-opportunity enhancement shape the LLM returns.
type enhancedItem struct {
	ID                  string `json:"id"`
	EnhancedDescription string `json:"enhancedDescription"`
	ActionableSummary   string `json:"actionableSummary"`
}

// enhanceBatch asks the LLM for content enhancement of the whole batch.
// Parse/validation errors fail the batch. Transient transport errors fall
// back to per-item serial calls with a small delay; if the serial pass also
// fails, the error propagates.
func (e *Engine) enhanceBatch(ctx context.Context, batch []domain.Opportunity, plan llm.BatchPlan) (map[string]domain.Enhancement, int64, int64, error) {
	resp, err := e.llm.CallWithSchema(ctx, enhancementPrompt(batch), enhancementSchema, llm.CallOptions{
		MaxTokens: plan.MaxTokens,
	})

	var tokens, calls int64 = 0, 1
	if resp != nil {
		tokens = resp.Tokens
	}

	if err == nil {
		parsed, perr := parseEnhancements(resp.Data)
		if perr != nil {
			return nil, tokens, calls, fmt.Errorf("content enhancement: %w", perr)
		}
		return parsed, tokens, calls, nil
	}

	if !llm.IsRetryable(err) {
		return nil, tokens, calls, fmt.Errorf("content enhancement: %w", err)
	}

	slog.Warn("batch enhancement failed, falling back to serial", "size", len(batch), "error", err)
	out := make(map[string]domain.Enhancement, len(batch))
	for i, opp := range batch {
		if i > 0 {
			select {
			case <-time.After(e.cfg.BatchDelay):
			case <-ctx.Done():
				return nil, tokens, calls, ctx.Err()
			}
		}

		single, serr := e.llm.CallWithSchema(ctx, enhancementPrompt(batch[i:i+1]), enhancementSchema, llm.CallOptions{
			MaxTokens: plan.BaseTokens + plan.TokensPerOpportunity,
		})
		calls++
		if single != nil {
			tokens += single.Tokens
		}
		if serr != nil {
			return nil, tokens, calls, fmt.Errorf("serial enhancement retry: %w", serr)
		}
		parsed, perr := parseEnhancements(single.Data)
		if perr != nil {
			return nil, tokens, calls, fmt.Errorf("serial enhancement retry: %w", perr)
		}
		// A single-item call returns one entry; key it by our merge key in
		// case the model echoed a different id.
		for _, v := range parsed {
			out[mergeKey(opp)] = v
			break
		}
	}
	return out, tokens, calls, nil
}

func parseEnhancements(data []byte) (map[string]domain.Enhancement, error) {
	var parsed struct {
		Items []enhancedItem `json:"items"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Join(llm.ErrInvalidResponse, err)
	}
	out := make(map[string]domain.Enhancement, len(parsed.Items))
	for _, item := range parsed.Items {
		out[item.ID] = domain.Enhancement{
			EnhancedDescription: item.EnhancedDescription,
			ActionableSummary:   item.ActionableSummary,
		}
	}
	return out, nil
}

// mergeKey joins scoring and enhancement results for one opportunity.
// Falls back to the title when the upstream id is empty.
func mergeKey(opp domain.Opportunity) string {
	if opp.APIOpportunityID != "" {
		return opp.APIOpportunityID
	}
	return strings.TrimSpace(opp.Title)
}

func meanDescriptionLen(opps []domain.Opportunity) int {
	total := 0
	for _, o := range opps {
		total += len(o.Description)
	}
	return total / len(opps)
}

// aggregate fills the score distribution, category breakdown, and funding
// statistics over the merged set.
func (e *Engine) aggregate(m *Metrics, opps []domain.AnalyzedOpportunity) {
	if len(opps) == 0 {
		return
	}

	var sum float64
	for _, a := range opps {
		if a.Scoring == nil {
			m.ScoreDistribution.Low++
			continue
		}
		s := a.Scoring
		sum += s.FinalScore
		switch {
		case s.FinalScore >= e.cfg.HighScoreThreshold:
			m.ScoreDistribution.High++
		case s.FinalScore >= e.cfg.MediumScoreThreshold:
			m.ScoreDistribution.Medium++
		default:
			m.ScoreDistribution.Low++
		}
		m.CategoryBreakdown["clientRelevance"] += s.ClientRelevance
		m.CategoryBreakdown["projectTypeRelevance"] += s.ProjectTypeRelevance
		m.CategoryBreakdown["fundingAttractiveness"] += s.FundingAttractiveness
		m.CategoryBreakdown["fundingTypeScore"] += s.FundingTypeScore

		if a.TotalFundingAvailable != nil || a.MaximumAward != nil {
			m.FundingStats.WithAmounts++
		}
		if a.TotalFundingAvailable != nil {
			m.FundingStats.TotalFunding += *a.TotalFundingAvailable
		}
		if a.MaximumAward != nil && *a.MaximumAward > m.FundingStats.LargestAward {
			m.FundingStats.LargestAward = *a.MaximumAward
		}
	}
	m.AverageScore = sum / float64(len(opps))
	for k, v := range m.CategoryBreakdown {
		m.CategoryBreakdown[k] = v / float64(len(opps))
	}
}

// enhancementPrompt renders the batch content-enhancement prompt.
func enhancementPrompt(batch []domain.Opportunity) string {
	var b strings.Builder
	b.WriteString("For each funding opportunity below, write an enhancedDescription (clear, complete, 2-4 sentences) ")
	b.WriteString("and an actionableSummary (one sentence: who should apply and what for). ")
	b.WriteString("Return items keyed by the given id.\n\n")
	for _, opp := range batch {
		fmt.Fprintf(&b, "id: %s\ntitle: %s\ndescription: %s\n\n", mergeKey(opp), opp.Title, opp.Description)
	}
	return b.String()
}

var enhancementSchema = json.RawMessage(`{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "enhancedDescription", "actionableSummary"],
        "properties": {
          "id": {"type": "string"},
          "enhancedDescription": {"type": "string"},
          "actionableSummary": {"type": "string"}
        }
      }
    }
  }
}`)
