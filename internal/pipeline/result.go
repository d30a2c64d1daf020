package pipeline

import (
	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// Pipeline identity constants reported in every run result. Callers key on
// these; bump them together when the result shape changes.
const (
	Version      = "v2.0"
	PipelineName = "v2-optimized-with-metrics"
)

// Wire statuses for RunResult. Distinct from domain.RunStatus, which tracks
// the persisted run row; the result reports only success or error.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RunResult is the wire-shaped summary returned for one pipeline run.
type RunResult struct {
	RunID           uuid.UUID       `json:"runId"`
	SourceID        uuid.UUID       `json:"sourceId"`
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	Pipeline        string          `json:"pipeline"`
	Error           *string         `json:"error,omitempty"`
	EnhancedMetrics EnhancedMetrics `json:"enhancedMetrics"`
}

// EnhancedMetrics is the run-level metrics block.
type EnhancedMetrics struct {
	TotalTokensUsed    int64                    `json:"totalTokensUsed"`
	TotalAPICalls      int64                    `json:"totalApiCalls"`
	TotalExecutionTime int64                    `json:"totalExecutionTime"`
	StageMetrics       map[string]any           `json:"stageMetrics"`
	OptimizationImpact OptimizationImpact       `json:"optimizationImpact"`
	OpportunityPaths   []domain.OpportunityPath `json:"opportunityPaths"`
	ForceFullProcessingUsed bool                `json:"forceFullProcessingUsed"`
}

// errorResult is the result shape returned alongside a terminal run error:
// same identity fields, status "error", and a short message.
func errorResult(runID, sourceID uuid.UUID, err error) *RunResult {
	msg := err.Error()
	return &RunResult{
		RunID:    runID,
		SourceID: sourceID,
		Status:   StatusError,
		Version:  Version,
		Pipeline: PipelineName,
		Error:    &msg,
	}
}

// OptimizationImpact quantifies what the early duplicate detector bought.
type OptimizationImpact struct {
	TotalOpportunities      int `json:"totalOpportunities"`
	BypassedLLM             int `json:"bypassedLLM"`
	SuccessfulOpportunities int `json:"successfulOpportunities"`
}
