// Package domain defines the core business types shared across grantflowd.
// These types represent the platform's data model — not HTTP or SQL specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses and in the pipeline result object. The pipeline result uses the
// camelCase field names callers of the v2 pipeline already depend on; do not
// rename them without bumping the pipeline version string.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// Source represents a remote funding-opportunity API registered in the platform.
// Created externally; immutable within a run.
type Source struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	Endpoint              string    `json:"endpoint"`
	Type                  string    `json:"type"` // "list", "detail", or "single"
	Active                bool      `json:"active"`
	ForceFullReprocessing bool      `json:"force_full_reprocessing"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SourceConfiguration holds per-source ingestion settings.
type SourceConfiguration struct {
	SourceID       uuid.UUID         `json:"source_id"`
	SyncSchedule   string            `json:"sync_schedule,omitempty"` // cron expression, empty = manual only
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	PageSize       int               `json:"page_size,omitempty"`
	RunTimeoutMins int               `json:"run_timeout_mins,omitempty"` // overrides the default run watchdog
	Instructions   string            `json:"processing_instructions,omitempty"`
}

// CallType classifies an upstream API call.
type CallType string

const (
	CallTypeList   CallType = "list"
	CallTypeDetail CallType = "detail"
	CallTypeSingle CallType = "single"
)

// RawResponse is an opaque upstream payload captured once per call,
// addressed by a content hash. The same hash from the same source is
// stored only once.
type RawResponse struct {
	ID          uuid.UUID `json:"id"`
	SourceID    uuid.UUID `json:"source_id"`
	ContentHash string    `json:"content_hash"`
	Payload     []byte    `json:"-"` // nil when archived to object storage
	S3Path      *string   `json:"s3_path,omitempty"`
	Endpoint    string    `json:"endpoint"`
	CallType    CallType  `json:"call_type"`
	ItemCount   int       `json:"item_count"`
	FetchedAt   time.Time `json:"fetched_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Opportunity is an API record as extracted by the LLM, before persistence.
// SourceID, SourceName, and RawResponseID are attached at ingestion.
type Opportunity struct {
	APIOpportunityID      string     `json:"api_opportunity_id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	TotalFundingAvailable *float64   `json:"total_funding_available"`
	MinimumAward          *float64   `json:"minimum_award"`
	MaximumAward          *float64   `json:"maximum_award"`
	OpenDate              *string    `json:"open_date"`
	CloseDate             *string    `json:"close_date"`
	EligibleApplicants    []string   `json:"eligible_applicants"`
	EligibleProjectTypes  []string   `json:"eligible_project_types"`
	EligibleActivities    []string   `json:"eligible_activities"`
	FundingType           *string    `json:"funding_type"`
	APIUpdatedAt          *string    `json:"api_updated_at"`
	SourceID              uuid.UUID  `json:"source_id"`
	SourceName            string     `json:"source_name"`
	RawResponseID         *uuid.UUID `json:"raw_response_id"`
}

// Scoring holds the deterministic analysis output for one opportunity.
type Scoring struct {
	ClientRelevance       float64 `json:"clientRelevance"`
	ProjectTypeRelevance  float64 `json:"projectTypeRelevance"`
	FundingAttractiveness float64 `json:"fundingAttractiveness"`
	FundingTypeScore      float64 `json:"fundingTypeScore"`
	ActivityMultiplier    float64 `json:"activityMultiplier"`
	BaseScore             float64 `json:"baseScore"`
	FinalScore            float64 `json:"finalScore"`
	RelevanceReasoning    string  `json:"relevanceReasoning"`
}

// Enhancement holds the LLM content-enhancement output for one opportunity.
type Enhancement struct {
	EnhancedDescription string `json:"enhancedDescription"`
	ActionableSummary   string `json:"actionableSummary"`
}

// AnalyzedOpportunity is an opportunity with its analysis results merged in.
type AnalyzedOpportunity struct {
	Opportunity
	Scoring     *Scoring     `json:"scoring,omitempty"`
	Enhancement *Enhancement `json:"enhancement,omitempty"`
}

// StoredOpportunity is the authoritative DB record.
type StoredOpportunity struct {
	ID                    uuid.UUID  `json:"id"`
	SourceID              uuid.UUID  `json:"source_id"`
	APIOpportunityID      string     `json:"api_opportunity_id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	TotalFundingAvailable *float64   `json:"total_funding_available"`
	MinimumAward          *float64   `json:"minimum_award"`
	MaximumAward          *float64   `json:"maximum_award"`
	OpenDate              *string    `json:"open_date"`
	CloseDate             *string    `json:"close_date"`
	EligibleApplicants    []string   `json:"eligible_applicants"`
	EligibleProjectTypes  []string   `json:"eligible_project_types"`
	EligibleActivities    []string   `json:"eligible_activities"`
	FundingType           *string    `json:"funding_type"`
	APIUpdatedAt          *string    `json:"api_updated_at"`
	LastChecked           *time.Time `json:"last_checked"`
	Scoring               *Scoring   `json:"scoring,omitempty"`
	EnhancedDescription   *string    `json:"enhanced_description,omitempty"`
	ActionableSummary     *string    `json:"actionable_summary,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// RunStatus represents the state of an ingestion run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Run represents a single pipeline invocation for one source.
type Run struct {
	ID                 uuid.UUID  `json:"id"`
	SourceID           uuid.UUID  `json:"source_id"`
	PipelineVersion    string     `json:"pipeline_version"`
	Status             RunStatus  `json:"status"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	TotalOpportunities int        `json:"total_opportunities"`
	NewCount           int        `json:"new_count"`
	UpdateCount        int        `json:"update_count"`
	SkipCount          int        `json:"skip_count"`
	TokensUsed         int64      `json:"tokens_used"`
	Error              *string    `json:"error"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Stage names, in canonical execution order.
const (
	StageDataExtraction  = "data_extraction"
	StageDuplicateDetect = "early_duplicate_detector"
	StageAnalysis        = "analysis"
	StageFilter          = "filter"
	StageStorage         = "storage"
	StageDirectUpdate    = "direct_update"
)

// StageStatus represents the state of one pipeline stage within a run.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusCancelled  StageStatus = "cancelled"
)

// StageRecord is one row per stage per run.
type StageRecord struct {
	ID              uuid.UUID      `json:"id"`
	RunID           uuid.UUID      `json:"run_id"`
	Stage           string         `json:"stage"`
	Status          StageStatus    `json:"status"`
	InputCount      int            `json:"input_count"`
	OutputCount     int            `json:"output_count"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	TokensUsed      int64          `json:"tokens_used"`
	APICalls        int64          `json:"api_calls"`
	ErrorMessage    *string        `json:"error_message"`
	StageResults    map[string]any `json:"stage_results,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// PathType classifies the route an opportunity took through the pipeline.
type PathType string

const (
	PathNew    PathType = "NEW"
	PathUpdate PathType = "UPDATE"
	PathSkip   PathType = "SKIP"
)

// PathReason explains why an opportunity took its path.
type PathReason string

const (
	ReasonNoDuplicateFound    PathReason = "no_duplicate_found"
	ReasonForceFullProcessing PathReason = "force_full_processing"
	ReasonTimestampNewer      PathReason = "api_timestamp_newer"
	ReasonNoTimestampFields   PathReason = "no_api_timestamp_check_fields"
	ReasonMaterialChanges     PathReason = "material_changes"
	ReasonExactDuplicate      PathReason = "exact_duplicate"
	ReasonTimestampNotNewer   PathReason = "api_timestamp_not_newer"
	ReasonNoCriticalChanges   PathReason = "no_critical_changes"
)

// FinalOutcome is the terminal disposition of one opportunity.
type FinalOutcome string

const (
	OutcomeStored      FinalOutcome = "stored"
	OutcomeUpdated     FinalOutcome = "updated"
	OutcomeSkipped     FinalOutcome = "skipped"
	OutcomeFilteredOut FinalOutcome = "filtered_out"
)

// OpportunityPath traces one opportunity's route through a run.
type OpportunityPath struct {
	OpportunityID   string          `json:"opportunityId"`
	Title           string          `json:"title"`
	PathType        PathType        `json:"pathType"`
	PathReason      PathReason      `json:"pathReason"`
	StagesProcessed []string        `json:"stagesProcessed"`
	FinalOutcome    FinalOutcome    `json:"finalOutcome"`
	Analytics       map[string]bool `json:"analytics,omitempty"`
}

// DetectionMethod identifies how a duplicate candidate was matched.
type DetectionMethod string

const (
	MethodIDValidation DetectionMethod = "id_validation"
	MethodTitleOnly    DetectionMethod = "title_only"
	MethodNoMatch      DetectionMethod = "no_match"
)

// Confidence grades a detection decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)
