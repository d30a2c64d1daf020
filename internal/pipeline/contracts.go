package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/grantflow-data/grantflow/platform/internal/analysis"
	"github.com/grantflow-data/grantflow/platform/internal/detect"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/extract"
	"github.com/grantflow-data/grantflow/platform/internal/filter"
)

// FetchResult is the upstream acquisition output: the raw items to extract
// from, plus the persisted raw-response row they came from.
type FetchResult struct {
	Items         []json.RawMessage
	RawResponseID *uuid.UUID
	PagesFetched  int
	ExecutionTimeMS int64
}

// Fetcher acquires raw items from a source's upstream API and persists the
// captured payload.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.Source, cfg domain.SourceConfiguration) (*FetchResult, error)
}

// Extractor turns raw items into opportunity records.
type Extractor interface {
	Extract(ctx context.Context, items []json.RawMessage, source domain.Source, rawResponseID *uuid.UUID, instructions string) (*extract.Result, error)
}

// Detector classifies extracted opportunities into NEW / UPDATE / SKIP.
type Detector interface {
	Detect(ctx context.Context, sourceID uuid.UUID, opps []domain.Opportunity) (*detect.Result, error)
}

// Analyzer scores and enhances NEW opportunities.
type Analyzer interface {
	Analyze(ctx context.Context, opps []domain.Opportunity) (*analysis.Result, error)
}

// FilterFunc applies the post-analysis quality gate.
type FilterFunc func(opps []domain.AnalyzedOpportunity) *filter.Result

// StoreRow is the per-opportunity storage outcome.
type StoreRow struct {
	Success       bool       `json:"success"`
	OpportunityID string     `json:"opportunityId"`
	DatabaseID    *uuid.UUID `json:"databaseId,omitempty"`
	Error         *string    `json:"error,omitempty"`
}

// StoreMetrics aggregates the storage stage outcome.
type StoreMetrics struct {
	TotalAttempted   int   `json:"totalAttempted"`
	SuccessfulStores int   `json:"successfulStores"`
	FailedStores     int   `json:"failedStores"`
	ExecutionTimeMS  int64 `json:"executionTime"`
}

// StoreResult is the storage stage output. Row failures are reported here,
// never propagated as a stage error.
type StoreResult struct {
	Rows    []StoreRow   `json:"results"`
	Metrics StoreMetrics `json:"metrics"`
}

// Storer persists filtered NEW opportunities.
type Storer interface {
	StoreBatch(ctx context.Context, opps []domain.AnalyzedOpportunity) (*StoreResult, error)
}

// UpdateDetail is the per-opportunity direct-update outcome.
type UpdateDetail struct {
	OpportunityID string   `json:"opportunityId"`
	FieldsUpdated []string `json:"fieldsUpdated,omitempty"`
	Success       bool     `json:"success"`
	Error         *string  `json:"error,omitempty"`
}

// UpdateMetrics aggregates the direct-update stage outcome.
type UpdateMetrics struct {
	TotalAttempted  int   `json:"totalAttempted"`
	Successful      int   `json:"successful"`
	Failed          int   `json:"failed"`
	ExecutionTimeMS int64 `json:"executionTime"`
}

// UpdateResult is the direct-update stage output. Row failures are reported
// here, never propagated as a stage error.
type UpdateResult struct {
	Successful    int            `json:"successful"`
	Failed        int            `json:"failed"`
	UpdateDetails []UpdateDetail `json:"updateDetails"`
	Metrics       UpdateMetrics  `json:"metrics"`
}

// Updater applies field-scoped updates for UPDATE decisions and refreshes
// last_checked for SKIP decisions.
type Updater interface {
	ApplyUpdates(ctx context.Context, decisions []detect.Decision) (*UpdateResult, error)
	TouchLastChecked(ctx context.Context, ids []uuid.UUID) error
}

// Locks is the per-source mutual-exclusion contract, backed by Postgres
// advisory locks in production.
type Locks interface {
	TryAdvisoryLock(ctx context.Context, sourceID uuid.UUID) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, sourceID uuid.UUID) error
}

// SourceStore is the slice of source persistence the coordinator needs:
// the force-full-reprocessing flag, read fresh under the source lock and
// cleared after a forced run.
type SourceStore interface {
	ShouldForceFullReprocessing(ctx context.Context, sourceID uuid.UUID) (bool, error)
	DisableForceFullReprocessing(ctx context.Context, sourceID uuid.UUID) error
}
