package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-data/grantflow/platform/internal/analysis"
	"github.com/grantflow-data/grantflow/platform/internal/detect"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/extract"
	"github.com/grantflow-data/grantflow/platform/internal/filter"
	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
	"github.com/grantflow-data/grantflow/platform/internal/runmanager"
)

// memRunStore is an in-memory runmanager.Store.
type memRunStore struct {
	mu         sync.Mutex
	statuses   []domain.RunStatus
	completed  []domain.Run
	savedPaths []domain.OpportunityPath
}

func (s *memRunStore) CreateRun(_ context.Context, run *domain.Run) error {
	run.ID = uuid.New()
	return nil
}

func (s *memRunStore) UpdateRunStatus(_ context.Context, _ uuid.UUID, status domain.RunStatus, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memRunStore) CompleteRun(_ context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, *run)
	return nil
}

func (s *memRunStore) UpsertStage(_ context.Context, _ *domain.StageRecord) error { return nil }

func (s *memRunStore) SaveOpportunityPaths(_ context.Context, _ uuid.UUID, paths []domain.OpportunityPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedPaths = append(s.savedPaths, paths...)
	return nil
}

type stubFetcher struct {
	items []json.RawMessage
	err   error
}

func (f *stubFetcher) Fetch(context.Context, domain.Source, domain.SourceConfiguration) (*pipeline.FetchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.FetchResult{Items: f.items, PagesFetched: 1}, nil
}

type stubExtractor struct {
	opps []domain.Opportunity
	err  error
}

func (e *stubExtractor) Extract(_ context.Context, items []json.RawMessage, source domain.Source, _ *uuid.UUID, _ string) (*extract.Result, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([]domain.Opportunity, len(e.opps))
	copy(out, e.opps)
	for i := range out {
		out[i].SourceID = source.ID
	}
	return &extract.Result{
		Opportunities: out,
		Metrics:       extract.Metrics{TotalTokens: 500, TotalAPICalls: 2, ItemsIn: len(items), OpportunitiesOut: len(out)},
	}, nil
}

type stubDetector struct {
	result *detect.Result
	err    error
	calls  int
}

func (d *stubDetector) Detect(_ context.Context, _ uuid.UUID, _ []domain.Opportunity) (*detect.Result, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

type stubAnalyzer struct {
	err   error
	calls int
}

func (a *stubAnalyzer) Analyze(_ context.Context, opps []domain.Opportunity) (*analysis.Result, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	out := make([]domain.AnalyzedOpportunity, len(opps))
	for i, opp := range opps {
		out[i] = domain.AnalyzedOpportunity{
			Opportunity: opp,
			Scoring: &domain.Scoring{
				ClientRelevance:       3,
				ProjectTypeRelevance:  2,
				FundingAttractiveness: 2,
				FinalScore:            8,
			},
		}
	}
	return &analysis.Result{
		Opportunities: out,
		Metrics:       analysis.Metrics{TotalTokens: 300, TotalAPICalls: 1},
	}, nil
}

type stubStorer struct {
	calls int
	err   error
}

func (s *stubStorer) StoreBatch(_ context.Context, opps []domain.AnalyzedOpportunity) (*pipeline.StoreResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.StoreResult{
		Metrics: pipeline.StoreMetrics{TotalAttempted: len(opps), SuccessfulStores: len(opps)},
	}, nil
}

type stubUpdater struct {
	touched []uuid.UUID
}

func (u *stubUpdater) ApplyUpdates(_ context.Context, decisions []detect.Decision) (*pipeline.UpdateResult, error) {
	return &pipeline.UpdateResult{
		Successful: len(decisions),
		Metrics:    pipeline.UpdateMetrics{TotalAttempted: len(decisions), Successful: len(decisions)},
	}, nil
}

func (u *stubUpdater) TouchLastChecked(_ context.Context, ids []uuid.UUID) error {
	u.touched = append(u.touched, ids...)
	return nil
}

type stubLocks struct {
	mu       sync.Mutex
	held     bool
	denied   bool
	released int
}

func (l *stubLocks) TryAdvisoryLock(context.Context, uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *stubLocks) ReleaseAdvisoryLock(context.Context, uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

type stubSources struct {
	flagged bool
	flagErr error
	cleared []uuid.UUID
}

func (s *stubSources) ShouldForceFullReprocessing(context.Context, uuid.UUID) (bool, error) {
	if s.flagErr != nil {
		return false, s.flagErr
	}
	return s.flagged, nil
}

func (s *stubSources) DisableForceFullReprocessing(_ context.Context, id uuid.UUID) error {
	s.cleared = append(s.cleared, id)
	return nil
}

type fixture struct {
	coord    *pipeline.Coordinator
	runStore *memRunStore
	detector *stubDetector
	analyzer *stubAnalyzer
	storer   *stubStorer
	updater  *stubUpdater
	locks    *stubLocks
	sources  *stubSources
}

func opp(id, title string) domain.Opportunity {
	return domain.Opportunity{APIOpportunityID: id, Title: title}
}

func newFixture(extracted []domain.Opportunity, detection *detect.Result) *fixture {
	f := &fixture{
		runStore: &memRunStore{},
		detector: &stubDetector{result: detection},
		analyzer: &stubAnalyzer{},
		storer:   &stubStorer{},
		updater:  &stubUpdater{},
		locks:    &stubLocks{},
		sources:  &stubSources{},
	}
	f.coord = pipeline.New(
		runmanager.New(f.runStore),
		&stubFetcher{items: []json.RawMessage{json.RawMessage(`{}`)}},
		&stubExtractor{opps: extracted},
		f.detector,
		f.analyzer,
		filter.Apply,
		f.storer,
		f.updater,
		f.locks,
		f.sources,
		time.Minute,
	)
	return f
}

func threeWayDetection() *detect.Result {
	existing := &domain.StoredOpportunity{ID: uuid.New(), APIOpportunityID: "GF-003"}
	return &detect.Result{
		New: []detect.Decision{{
			Opportunity: opp("GF-001", "New grant"),
			Action:      domain.PathNew,
			Reason:      domain.ReasonNoDuplicateFound,
			Method:      domain.MethodNoMatch,
			Confidence:  domain.ConfidenceHigh,
		}},
		Updates: []detect.Decision{{
			Opportunity: opp("GF-002", "Updated grant"),
			Action:      domain.PathUpdate,
			Reason:      domain.ReasonMaterialChanges,
			Method:      domain.MethodIDValidation,
			Confidence:  domain.ConfidenceHigh,
		}},
		Skips: []detect.Decision{{
			Opportunity:    opp("GF-003", "Unchanged grant"),
			Action:         domain.PathSkip,
			Reason:         domain.ReasonNoCriticalChanges,
			Method:         domain.MethodIDValidation,
			Confidence:     domain.ConfidenceHigh,
			ExistingRecord: existing,
		}},
	}
}

func testSource() domain.Source {
	return domain.Source{ID: uuid.New(), Name: "grants-api", Active: true}
}

func TestProcessSource_HappyPath(t *testing.T) {
	extracted := []domain.Opportunity{
		opp("GF-001", "New grant"), opp("GF-002", "Updated grant"), opp("GF-003", "Unchanged grant"),
	}
	f := newFixture(extracted, threeWayDetection())
	src := testSource()

	res, err := f.coord.ProcessSource(context.Background(), src, domain.SourceConfiguration{}, false)
	require.NoError(t, err)

	assert.Equal(t, "v2.0", res.Version)
	assert.Equal(t, "v2-optimized-with-metrics", res.Pipeline)
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Nil(t, res.Error)
	assert.Equal(t, src.ID, res.SourceID)
	assert.False(t, res.EnhancedMetrics.ForceFullProcessingUsed)

	// Tokens aggregate extraction and analysis.
	assert.Equal(t, int64(800), res.EnhancedMetrics.TotalTokensUsed)
	assert.Equal(t, int64(3), res.EnhancedMetrics.TotalAPICalls)

	impact := res.EnhancedMetrics.OptimizationImpact
	assert.Equal(t, 3, impact.TotalOpportunities)
	assert.Equal(t, 2, impact.BypassedLLM)
	// stored NEW + applied UPDATE + SKIP.
	assert.Equal(t, 3, impact.SuccessfulOpportunities)

	require.Len(t, res.EnhancedMetrics.OpportunityPaths, 3)
	byID := map[string]domain.OpportunityPath{}
	for _, p := range res.EnhancedMetrics.OpportunityPaths {
		byID[p.OpportunityID] = p
	}
	assert.Equal(t, domain.OutcomeStored, byID["GF-001"].FinalOutcome)
	assert.Equal(t, domain.OutcomeUpdated, byID["GF-002"].FinalOutcome)
	assert.Equal(t, domain.OutcomeSkipped, byID["GF-003"].FinalOutcome)
	assert.Equal(t, domain.ReasonNoCriticalChanges, byID["GF-003"].PathReason)

	// SKIP rows get their last_checked refreshed.
	assert.Len(t, f.updater.touched, 1)

	// Lock released, run completed, nothing force-cleared.
	assert.False(t, f.locks.held)
	assert.Equal(t, 1, f.locks.released)
	assert.Len(t, f.runStore.completed, 1)
	assert.Empty(t, f.sources.cleared)
	assert.Len(t, f.runStore.savedPaths, 3)
}

func TestProcessSource_ForceFullReprocessing(t *testing.T) {
	extracted := []domain.Opportunity{opp("GF-001", "A"), opp("GF-002", "B")}
	f := newFixture(extracted, threeWayDetection())
	f.sources.flagged = true
	src := testSource()

	res, err := f.coord.ProcessSource(context.Background(), src, domain.SourceConfiguration{}, false)
	require.NoError(t, err)

	// Detection bypassed entirely: everything routed NEW.
	assert.Equal(t, 0, f.detector.calls)
	assert.True(t, res.EnhancedMetrics.ForceFullProcessingUsed)
	assert.Equal(t, 0, res.EnhancedMetrics.OptimizationImpact.BypassedLLM)
	require.Len(t, res.EnhancedMetrics.OpportunityPaths, 2)
	for _, p := range res.EnhancedMetrics.OpportunityPaths {
		assert.Equal(t, domain.PathNew, p.PathType)
		assert.Equal(t, domain.ReasonForceFullProcessing, p.PathReason)
	}

	// One-shot flag cleared after success.
	require.Len(t, f.sources.cleared, 1)
	assert.Equal(t, src.ID, f.sources.cleared[0])
}

func TestProcessSource_ForceParameterDoesNotClearFlag(t *testing.T) {
	f := newFixture([]domain.Opportunity{opp("GF-001", "A")}, threeWayDetection())
	src := testSource()

	res, err := f.coord.ProcessSource(context.Background(), src, domain.SourceConfiguration{}, true)
	require.NoError(t, err)
	assert.True(t, res.EnhancedMetrics.ForceFullProcessingUsed)
	// force=true on the request does not touch the stored flag.
	assert.Empty(t, f.sources.cleared)
}

func TestProcessSource_ConcurrentRunRejected(t *testing.T) {
	f := newFixture(nil, &detect.Result{})
	f.locks.denied = true

	_, err := f.coord.ProcessSource(context.Background(), testSource(), domain.SourceConfiguration{}, false)
	require.ErrorIs(t, err, pipeline.ErrConcurrentRunInProgress)

	// No run row was ever created.
	assert.Empty(t, f.runStore.statuses)
	assert.Equal(t, 0, f.locks.released)
}

func TestProcessSource_AnalysisFailureBeforeWrites(t *testing.T) {
	extracted := []domain.Opportunity{opp("GF-001", "A")}
	f := newFixture(extracted, threeWayDetection())
	f.analyzer.err = errors.New("model unavailable")

	res, err := f.coord.ProcessSource(context.Background(), testSource(), domain.SourceConfiguration{}, false)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindAnalysisFailure, pipeline.KindOf(err))

	// The caller still gets an error-shaped result next to the error.
	require.NotNil(t, res)
	assert.Equal(t, pipeline.StatusError, res.Status)
	assert.Equal(t, "v2.0", res.Version)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "analysis")

	// Nothing was written and the run failed.
	assert.Equal(t, 0, f.storer.calls)
	assert.Empty(t, f.runStore.completed)
	assert.Contains(t, f.runStore.statuses, domain.RunStatusFailed)
	assert.False(t, f.locks.held)
	assert.Equal(t, 1, f.locks.released)
}

func TestProcessSource_DetectionFailure(t *testing.T) {
	f := newFixture([]domain.Opportunity{opp("GF-001", "A")}, nil)
	f.detector.err = errors.New("db gone")

	_, err := f.coord.ProcessSource(context.Background(), testSource(), domain.SourceConfiguration{}, false)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindDetectionQuery, pipeline.KindOf(err))
	assert.Equal(t, 0, f.analyzer.calls)
	assert.Equal(t, 1, f.locks.released)
}

func TestProcessSource_StorageFailureIsTerminal(t *testing.T) {
	f := newFixture([]domain.Opportunity{opp("GF-001", "A")}, threeWayDetection())
	f.storer.err = errors.New("constraint violation")

	_, err := f.coord.ProcessSource(context.Background(), testSource(), domain.SourceConfiguration{}, false)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindPartialWrite, pipeline.KindOf(err))
	assert.Equal(t, 1, f.locks.released)
}

func TestProcessSource_FlagQueryFailureTreatedAsUnset(t *testing.T) {
	extracted := []domain.Opportunity{
		opp("GF-001", "New grant"), opp("GF-002", "Updated grant"), opp("GF-003", "Unchanged grant"),
	}
	f := newFixture(extracted, threeWayDetection())
	f.sources.flagErr = errors.New("connection reset")

	res, err := f.coord.ProcessSource(context.Background(), testSource(), domain.SourceConfiguration{}, false)
	require.NoError(t, err)

	// Flag read failure never forces a full run: detection ran normally.
	assert.Equal(t, 1, f.detector.calls)
	assert.False(t, res.EnhancedMetrics.ForceFullProcessingUsed)
	assert.Empty(t, f.sources.cleared)
}

func TestProcessSource_NoNewSkipsAnalysisAndStorage(t *testing.T) {
	detection := threeWayDetection()
	detection.New = nil
	extracted := []domain.Opportunity{opp("GF-002", "Updated grant"), opp("GF-003", "Unchanged grant")}
	f := newFixture(extracted, detection)

	res, err := f.coord.ProcessSource(context.Background(), testSource(), domain.SourceConfiguration{}, false)
	require.NoError(t, err)

	// Nothing NEW: analysis, filter, and storage never run.
	assert.Equal(t, 0, f.analyzer.calls)
	assert.Equal(t, 0, f.storer.calls)
	assert.NotContains(t, res.EnhancedMetrics.StageMetrics, domain.StageAnalysis)
	assert.NotContains(t, res.EnhancedMetrics.StageMetrics, domain.StageFilter)
	assert.NotContains(t, res.EnhancedMetrics.StageMetrics, domain.StageStorage)
	assert.Contains(t, res.EnhancedMetrics.StageMetrics, domain.StageDirectUpdate)

	// Updates and skips still land.
	assert.Equal(t, 2, res.EnhancedMetrics.OptimizationImpact.SuccessfulOpportunities)
	assert.Len(t, f.updater.touched, 1)
	require.Len(t, res.EnhancedMetrics.OpportunityPaths, 2)
}

// directory backs the Service tests.
type directory struct {
	source *domain.Source
	err    error
}

func (d *directory) GetSource(context.Context, uuid.UUID) (*domain.Source, error) {
	return d.source, d.err
}

func (d *directory) GetConfiguration(context.Context, uuid.UUID) (domain.SourceConfiguration, error) {
	return domain.SourceConfiguration{}, nil
}

func TestService_SourceNotFound(t *testing.T) {
	svc := pipeline.NewService(nil, &directory{})
	_, err := svc.Run(context.Background(), uuid.New(), false)
	assert.ErrorIs(t, err, pipeline.ErrSourceNotFound)
}

func TestService_SourceInactive(t *testing.T) {
	src := testSource()
	src.Active = false
	svc := pipeline.NewService(nil, &directory{source: &src})
	_, err := svc.Run(context.Background(), src.ID, false)
	assert.ErrorIs(t, err, pipeline.ErrSourceInactive)
}

func TestService_RunsActiveSource(t *testing.T) {
	src := testSource()
	f := newFixture([]domain.Opportunity{opp("GF-001", "A")}, threeWayDetection())
	svc := pipeline.NewService(f.coord, &directory{source: &src})

	res, err := svc.Run(context.Background(), src.ID, false)
	require.NoError(t, err)
	assert.Equal(t, src.ID, res.SourceID)
}
