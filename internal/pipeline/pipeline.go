// Package pipeline coordinates the staged ingestion flow for one source:
// acquisition and extraction, early duplicate detection, analysis, filtering,
// then storage and direct updates in parallel. The coordinator owns the
// per-source advisory lock, the run lifecycle, and the per-opportunity path
// trace; the stages own their own metrics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grantflow-data/grantflow/platform/internal/detect"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/runmanager"
)

// Coordinator wires the stages together and drives one run end to end.
type Coordinator struct {
	runs      *runmanager.Manager
	fetcher   Fetcher
	extractor Extractor
	detector  Detector
	analyzer  Analyzer
	filter    FilterFunc
	storer    Storer
	updater   Updater
	locks     Locks
	sources   SourceStore

	defaultTimeout time.Duration
}

// New assembles a Coordinator.
func New(runs *runmanager.Manager, fetcher Fetcher, extractor Extractor, detector Detector, analyzer Analyzer, filterFn FilterFunc, storer Storer, updater Updater, locks Locks, sources SourceStore, defaultTimeout time.Duration) *Coordinator {
	return &Coordinator{
		runs:           runs,
		fetcher:        fetcher,
		extractor:      extractor,
		detector:       detector,
		analyzer:       analyzer,
		filter:         filterFn,
		storer:         storer,
		updater:        updater,
		locks:          locks,
		sources:        sources,
		defaultTimeout: defaultTimeout,
	}
}

// ProcessSource runs the full pipeline for one source. Exactly one run per
// source executes at a time; a second caller gets ErrConcurrentRunInProgress
// immediately. The advisory lock is released on every exit path.
func (c *Coordinator) ProcessSource(ctx context.Context, source domain.Source, cfg domain.SourceConfiguration, force bool) (*RunResult, error) {
	locked, err := c.locks.TryAdvisoryLock(ctx, source.ID)
	if err != nil {
		return nil, wrapKind(KindInternal, fmt.Errorf("acquire source lock: %w", err))
	}
	if !locked {
		return nil, ErrConcurrentRunInProgress
	}
	defer func() {
		// Release must survive run-context cancellation.
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.locks.ReleaseAdvisoryLock(relCtx, source.ID); err != nil {
			slog.Error("failed to release source lock", "source_id", source.ID, "error", err)
		}
	}()

	timeout := c.defaultTimeout
	if cfg.RunTimeoutMins > 0 {
		timeout = time.Duration(cfg.RunTimeoutMins) * time.Minute
	}

	// The flag is re-read under the lock: a reprocess request between source
	// resolution and lock acquisition must still take effect this run. A
	// failed read counts as unset.
	flagged, ferr := c.sources.ShouldForceFullReprocessing(ctx, source.ID)
	if ferr != nil {
		slog.Warn("force_full_reprocessing query failed, treating as unset",
			"source_id", source.ID, "error", ferr)
		flagged = false
	}

	handle, runCtx, err := c.runs.StartRun(ctx, source.ID, PipelineName, timeout)
	if err != nil {
		return nil, wrapKind(KindInternal, err)
	}

	ffr := force || flagged
	if ffr {
		slog.Info("force full reprocessing active, duplicate detection bypassed",
			"source", source.Name, "requested", force, "flagged", flagged)
	}

	result, err := c.execute(runCtx, handle, source, cfg, ffr)
	if err != nil {
		c.failRun(handle, err)
		return errorResult(handle.RunID, source.ID, err), err
	}

	if ffr && flagged {
		// One-shot flag: clear it only after the forced run completed.
		if derr := c.sources.DisableForceFullReprocessing(ctx, source.ID); derr != nil {
			slog.Error("failed to clear force_full_reprocessing", "source_id", source.ID, "error", derr)
		}
	}

	return result, nil
}

// execute drives the stages under the run context. Any returned error is
// terminal for the run.
func (c *Coordinator) execute(ctx context.Context, handle *runmanager.Handle, source domain.Source, cfg domain.SourceConfiguration, ffr bool) (*RunResult, error) {
	stageMetrics := map[string]any{}

	extracted, extractMetrics, err := c.runExtraction(ctx, handle, source, cfg)
	if err != nil {
		return nil, err
	}
	stageMetrics[domain.StageDataExtraction] = extractMetrics

	detection, err := c.runDetection(ctx, handle, source, extracted, ffr, stageMetrics)
	if err != nil {
		return nil, err
	}

	newOpps := make([]domain.Opportunity, len(detection.New))
	for i, dec := range detection.New {
		newOpps[i] = dec.Opportunity
	}

	// With nothing NEW there is nothing to analyze, filter, or store; those
	// stages (and their stage rows) are skipped and only direct updates run.
	analyzed := &analysisOutput{}
	filtered := &filterOutput{}
	if len(newOpps) > 0 {
		analyzed, err = c.runAnalysis(ctx, handle, newOpps, stageMetrics)
		if err != nil {
			return nil, err
		}
		filtered = c.runFilter(ctx, handle, analyzed.Opportunities, stageMetrics)
	}

	storeRes, updateRes, err := c.runWrites(ctx, handle, filtered.Included, detection, len(newOpps) > 0, stageMetrics)
	if err != nil {
		return nil, err
	}

	paths := buildPaths(detection, filtered, ffr)

	run := &domain.Run{
		TotalOpportunities: len(extracted),
		NewCount:           len(detection.New),
		UpdateCount:        len(detection.Updates),
		SkipCount:          len(detection.Skips),
	}

	result := &RunResult{
		RunID:    handle.RunID,
		SourceID: source.ID,
		Status:   StatusSuccess,
		Version:  Version,
		Pipeline: PipelineName,
		EnhancedMetrics: EnhancedMetrics{
			StageMetrics:            stageMetrics,
			OpportunityPaths:        paths,
			ForceFullProcessingUsed: ffr,
		},
	}

	result.EnhancedMetrics.TotalTokensUsed = extractMetrics.TotalTokens + analyzed.Metrics.TotalTokens
	result.EnhancedMetrics.TotalAPICalls = extractMetrics.TotalAPICalls + analyzed.Metrics.TotalAPICalls
	run.TokensUsed = result.EnhancedMetrics.TotalTokensUsed

	bypassed := len(detection.Updates) + len(detection.Skips)
	if ffr {
		bypassed = 0
	}
	result.EnhancedMetrics.OptimizationImpact = OptimizationImpact{
		TotalOpportunities:      len(extracted),
		BypassedLLM:             bypassed,
		SuccessfulOpportunities: storeRes.Metrics.SuccessfulStores + updateRes.Successful + len(detection.Skips),
	}

	if err := handle.Complete(ctx, run, paths); err != nil {
		return nil, wrapKind(KindInternal, err)
	}
	result.EnhancedMetrics.TotalExecutionTime = handle.Elapsed().Milliseconds()

	slog.Info("pipeline run completed",
		"run_id", handle.RunID, "source", source.Name,
		"total", len(extracted), "new", len(detection.New),
		"updates", len(detection.Updates), "skips", len(detection.Skips),
		"stored", storeRes.Metrics.SuccessfulStores,
		"tokens", result.EnhancedMetrics.TotalTokensUsed)

	return result, nil
}

// runExtraction covers acquisition and LLM extraction under one stage row.
func (c *Coordinator) runExtraction(ctx context.Context, handle *runmanager.Handle, source domain.Source, cfg domain.SourceConfiguration) ([]domain.Opportunity, extractStageMetrics, error) {
	handle.UpdateStage(ctx, domain.StageDataExtraction, domain.StageStatusProcessing, runmanager.StageUpdate{})

	fetched, err := c.fetcher.Fetch(ctx, source, cfg)
	if err != nil {
		err = wrapKind(KindUpstreamFetch, fmt.Errorf("fetch %s: %w", source.Name, err))
		c.failStage(handle, domain.StageDataExtraction, err)
		return nil, extractStageMetrics{}, err
	}

	extracted, err := c.extractor.Extract(ctx, fetched.Items, source, fetched.RawResponseID, cfg.Instructions)
	if err != nil {
		err = wrapKind(KindExtractionParse, fmt.Errorf("extract %s: %w", source.Name, err))
		c.failStage(handle, domain.StageDataExtraction, err)
		return nil, extractStageMetrics{}, err
	}

	metrics := extractStageMetrics{
		TotalTokens:     extracted.Metrics.TotalTokens,
		TotalAPICalls:   extracted.Metrics.TotalAPICalls,
		ExecutionTimeMS: extracted.Metrics.ExecutionTimeMS,
		ChunksTotal:     extracted.Metrics.ChunksTotal,
		ChunksFailed:    extracted.Metrics.ChunksFailed,
		ChunksAnomalous: extracted.Metrics.ChunksAnomalous,
		ItemsIn:         extracted.Metrics.ItemsIn,
		OpportunitiesOut: extracted.Metrics.OpportunitiesOut,
		PagesFetched:    fetched.PagesFetched,
		FetchTimeMS:     fetched.ExecutionTimeMS,
	}

	handle.UpdateStage(ctx, domain.StageDataExtraction, domain.StageStatusCompleted, runmanager.StageUpdate{
		InputCount:      len(fetched.Items),
		OutputCount:     len(extracted.Opportunities),
		ExecutionTimeMS: extracted.Metrics.ExecutionTimeMS + fetched.ExecutionTimeMS,
		TokensUsed:      extracted.Metrics.TotalTokens,
		APICalls:        extracted.Metrics.TotalAPICalls,
	})

	return extracted.Opportunities, metrics, nil
}

// extractStageMetrics merges fetch and extraction numbers for the stage block.
type extractStageMetrics struct {
	TotalTokens      int64 `json:"totalTokens"`
	TotalAPICalls    int64 `json:"totalApiCalls"`
	ExecutionTimeMS  int64 `json:"executionTime"`
	ChunksTotal      int   `json:"chunksTotal"`
	ChunksFailed     int   `json:"chunksFailed"`
	ChunksAnomalous  int   `json:"chunksAnomalous"`
	ItemsIn          int   `json:"itemsIn"`
	OpportunitiesOut int   `json:"opportunitiesOut"`
	PagesFetched     int   `json:"pagesFetched"`
	FetchTimeMS      int64 `json:"fetchTime"`
}

// runDetection classifies extracted opportunities, or routes everything to
// NEW when force full reprocessing is active.
func (c *Coordinator) runDetection(ctx context.Context, handle *runmanager.Handle, source domain.Source, extracted []domain.Opportunity, ffr bool, stageMetrics map[string]any) (*detect.Result, error) {
	if ffr {
		result := &detect.Result{}
		for _, opp := range extracted {
			result.New = append(result.New, detect.Decision{
				Opportunity: opp,
				Action:      domain.PathNew,
				Reason:      domain.ReasonForceFullProcessing,
				Method:      domain.MethodNoMatch,
				Confidence:  domain.ConfidenceHigh,
			})
		}
		stageMetrics[domain.StageDuplicateDetect] = map[string]any{"bypassed": true}
		handle.UpdateStage(ctx, domain.StageDuplicateDetect, domain.StageStatusCompleted, runmanager.StageUpdate{
			InputCount:  len(extracted),
			OutputCount: len(extracted),
			Results:     map[string]any{"bypassed": true},
		})
		return result, nil
	}

	handle.UpdateStage(ctx, domain.StageDuplicateDetect, domain.StageStatusProcessing, runmanager.StageUpdate{
		InputCount: len(extracted),
	})

	start := time.Now()
	detection, err := c.detector.Detect(ctx, source.ID, extracted)
	if err != nil {
		err = wrapKind(KindDetectionQuery, fmt.Errorf("duplicate detection: %w", err))
		c.failStage(handle, domain.StageDuplicateDetect, err)
		return nil, err
	}

	stageMetrics[domain.StageDuplicateDetect] = detection.Metrics
	handle.UpdateStage(ctx, domain.StageDuplicateDetect, domain.StageStatusCompleted, runmanager.StageUpdate{
		InputCount:      len(extracted),
		OutputCount:     len(detection.New),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Results: map[string]any{
			"new":     len(detection.New),
			"updates": len(detection.Updates),
			"skips":   len(detection.Skips),
		},
	})

	return detection, nil
}

// runAnalysis scores and enhances NEW opportunities. An analysis failure is
// terminal and happens before any write stage starts.
func (c *Coordinator) runAnalysis(ctx context.Context, handle *runmanager.Handle, newOpps []domain.Opportunity, stageMetrics map[string]any) (*analysisOutput, error) {
	handle.UpdateStage(ctx, domain.StageAnalysis, domain.StageStatusProcessing, runmanager.StageUpdate{
		InputCount: len(newOpps),
	})

	analyzed, err := c.analyzer.Analyze(ctx, newOpps)
	if err != nil {
		err = wrapKind(KindAnalysisFailure, fmt.Errorf("analysis: %w", err))
		c.failStage(handle, domain.StageAnalysis, err)
		return nil, err
	}

	stageMetrics[domain.StageAnalysis] = analyzed.Metrics
	handle.UpdateStage(ctx, domain.StageAnalysis, domain.StageStatusCompleted, runmanager.StageUpdate{
		InputCount:      len(newOpps),
		OutputCount:     len(analyzed.Opportunities),
		ExecutionTimeMS: analyzed.Metrics.ExecutionTimeMS,
		TokensUsed:      analyzed.Metrics.TotalTokens,
		APICalls:        analyzed.Metrics.TotalAPICalls,
	})

	return &analysisOutput{Opportunities: analyzed.Opportunities, Metrics: analysisMetricsView{
		TotalTokens:   analyzed.Metrics.TotalTokens,
		TotalAPICalls: analyzed.Metrics.TotalAPICalls,
	}}, nil
}

type analysisOutput struct {
	Opportunities []domain.AnalyzedOpportunity
	Metrics       analysisMetricsView
}

type analysisMetricsView struct {
	TotalTokens   int64
	TotalAPICalls int64
}

// runFilter applies the quality gate. Filtering never fails.
func (c *Coordinator) runFilter(ctx context.Context, handle *runmanager.Handle, analyzed []domain.AnalyzedOpportunity, stageMetrics map[string]any) *filterOutput {
	handle.UpdateStage(ctx, domain.StageFilter, domain.StageStatusProcessing, runmanager.StageUpdate{
		InputCount: len(analyzed),
	})

	res := c.filter(analyzed)

	stageMetrics[domain.StageFilter] = res.Metrics
	handle.UpdateStage(ctx, domain.StageFilter, domain.StageStatusCompleted, runmanager.StageUpdate{
		InputCount:      len(analyzed),
		OutputCount:     len(res.Included),
		ExecutionTimeMS: res.Metrics.ProcessingTimeMS,
	})

	return &filterOutput{Included: res.Included, Excluded: res.Excluded}
}

type filterOutput struct {
	Included []domain.AnalyzedOpportunity
	Excluded []domain.AnalyzedOpportunity
}

// runWrites executes storage and direct updates concurrently. Per-row
// failures stay inside the stage results; only whole-batch errors are
// terminal. Storage only runs when the NEW route had anything in it.
func (c *Coordinator) runWrites(ctx context.Context, handle *runmanager.Handle, included []domain.AnalyzedOpportunity, detection *detect.Result, store bool, stageMetrics map[string]any) (*StoreResult, *UpdateResult, error) {
	var (
		storeRes  = &StoreResult{}
		updateRes = &UpdateResult{}
	)

	g, gctx := errgroup.WithContext(ctx)

	if store {
		g.Go(func() error {
			handle.UpdateStage(gctx, domain.StageStorage, domain.StageStatusProcessing, runmanager.StageUpdate{
				InputCount: len(included),
			})
			res, err := c.storer.StoreBatch(gctx, included)
			if err != nil {
				err = wrapKind(KindPartialWrite, fmt.Errorf("storage: %w", err))
				c.failStage(handle, domain.StageStorage, err)
				return err
			}
			storeRes = res
			stageMetrics[domain.StageStorage] = res.Metrics
			handle.UpdateStage(gctx, domain.StageStorage, domain.StageStatusCompleted, runmanager.StageUpdate{
				InputCount:      len(included),
				OutputCount:     res.Metrics.SuccessfulStores,
				ExecutionTimeMS: res.Metrics.ExecutionTimeMS,
				Results:         map[string]any{"failedStores": res.Metrics.FailedStores},
			})
			return nil
		})
	}

	g.Go(func() error {
		handle.UpdateStage(gctx, domain.StageDirectUpdate, domain.StageStatusProcessing, runmanager.StageUpdate{
			InputCount: len(detection.Updates),
		})
		res, err := c.updater.ApplyUpdates(gctx, detection.Updates)
		if err != nil {
			err = wrapKind(KindPartialWrite, fmt.Errorf("direct update: %w", err))
			c.failStage(handle, domain.StageDirectUpdate, err)
			return err
		}
		updateRes = res

		// SKIP decisions still get their last_checked refreshed.
		if ids := skipIDs(detection.Skips); len(ids) > 0 {
			if terr := c.updater.TouchLastChecked(gctx, ids); terr != nil {
				slog.Error("failed to refresh last_checked for skips", "count", len(ids), "error", terr)
			}
		}

		stageMetrics[domain.StageDirectUpdate] = res.Metrics
		handle.UpdateStage(gctx, domain.StageDirectUpdate, domain.StageStatusCompleted, runmanager.StageUpdate{
			InputCount:      len(detection.Updates),
			OutputCount:     res.Successful,
			ExecutionTimeMS: res.Metrics.ExecutionTimeMS,
			Results:         map[string]any{"failed": res.Failed},
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return storeRes, updateRes, nil
}

func skipIDs(skips []detect.Decision) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(skips))
	for _, dec := range skips {
		if dec.ExistingRecord != nil {
			out = append(out, dec.ExistingRecord.ID)
		}
	}
	return out
}

// buildPaths assembles the per-opportunity trace from the stage outcomes.
func buildPaths(detection *detect.Result, filtered *filterOutput, ffr bool) []domain.OpportunityPath {
	paths := make([]domain.OpportunityPath, 0,
		len(filtered.Included)+len(filtered.Excluded)+len(detection.Updates)+len(detection.Skips))

	reasonFor := func(dec detect.Decision) domain.PathReason {
		if ffr {
			return domain.ReasonForceFullProcessing
		}
		return dec.Reason
	}

	newReasons := map[string]domain.PathReason{}
	for _, dec := range detection.New {
		newReasons[pathKey(dec.Opportunity)] = reasonFor(dec)
	}

	newStages := []string{domain.StageDataExtraction, domain.StageDuplicateDetect, domain.StageAnalysis, domain.StageFilter}
	for _, opp := range filtered.Included {
		paths = append(paths, domain.OpportunityPath{
			OpportunityID:   pathKey(opp.Opportunity),
			Title:           opp.Title,
			PathType:        domain.PathNew,
			PathReason:      newReasons[pathKey(opp.Opportunity)],
			StagesProcessed: append(append([]string{}, newStages...), domain.StageStorage),
			FinalOutcome:    domain.OutcomeStored,
			Analytics:       map[string]bool{"llmProcessed": true},
		})
	}
	for _, opp := range filtered.Excluded {
		paths = append(paths, domain.OpportunityPath{
			OpportunityID:   pathKey(opp.Opportunity),
			Title:           opp.Title,
			PathType:        domain.PathNew,
			PathReason:      newReasons[pathKey(opp.Opportunity)],
			StagesProcessed: append([]string{}, newStages...),
			FinalOutcome:    domain.OutcomeFilteredOut,
			Analytics:       map[string]bool{"llmProcessed": true},
		})
	}
	for _, dec := range detection.Updates {
		paths = append(paths, domain.OpportunityPath{
			OpportunityID:   pathKey(dec.Opportunity),
			Title:           dec.Opportunity.Title,
			PathType:        domain.PathUpdate,
			PathReason:      dec.Reason,
			StagesProcessed: []string{domain.StageDataExtraction, domain.StageDuplicateDetect, domain.StageDirectUpdate},
			FinalOutcome:    domain.OutcomeUpdated,
			Analytics:       map[string]bool{"llmProcessed": false},
		})
	}
	for _, dec := range detection.Skips {
		paths = append(paths, domain.OpportunityPath{
			OpportunityID:   pathKey(dec.Opportunity),
			Title:           dec.Opportunity.Title,
			PathType:        domain.PathSkip,
			PathReason:      dec.Reason,
			StagesProcessed: []string{domain.StageDataExtraction, domain.StageDuplicateDetect},
			FinalOutcome:    domain.OutcomeSkipped,
			Analytics:       map[string]bool{"llmProcessed": false},
		})
	}

	return paths
}

// pathKey identifies one opportunity in the trace; falls back to the title
// when the upstream id is empty.
func pathKey(opp domain.Opportunity) string {
	if opp.APIOpportunityID != "" {
		return opp.APIOpportunityID
	}
	return opp.Title
}

// failStage records a failed stage row, or a cancelled one when the run
// context was torn down (watchdog or shutdown).
func (c *Coordinator) failStage(handle *runmanager.Handle, stage string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := domain.StageStatusFailed
	if handle.TimedOut() {
		status = domain.StageStatusCancelled
	}
	handle.UpdateStage(ctx, stage, status, runmanager.StageUpdate{Error: err.Error()})
}

// failRun records the terminal run error. The watchdog already wrote the
// timeout status if it fired; Fail is a no-op in that case.
func (c *Coordinator) failRun(handle *runmanager.Handle, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle.Fail(ctx, err.Error())
	slog.Error("pipeline run failed", "run_id", handle.RunID, "kind", KindOf(err), "error", err)
}
