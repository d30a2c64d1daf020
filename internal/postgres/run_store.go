package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// RunStore persists pipeline runs and their stage records. It implements the
// run manager's Store contract plus the read paths the admin API and reaper
// need.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, source_id, pipeline_version, status, started_at, completed_at,
       total_opportunities, new_count, update_count, skip_count, tokens_used, error, created_at`

// CreateRun inserts a pending run row. On return run.ID is populated.
func (s *RunStore) CreateRun(ctx context.Context, run *domain.Run) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_runs (source_id, pipeline_version, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		run.SourceID, run.PipelineVersion, string(run.Status),
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run. Moving to processing stamps started_at;
// terminal statuses stamp completed_at.
func (s *RunStore) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status domain.RunStatus, errMsg *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET
		   status = $2,
		   error = COALESCE($3, error),
		   started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN now() ELSE started_at END,
		   completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		 WHERE id = $1`,
		runID, string(status), textPtrToNullable(errMsg))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// CompleteRun marks the run completed and persists its counters.
func (s *RunStore) CompleteRun(ctx context.Context, run *domain.Run) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET
		   status = 'completed',
		   completed_at = now(),
		   total_opportunities = $2,
		   new_count = $3,
		   update_count = $4,
		   skip_count = $5,
		   tokens_used = $6
		 WHERE id = $1`,
		run.ID, run.TotalOpportunities, run.NewCount, run.UpdateCount, run.SkipCount, run.TokensUsed)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// UpsertStage writes the stage row for (run, stage), latest write wins.
func (s *RunStore) UpsertStage(ctx context.Context, rec *domain.StageRecord) error {
	var results []byte
	if len(rec.StageResults) > 0 {
		var err error
		results, err = json.Marshal(rec.StageResults)
		if err != nil {
			return fmt.Errorf("encode stage results: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_stages
		   (run_id, stage, status, input_count, output_count, execution_time_ms,
		    tokens_used, api_calls, error_message, stage_results)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, stage) DO UPDATE SET
		   status = EXCLUDED.status,
		   input_count = EXCLUDED.input_count,
		   output_count = EXCLUDED.output_count,
		   execution_time_ms = EXCLUDED.execution_time_ms,
		   tokens_used = EXCLUDED.tokens_used,
		   api_calls = EXCLUDED.api_calls,
		   error_message = COALESCE(EXCLUDED.error_message, pipeline_stages.error_message),
		   stage_results = COALESCE(EXCLUDED.stage_results, pipeline_stages.stage_results),
		   updated_at = now()`,
		rec.RunID, rec.Stage, string(rec.Status), rec.InputCount, rec.OutputCount,
		rec.ExecutionTimeMS, rec.TokensUsed, rec.APICalls,
		textPtrToNullable(rec.ErrorMessage), results)
	if err != nil {
		return fmt.Errorf("upsert stage: %w", err)
	}
	return nil
}

// SaveOpportunityPaths stores the per-opportunity trace as JSONB on the run.
func (s *RunStore) SaveOpportunityPaths(ctx context.Context, runID uuid.UUID, paths []domain.OpportunityPath) error {
	data, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("encode opportunity paths: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET opportunity_paths = $2 WHERE id = $1`, runID, data)
	if err != nil {
		return fmt.Errorf("save opportunity paths: %w", err)
	}
	return nil
}

// GetRun returns a run with its stage records, or nil when absent.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (*domain.Run, []domain.StageRecord, error) {
	var (
		run    domain.Run
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.SourceID, &run.PipelineVersion, &status, &run.StartedAt, &run.CompletedAt,
		&run.TotalOpportunities, &run.NewCount, &run.UpdateCount, &run.SkipCount,
		&run.TokensUsed, &run.Error, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = domain.RunStatus(status)

	stages, err := s.listStages(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return &run, stages, nil
}

func (s *RunStore) listStages(ctx context.Context, runID uuid.UUID) ([]domain.StageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, status, input_count, output_count, execution_time_ms,
		        tokens_used, api_calls, error_message, stage_results, updated_at
		 FROM pipeline_stages WHERE run_id = $1 ORDER BY updated_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var result []domain.StageRecord
	for rows.Next() {
		var (
			rec     domain.StageRecord
			status  string
			errText pgtype.Text
			results []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Stage, &status, &rec.InputCount, &rec.OutputCount,
			&rec.ExecutionTimeMS, &rec.TokensUsed, &rec.APICalls, &errText, &results, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		rec.Status = domain.StageStatus(status)
		rec.ErrorMessage = nullableTextToPtr(errText)
		if len(results) > 0 {
			if err := json.Unmarshal(results, &rec.StageResults); err != nil {
				return nil, fmt.Errorf("decode stage results: %w", err)
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	SourceID uuid.UUID
	Status   string
	Limit    int
	Offset   int
}

// ListRuns returns runs newest-first, optionally filtered by source and status.
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argN := 1

	if filter.SourceID != uuid.Nil {
		where += fmt.Sprintf(" AND source_id = $%d", argN)
		args = append(args, filter.SourceID)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []domain.Run{}
	for rows.Next() {
		var (
			run    domain.Run
			status string
		)
		if err := rows.Scan(&run.ID, &run.SourceID, &run.PipelineVersion, &status, &run.StartedAt, &run.CompletedAt,
			&run.TotalOpportunities, &run.NewCount, &run.UpdateCount, &run.SkipCount,
			&run.TokensUsed, &run.Error, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = domain.RunStatus(status)
		result = append(result, run)
	}
	return result, rows.Err()
}

// GetOpportunityPaths returns the stored trace for one run.
func (s *RunStore) GetOpportunityPaths(ctx context.Context, runID uuid.UUID) ([]domain.OpportunityPath, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT opportunity_paths FROM pipeline_runs WHERE id = $1`, runID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get opportunity paths: %w", err)
	}
	if len(data) == 0 {
		return []domain.OpportunityPath{}, nil
	}
	var paths []domain.OpportunityPath
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("decode opportunity paths: %w", err)
	}
	return paths, nil
}

// DeleteRunsOlderThan deletes terminal runs older than the given time.
// Returns the number of runs deleted.
func (s *RunStore) DeleteRunsOlderThan(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_runs WHERE created_at < $1 AND status IN ('completed', 'failed')`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListStuckRuns returns runs still pending or processing that started before
// the cutoff. These escaped their in-process watchdog (crash, kill -9).
func (s *RunStore) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM pipeline_runs
		 WHERE status IN ('pending', 'processing') AND created_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck runs: %w", err)
	}
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		var (
			run    domain.Run
			status string
		)
		if err := rows.Scan(&run.ID, &run.SourceID, &run.PipelineVersion, &status, &run.StartedAt, &run.CompletedAt,
			&run.TotalOpportunities, &run.NewCount, &run.UpdateCount, &run.SkipCount,
			&run.TokensUsed, &run.Error, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stuck run: %w", err)
		}
		run.Status = domain.RunStatus(status)
		result = append(result, run)
	}
	return result, rows.Err()
}
