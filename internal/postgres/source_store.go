package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// SourceStore persists api_sources and their configurations.
type SourceStore struct {
	pool *pgxpool.Pool
}

// NewSourceStore creates a SourceStore backed by the given pool.
func NewSourceStore(pool *pgxpool.Pool) *SourceStore {
	return &SourceStore{pool: pool}
}

const sourceColumns = `id, name, endpoint, type, active, force_full_reprocessing, created_at, updated_at`

// CreateSource inserts a source. A name conflict maps to domain.ErrAlreadyExists.
func (s *SourceStore) CreateSource(ctx context.Context, src *domain.Source) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_sources (name, endpoint, type, active)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		src.Name, src.Endpoint, src.Type, src.Active,
	).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// GetSource returns the source by id, or nil when it does not exist.
func (s *SourceStore) GetSource(ctx context.Context, id uuid.UUID) (*domain.Source, error) {
	var src domain.Source
	err := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM api_sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.Endpoint, &src.Type, &src.Active,
		&src.ForceFullReprocessing, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

// ListSources returns all sources, optionally only active ones.
func (s *SourceStore) ListSources(ctx context.Context, activeOnly bool) ([]domain.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM api_sources`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	result := []domain.Source{}
	for rows.Next() {
		var src domain.Source
		if err := rows.Scan(&src.ID, &src.Name, &src.Endpoint, &src.Type, &src.Active,
			&src.ForceFullReprocessing, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		result = append(result, src)
	}
	return result, rows.Err()
}

// GetConfiguration returns the per-source settings, or zero-valued defaults
// when no configuration row exists.
func (s *SourceStore) GetConfiguration(ctx context.Context, sourceID uuid.UUID) (domain.SourceConfiguration, error) {
	cfg := domain.SourceConfiguration{SourceID: sourceID}

	var (
		schedule     pgtype.Text
		headers      []byte
		pageSize     pgtype.Int4
		timeoutMins  pgtype.Int4
		instructions pgtype.Text
	)
	err := s.pool.QueryRow(ctx,
		`SELECT sync_schedule, request_headers, page_size, run_timeout_mins, processing_instructions
		 FROM api_source_configurations WHERE source_id = $1`, sourceID,
	).Scan(&schedule, &headers, &pageSize, &timeoutMins, &instructions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("get source configuration: %w", err)
	}

	if schedule.Valid {
		cfg.SyncSchedule = schedule.String
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cfg.RequestHeaders); err != nil {
			return cfg, fmt.Errorf("decode request headers: %w", err)
		}
	}
	if pageSize.Valid {
		cfg.PageSize = int(pageSize.Int32)
	}
	if timeoutMins.Valid {
		cfg.RunTimeoutMins = int(timeoutMins.Int32)
	}
	if instructions.Valid {
		cfg.Instructions = instructions.String
	}
	return cfg, nil
}

// UpsertConfiguration writes the per-source settings row.
func (s *SourceStore) UpsertConfiguration(ctx context.Context, cfg domain.SourceConfiguration) error {
	var headers []byte
	if len(cfg.RequestHeaders) > 0 {
		var err error
		headers, err = json.Marshal(cfg.RequestHeaders)
		if err != nil {
			return fmt.Errorf("encode request headers: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_source_configurations
		   (source_id, sync_schedule, request_headers, page_size, run_timeout_mins, processing_instructions)
		 VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, 0), NULLIF($5, 0), NULLIF($6, ''))
		 ON CONFLICT (source_id) DO UPDATE SET
		   sync_schedule = EXCLUDED.sync_schedule,
		   request_headers = EXCLUDED.request_headers,
		   page_size = EXCLUDED.page_size,
		   run_timeout_mins = EXCLUDED.run_timeout_mins,
		   processing_instructions = EXCLUDED.processing_instructions`,
		cfg.SourceID, cfg.SyncSchedule, headers, cfg.PageSize, cfg.RunTimeoutMins, cfg.Instructions)
	if err != nil {
		return fmt.Errorf("upsert source configuration: %w", err)
	}
	return nil
}

// SetForceFullReprocessing flips the one-shot reprocessing flag.
func (s *SourceStore) SetForceFullReprocessing(ctx context.Context, sourceID uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_sources SET force_full_reprocessing = $2, updated_at = now() WHERE id = $1`,
		sourceID, enabled)
	if err != nil {
		return fmt.Errorf("set force_full_reprocessing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s not found", sourceID)
	}
	return nil
}

// DisableForceFullReprocessing clears the flag after a forced run completes.
func (s *SourceStore) DisableForceFullReprocessing(ctx context.Context, sourceID uuid.UUID) error {
	return s.SetForceFullReprocessing(ctx, sourceID, false)
}

// ShouldForceFullReprocessing reads the one-shot flag. The coordinator calls
// this after taking the source lock so a reprocess request armed at any point
// before the run still applies. A missing source reads as false.
func (s *SourceStore) ShouldForceFullReprocessing(ctx context.Context, sourceID uuid.UUID) (bool, error) {
	var flagged bool
	err := s.pool.QueryRow(ctx,
		`SELECT force_full_reprocessing FROM api_sources WHERE id = $1`, sourceID,
	).Scan(&flagged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query force_full_reprocessing: %w", err)
	}
	return flagged, nil
}

// ScheduledSources returns active sources that have a cron schedule
// configured, with the schedule attached.
func (s *SourceStore) ScheduledSources(ctx context.Context) ([]ScheduledSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.name, c.sync_schedule
		 FROM api_sources s
		 JOIN api_source_configurations c ON c.source_id = s.id
		 WHERE s.active AND c.sync_schedule IS NOT NULL AND c.sync_schedule <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled sources: %w", err)
	}
	defer rows.Close()

	var result []ScheduledSource
	for rows.Next() {
		var ss ScheduledSource
		if err := rows.Scan(&ss.SourceID, &ss.Name, &ss.Schedule); err != nil {
			return nil, fmt.Errorf("scan scheduled source: %w", err)
		}
		result = append(result, ss)
	}
	return result, rows.Err()
}

// ScheduledSource pairs a source with its cron expression.
type ScheduledSource struct {
	SourceID uuid.UUID
	Name     string
	Schedule string
}
