package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// RawResponseStore persists captured upstream payloads, addressed by content
// hash. Re-ingesting an identical payload from the same source returns the
// existing row instead of inserting a duplicate.
type RawResponseStore struct {
	pool *pgxpool.Pool
}

// NewRawResponseStore creates a RawResponseStore backed by the given pool.
func NewRawResponseStore(pool *pgxpool.Pool) *RawResponseStore {
	return &RawResponseStore{pool: pool}
}

// Insert stores the raw response, or resolves the existing row on a content
// hash conflict. On return rr.ID is always populated.
func (s *RawResponseStore) Insert(ctx context.Context, rr *domain.RawResponse) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO raw_responses (source_id, content_hash, payload, s3_path, endpoint, call_type, item_count, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (source_id, content_hash) DO NOTHING
		 RETURNING id, created_at`,
		rr.SourceID, rr.ContentHash, rr.Payload, textPtrToNullable(rr.S3Path),
		rr.Endpoint, string(rr.CallType), rr.ItemCount, rr.FetchedAt,
	).Scan(&rr.ID, &rr.CreatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("insert raw response: %w", err)
	}

	// Conflict path: the hash is already stored, fetch the existing row id.
	err = s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM raw_responses WHERE source_id = $1 AND content_hash = $2`,
		rr.SourceID, rr.ContentHash,
	).Scan(&rr.ID, &rr.CreatedAt)
	if err != nil {
		return fmt.Errorf("resolve existing raw response: %w", err)
	}
	return nil
}

// SetS3Path records the archive location and drops the inline payload once
// the object is safely in object storage.
func (s *RawResponseStore) SetS3Path(ctx context.Context, id uuid.UUID, s3Path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE raw_responses SET s3_path = $2, payload = NULL WHERE id = $1`,
		id, s3Path)
	if err != nil {
		return fmt.Errorf("set raw response s3 path: %w", err)
	}
	return nil
}

// Get returns one raw response row (without the payload), or nil when absent.
func (s *RawResponseStore) Get(ctx context.Context, id uuid.UUID) (*domain.RawResponse, error) {
	var rr domain.RawResponse
	var callType string
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_id, content_hash, s3_path, endpoint, call_type, item_count, fetched_at, created_at
		 FROM raw_responses WHERE id = $1`, id,
	).Scan(&rr.ID, &rr.SourceID, &rr.ContentHash, &rr.S3Path, &rr.Endpoint,
		&callType, &rr.ItemCount, &rr.FetchedAt, &rr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get raw response: %w", err)
	}
	rr.CallType = domain.CallType(callType)
	return &rr, nil
}

// DeleteOlderThan removes archived raw responses past the retention window.
// Rows still carrying an inline payload are kept so nothing unarchived is lost.
func (s *RawResponseStore) DeleteOlderThan(ctx context.Context, interval string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM raw_responses
		 WHERE created_at < now() - $1::interval AND s3_path IS NOT NULL`, interval)
	if err != nil {
		return 0, fmt.Errorf("delete old raw responses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
