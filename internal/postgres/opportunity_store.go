package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantflow-data/grantflow/platform/internal/changes"
	"github.com/grantflow-data/grantflow/platform/internal/detect"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
)

// deadlockSQLState is the Postgres SQLSTATE for deadlock_detected.
const deadlockSQLState = "40P01"

// OpportunityStore persists funding opportunities. It implements the
// pipeline's Storer and Updater contracts and the detector's Lookup.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityColumns = `id, source_id, api_opportunity_id, title, description,
       total_funding_available, minimum_award, maximum_award, open_date, close_date,
       eligible_applicants, eligible_project_types, eligible_activities,
       funding_type, api_updated_at, last_checked, scoring,
       enhanced_description, actionable_summary, created_at, updated_at`

// FindByAPIIDs batch-fetches stored records for one source by upstream id.
func (s *OpportunityStore) FindByAPIIDs(ctx context.Context, sourceID uuid.UUID, apiIDs []string) ([]domain.StoredOpportunity, error) {
	if len(apiIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityColumns+`
		 FROM funding_opportunities
		 WHERE source_id = $1 AND api_opportunity_id = ANY($2)`,
		sourceID, apiIDs)
	if err != nil {
		return nil, fmt.Errorf("find by api ids: %w", err)
	}
	defer rows.Close()
	return scanOpportunities(rows)
}

// FindByTitles batch-fetches stored records for one source by exact title.
func (s *OpportunityStore) FindByTitles(ctx context.Context, sourceID uuid.UUID, titles []string) ([]domain.StoredOpportunity, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityColumns+`
		 FROM funding_opportunities
		 WHERE source_id = $1 AND title = ANY($2)`,
		sourceID, titles)
	if err != nil {
		return nil, fmt.Errorf("find by titles: %w", err)
	}
	defer rows.Close()
	return scanOpportunities(rows)
}

func scanOpportunities(rows pgx.Rows) ([]domain.StoredOpportunity, error) {
	var result []domain.StoredOpportunity
	for rows.Next() {
		var (
			rec     domain.StoredOpportunity
			scoring []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.APIOpportunityID, &rec.Title, &rec.Description,
			&rec.TotalFundingAvailable, &rec.MinimumAward, &rec.MaximumAward, &rec.OpenDate, &rec.CloseDate,
			&rec.EligibleApplicants, &rec.EligibleProjectTypes, &rec.EligibleActivities,
			&rec.FundingType, &rec.APIUpdatedAt, &rec.LastChecked, &scoring,
			&rec.EnhancedDescription, &rec.ActionableSummary, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		if len(scoring) > 0 {
			var sc domain.Scoring
			if err := json.Unmarshal(scoring, &sc); err == nil {
				rec.Scoring = &sc
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// StoreBatch upserts filtered NEW opportunities. Row failures are recorded in
// the result, never propagated: one bad record must not lose the batch.
func (s *OpportunityStore) StoreBatch(ctx context.Context, opps []domain.AnalyzedOpportunity) (*pipeline.StoreResult, error) {
	start := time.Now()
	result := &pipeline.StoreResult{
		Rows:    make([]pipeline.StoreRow, 0, len(opps)),
		Metrics: pipeline.StoreMetrics{TotalAttempted: len(opps)},
	}

	for _, opp := range opps {
		id, err := s.upsertOne(ctx, opp)
		row := pipeline.StoreRow{OpportunityID: storeKey(opp.Opportunity)}
		if err != nil {
			msg := err.Error()
			row.Error = &msg
			result.Metrics.FailedStores++
			slog.Error("opportunity store failed",
				"api_opportunity_id", opp.APIOpportunityID, "title", opp.Title, "error", err)
		} else {
			row.Success = true
			row.DatabaseID = &id
			result.Metrics.SuccessfulStores++
		}
		result.Rows = append(result.Rows, row)
	}

	result.Metrics.ExecutionTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

func storeKey(opp domain.Opportunity) string {
	if opp.APIOpportunityID != "" {
		return opp.APIOpportunityID
	}
	return opp.Title
}

func (s *OpportunityStore) upsertOne(ctx context.Context, opp domain.AnalyzedOpportunity) (uuid.UUID, error) {
	var scoring []byte
	if opp.Scoring != nil {
		var err error
		scoring, err = json.Marshal(opp.Scoring)
		if err != nil {
			return uuid.Nil, fmt.Errorf("encode scoring: %w", err)
		}
	}
	var enhancedDesc, summary *string
	if opp.Enhancement != nil {
		enhancedDesc = &opp.Enhancement.EnhancedDescription
		summary = &opp.Enhancement.ActionableSummary
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO funding_opportunities
		   (source_id, api_opportunity_id, title, description,
		    total_funding_available, minimum_award, maximum_award, open_date, close_date,
		    eligible_applicants, eligible_project_types, eligible_activities,
		    funding_type, api_updated_at, last_checked, raw_response_id,
		    scoring, enhanced_description, actionable_summary)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), $15, $16, $17, $18)
		 ON CONFLICT (source_id, api_opportunity_id) DO UPDATE SET
		   title = EXCLUDED.title,
		   description = EXCLUDED.description,
		   total_funding_available = EXCLUDED.total_funding_available,
		   minimum_award = EXCLUDED.minimum_award,
		   maximum_award = EXCLUDED.maximum_award,
		   open_date = EXCLUDED.open_date,
		   close_date = EXCLUDED.close_date,
		   eligible_applicants = EXCLUDED.eligible_applicants,
		   eligible_project_types = EXCLUDED.eligible_project_types,
		   eligible_activities = EXCLUDED.eligible_activities,
		   funding_type = EXCLUDED.funding_type,
		   api_updated_at = EXCLUDED.api_updated_at,
		   last_checked = now(),
		   raw_response_id = EXCLUDED.raw_response_id,
		   scoring = EXCLUDED.scoring,
		   enhanced_description = EXCLUDED.enhanced_description,
		   actionable_summary = EXCLUDED.actionable_summary,
		   updated_at = now()
		 RETURNING id`,
		opp.SourceID, opp.APIOpportunityID, opp.Title, opp.Description,
		opp.TotalFundingAvailable, opp.MinimumAward, opp.MaximumAward, opp.OpenDate, opp.CloseDate,
		opp.EligibleApplicants, opp.EligibleProjectTypes, opp.EligibleActivities,
		opp.FundingType, opp.APIUpdatedAt, opp.RawResponseID,
		scoring, enhancedDesc, summary,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ApplyUpdates writes only the changed critical fields for each UPDATE
// decision, refreshing api_updated_at and last_checked alongside. Row
// failures are recorded, not propagated.
func (s *OpportunityStore) ApplyUpdates(ctx context.Context, decisions []detect.Decision) (*pipeline.UpdateResult, error) {
	start := time.Now()
	result := &pipeline.UpdateResult{
		UpdateDetails: make([]pipeline.UpdateDetail, 0, len(decisions)),
		Metrics:       pipeline.UpdateMetrics{TotalAttempted: len(decisions)},
	}

	for _, dec := range decisions {
		detail := pipeline.UpdateDetail{OpportunityID: storeKey(dec.Opportunity)}
		if dec.ExistingRecord == nil {
			msg := "update decision without existing record"
			detail.Error = &msg
			result.Failed++
			result.UpdateDetails = append(result.UpdateDetails, detail)
			continue
		}

		fields, err := s.updateOne(ctx, dec)
		if err != nil {
			msg := err.Error()
			detail.Error = &msg
			result.Failed++
			slog.Error("direct update failed",
				"opportunity_id", dec.ExistingRecord.ID, "error", err)
		} else {
			detail.Success = true
			detail.FieldsUpdated = fields
			result.Successful++
		}
		result.UpdateDetails = append(result.UpdateDetails, detail)
	}

	result.Metrics.Successful = result.Successful
	result.Metrics.Failed = result.Failed
	result.Metrics.ExecutionTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

// updateOne builds a field-scoped UPDATE from the detected changes. A
// deadlock (concurrent runs touching overlapping rows) is retried once after
// a short randomized delay.
func (s *OpportunityStore) updateOne(ctx context.Context, dec detect.Decision) ([]string, error) {
	set := ""
	args := []any{dec.ExistingRecord.ID}
	argN := 2
	fields := make([]string, 0, len(dec.Changes))

	for _, ch := range dec.Changes {
		col, ok := changeColumn(ch.Field)
		if !ok {
			continue
		}
		set += fmt.Sprintf("%s = $%d, ", col, argN)
		args = append(args, changeValue(ch.Field, dec.Opportunity))
		argN++
		fields = append(fields, ch.Field)
	}
	if len(fields) == 0 {
		return nil, errors.New("no updatable fields in change set")
	}

	set += fmt.Sprintf("api_updated_at = $%d, last_checked = now(), updated_at = now()", argN)
	args = append(args, dec.Opportunity.APIUpdatedAt)

	query := `UPDATE funding_opportunities SET ` + set + ` WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, args...)
	if isDeadlock(err) {
		delay := 50*time.Millisecond + time.Duration(rand.Int63n(int64(100*time.Millisecond)))
		slog.Warn("deadlock on direct update, retrying once",
			"opportunity_id", dec.ExistingRecord.ID, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		_, err = s.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// changeColumn maps a critical-field name to its column. The names already
// match the schema; the indirection guards against injecting anything else.
func changeColumn(field string) (string, bool) {
	switch field {
	case changes.FieldTitle, changes.FieldMinAward, changes.FieldMaxAward,
		changes.FieldTotalFunding, changes.FieldCloseDate, changes.FieldOpenDate:
		return field, true
	}
	return "", false
}

func changeValue(field string, opp domain.Opportunity) any {
	switch field {
	case changes.FieldTitle:
		return opp.Title
	case changes.FieldMinAward:
		return opp.MinimumAward
	case changes.FieldMaxAward:
		return opp.MaximumAward
	case changes.FieldTotalFunding:
		return opp.TotalFundingAvailable
	case changes.FieldCloseDate:
		return opp.CloseDate
	case changes.FieldOpenDate:
		return opp.OpenDate
	}
	return nil
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == deadlockSQLState
}

// TouchLastChecked refreshes last_checked for SKIP decisions in one statement.
func (s *OpportunityStore) TouchLastChecked(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE funding_opportunities SET last_checked = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("touch last_checked: %w", err)
	}
	return nil
}

// GetOpportunity returns one stored record, or nil when absent.
func (s *OpportunityStore) GetOpportunity(ctx context.Context, id uuid.UUID) (*domain.StoredOpportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityColumns+` FROM funding_opportunities WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	defer rows.Close()

	records, err := scanOpportunities(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}
