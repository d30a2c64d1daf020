package detect_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-data/grantflow/platform/internal/detect"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// fakeLookup serves stored records from memory and records the queried keys.
type fakeLookup struct {
	records    []domain.StoredOpportunity
	idErr      error
	titleErr   error
	queriedIDs []string
}

func (f *fakeLookup) FindByAPIIDs(_ context.Context, _ uuid.UUID, apiIDs []string) ([]domain.StoredOpportunity, error) {
	f.queriedIDs = apiIDs
	if f.idErr != nil {
		return nil, f.idErr
	}
	var out []domain.StoredOpportunity
	for _, rec := range f.records {
		for _, id := range apiIDs {
			if rec.APIOpportunityID == id {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (f *fakeLookup) FindByTitles(_ context.Context, _ uuid.UUID, titles []string) ([]domain.StoredOpportunity, error) {
	if f.titleErr != nil {
		return nil, f.titleErr
	}
	var out []domain.StoredOpportunity
	for _, rec := range f.records {
		for _, title := range titles {
			if rec.Title == title {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func sp(s string) *string { return &s }
func fp(v float64) *float64 { return &v }

func opp(id, title string) domain.Opportunity {
	return domain.Opportunity{APIOpportunityID: id, Title: title}
}

func TestDetect_EmptyInput(t *testing.T) {
	d := detect.New(&fakeLookup{})
	res, err := d.Detect(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.New)
	assert.Empty(t, res.Updates)
	assert.Empty(t, res.Skips)
}

func TestDetect_NoMatchIsNew(t *testing.T) {
	d := detect.New(&fakeLookup{})
	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("GF-001", "Rural Water System Improvements"),
	})
	require.NoError(t, err)
	require.Len(t, res.New, 1)
	dec := res.New[0]
	assert.Equal(t, domain.PathNew, dec.Action)
	assert.Equal(t, domain.ReasonNoDuplicateFound, dec.Reason)
	assert.Equal(t, domain.MethodNoMatch, dec.Method)
	assert.Equal(t, domain.ConfidenceHigh, dec.Confidence)
	assert.Nil(t, dec.ExistingRecord)
}

func TestDetect_IDMatchWithChangesIsUpdate(t *testing.T) {
	lookup := &fakeLookup{records: []domain.StoredOpportunity{{
		ID:               uuid.New(),
		APIOpportunityID: "GF-001",
		Title:            "Rural Water System Improvements",
		MaximumAward:     fp(100000),
	}}}
	d := detect.New(lookup)

	api := opp("GF-001", "Rural Water System Improvements")
	api.MaximumAward = fp(250000)

	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{api})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	dec := res.Updates[0]
	assert.Equal(t, domain.PathUpdate, dec.Action)
	assert.Equal(t, domain.ReasonNoTimestampFields, dec.Reason)
	assert.Equal(t, domain.MethodIDValidation, dec.Method)
	assert.Equal(t, domain.ConfidenceHigh, dec.Confidence)
	require.Len(t, dec.Changes, 1)
	assert.Equal(t, "maximum_award", dec.Changes[0].Field)
}

func TestDetect_IDMatchWithoutChangesIsSkip(t *testing.T) {
	lookup := &fakeLookup{records: []domain.StoredOpportunity{{
		APIOpportunityID: "GF-001",
		Title:            "Rural Water System Improvements",
	}}}
	d := detect.New(lookup)

	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("GF-001", "Rural Water System Improvements"),
	})
	require.NoError(t, err)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, domain.ReasonNoCriticalChanges, res.Skips[0].Reason)
}

func TestDetect_FreshnessMatrix(t *testing.T) {
	tests := []struct {
		name       string
		apiTS      *string
		dbTS       *string
		wantAction domain.PathType
		wantReason domain.PathReason
	}{
		{"no api timestamp proceeds", nil, sp("2026-01-01T00:00:00Z"), domain.PathSkip, domain.ReasonNoCriticalChanges},
		{"invalid api timestamp proceeds", sp("garbage"), sp("2026-01-01T00:00:00Z"), domain.PathSkip, domain.ReasonNoCriticalChanges},
		{"api newer than missing db proceeds", sp("2026-02-01T00:00:00Z"), nil, domain.PathSkip, domain.ReasonNoCriticalChanges},
		{"api older skips outright", sp("2026-01-01T00:00:00Z"), sp("2026-02-01T00:00:00Z"), domain.PathSkip, domain.ReasonTimestampNotNewer},
		{"api equal skips outright", sp("2026-02-01T00:00:00Z"), sp("2026-02-01T00:00:00Z"), domain.PathSkip, domain.ReasonTimestampNotNewer},
		{"api newer proceeds", sp("2026-03-01T00:00:00Z"), sp("2026-02-01T00:00:00Z"), domain.PathSkip, domain.ReasonNoCriticalChanges},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := &fakeLookup{records: []domain.StoredOpportunity{{
				APIOpportunityID: "GF-001",
				Title:            "Rural Water System Improvements",
				APIUpdatedAt:     tt.dbTS,
			}}}
			d := detect.New(lookup)

			api := opp("GF-001", "Rural Water System Improvements")
			api.APIUpdatedAt = tt.apiTS

			res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{api})
			require.NoError(t, err)
			require.Len(t, res.Skips, 1)
			assert.Equal(t, tt.wantAction, res.Skips[0].Action)
			assert.Equal(t, tt.wantReason, res.Skips[0].Reason)
		})
	}
}

func TestDetect_FreshnessSkipCarriesUpdateReason(t *testing.T) {
	// Fresh timestamp + changed field: reason is api_timestamp_newer, not
	// the generic change reason.
	lookup := &fakeLookup{records: []domain.StoredOpportunity{{
		APIOpportunityID: "GF-001",
		Title:            "Rural Water System Improvements",
		APIUpdatedAt:     sp("2026-01-01T00:00:00Z"),
		MinimumAward:     fp(1000),
	}}}
	d := detect.New(lookup)

	api := opp("GF-001", "Rural Water System Improvements")
	api.APIUpdatedAt = sp("2026-02-01T00:00:00Z")
	api.MinimumAward = fp(2000)

	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{api})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, domain.ReasonTimestampNewer, res.Updates[0].Reason)
}

func TestDetect_IDMatchTitleDivergedFallsBackToTitleLookup(t *testing.T) {
	// The stored record reuses the API id for a different program; a second
	// record matches the incoming title exactly.
	titleRec := domain.StoredOpportunity{
		APIOpportunityID: "GF-900",
		Title:            "Rural Water System Improvements",
	}
	lookup := &fakeLookup{records: []domain.StoredOpportunity{
		{APIOpportunityID: "GF-001", Title: "Completely Unrelated Arts Program"},
		titleRec,
	}}
	d := detect.New(lookup)

	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("GF-001", "Rural Water System Improvements"),
	})
	require.NoError(t, err)
	require.Len(t, res.Skips, 1)
	dec := res.Skips[0]
	assert.Equal(t, domain.MethodTitleOnly, dec.Method)
	assert.Equal(t, domain.ConfidenceMedium, dec.Confidence)
	assert.Equal(t, 1, res.Metrics.ValidationFailures)
}

func TestDetect_SimilarTitlePassesIDValidation(t *testing.T) {
	// Jaccard >= 0.8 on token sets counts as the same title for validation,
	// but the dropped "FY26" is still a critical title change, so the record
	// routes to UPDATE rather than SKIP.
	lookup := &fakeLookup{records: []domain.StoredOpportunity{{
		APIOpportunityID: "GF-001",
		Title:            "Rural Water System Improvement Grants Program FY26",
	}}}
	d := detect.New(lookup)

	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("GF-001", "Rural Water System Improvement Grants Program"),
	})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	dec := res.Updates[0]
	assert.Equal(t, domain.MethodIDValidation, dec.Method)
	assert.Equal(t, domain.ReasonNoTimestampFields, dec.Reason)
	assert.NotEmpty(t, dec.Changes)
	assert.Equal(t, 0, res.Metrics.ValidationFailures)
}

func TestDetect_ShortTitlesSkipTitleLookup(t *testing.T) {
	lookup := &fakeLookup{records: []domain.StoredOpportunity{{Title: "Grants"}}}
	d := detect.New(lookup)

	// Title below the minimum lookup length never matches by title.
	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("", "Grants"),
	})
	require.NoError(t, err)
	require.Len(t, res.New, 1)
	assert.Equal(t, domain.MethodNoMatch, res.New[0].Method)
}

func TestDetect_LookupErrorIsTerminal(t *testing.T) {
	lookup := &fakeLookup{idErr: errors.New("connection refused")}
	d := detect.New(lookup)

	_, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("GF-001", "Rural Water System Improvements"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch fetch by id")
}

func TestDetect_MetricsAndTokenEstimate(t *testing.T) {
	lookup := &fakeLookup{records: []domain.StoredOpportunity{
		{APIOpportunityID: "GF-001", Title: "Rural Water System Improvements"},
		{APIOpportunityID: "GF-002", Title: "Broadband Expansion Grant Program", MinimumAward: fp(1)},
	}}
	d := detect.New(lookup)

	upd := opp("GF-002", "Broadband Expansion Grant Program")
	upd.MinimumAward = fp(2)

	res, err := d.Detect(context.Background(), uuid.New(), []domain.Opportunity{
		opp("GF-001", "Rural Water System Improvements"), // skip
		upd,                                              // update
		opp("GF-003", "Stormwater Resilience Planning Grants"), // new
	})
	require.NoError(t, err)
	assert.Len(t, res.New, 1)
	assert.Len(t, res.Updates, 1)
	assert.Len(t, res.Skips, 1)

	// 2 bypassed x 1500 tokens each.
	assert.Equal(t, int64(3000), res.Metrics.EstimatedTokensSaved)
	assert.Equal(t, 2, res.Metrics.DetectionMethods[domain.MethodIDValidation])
	assert.Equal(t, 1, res.Metrics.DetectionMethods[domain.MethodNoMatch])
}
