package changes_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-data/grantflow/platform/internal/changes"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

func fp(v float64) *float64 { return &v }
func sp(s string) *string   { return &s }

func TestDetect_NoChanges(t *testing.T) {
	api := domain.Opportunity{
		Title:        "Water Infrastructure Grant",
		MinimumAward: fp(10000),
		CloseDate:    sp("2026-09-30"),
	}
	db := domain.StoredOpportunity{
		Title:        "Water Infrastructure Grant",
		MinimumAward: fp(10000),
		CloseDate:    sp("2026-09-30"),
	}
	assert.Empty(t, changes.Detect(api, db))
}

func TestDetect_CosmeticDifferencesAreNotChanges(t *testing.T) {
	api := domain.Opportunity{
		Title:     "  water   infrastructure GRANT ",
		CloseDate: sp("2026-09-30T00:00:00.000Z"),
	}
	db := domain.StoredOpportunity{
		Title:     "Water Infrastructure Grant",
		CloseDate: sp("2026-09-30"),
	}
	assert.Empty(t, changes.Detect(api, db))
}

func TestDetect_TitleChange(t *testing.T) {
	api := domain.Opportunity{Title: "Broadband Expansion Program FY27"}
	db := domain.StoredOpportunity{Title: "Broadband Expansion Program"}

	diff := changes.Detect(api, db)
	require.Len(t, diff, 1)
	assert.Equal(t, changes.FieldTitle, diff[0].Field)
	assert.Equal(t, "Broadband Expansion Program", diff[0].OldValue)
	assert.Equal(t, "Broadband Expansion Program FY27", diff[0].NewValue)
}

func TestDetect_MoneyNilTreatedAsZero(t *testing.T) {
	// nil and 0 are equivalent for money fields.
	api := domain.Opportunity{Title: "x", MaximumAward: fp(0)}
	db := domain.StoredOpportunity{Title: "x", MaximumAward: nil}
	assert.Empty(t, changes.Detect(api, db))

	api.MaximumAward = fp(500000)
	diff := changes.Detect(api, db)
	require.Len(t, diff, 1)
	assert.Equal(t, changes.FieldMaxAward, diff[0].Field)
	assert.Equal(t, "", diff[0].OldValue)
	assert.Equal(t, "500000", diff[0].NewValue)
}

func TestDetect_AllCriticalFieldsChanged(t *testing.T) {
	api := domain.Opportunity{
		Title:                 "New Title for This Opportunity",
		MinimumAward:          fp(1),
		MaximumAward:          fp(2),
		TotalFundingAvailable: fp(3),
		OpenDate:              sp("2026-01-01"),
		CloseDate:             sp("2026-12-31"),
	}
	db := domain.StoredOpportunity{
		Title:                 "Old Title for This Opportunity",
		MinimumAward:          fp(10),
		MaximumAward:          fp(20),
		TotalFundingAvailable: fp(30),
		OpenDate:              sp("2025-01-01"),
		CloseDate:             sp("2025-12-31"),
	}

	diff := changes.Detect(api, db)
	require.Len(t, diff, len(changes.CriticalFields))
	var fields []string
	for _, fc := range diff {
		fields = append(fields, fc.Field)
	}
	assert.Equal(t, changes.CriticalFields, fields)
}

func TestDetect_DateGranularityIsDays(t *testing.T) {
	// Same day, different times: not a change.
	api := domain.Opportunity{Title: "x", OpenDate: sp("2026-03-15T23:59:00Z")}
	db := domain.StoredOpportunity{Title: "x", OpenDate: sp("2026-03-15T00:00:00Z")}
	assert.Empty(t, changes.Detect(api, db))
}

func TestDetect_UnparseableDates(t *testing.T) {
	// Two unparseable values are equivalent.
	api := domain.Opportunity{Title: "x", CloseDate: sp("TBD")}
	db := domain.StoredOpportunity{Title: "x", CloseDate: sp("unknown")}
	assert.Empty(t, changes.Detect(api, db))

	// One parseable and one not is a change.
	db.CloseDate = sp("2026-06-01")
	diff := changes.Detect(api, db)
	require.Len(t, diff, 1)
	assert.Equal(t, changes.FieldCloseDate, diff[0].Field)
}

func TestNormalizeString(t *testing.T) {
	assert.Equal(t, "a b c", changes.NormalizeString("  A   b\tC "))
	assert.Equal(t, "", changes.NormalizeString("   "))
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"$1,500,000.50", fp(1500000.50)},
		{"250000", fp(250000)},
		{" $0 ", fp(0)},
		{"", nil},
		{"n/a", nil},
	}
	for _, tt := range tests {
		got := changes.ParseMoney(tt.in)
		if tt.want == nil {
			assert.Nil(t, got, tt.in)
		} else {
			require.NotNil(t, got, tt.in)
			assert.Equal(t, *tt.want, *got, tt.in)
		}
	}
}

func TestParseDate_Layouts(t *testing.T) {
	for _, in := range []string{
		"2026-08-24T10:30:00Z",
		"2026-08-24T10:30:00.123Z",
		"2026-08-24T10:30:00",
		"2026-08-24 10:30:00",
		"2026-08-24",
		"08/24/2026",
	} {
		got, ok := changes.ParseDate(in)
		assert.True(t, ok, in)
		y, m, d := got.Date()
		assert.Equal(t, 2026, y, in)
		assert.Equal(t, time.August, m, in)
		assert.Equal(t, 24, d, in)
	}

	_, ok := changes.ParseDate("not a date")
	assert.False(t, ok)
}

func TestParseTimestamp(t *testing.T) {
	_, ok := changes.ParseTimestamp(nil)
	assert.False(t, ok)

	_, ok = changes.ParseTimestamp(sp(""))
	assert.False(t, ok)

	ts, ok := changes.ParseTimestamp(sp("2026-05-01T12:00:00Z"))
	assert.True(t, ok)
	assert.Equal(t, 2026, ts.Year())
}
