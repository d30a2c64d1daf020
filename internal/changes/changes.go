// Package changes implements field-level comparison between an extracted API
// record and its stored counterpart. Only the six critical fields can trigger
// an in-place update; every comparison goes through a typed normalization so
// cosmetic differences (comma-formatted money, trailing ".000Z" on dates,
// stray whitespace) never count as changes.
package changes

import (
	"strconv"
	"strings"
	"time"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
)

// Critical field names, matching the DB column names touched by direct update.
const (
	FieldTitle        = "title"
	FieldMinAward     = "minimum_award"
	FieldMaxAward     = "maximum_award"
	FieldTotalFunding = "total_funding_available"
	FieldCloseDate    = "close_date"
	FieldOpenDate     = "open_date"
)

// CriticalFields lists the fields whose change triggers an UPDATE, in the
// order they are compared.
var CriticalFields = []string{
	FieldTitle, FieldMinAward, FieldMaxAward,
	FieldTotalFunding, FieldCloseDate, FieldOpenDate,
}

// FieldChange records one differing critical field.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// Detect compares the critical fields of an API record against the stored
// record and returns the set of changed fields. An empty result means the
// records are equivalent for update purposes.
func Detect(api domain.Opportunity, db domain.StoredOpportunity) []FieldChange {
	var out []FieldChange

	if !stringsEqual(api.Title, db.Title) {
		out = append(out, FieldChange{FieldTitle, db.Title, api.Title})
	}
	if !moneyEqual(api.MinimumAward, db.MinimumAward) {
		out = append(out, FieldChange{FieldMinAward, formatMoney(db.MinimumAward), formatMoney(api.MinimumAward)})
	}
	if !moneyEqual(api.MaximumAward, db.MaximumAward) {
		out = append(out, FieldChange{FieldMaxAward, formatMoney(db.MaximumAward), formatMoney(api.MaximumAward)})
	}
	if !moneyEqual(api.TotalFundingAvailable, db.TotalFundingAvailable) {
		out = append(out, FieldChange{FieldTotalFunding, formatMoney(db.TotalFundingAvailable), formatMoney(api.TotalFundingAvailable)})
	}
	if !datesEqual(api.CloseDate, db.CloseDate) {
		out = append(out, FieldChange{FieldCloseDate, strPtr(db.CloseDate), strPtr(api.CloseDate)})
	}
	if !datesEqual(api.OpenDate, db.OpenDate) {
		out = append(out, FieldChange{FieldOpenDate, strPtr(db.OpenDate), strPtr(api.OpenDate)})
	}
	return out
}

// NormalizeString trims, case-folds, and collapses inner whitespace.
func NormalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func stringsEqual(a, b string) bool {
	return NormalizeString(a) == NormalizeString(b)
}

// moneyEqual compares nullable dollar amounts with nil coalesced to 0.
func moneyEqual(a, b *float64) bool {
	return coalesce(a) == coalesce(b)
}

func coalesce(m *float64) float64 {
	if m == nil {
		return 0
	}
	return *m
}

func formatMoney(m *float64) string {
	if m == nil {
		return ""
	}
	return strconv.FormatFloat(*m, 'f', -1, 64)
}

func strPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ParseMoney parses a money string the way upstream APIs format amounts:
// optional "$", thousands commas, optional decimals. Returns nil for values
// it cannot parse.
func ParseMoney(s string) *float64 {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

// dateLayouts covers the formats upstream sources emit for dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseDate parses a date string, returning the zero time and false when the
// value is empty or unparseable.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// datesEqual compares nullable date strings at day granularity in UTC.
// Two unparseable (or missing) values are equal; one parseable and one not
// is a change.
func datesEqual(a, b *string) bool {
	ta, okA := parsePtr(a)
	tb, okB := parsePtr(b)
	if okA != okB {
		return false
	}
	if !okA {
		return true
	}
	ya, ma, da := ta.UTC().Date()
	yb, mb, db := tb.UTC().Date()
	return ya == yb && ma == mb && da == db
}

func parsePtr(s *string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	return ParseDate(*s)
}

// ParseTimestamp parses a nullable api_updated_at value. A valid timestamp is
// a non-empty string parseable to a point in time.
func ParseTimestamp(s *string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	return ParseDate(*s)
}
