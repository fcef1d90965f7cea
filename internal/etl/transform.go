package etl

import (
	"cmp"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// TransformOptions selects the projected columns and the aggregate group key.
type TransformOptions struct {
	KeepColumns  []string
	GroupColumns []string
}

// DefaultTransformOptions projects the sales columns and groups by segment,
// country, year and month.
func DefaultTransformOptions() TransformOptions {
	return TransformOptions{
		KeepColumns:  slices.Clone(model.DefaultKeepColumns),
		GroupColumns: slices.Clone(model.DefaultGroupColumns),
	}
}

// DropReason tags a row removed during cleaning.
type DropReason string

const (
	DropNone        DropReason = ""
	DropEmptyField  DropReason = "empty_field"
	DropBadDate     DropReason = "bad_date"
	DropBadUnits    DropReason = "bad_units_sold"
	DropBadGross    DropReason = "bad_gross_sales"
	DropRowTooShort DropReason = "short_row"
)

// TransformResult holds the aggregate and the per-reason drop counts.
type TransformResult struct {
	Records  []model.AggregateRecord
	InRows   int
	KeptRows int
	Dropped  map[DropReason]int
}

// DroppedRows returns the total number of rows removed during cleaning.
func (r *TransformResult) DroppedRows() int {
	n := 0
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

// NormalizeColumn trims, lowercases, replaces spaces with underscores and
// strips parentheses: " Gross Sales (USD) " → "gross_sales_usd".
func NormalizeColumn(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "(", "")
	s = strings.ReplaceAll(s, ")", "")
	return s
}

// Validate checks that the options can produce an aggregate: group columns
// must be known dimensions and every column the cleaner reads must be kept.
func (o TransformOptions) Validate() error {
	if len(o.GroupColumns) == 0 {
		return newError(KindSchemaMismatch, "transform", eris.New("no group columns"))
	}
	keep := make(map[string]bool, len(o.KeepColumns))
	for _, c := range o.KeepColumns {
		keep[NormalizeColumn(c)] = true
	}
	for _, c := range []string{model.ColDate, model.ColUnitsSold, model.ColGrossSales} {
		if !keep[c] {
			return newError(KindSchemaMismatch, "transform", eris.Errorf("keep columns must include %q", c))
		}
	}
	seen := make(map[string]bool, len(o.GroupColumns))
	for _, c := range o.GroupColumns {
		c = NormalizeColumn(c)
		switch c {
		case model.ColSegment, model.ColCountry:
			if !keep[c] {
				return newError(KindSchemaMismatch, "transform", eris.Errorf("group column %q is not kept", c))
			}
		case model.ColSaleYear, model.ColSaleMonth:
		default:
			return newError(KindSchemaMismatch, "transform", eris.Errorf("unsupported group column %q", c))
		}
		if seen[c] {
			return newError(KindSchemaMismatch, "transform", eris.Errorf("duplicate group column %q", c))
		}
		seen[c] = true
	}
	return nil
}

// Transform normalizes column names, projects, cleans and coerces each row,
// then aggregates units and gross sales by the group key. Rows that fail
// cleaning are dropped and counted, never propagated. An empty table (no
// columns) yields an empty aggregate.
func Transform(table model.Table, opts TransformOptions) (*TransformResult, error) {
	log := zap.L().With(zap.String("component", "etl.transform"))

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	result := &TransformResult{InRows: table.Len(), Dropped: make(map[DropReason]int)}
	if len(table.Columns) == 0 {
		if table.Len() > 0 {
			return nil, newError(KindSchemaMismatch, "transform", eris.New("rows without columns"))
		}
		return result, nil
	}

	proj, err := project(table.Columns, opts.KeepColumns)
	if err != nil {
		return nil, err
	}

	clean := make([]model.CleanRecord, 0, table.Len())
	for i, row := range table.Rows {
		rec, reason := cleanRow(row, proj)
		if reason != DropNone {
			result.Dropped[reason]++
			log.Debug("dropping row", zap.Int("row", i), zap.String("reason", string(reason)))
			continue
		}
		clean = append(clean, rec)
	}
	result.KeptRows = len(clean)
	result.Records = aggregate(clean, opts.GroupColumns)

	log.Info("transformed sales table",
		zap.Int("in_rows", result.InRows),
		zap.Int("kept_rows", result.KeptRows),
		zap.Int("dropped_rows", result.DroppedRows()),
		zap.Int("groups", len(result.Records)),
	)
	return result, nil
}

// projection maps each kept column to its source index.
type projection map[string]int

func project(columns, keep []string) (projection, error) {
	normalized := make(map[string]int, len(columns))
	for i, c := range columns {
		n := NormalizeColumn(c)
		if j, dup := normalized[n]; dup {
			return nil, newError(KindSchemaMismatch, "transform",
				eris.Errorf("columns %q and %q both normalize to %q", columns[j], c, n))
		}
		normalized[n] = i
	}

	proj := make(projection, len(keep))
	for _, k := range keep {
		k = NormalizeColumn(k)
		i, ok := normalized[k]
		if !ok {
			return nil, newError(KindSchemaMismatch, "transform",
				eris.Errorf("column %q not found in %v", k, columns))
		}
		proj[k] = i
	}
	return proj, nil
}

// cleanRow applies the row-level steps: empty-field filter, trimming, date
// and numeric coercion, calendar derivation.
func cleanRow(row []string, proj projection) (model.CleanRecord, DropReason) {
	fields := make(map[string]string, len(proj))
	for name, i := range proj {
		if i >= len(row) {
			return model.CleanRecord{}, DropRowTooShort
		}
		v := strings.TrimSpace(row[i])
		if v == "" {
			return model.CleanRecord{}, DropEmptyField
		}
		fields[name] = v
	}

	date, err := dateparse.ParseIn(fields[model.ColDate], time.UTC)
	if err != nil {
		return model.CleanRecord{}, DropBadDate
	}
	units, ok := ParseNumber(fields[model.ColUnitsSold])
	if !ok {
		return model.CleanRecord{}, DropBadUnits
	}
	gross, ok := ParseCurrency(fields[model.ColGrossSales])
	if !ok {
		return model.CleanRecord{}, DropBadGross
	}

	return model.CleanRecord{
		Segment:    fields[model.ColSegment],
		Country:    fields[model.ColCountry],
		UnitsSold:  units,
		GrossSales: gross,
		Date:       date,
		SaleYear:   date.Year(),
		SaleMonth:  int(date.Month()),
	}, DropNone
}

// ParseCurrency parses an amount like " $1,234.50 " into 1234.5.
func ParseCurrency(s string) (float64, bool) {
	return ParseNumber(strings.ReplaceAll(s, "$", ""))
}

// ParseNumber parses a decimal with optional thousands separators.
func ParseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type groupKey struct {
	segment, country string
	year, month      int
}

func keyFor(rec model.CleanRecord, groupBy []string) groupKey {
	var k groupKey
	for _, c := range groupBy {
		switch NormalizeColumn(c) {
		case model.ColSegment:
			k.segment = rec.Segment
		case model.ColCountry:
			k.country = rec.Country
		case model.ColSaleYear:
			k.year = rec.SaleYear
		case model.ColSaleMonth:
			k.month = rec.SaleMonth
		}
	}
	return k
}

// aggregate sorts by (year, month) and sums per group key. Equal keys merge
// wherever they occur in the sorted order.
func aggregate(clean []model.CleanRecord, groupBy []string) []model.AggregateRecord {
	slices.SortStableFunc(clean, func(a, b model.CleanRecord) int {
		if c := cmp.Compare(a.SaleYear, b.SaleYear); c != 0 {
			return c
		}
		return cmp.Compare(a.SaleMonth, b.SaleMonth)
	})

	groups := make(map[groupKey]*model.AggregateRecord)
	for _, rec := range clean {
		k := keyFor(rec, groupBy)
		agg, ok := groups[k]
		if !ok {
			agg = &model.AggregateRecord{
				Segment:   k.segment,
				Country:   k.country,
				SaleYear:  int32(k.year),
				SaleMonth: int32(k.month),
			}
			groups[k] = agg
		}
		agg.TotalUnitsSold += rec.UnitsSold
		agg.TotalGrossSales += rec.GrossSales
	}

	out := make([]model.AggregateRecord, 0, len(groups))
	for _, agg := range groups {
		out = append(out, *agg)
	}
	SortAggregates(out)
	return out
}

// SortAggregates orders records by year, month, segment, country.
func SortAggregates(recs []model.AggregateRecord) {
	slices.SortFunc(recs, func(a, b model.AggregateRecord) int {
		return cmp.Or(
			cmp.Compare(a.SaleYear, b.SaleYear),
			cmp.Compare(a.SaleMonth, b.SaleMonth),
			cmp.Compare(a.Segment, b.Segment),
			cmp.Compare(a.Country, b.Country),
		)
	})
}
