// Package model defines the records that flow through the sales ETL run.
package model

import "time"

// Table is a string-typed tabular payload as read from delimited source files.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Len returns the number of data rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// Empty reports whether the table has neither columns nor rows.
func (t Table) Empty() bool {
	return len(t.Columns) == 0 && len(t.Rows) == 0
}

// CleanRecord is a sales row after name normalization and type coercion.
type CleanRecord struct {
	Segment    string    `json:"segment"`
	Country    string    `json:"country"`
	UnitsSold  float64   `json:"units_sold"`
	GrossSales float64   `json:"gross_sales"`
	Date       time.Time `json:"date"`
	SaleYear   int       `json:"sale_year"`
	SaleMonth  int       `json:"sale_month"`
}

// AggregateRecord is one summary row per group key.
type AggregateRecord struct {
	Segment         string  `json:"segment" parquet:"segment"`
	Country         string  `json:"country" parquet:"country"`
	SaleYear        int32   `json:"sale_year" parquet:"sale_year"`
	SaleMonth       int32   `json:"sale_month" parquet:"sale_month"`
	TotalUnitsSold  float64 `json:"total_units_sold" parquet:"total_units_sold"`
	TotalGrossSales float64 `json:"total_gross_sales" parquet:"total_gross_sales"`
}

// Dimension columns an AggregateRecord can be grouped by.
const (
	ColSegment   = "segment"
	ColCountry   = "country"
	ColSaleYear  = "sale_year"
	ColSaleMonth = "sale_month"
)

// Source columns the transformer coerces.
const (
	ColDate       = "date"
	ColUnitsSold  = "units_sold"
	ColGrossSales = "gross_sales"
)

// Output measure columns.
const (
	ColTotalUnitsSold  = "total_units_sold"
	ColTotalGrossSales = "total_gross_sales"
)

// DefaultKeepColumns is the projection applied to normalized source tables.
var DefaultKeepColumns = []string{ColSegment, ColCountry, ColUnitsSold, ColGrossSales, ColDate}

// DefaultGroupColumns is the default aggregate group key.
var DefaultGroupColumns = []string{ColSegment, ColCountry, ColSaleYear, ColSaleMonth}

// Artifact references an output file written to the data lake.
type Artifact struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}
