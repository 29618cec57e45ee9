// Package schema owns the star schema: four dimension tables and two fact
// tables, declared in Go and applied one statement at a time.
package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"econstats/internal/logging"
	"econstats/internal/storage"
)

// Table names.
const (
	DimGeography    = "dim_geography"
	DimProduct      = "dim_product"
	DimIndustry     = "dim_industry"
	DimDate         = "dim_date"
	FactCPI         = "fact_cpi"
	FactRetailSales = "fact_retail_sales"
)

// Column names shared by the loaders and the query layer.
const (
	ColGeoID        = "geo_id"
	ColProvinceName = "province_name"
	ColProductID    = "product_id"
	ColProductName  = "product_name"
	ColIndustryID   = "industry_id"
	ColIndustryName = "industry_name"
	ColDateID       = "date_id"
	ColFullDate     = "full_date"
	ColYear         = "year"
	ColMonth        = "month"
	ColQuarter      = "quarter"
	ColValue        = "value"
	ColUnit         = "unit"
)

// SalesUnit is the fixed measurement unit of retail sales facts.
const SalesUnit = "Dollars"

func nameDim(table, id, name string) storage.TableSpec {
	return storage.TableSpec{
		Name:        table,
		PrimaryKey:  &storage.PrimaryKeySpec{Name: id, Type: storage.TypeSerial},
		Columns:     []storage.ColumnSpec{{Name: name, Type: storage.TypeText}},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Name: "uq_" + table + "_" + name, Columns: []string{name}}},
	}
}

func ref(table, col string) string { return table + "(" + col + ")" }

// Tables returns the schema in creation order: dimensions before the facts
// that reference them.
func Tables() []storage.TableSpec {
	return []storage.TableSpec{
		nameDim(DimGeography, ColGeoID, ColProvinceName),
		nameDim(DimProduct, ColProductID, ColProductName),
		nameDim(DimIndustry, ColIndustryID, ColIndustryName),
		{
			Name:       DimDate,
			PrimaryKey: &storage.PrimaryKeySpec{Name: ColDateID, Type: storage.TypeSerial},
			Columns: []storage.ColumnSpec{
				{Name: ColFullDate, Type: storage.TypeDate},
				{Name: ColYear, Type: storage.TypeInt},
				{Name: ColMonth, Type: storage.TypeInt},
				{Name: ColQuarter, Type: storage.TypeInt},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: "unique", Name: "uq_dim_date_full_date", Columns: []string{ColFullDate}},
				{Kind: "check", Name: "chk_dim_date_month", Expr: "month BETWEEN 1 AND 12"},
				{Kind: "check", Name: "chk_dim_date_quarter", Expr: "quarter = ((month - 1) / 3) + 1"},
			},
		},
		{
			Name:       FactCPI,
			PrimaryKey: &storage.PrimaryKeySpec{Name: "cpi_id", Type: storage.TypeSerial},
			Columns: []storage.ColumnSpec{
				{Name: ColDateID, Type: storage.TypeInt, References: ref(DimDate, ColDateID)},
				{Name: ColGeoID, Type: storage.TypeInt, References: ref(DimGeography, ColGeoID)},
				{Name: ColProductID, Type: storage.TypeInt, References: ref(DimProduct, ColProductID)},
				{Name: ColValue, Type: storage.TypeDecimal},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: "unique", Name: "uq_fact_cpi_key", Columns: []string{ColDateID, ColGeoID, ColProductID}},
			},
		},
		{
			Name:       FactRetailSales,
			PrimaryKey: &storage.PrimaryKeySpec{Name: "sales_id", Type: storage.TypeSerial},
			Columns: []storage.ColumnSpec{
				{Name: ColDateID, Type: storage.TypeInt, References: ref(DimDate, ColDateID)},
				{Name: ColGeoID, Type: storage.TypeInt, References: ref(DimGeography, ColGeoID)},
				{Name: ColIndustryID, Type: storage.TypeInt, References: ref(DimIndustry, ColIndustryID)},
				{Name: ColValue, Type: storage.TypeDecimal},
				{Name: ColUnit, Type: storage.TypeText},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: "unique", Name: "uq_fact_retail_sales_key", Columns: []string{ColDateID, ColGeoID, ColIndustryID}},
			},
		},
	}
}

// Manager applies the schema to a store.
type Manager struct {
	repo   storage.MultiRepository
	tables []storage.TableSpec
}

func NewManager(repo storage.MultiRepository) *Manager {
	return &Manager{repo: repo, tables: Tables()}
}

// Statements renders every DDL statement in application order.
func (m *Manager) Statements() ([]string, error) {
	var out []string
	for _, t := range m.tables {
		stmts, err := m.repo.CreateTableStatements(t)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", t.Name, err)
		}
		out = append(out, stmts...)
	}
	return out, nil
}

// Apply executes each statement on its own. A failing statement is logged
// and the remaining ones still run; the joined failures are returned.
func (m *Manager) Apply(ctx context.Context) error {
	start := time.Now()

	var errs []error
	applied := 0
	for _, t := range m.tables {
		stmts, err := m.repo.CreateTableStatements(t)
		if err != nil {
			logging.Error().Err(err).Str("table", t.Name).Msg("schema: render failed")
			errs = append(errs, fmt.Errorf("render %s: %w", t.Name, err))
			continue
		}
		for _, stmt := range stmts {
			if err := m.repo.Exec(ctx, stmt); err != nil {
				logging.Error().Err(err).Str("table", t.Name).Msg("schema: statement failed")
				errs = append(errs, fmt.Errorf("create %s: %w", t.Name, err))
				continue
			}
			applied++
		}
	}

	logging.Info().
		Str("stage", "schema").
		Str("backend", m.repo.Kind()).
		Int("applied", applied).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("schema applied")

	return errors.Join(errs...)
}
