package transformer

import (
	"fmt"
	"maps"

	"econstats/internal/config"
)

// Fact names the fact table family a dataset feeds.
type Fact string

const (
	FactCPI    Fact = "cpi"
	FactRetail Fact = "retail"
)

// Columns maps the four semantic columns to raw header names.
type Columns struct {
	Date      string
	Geography string
	Category  string
	Value     string
}

// Kind describes how one family of published tables becomes canonical rows.
type Kind struct {
	Name    string
	Fact    Fact
	Columns Columns

	// Filters keep only rows whose raw column equals the value. A filter
	// whose column is absent from the header is skipped.
	Filters map[string]string
}

// Raw column names used by the published tables.
const (
	RawRefDate     = "REF_DATE"
	RawGeo         = "GEO"
	RawProducts    = "Products and product groups"
	RawNAICS       = "North American Industry Classification System (NAICS)"
	RawValue       = "VALUE"
	RawAdjustments = "Adjustments"
	RawSales       = "Sales"
)

// Filter values selecting one measurement variant.
const (
	SeasonallyAdjusted = "Seasonally adjusted"
	TotalRetailSales   = "Total retail sales"
)

// CPI is the consumer price index table, one value per product.
func CPI() Kind {
	return Kind{
		Name:    "cpi",
		Fact:    FactCPI,
		Columns: Columns{Date: RawRefDate, Geography: RawGeo, Category: RawProducts, Value: RawValue},
	}
}

// RetailIndustry is retail sales by industry, seasonally adjusted.
func RetailIndustry() Kind {
	return Kind{
		Name:    "retail_industry",
		Fact:    FactRetail,
		Columns: Columns{Date: RawRefDate, Geography: RawGeo, Category: RawNAICS, Value: RawValue},
		Filters: map[string]string{RawAdjustments: SeasonallyAdjusted},
	}
}

// RetailProvince is retail sales by province, total sales, seasonally adjusted.
func RetailProvince() Kind {
	return Kind{
		Name:    "retail_province",
		Fact:    FactRetail,
		Columns: Columns{Date: RawRefDate, Geography: RawGeo, Category: RawNAICS, Value: RawValue},
		Filters: map[string]string{RawAdjustments: SeasonallyAdjusted, RawSales: TotalRetailSales},
	}
}

// KindByName returns the built-in kind registered under name.
func KindByName(name string) (Kind, error) {
	switch name {
	case "cpi":
		return CPI(), nil
	case "retail_industry":
		return RetailIndustry(), nil
	case "retail_province":
		return RetailProvince(), nil
	default:
		return Kind{}, fmt.Errorf("unknown dataset kind %q", name)
	}
}

// KindFor resolves a configured dataset to its kind, applying column and
// filter overrides on top of the built-in defaults. A configured filter map
// replaces the default filters entirely.
func KindFor(d config.DatasetConfig) (Kind, error) {
	k, err := KindByName(d.Kind)
	if err != nil {
		return Kind{}, err
	}
	if d.Columns.Date != "" {
		k.Columns.Date = d.Columns.Date
	}
	if d.Columns.Geography != "" {
		k.Columns.Geography = d.Columns.Geography
	}
	if d.Columns.Category != "" {
		k.Columns.Category = d.Columns.Category
	}
	if d.Columns.Value != "" {
		k.Columns.Value = d.Columns.Value
	}
	if d.Filters != nil {
		k.Filters = maps.Clone(d.Filters)
	}
	return k, nil
}
