// Package synth generates canonical price index and retail datasets with
// plausible drift and seasonality, for demos and tests that run offline.
package synth

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"econstats/internal/query"
	"econstats/internal/transformer"
)

// Options shapes the generated data. Zero values take the defaults.
type Options struct {
	// Seed makes the output reproducible. Zero picks a time-based seed.
	Seed uint64

	Geographies []string
	Products    []string

	// Industries excludes the all-retail aggregate, which is always
	// generated as the sum of the others.
	Industries []string

	Start  time.Time
	Months int
}

// DefaultProducts is a small subset of the published price index basket.
var DefaultProducts = []string{
	query.AllItems, "Food", "Shelter", "Transportation", "Energy", "Clothing and footwear",
}

// DefaultIndustries is a subset of the published retail trade subsectors.
var DefaultIndustries = []string{
	"Motor vehicle and parts dealers [441]",
	"Building material and garden equipment and supplies dealers [444]",
	"Food and beverage retailers [445]",
	"Health and personal care retailers [456]",
	"Gasoline stations and fuel vendors [457]",
	"Clothing, clothing accessories, shoe and jewellery retailers [458]",
	"General merchandise retailers [455]",
}

// seasonal scales retail sales by calendar month.
var seasonal = [12]float64{0.88, 0.86, 0.97, 0.99, 1.04, 1.03, 1.02, 1.03, 0.98, 1.00, 1.04, 1.16}

func (o Options) withDefaults() Options {
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano())
	}
	if len(o.Geographies) == 0 {
		o.Geographies = append([]string{query.National}, query.Provinces...)
	}
	if len(o.Products) == 0 {
		o.Products = DefaultProducts
	}
	if len(o.Industries) == 0 {
		o.Industries = DefaultIndustries
	}
	if o.Start.IsZero() {
		o.Start = time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	o.Start = transformer.FirstOfMonth(o.Start)
	if o.Months <= 0 {
		o.Months = 60
	}
	return o
}

// Generate returns one price index and one retail dataset covering every
// geography for Months consecutive months.
func Generate(opt Options) (cpi, retail *transformer.Dataset) {
	opt = opt.withDefaults()
	f := gofakeit.New(opt.Seed)

	var cpiRows, retailRows []transformer.Record
	for _, geo := range opt.Geographies {
		for _, p := range opt.Products {
			level := f.Float64Range(115, 165)
			for m := range opt.Months {
				d := opt.Start.AddDate(0, m, 0)
				cpiRows = append(cpiRows, transformer.Record{
					Date: d, Geography: geo, Category: p,
					Value: decimal.NewFromFloat(level).Round(1),
				})
				level *= 1 + f.Float64Range(-0.002, 0.006)
			}
		}

		totals := make([]decimal.Decimal, opt.Months)
		for _, ind := range opt.Industries {
			base := f.Float64Range(400_000, 6_000_000)
			for m := range opt.Months {
				d := opt.Start.AddDate(0, m, 0)
				v := decimal.NewFromFloat(base * seasonal[d.Month()-1] * (1 + f.Float64Range(-0.03, 0.03))).Round(0)
				retailRows = append(retailRows, transformer.Record{Date: d, Geography: geo, Category: ind, Value: v})
				totals[m] = totals[m].Add(v)
				base *= 1 + f.Float64Range(-0.001, 0.005)
			}
		}
		for m, total := range totals {
			retailRows = append(retailRows, transformer.Record{
				Date: opt.Start.AddDate(0, m, 0), Geography: geo, Category: query.AllRetail, Value: total,
			})
		}
	}

	cpi = transformer.NewDataset(transformer.CPI(), cpiRows)
	retail = transformer.NewDataset(transformer.RetailIndustry(), retailRows)
	return cpi, retail
}
