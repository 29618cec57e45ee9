package multitable

import (
	"context"
	"fmt"
	"time"

	"econstats/internal/metrics"
	"econstats/internal/schema"
	"econstats/internal/storage"
	"econstats/internal/transformer"
)

// Engine2Pass loads a set of canonical datasets in two passes:
//   - Pass 1: dimensions. Geography and date come from every dataset,
//     product from price index datasets, industry from retail datasets.
//   - Pass 2: facts, one load per dataset against lookups read once per load.
//
// The schema must already exist.
type Engine2Pass struct {
	Repo    storage.MultiRepository
	Logger  Logger
	Options Options
}

// Result reports what a run did.
type Result struct {
	// Dimensions maps a dimension table to the number of values processed.
	Dimensions map[string]int

	// Facts holds one entry per loaded dataset, in input order.
	Facts []FactResult
}

// Run executes both passes. Nil datasets are skipped. The first failure
// stops the run; work committed before it stays in place.
func (e *Engine2Pass) Run(ctx context.Context, sets []*transformer.Dataset) (Result, error) {
	res := Result{Dimensions: make(map[string]int, 4)}
	if e.Repo == nil {
		return res, fmt.Errorf("engine: Repo is required")
	}
	logf := logfOf(e.Logger)

	var live []*transformer.Dataset
	for _, ds := range sets {
		if ds != nil {
			live = append(live, ds)
		}
	}

	dims := &DimensionLoader{Repo: e.Repo, Logger: e.Logger, Options: e.Options}
	cpi := transformer.Filter(transformer.FactCPI, live...)
	retail := transformer.Filter(transformer.FactRetail, live...)

	pass1Start := time.Now()
	steps := []struct {
		table string
		run   func(context.Context, ...*transformer.Dataset) (int, error)
		sets  []*transformer.Dataset
	}{
		{schema.DimGeography, dims.LoadGeography, live},
		{schema.DimDate, dims.LoadDate, live},
		{schema.DimProduct, dims.LoadProduct, cpi},
		{schema.DimIndustry, dims.LoadIndustry, retail},
	}
	for _, s := range steps {
		stepStart := time.Now()
		n, err := s.run(ctx, s.sets...)
		metrics.RecordStep(metrics.Current(), "dimension_load", err, time.Since(stepStart))
		res.Dimensions[s.table] = n
		if err != nil {
			return res, fmt.Errorf("pass1 %s: %w", s.table, err)
		}
	}
	logf("stage=pass1_dimensions ok geographies=%d dates=%d products=%d industries=%d duration=%s",
		res.Dimensions[schema.DimGeography], res.Dimensions[schema.DimDate],
		res.Dimensions[schema.DimProduct], res.Dimensions[schema.DimIndustry], durMS(pass1Start))

	pass2Start := time.Now()
	facts := &FactLoader{Repo: e.Repo, Logger: e.Logger, Options: e.Options}
	for _, ds := range live {
		stepStart := time.Now()
		fr, err := facts.Load(ctx, ds)
		metrics.RecordStep(metrics.Current(), "fact_load", err, time.Since(stepStart))
		res.Facts = append(res.Facts, fr)
		if err != nil {
			return res, fmt.Errorf("pass2 %s: %w", ds.Kind.Name, err)
		}
	}
	logf("stage=pass2_facts ok datasets=%d duration=%s", len(res.Facts), durMS(pass2Start))

	return res, nil
}
