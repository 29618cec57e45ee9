// Package pipeline drives one ETL run: fetch and transform every configured
// dataset, then apply the schema and load dimensions and facts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"slices"
	"time"

	"econstats/internal/config"
	"econstats/internal/logging"
	"econstats/internal/metrics"
	"econstats/internal/multitable"
	"econstats/internal/schema"
	"econstats/internal/source"
	"econstats/internal/storage"
	"econstats/internal/transformer"
)

var (
	// ErrConnection reports a store that could not be opened. It aborts the run.
	ErrConnection = errors.New("store connection failed")

	// ErrNothingToLoad reports a run where every dataset was skipped.
	ErrNothingToLoad = errors.New("no dataset to load")
)

// Fetcher retrieves the raw copy of one table.
type Fetcher interface {
	Fetch(ctx context.Context, req source.Request) (*source.Dataset, error)
}

// localFetcher reopens raw copies persisted by an earlier run.
type localFetcher struct{ dataDir string }

func (l localFetcher) Fetch(_ context.Context, req source.Request) (*source.Dataset, error) {
	return source.OpenLocal(l.dataDir, req)
}

// Pipeline wires one run. Zero-valued seams get their defaults from New.
type Pipeline struct {
	Config *config.Config

	// Fetcher downloads raw tables. Ignored when SkipFetch is set.
	Fetcher Fetcher

	// SkipFetch reuses the raw copies already under source.data_dir.
	SkipFetch bool

	// Only restricts the run to the named datasets.
	Only []string

	// OpenStore is the storage factory seam.
	OpenStore func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)

	Logger multitable.Logger
}

// New returns a Pipeline that fetches over HTTP and opens the configured store.
func New(cfg *config.Config, fetcher Fetcher) *Pipeline {
	return &Pipeline{
		Config:    cfg,
		Fetcher:   fetcher,
		OpenStore: storage.NewMulti,
		Logger:    logging.Printf(),
	}
}

// DatasetReport is the outcome of one configured dataset.
type DatasetReport struct {
	Name        string
	Table       string
	Kind        string
	Path        string
	Rows        int
	Stats       transformer.Stats
	Fingerprint string

	// Err is set when the dataset was skipped.
	Err error
}

// Report summarises a run.
type Report struct {
	Datasets   []DatasetReport
	Dimensions map[string]int
	Facts      []multitable.FactResult

	// SchemaErr joins the schema statements that failed. The run carries on.
	SchemaErr error

	Duration time.Duration
}

// Skipped returns the reports of datasets that were not loaded.
func (r Report) Skipped() []DatasetReport {
	var out []DatasetReport
	for _, d := range r.Datasets {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

// Run executes the full pipeline. Per-dataset fetch and transform failures
// are recorded in the report and skipped. A store connection failure, a load
// failure or a panic aborts the run. Rows committed before an abort stay.
func (p *Pipeline) Run(ctx context.Context) (rep Report, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: panic: %v\n%s", r, debug.Stack())
		}
		rep.Duration = time.Since(start)
		p.finish(rep, err)
	}()

	if p.Config == nil {
		return rep, fmt.Errorf("pipeline: config is required")
	}

	var sets []*transformer.Dataset
	rep.Datasets, sets = p.extract(ctx)
	if len(sets) == 0 {
		return rep, ErrNothingToLoad
	}
	return p.load(ctx, rep, sets)
}

// RunDatasets loads datasets that are already in canonical form.
func (p *Pipeline) RunDatasets(ctx context.Context, sets []*transformer.Dataset) (rep Report, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: panic: %v\n%s", r, debug.Stack())
		}
		rep.Duration = time.Since(start)
		p.finish(rep, err)
	}()

	if p.Config == nil {
		return rep, fmt.Errorf("pipeline: config is required")
	}
	var live []*transformer.Dataset
	for _, ds := range sets {
		if ds == nil {
			continue
		}
		live = append(live, ds)
		rep.Datasets = append(rep.Datasets, DatasetReport{
			Name:        ds.Kind.Name,
			Kind:        ds.Kind.Name,
			Rows:        ds.Len(),
			Stats:       ds.Stats,
			Fingerprint: ds.Fingerprint(),
		})
	}
	if len(live) == 0 {
		return rep, ErrNothingToLoad
	}
	return p.load(ctx, rep, live)
}

func (p *Pipeline) selected() []config.DatasetConfig {
	if len(p.Only) == 0 {
		return p.Config.Datasets
	}
	var out []config.DatasetConfig
	for _, d := range p.Config.Datasets {
		if slices.Contains(p.Only, d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// extract fetches and transforms each dataset on its own. Failures are
// kept in the report and never stop the loop.
func (p *Pipeline) extract(ctx context.Context) ([]DatasetReport, []*transformer.Dataset) {
	var fetcher Fetcher = localFetcher{dataDir: p.Config.Source.DataDir}
	if !p.SkipFetch && p.Fetcher != nil {
		fetcher = p.Fetcher
	}

	var (
		reports []DatasetReport
		sets    []*transformer.Dataset
	)
	for _, dc := range p.selected() {
		dr := DatasetReport{Name: dc.Name, Table: dc.Table, Kind: dc.Kind}
		ds, err := p.extractOne(ctx, fetcher, dc, &dr)
		if err != nil {
			dr.Err = err
			logging.Warn().Err(err).Str("stage", "extract").Str("dataset", dc.Name).Msg("dataset skipped")
		} else {
			dr.Rows = ds.Len()
			dr.Stats = ds.Stats
			dr.Fingerprint = ds.Fingerprint()
			sets = append(sets, ds)
		}
		reports = append(reports, dr)
	}
	return reports, sets
}

func (p *Pipeline) extractOne(ctx context.Context, fetcher Fetcher, dc config.DatasetConfig, dr *DatasetReport) (*transformer.Dataset, error) {
	kind, err := transformer.KindFor(dc)
	if err != nil {
		return nil, err
	}
	raw, err := fetcher.Fetch(ctx, source.Request{Name: dc.Name, Table: dc.Table, Destination: dc.Destination})
	if err != nil {
		return nil, err
	}
	dr.Path = raw.Path

	f, err := os.Open(raw.Path)
	if err != nil {
		return nil, fmt.Errorf("open raw copy: %w", err)
	}
	defer f.Close()

	ds, err := transformer.Transform(ctx, kind, f)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", dc.Name, err)
	}
	return ds, nil
}

func (p *Pipeline) load(ctx context.Context, rep Report, sets []*transformer.Dataset) (Report, error) {
	open := p.OpenStore
	if open == nil {
		open = storage.NewMulti
	}
	sc := p.Config.Storage

	connStart := time.Now()
	repo, err := open(ctx, storage.MultiConfig{Kind: sc.Kind, DSN: sc.DSN, MaxConns: sc.MaxConns})
	metrics.RecordStep(metrics.Current(), "connect", err, time.Since(connStart))
	if err != nil {
		return rep, fmt.Errorf("%w: %s: %w", ErrConnection, sc.Kind, err)
	}
	defer repo.Close()

	if err := schema.NewManager(repo).Apply(ctx); err != nil {
		rep.SchemaErr = err
		logging.Warn().Err(err).Str("stage", "schema").Msg("some schema statements failed")
	}

	engine := &multitable.Engine2Pass{
		Repo:    repo,
		Logger:  p.Logger,
		Options: multitable.OptionsFrom(p.Config.Load),
	}
	res, err := engine.Run(ctx, sets)
	rep.Dimensions = res.Dimensions
	rep.Facts = res.Facts
	if err != nil {
		return rep, fmt.Errorf("load: %w", err)
	}
	return rep, nil
}

func (p *Pipeline) finish(rep Report, err error) {
	metrics.RecordStep(metrics.Current(), "pipeline", err, rep.Duration)

	written, dropped := 0, 0
	for _, f := range rep.Facts {
		written += f.Written
		dropped += f.Dropped
	}
	ev := logging.Info()
	if err != nil {
		ev = logging.Error().Err(err)
	}
	ev.Str("stage", "pipeline").
		Int("datasets", len(rep.Datasets)).
		Int("skipped", len(rep.Skipped())).
		Int("facts_written", written).
		Int("facts_dropped", dropped).
		Dur("duration", rep.Duration).
		Msg("run finished")
}
