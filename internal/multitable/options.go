// Package multitable loads canonical datasets into the star schema: a
// dimension pass that assigns surrogate keys, then a fact pass that resolves
// natural keys and writes observations in batches.
package multitable

import (
	"log"
	"time"

	"econstats/internal/config"
)

// Logger is the minimal logging interface used by the loaders.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Options tunes batching. Zero values fall back to the defaults.
type Options struct {
	// BatchSize is the number of fact rows per transaction.
	BatchSize int

	// CheckpointEvery logs and counts a checkpoint each time this many fact
	// rows have been committed.
	CheckpointEvery int

	// DimensionChunk is the number of dimension values per transaction.
	DimensionChunk int
}

const (
	DefaultBatchSize       = 1000
	DefaultCheckpointEvery = 10000
	DefaultDimensionChunk  = 500
)

// OptionsFrom copies the load section of the configuration.
func OptionsFrom(c config.LoadConfig) Options {
	return Options{
		BatchSize:       c.BatchSize,
		CheckpointEvery: c.CheckpointEvery,
		DimensionChunk:  c.DimensionChunk,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = DefaultCheckpointEvery
	}
	if o.DimensionChunk <= 0 {
		o.DimensionChunk = DefaultDimensionChunk
	}
	return o
}

func logfOf(l Logger) func(format string, v ...any) {
	if l == nil {
		return log.New(discardWriter{}, "", 0).Printf
	}
	return l.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
