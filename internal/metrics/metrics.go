// Package metrics defines the backend-neutral metrics seam used by the ETL.
//
// Core packages depend only on Backend. Concrete exporters (Datadog) live in
// sub-packages and are selected by the CLI.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions (e.g. step=fact_load, status=ok).
type Labels map[string]string

// Backend receives counters and histogram observations.
//
// Concurrency:
//   - Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
	Close() error
}

// Metric names shared by the ETL stages and the backends.
const (
	StepTotal       = "etl_step_total"
	StepDuration    = "etl_step_duration_seconds"
	RecordsTotal    = "etl_records_total"
	BatchesTotal    = "etl_batches_total"
	CheckpointTotal = "etl_checkpoints_total"

	HTTPRequestsTotal   = "etl_http_requests_total"
	HTTPErrorsTotal     = "etl_http_errors_total"
	HTTPRequestDuration = "etl_http_request_duration_seconds"
	HTTPDownloadBytes   = "etl_http_download_bytes"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = Nop{}
)

// SetBackend installs the process-wide backend. A nil backend restores Nop.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = Nop{}
	}
	current = b
}

// Current returns the process-wide backend.
func Current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// RecordStep records one step outcome and its duration.
func RecordStep(b Backend, step string, err error, d time.Duration) {
	if b == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRecords adds n to the records counter for kind (e.g. "inserted", "dropped").
func RecordRecords(b Backend, kind string, n int) {
	if b == nil || n <= 0 {
		return
	}
	b.IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP records one source request. status 0 means no response.
func RecordHTTP(b Backend, status int, err error, d time.Duration, bytes int64) {
	if b == nil {
		return
	}
	l := Labels{"status": "0"}
	if status > 0 {
		l["status"] = strconv.Itoa(status)
	}
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status < 200 || status >= 300 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPRequestDuration, d.Seconds(), l)
	if bytes >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}
