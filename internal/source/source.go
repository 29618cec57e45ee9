// Package source downloads published statistics tables and keeps a local
// raw copy of each one.
//
// A table is served as "{base}/{table}-eng.zip" holding "{table}.csv" plus
// metadata. Every failure is reported as ErrNoResult so callers can skip the
// table and carry on with the others.
package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"econstats/internal/config"
	"econstats/internal/logging"
	"econstats/internal/metrics"
	"econstats/internal/objectstore"
	csvparser "econstats/internal/parser/csv"
)

var (
	// ErrNoResult marks a table that produced no dataset.
	ErrNoResult = errors.New("no result")

	// ErrHTTPStatus reports a non-2xx response.
	ErrHTTPStatus = errors.New("unexpected http status")

	// ErrMissingInnerFile reports an archive without the expected CSV.
	ErrMissingInnerFile = errors.New("expected inner file absent")

	// ErrNotArchive reports a body that is not a zip archive.
	ErrNotArchive = errors.New("response is not a zip archive")
)

// Options configures a Fetcher.
type Options struct {
	BaseURL           string
	DataDir           string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string

	// MaxAttempts bounds downloads per table; values below 1 mean one.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// OptionsFrom copies the source section of the configuration.
func OptionsFrom(c config.SourceConfig) Options {
	return Options{
		BaseURL:           c.BaseURL,
		DataDir:           c.DataDir,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		UserAgent:         c.UserAgent,
		MaxAttempts:       c.MaxAttempts,
		BaseBackoff:       c.BaseBackoff,
		MaxBackoff:        c.MaxBackoff,
	}
}

// Request names one table and the file its raw copy is stored under.
type Request struct {
	Name        string
	Table       string
	Destination string
}

// RequestsFrom builds one request per configured dataset.
func RequestsFrom(ds []config.DatasetConfig) []Request {
	out := make([]Request, 0, len(ds))
	for _, d := range ds {
		out = append(out, Request{Name: d.Name, Table: d.Table, Destination: d.Destination})
	}
	return out
}

// Dataset is a persisted raw table.
type Dataset struct {
	Name   string
	Table  string
	Path   string
	Header []string
	Bytes  int64
}

// Open reopens the raw copy for reading.
func (d *Dataset) Open() (*os.File, error) { return os.Open(d.Path) }

// Mirror receives every persisted raw copy. Failures are logged only.
type Mirror interface {
	Mirror(ctx context.Context, ds *Dataset) (string, error)
}

// BucketMirror copies raw files to "{prefix}/raw/{table}/{file}".
type BucketMirror struct {
	Bucket *objectstore.Bucket
}

func (m BucketMirror) Mirror(ctx context.Context, ds *Dataset) (string, error) {
	key := m.Bucket.Key("raw", ds.Table, filepath.Base(ds.Path))
	return m.Bucket.UploadFile(ctx, key, ds.Path, map[string]string{
		"dataset": ds.Name,
		"table":   ds.Table,
	})
}

// Fetcher downloads tables one request at a time, paced by a limiter.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opt     Options
	mirror  Mirror
}

// New builds a Fetcher. A nil client gets one with opt.Timeout. A
// non-positive RequestsPerSecond disables pacing.
func New(opt Options, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: opt.Timeout}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opt.RequestsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(opt.RequestsPerSecond), 1)
	}
	return &Fetcher{client: client, limiter: lim, opt: opt}
}

// WithMirror installs m and returns f.
func (f *Fetcher) WithMirror(m Mirror) *Fetcher {
	f.mirror = m
	return f
}

// URL returns the archive URL of table.
func (f *Fetcher) URL(table string) string {
	return strings.TrimRight(f.opt.BaseURL, "/") + "/" + table + "-eng.zip"
}

// Fetch downloads req.Table, extracts its CSV to DataDir/req.Destination
// and returns the persisted dataset.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Dataset, error) {
	start := time.Now()
	ds, err := f.fetch(ctx, req)
	metrics.RecordStep(metrics.Current(), "fetch", err, time.Since(start))
	if err != nil {
		logging.Warn().Err(err).Str("stage", "fetch").Str("table", req.Table).Msg("fetch failed")
		return nil, err
	}
	logging.Info().
		Str("stage", "fetch").
		Str("table", req.Table).
		Str("path", ds.Path).
		Int64("bytes", ds.Bytes).
		Int("columns", len(ds.Header)).
		Dur("duration", time.Since(start)).
		Msg("fetch done")

	if f.mirror != nil {
		if loc, err := f.mirror.Mirror(ctx, ds); err != nil {
			logging.Warn().Err(err).Str("stage", "fetch").Str("table", req.Table).Msg("mirror failed")
		} else {
			logging.Info().Str("stage", "fetch").Str("table", req.Table).Str("location", loc).Msg("mirrored")
		}
	}
	return ds, nil
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (*Dataset, error) {
	if req.Table == "" || req.Destination == "" {
		return nil, fmt.Errorf("%w: table and destination are required", ErrNoResult)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, req.Table, err)
	}
	if err := os.MkdirAll(f.opt.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: data dir: %w", ErrNoResult, err)
	}

	archive, err := f.downloadWithRetry(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, req.Table, err)
	}
	defer os.Remove(archive)

	dest := filepath.Join(f.opt.DataDir, req.Destination)
	n, err := extract(archive, req.Table+".csv", dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, req.Table, err)
	}

	header, err := readHeader(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, req.Table, err)
	}
	return &Dataset{Name: req.Name, Table: req.Table, Path: dest, Header: header, Bytes: n}, nil
}

// statusError is a non-2xx response.
type statusError struct {
	code       int
	retryAfter time.Duration
	summary    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %d: %s", ErrHTTPStatus, e.code, e.summary)
}

func (e *statusError) Unwrap() error { return ErrHTTPStatus }

// downloadWithRetry retries transport errors, 429 and 5xx responses with
// exponential backoff. A 429 carrying Retry-After waits that long instead.
func (f *Fetcher) downloadWithRetry(ctx context.Context, table string) (string, error) {
	attempts := f.opt.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		path, err := f.download(ctx, table)
		if err == nil || attempt >= attempts || !retryable(err) {
			return path, err
		}
		wait := nextRetryDelay(err, attempt, f.opt.BaseBackoff, f.opt.MaxBackoff)
		logging.Warn().
			Err(err).
			Str("stage", "fetch").
			Str("table", table).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("retrying download")
		if !sleepContext(ctx, wait) {
			return "", fmt.Errorf("%w (gave up after attempt %d: %w)", err, attempt, ctx.Err())
		}
	}
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, ErrNotArchive) && !errors.Is(err, context.Canceled)
}

func nextRetryDelay(err error, attempt int, base, max time.Duration) time.Duration {
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusTooManyRequests && se.retryAfter > 0 {
		return se.retryAfter
	}
	d := base << uint(attempt-1)
	if max > 0 && d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// download streams the archive to a temporary file in DataDir.
func (f *Fetcher) download(ctx context.Context, table string) (string, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(table), nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	if f.opt.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.opt.UserAgent)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		metrics.RecordHTTP(metrics.Current(), 0, err, time.Since(start), -1)
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		metrics.RecordHTTP(metrics.Current(), resp.StatusCode, nil, time.Since(start), int64(len(body)))
		return "", &statusError{
			code:       resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header),
			summary:    summarize(resp.Header.Get("Content-Type"), body),
		}
	}

	tmp, err := os.CreateTemp(f.opt.DataDir, table+"-*.zip")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	metrics.RecordHTTP(metrics.Current(), resp.StatusCode, err, time.Since(start), n)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("read body: %w", err)
	}

	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "html") {
		body, _ := os.ReadFile(tmp.Name())
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %s", ErrNotArchive, summarize(ct, body))
	}
	return tmp.Name(), nil
}

// extract copies the archive member named inner (case-insensitive) to dest
// through a temporary file so a failed copy never leaves a partial dest.
func extract(archive, inner, dest string) (int64, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		body, _ := readPrefix(archive, 64<<10)
		return 0, fmt.Errorf("%w: %s", ErrNotArchive, summarize("", body))
	}
	defer zr.Close()

	var member *zip.File
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
		if strings.EqualFold(filepath.Base(zf.Name), inner) {
			member = zf
			break
		}
	}
	if member == nil {
		return 0, fmt.Errorf("%w: want %s, archive has [%s]", ErrMissingInnerFile, inner, strings.Join(names, ", "))
	}

	rc, err := member.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", member.Name, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("extract %s: %w", member.Name, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

var errHeaderRead = errors.New("header read")

func readHeader(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var header []string
	out := make(chan *csvparser.Row)
	err = csvparser.StreamCSVRows(ctx, f, nil, csvparser.Options{
		OnHeader: func(h []string, _ []bool) error {
			header = h
			return errHeaderRead
		},
	}, out, nil)
	if err != nil && !errors.Is(err, errHeaderRead) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return header, nil
}

func readPrefix(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, n))
}

// summarize renders an error body for a log line. HTML pages are reduced to
// their title and first heading.
func summarize(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err == nil {
			var parts []string
			if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
				parts = append(parts, t)
			}
			if h := strings.TrimSpace(doc.Find("h1").First().Text()); h != "" && (len(parts) == 0 || h != parts[0]) {
				parts = append(parts, h)
			}
			if len(parts) > 0 {
				return strings.Join(parts, ": ")
			}
		}
	}
	s := strings.Join(strings.Fields(string(trimmed)), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// OpenLocal reopens a raw copy persisted by an earlier fetch.
func OpenLocal(dataDir string, req Request) (*Dataset, error) {
	p := filepath.Join(dataDir, req.Destination)
	st, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, req.Table, err)
	}
	header, err := readHeader(context.Background(), p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoResult, req.Table, err)
	}
	return &Dataset{Name: req.Name, Table: req.Table, Path: p, Header: header, Bytes: st.Size()}, nil
}

// Result is the outcome of one request in FetchAll.
type Result struct {
	Request Request
	Dataset *Dataset
	Err     error
}

// FetchAll runs every request in order. A failed request does not stop the
// others; its Result carries the error.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) []Result {
	out := make([]Result, 0, len(reqs))
	for _, r := range reqs {
		ds, err := f.Fetch(ctx, r)
		out = append(out, Result{Request: r, Dataset: ds, Err: err})
	}
	return out
}
