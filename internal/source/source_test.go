package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const cpiCSV = "\uFEFFREF_DATE,GEO,Products and product groups,VALUE\n2024-01,Canada,All-items,157.5\n"

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// tableServer serves /{table}-eng.zip from routes; anything else is an HTML 404.
func tableServer(t *testing.T, routes map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("<html><head><title>Not Found</title></head><body><h1>Table unavailable</h1></body></html>"))
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(t *testing.T, base string) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Options{BaseURL: base, DataDir: dir}, nil), dir
}

func TestFetch_ExtractsInnerCSV(t *testing.T) {
	t.Parallel()

	srv := tableServer(t, map[string][]byte{
		"18100004-eng.zip": zipOf(t, map[string]string{
			"18100004_MetaData.csv": "meta",
			"18100004.csv":          cpiCSV,
		}),
	})
	f, dir := newFetcher(t, srv.URL)

	ds, err := f.Fetch(context.Background(), Request{Name: "cpi", Table: "18100004", Destination: "cpi_monthly.csv"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ds.Path != filepath.Join(dir, "cpi_monthly.csv") || ds.Bytes != int64(len(cpiCSV)) {
		t.Fatalf("dataset = %+v", ds)
	}
	if strings.Join(ds.Header, "|") != "REF_DATE|GEO|Products and product groups|VALUE" {
		t.Fatalf("header = %q", ds.Header)
	}
	got, err := os.ReadFile(ds.Path)
	if err != nil || string(got) != cpiCSV {
		t.Fatalf("persisted copy = %q, %v", got, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestFetch_InnerNameIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	srv := tableServer(t, map[string][]byte{
		"20100008-eng.zip": zipOf(t, map[string]string{"20100008.CSV": "REF_DATE,VALUE\n2024-01,1\n"}),
	})
	f, _ := newFetcher(t, srv.URL+"/")

	if _, err := f.Fetch(context.Background(), Request{Table: "20100008", Destination: "r.csv"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestFetch_Failures(t *testing.T) {
	t.Parallel()

	srv := tableServer(t, map[string][]byte{
		"missing-eng.zip": zipOf(t, map[string]string{"other.csv": "x"}),
		"garbage-eng.zip": []byte("this is not an archive"),
	})

	tests := []struct {
		name  string
		table string
		want  error
		text  string
	}{
		{name: "http 404", table: "nope", want: ErrHTTPStatus, text: "Not Found: Table unavailable"},
		{name: "missing inner", table: "missing", want: ErrMissingInnerFile, text: "other.csv"},
		{name: "not a zip", table: "garbage", want: ErrNotArchive, text: "this is not an archive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, dir := newFetcher(t, srv.URL)

			_, err := f.Fetch(context.Background(), Request{Table: tc.table, Destination: "out.csv"})
			if !errors.Is(err, ErrNoResult) || !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !strings.Contains(err.Error(), tc.text) {
				t.Fatalf("err %q does not mention %q", err, tc.text)
			}
			if _, statErr := os.Stat(filepath.Join(dir, "out.csv")); !os.IsNotExist(statErr) {
				t.Fatalf("destination must not exist after failure")
			}
		})
	}
}

func TestFetch_RequiresTableAndDestination(t *testing.T) {
	t.Parallel()

	f, _ := newFetcher(t, "http://127.0.0.1:1")
	if _, err := f.Fetch(context.Background(), Request{Table: "x"}); !errors.Is(err, ErrNoResult) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchAll_IsolatesFailures(t *testing.T) {
	t.Parallel()

	srv := tableServer(t, map[string][]byte{
		"18100004-eng.zip": zipOf(t, map[string]string{"18100004.csv": cpiCSV}),
	})
	f, _ := newFetcher(t, srv.URL)

	res := f.FetchAll(context.Background(), []Request{
		{Name: "broken", Table: "20100056", Destination: "p.csv"},
		{Name: "cpi", Table: "18100004", Destination: "c.csv"},
	})
	if len(res) != 2 {
		t.Fatalf("results = %d", len(res))
	}
	if res[0].Err == nil || res[0].Dataset != nil {
		t.Fatalf("first result = %+v", res[0])
	}
	if res[1].Err != nil || res[1].Dataset == nil {
		t.Fatalf("second result = %+v", res[1])
	}
}

type recordingMirror struct {
	got []string
	err error
}

func (m *recordingMirror) Mirror(ctx context.Context, ds *Dataset) (string, error) {
	m.got = append(m.got, ds.Table)
	return "s3://bucket/" + ds.Table, m.err
}

func TestFetch_MirrorFailureDoesNotFailFetch(t *testing.T) {
	t.Parallel()

	srv := tableServer(t, map[string][]byte{
		"18100004-eng.zip": zipOf(t, map[string]string{"18100004.csv": cpiCSV}),
	})
	f, _ := newFetcher(t, srv.URL)
	m := &recordingMirror{err: errors.New("access denied")}
	f.WithMirror(m)

	if _, err := f.Fetch(context.Background(), Request{Table: "18100004", Destination: "c.csv"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if strings.Join(m.got, ",") != "18100004" {
		t.Fatalf("mirror calls = %v", m.got)
	}
}

func TestOpenLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "c.csv"), []byte(cpiCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := OpenLocal(dir, Request{Name: "cpi", Table: "18100004", Destination: "c.csv"})
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	if len(ds.Header) != 4 || ds.Name != "cpi" {
		t.Fatalf("dataset = %+v", ds)
	}
	fh, err := ds.Open()
	if err != nil {
		t.Fatal(err)
	}
	fh.Close()

	if _, err := OpenLocal(dir, Request{Table: "x", Destination: "absent.csv"}); !errors.Is(err, ErrNoResult) {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ct, body, want string
	}{
		{"text/html", "<html><title>Oops</title><h1>Oops</h1></html>", "Oops"},
		{"text/plain", "  plain\n\nbody  ", "plain body"},
		{"", strings.Repeat("a", 300), strings.Repeat("a", 200) + "..."},
	}
	for _, tc := range tests {
		if got := summarize(tc.ct, []byte(tc.body)); got != tc.want {
			t.Fatalf("summarize(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	body := zipOf(t, map[string]string{"18100004.csv": cpiCSV})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	f := New(Options{BaseURL: srv.URL, DataDir: t.TempDir(), MaxAttempts: 3, BaseBackoff: time.Millisecond}, nil)
	if _, err := f.Fetch(context.Background(), Request{Table: "18100004", Destination: "cpi.csv"}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetch_DoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := New(Options{BaseURL: srv.URL, DataDir: t.TempDir(), MaxAttempts: 5, BaseBackoff: time.Millisecond}, nil)
	_, err := f.Fetch(context.Background(), Request{Table: "x", Destination: "x.csv"})
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNextRetryDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		attempt int
		want    time.Duration
	}{
		{name: "first", err: &statusError{code: 503}, attempt: 1, want: time.Second},
		{name: "doubles", err: &statusError{code: 503}, attempt: 3, want: 4 * time.Second},
		{name: "clamped", err: errors.New("reset"), attempt: 10, want: 30 * time.Second},
		{name: "retry-after", err: &statusError{code: 429, retryAfter: 7 * time.Second}, attempt: 2, want: 7 * time.Second},
	}
	for _, tc := range tests {
		if got := nextRetryDelay(tc.err, tc.attempt, time.Second, 30*time.Second); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	if d := parseRetryAfter(h); d != 0 {
		t.Fatalf("empty = %s", d)
	}
	h.Set("Retry-After", "12")
	if d := parseRetryAfter(h); d != 12*time.Second {
		t.Fatalf("seconds = %s", d)
	}
	h.Set("Retry-After", "-3")
	if d := parseRetryAfter(h); d != 0 {
		t.Fatalf("negative = %s", d)
	}
	h.Set("Retry-After", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	if d := parseRetryAfter(h); d != 0 {
		t.Fatalf("past date = %s", d)
	}
}
