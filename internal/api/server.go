// Package api exposes the query layer as read-only JSON endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"econstats/internal/logging"
	"econstats/internal/query"
	"econstats/internal/transformer"
)

// errParam marks a request the client must fix.
var errParam = errors.New("bad parameter")

// Server serves one query.Service.
type Server struct {
	q   *query.Service
	now func() time.Time
}

func NewServer(q *query.Service) *Server {
	return &Server{q: q, now: time.Now}
}

// Handler returns the router with request id, panic recovery and access
// logging installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the endpoints on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/geographies", s.handleGeographies)
		r.Get("/industries", s.handleIndustries)
		r.Get("/products", s.handleProducts)
		r.Get("/price-index", s.handlePriceIndex)
		r.Get("/sales", s.handleSales)
		r.Get("/real-sales", s.handleRealSales)
		r.Get("/yoy/industries", s.handleYoYIndustries)
		r.Get("/yoy/provinces", s.handleYoYProvinces)
		r.Get("/distribution", s.handleDistribution)
		r.Get("/seasonal", s.handleSeasonal)
		r.Get("/overview", s.handleOverview)
	})
}

// ListenAndServe serves h on addr until ctx ends, then shuts down with a
// ten second grace period.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info().Str("stage", "api").Str("addr", addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("stage", "api").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleGeographies(w http.ResponseWriter, r *http.Request) {
	only, err := boolParam(r, "provinces")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.ListGeographies(r.Context(), only)
	respond(w, out, err)
}

func (s *Server) handleIndustries(w http.ResponseWriter, r *http.Request) {
	out, err := s.q.ListIndustries(r.Context())
	respond(w, out, err)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	out, err := s.q.ListProducts(r.Context())
	respond(w, out, err)
}

func (s *Server) handlePriceIndex(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.GetPriceIndex(r.Context(), param(r, "geo", query.National), param(r, "category", query.AllItems), start, end)
	respond(w, out, err)
}

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.GetSales(r.Context(), param(r, "geo", query.National), param(r, "industry", query.AllRetail), start, end)
	respond(w, out, err)
}

func (s *Server) handleRealSales(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.GetRealSales(r.Context(), param(r, "geo", query.National), param(r, "industry", query.AllRetail), start, end)
	respond(w, out, err)
}

func (s *Server) handleYoYIndustries(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.GetLatestYoYGrowthByIndustry(r.Context(), param(r, "geo", query.National), asOf)
	respond(w, out, err)
}

func (s *Server) handleYoYProvinces(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.GetProvincialComparison(r.Context(), param(r, "industry", query.AllRetail), asOf)
	respond(w, out, err)
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.q.GetDistribution(r.Context(), param(r, "geo", query.National), asOf)
	respond(w, out, err)
}

func (s *Server) handleSeasonal(w http.ResponseWriter, r *http.Request) {
	endYear := s.now().Year()
	if v := r.URL.Query().Get("end_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil || y < 1 {
			writeError(w, fmt.Errorf("%w: end_year %q", errParam, v))
			return
		}
		endYear = y
	}
	out, err := s.q.GetSeasonal(r.Context(), param(r, "geo", query.National), param(r, "industry", query.AllRetail), endYear)
	respond(w, out, err)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	start := asOf.AddDate(-5, 0, 0)
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = dateParam("start", v); err != nil {
			writeError(w, err)
			return
		}
	}
	out, err := s.q.Overview(r.Context(), param(r, "geo", query.National), param(r, "industry", query.AllRetail), start, asOf)
	respond(w, out, err)
}

func param(r *http.Request, name, def string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return def
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s %q", errParam, name, v)
	}
	return b, nil
}

func dateParam(name, v string) (time.Time, error) {
	t, err := transformer.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %w", errParam, name, err)
	}
	return t, nil
}

// window reads start and end. Both are required and start must not be
// after end.
func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	qs := r.URL.Query()
	if qs.Get("start") == "" || qs.Get("end") == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end are required", errParam)
	}
	start, err := dateParam("start", qs.Get("start"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := dateParam("end", qs.Get("end"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start is after end", errParam)
	}
	return start, end, nil
}

// asOf reads as_of, defaulting to today.
func (s *Server) asOf(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return s.now(), nil
	}
	return dateParam("as_of", v)
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errParam):
		status = http.StatusBadRequest
	case errors.Is(err, query.ErrNoData):
		status = http.StatusNotFound
	default:
		logging.Error().Err(err).Str("stage", "api").Msg("query failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Str("stage", "api").Msg("encode response")
	}
}
