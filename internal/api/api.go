// Package api exposes enrichment and catalog lookups over HTTP. Datasets
// travel as GeoJSON FeatureCollections.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/cartodb/observatory-cli/internal/catalog"
	"github.com/cartodb/observatory-cli/internal/dataio"
	"github.com/cartodb/observatory-cli/internal/enrichment"
	"github.com/cartodb/observatory-cli/internal/frame"
)

// defaultMaxBodyBytes caps an enrichment request body.
const defaultMaxBodyBytes = 32 << 20

// Enricher runs enrichments. *enrichment.Enricher satisfies it.
type Enricher interface {
	EnrichPoints(ctx context.Context, data *frame.Frame, variables []enrichment.VariableRef, opts ...enrichment.Option) (*frame.Frame, error)
	EnrichPolygons(ctx context.Context, data *frame.Frame, variables []enrichment.VariableRef, opts ...enrichment.Option) (*frame.Frame, error)
}

// Options configures the router.
type Options struct {
	// AllowedOrigins feeds CORS. Empty allows any origin.
	AllowedOrigins []string
	// Timeout bounds a single request. Zero means no limit.
	Timeout time.Duration
	// MaxBodyBytes caps enrichment request bodies. Zero means 32MB.
	MaxBodyBytes int64
}

// Server holds the handlers' collaborators.
type Server struct {
	enricher Enricher
	catalog  catalog.Catalog
	maxBody  int64
}

// NewRouter builds the HTTP handler.
func NewRouter(e Enricher, cat catalog.Catalog, opts Options) http.Handler {
	s := &Server{enricher: e, catalog: cat, maxBody: opts.MaxBodyBytes}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if opts.Timeout > 0 {
		r.Use(middleware.Timeout(opts.Timeout))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/enrich/points", s.handleEnrich(false))
		r.Post("/enrich/polygons", s.handleEnrich(true))
		r.Get("/variables/{id}", s.handleVariable)
		r.Get("/datasets/{id}", s.handleDataset)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EnrichRequest is the body of the enrichment endpoints.
type EnrichRequest struct {
	Variables []string `json:"variables"`
	// Filters use the "variable:expression" form, e.g. "popcy:> 100".
	Filters []string `json:"filters,omitempty"`
	// Aggregation is "default", "none", a method name or a variable to
	// method object. Absent means default. Ignored for points.
	Aggregation    json.RawMessage `json:"aggregation,omitempty"`
	GeometryColumn string          `json:"geometry_column,omitempty"`
	Features       json.RawMessage `json:"features"`
}

func (s *Server) handleEnrich(polygons bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnrichRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
				return
			}
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Features) == 0 {
			writeError(w, http.StatusBadRequest, "features is required")
			return
		}

		opts, err := requestOptions(req)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		geomCol := req.GeometryColumn
		if geomCol == "" {
			geomCol = enrichment.DefaultGeometryColumn
		}
		data, err := dataio.DecodeFeatureCollection(req.Features, geomCol)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, enrichment.WithGeometryColumn(geomCol))

		refs := make([]enrichment.VariableRef, len(req.Variables))
		for i, v := range req.Variables {
			refs[i] = enrichment.ByID(v)
		}

		var out *frame.Frame
		if polygons {
			out, err = s.enricher.EnrichPolygons(r.Context(), data, refs, opts...)
		} else {
			out, err = s.enricher.EnrichPoints(r.Context(), data, refs, opts...)
		}
		if err != nil {
			zap.L().Warn("api: enrichment failed", zap.Bool("polygons", polygons), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}

		body, err := dataio.EncodeFeatureCollection(out, geomCol)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func requestOptions(req EnrichRequest) ([]enrichment.Option, error) {
	var opts []enrichment.Option

	if len(req.Aggregation) > 0 {
		var raw any
		if err := json.Unmarshal(req.Aggregation, &raw); err != nil {
			return nil, &enrichment.InvalidAggregationError{Value: string(req.Aggregation)}
		}
		agg, err := enrichment.ParseAggregation(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, enrichment.WithAggregation(agg))
	}

	for _, f := range req.Filters {
		filter, err := enrichment.ParseFilter(f)
		if err != nil {
			return nil, err
		}
		opts = append(opts, enrichment.WithFilters(filter))
	}
	return opts, nil
}

func (s *Server) handleVariable(w http.ResponseWriter, r *http.Request) {
	v, err := s.catalog.Variable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	d, err := s.catalog.Dataset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var (
		notFound *catalog.NotFoundError
		cfgErr   *enrichment.ConfigurationError
		subErr   *enrichment.SubscriptionRequiredError
		aggErr   *enrichment.InvalidAggregationError
		jobErr   *enrichment.WarehouseJobError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &subErr):
		return http.StatusForbidden
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &aggErr),
		errors.Is(err, enrichment.ErrInvalidVariable),
		errors.Is(err, enrichment.ErrInvalidFilter),
		errors.Is(err, enrichment.ErrInvalidGeometry):
		return http.StatusBadRequest
	case errors.As(err, &jobErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
