// Package api exposes the HTTP interface for the crawler service: crawl and
// reconcile triggers per store, the category tree, item lookups, health
// probes and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/catalog"
	"github.com/wantnot/catalog-crawler/internal/config"
	"github.com/wantnot/catalog-crawler/internal/frontier"
	"github.com/wantnot/catalog-crawler/internal/metrics"
	"github.com/wantnot/catalog-crawler/internal/reconcile"
	"github.com/wantnot/catalog-crawler/internal/scrape"
	"github.com/wantnot/catalog-crawler/internal/task"
)

// Server wires HTTP handlers to the crawl pipeline.
type Server struct {
	router     chi.Router
	processor  *scrape.Processor
	frontier   *frontier.Frontier
	reconciler *reconcile.Reconciler
	catalog    catalog.Store
	queue      task.Queue
	stores     map[string]config.StoreConfig
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	processor *scrape.Processor,
	f *frontier.Frontier,
	reconciler *reconcile.Reconciler,
	cat catalog.Store,
	queue task.Queue,
	stores map[string]config.StoreConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		processor:  processor,
		frontier:   f,
		reconciler: reconciler,
		catalog:    cat,
		queue:      queue,
		stores:     stores,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/stores/{store}", func(r chi.Router) {
		r.Post("/scan", s.startScan)
		r.Post("/tablescan", s.startTableScan)
		r.Post("/reconcile", s.reconcileStore)
		r.Get("/categories", s.categoryTree)
		r.Get("/items/{sku}", s.getItem)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startScan handles POST /v1/stores/{store}/scan?rescan=. It creates a
// frontier job seeded from the store's configured root URLs and publishes
// the first step task. A scan already in progress yields 409.
func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	cfg, ok := s.stores[store]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown store")
		return
	}
	rescan := r.URL.Query().Get("rescan") == "true"

	created, err := s.processor.SeedScan(r.Context(), store, cfg.Seeds, rescan)
	if err != nil {
		s.logger.Error("seed scan failed", zap.String("store", store), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start scan")
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "scan already in progress")
		return
	}
	if err := s.queue.Publish(r.Context(), task.Task{Store: store, Kind: frontier.KindFrontierScan}); err != nil {
		s.logger.Error("publish first step failed", zap.String("store", store), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start scan")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"store": store, "started": true, "rescan": rescan})
}

// startTableScan handles POST /v1/stores/{store}/tablescan.
func (s *Server) startTableScan(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	if _, ok := s.stores[store]; !ok {
		writeError(w, http.StatusNotFound, "unknown store")
		return
	}

	created, err := s.frontier.StartTableScan(r.Context(), store)
	if err != nil {
		s.logger.Error("start table scan failed", zap.String("store", store), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start table scan")
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "table scan already in progress")
		return
	}
	if err := s.queue.Publish(r.Context(), task.Task{Store: store, Kind: frontier.KindTableScan}); err != nil {
		s.logger.Error("publish first step failed", zap.String("store", store), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start table scan")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"store": store, "started": true})
}

// reconcileStore handles POST /v1/stores/{store}/reconcile.
func (s *Server) reconcileStore(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	merged, err := s.reconciler.Reconcile(r.Context(), store)
	if errors.Is(err, reconcile.ErrCrawlActive) {
		writeError(w, http.StatusConflict, "crawl in progress, reconcile refused")
		return
	}
	if err != nil {
		s.logger.Error("reconcile failed", zap.String("store", store), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": store, "merged": merged})
}

type categoryNode struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	URL      string          `json:"url"`
	Removed  bool            `json:"removed,omitempty"`
	Children []*categoryNode `json:"children,omitempty"`
}

// categoryTree handles GET /v1/stores/{store}/categories, returning the
// store's taxonomy as nested forests.
func (s *Server) categoryTree(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	cats, err := s.catalog.ListCategories(r.Context(), store)
	if err != nil {
		s.logger.Error("list categories failed", zap.String("store", store), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}

	nodes := make(map[int64]*categoryNode, len(cats))
	for _, c := range cats {
		nodes[c.ID] = &categoryNode{
			ID:      c.ID,
			Title:   c.Title,
			URL:     c.URL,
			Removed: c.RemovedAt != nil,
		}
	}
	var roots []*categoryNode
	for _, c := range cats {
		node := nodes[c.ID]
		if c.ParentID != nil {
			if parent, ok := nodes[*c.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": store, "categories": roots})
}

// getItem handles GET /v1/stores/{store}/items/{sku}, returning the item and
// its price history.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "store")
	sku := chi.URLParam(r, "sku")

	item, err := s.catalog.GetItem(r.Context(), store, sku)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("get item failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	prices, err := s.catalog.PriceHistory(r.Context(), store, sku)
	if err != nil {
		s.logger.Error("price history failed", zap.String("sku", sku), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load prices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "prices": prices})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
