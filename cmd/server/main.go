package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/driftlab/driftwatch/internal/api"
	"github.com/driftlab/driftwatch/internal/cache"
	"github.com/driftlab/driftwatch/internal/detector"
	"github.com/driftlab/driftwatch/internal/kdqtree"
	"github.com/driftlab/driftwatch/internal/metrics"
	"github.com/driftlab/driftwatch/internal/results"
	"github.com/driftlab/driftwatch/internal/wal"
	"github.com/driftlab/driftwatch/pkg/otel"
)

// kdqDetector is the surface the server needs beyond detector.Member:
// the verdict statistics for reports and the partition export.
type kdqDetector interface {
	detector.Member
	Divergence() float64
	Threshold() float64
	Export(maxDepth int) ([]kdqtree.ExportRow, error)
}

// managedDetector serializes updates to one detector instance. seq
// increments per accepted update and keys the idempotent report store.
type managedDetector struct {
	mu   sync.Mutex
	kind string
	det  kdqDetector
	seq  int64
}

type Server struct {
	mu          sync.RWMutex
	detectors   map[string]*managedDetector
	resultStore results.Store
	ingestWAL   *wal.IngestWAL
	exportCache *cache.LRUWithTTL[string, []kdqtree.ExportRow]
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	reportTTL   time.Duration
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Setup results store
	resultsBackend := getEnv("RESULTS_BACKEND", "memory")
	var resultStore results.Store
	var err error

	switch resultsBackend {
	case "memory":
		snapshotPath := getEnv("RESULTS_SNAPSHOT", "data/reports.json")
		resultStore = results.NewMemoryStore(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		redisPass := getEnv("REDIS_PASSWORD", "")
		redisDB := getEnvInt("REDIS_DB", 0)
		resultStore, err = results.NewRedisStore(redisAddr, redisPass, redisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		resultStore, err = results.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown RESULTS_BACKEND: %s", resultsBackend)
	}

	// Setup WAL
	walDir := getEnv("WAL_DIR", "data/wal")
	ingestWAL, err := wal.NewIngestWAL(walDir)
	if err != nil {
		log.Fatalf("Failed to create ingest WAL: %v", err)
	}

	// Setup metrics
	m := metrics.New()

	// Partition export cache
	exportCacheSize := getEnvInt("EXPORT_CACHE_SIZE", 128)
	exportCacheTTL := time.Duration(getEnvInt("EXPORT_CACHE_TTL_SEC", 30)) * time.Second
	exportCache, err := cache.NewLRUWithTTL[string, []kdqtree.ExportRow](exportCacheSize, exportCacheTTL)
	if err != nil {
		log.Fatalf("Failed to create export cache: %v", err)
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	// Tracing
	var tp interface {
		Shutdown(context.Context) error
	}
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("driftwatch")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		tracerProvider, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to init tracer: %v", err)
		}
		tp = tracerProvider
	}

	// Create server
	srv := &Server{
		detectors:   make(map[string]*managedDetector),
		resultStore: resultStore,
		ingestWAL:   ingestWAL,
		exportCache: exportCache,
		metrics:     m,
		limiter:     limiter,
		reportTTL:   time.Duration(getEnvInt("REPORT_TTL_SEC", int(14*24*time.Hour/time.Second))) * time.Second,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/detectors", srv.handleCreate)
	mux.HandleFunc("POST /v1/detectors/{name}/reference", srv.handleReference)
	mux.HandleFunc("POST /v1/detectors/{name}/update", srv.handleUpdate)
	mux.HandleFunc("GET /v1/detectors/{name}/state", srv.handleState)
	mux.HandleFunc("GET /v1/detectors/{name}/partition", srv.handlePartition)
	mux.HandleFunc("GET /v1/reports/{id}", srv.handleReport)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Close resources
	if err := ingestWAL.Close(); err != nil {
		log.Printf("Error closing WAL: %v", err)
	}
	if err := resultStore.Close(); err != nil {
		log.Printf("Error closing result store: %v", err)
	}
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}

	log.Println("Server stopped")
}

type createRequest struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	Params api.KdqTreeParams `json:"params"`
}

type batchRequest struct {
	Seq     int64       `json:"seq,omitempty"`
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Detector name is required", http.StatusBadRequest)
		return
	}

	params := req.Params
	if params.Alpha == 0 && params.BootstrapSamples == 0 && params.CountUBound == 0 {
		params = api.DefaultKdqTreeParams()
	}

	var det kdqDetector
	switch req.Kind {
	case "kdqtree-batch":
		det = detector.NewKdqTreeBatch(params)
	case "kdqtree-streaming":
		sd, err := detector.NewKdqTreeStreaming(params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		det = sd
	default:
		http.Error(w, fmt.Sprintf("Unknown detector kind: %s", req.Kind), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.detectors[req.Name]; exists {
		http.Error(w, "Detector already exists", http.StatusConflict)
		return
	}
	s.detectors[req.Name] = &managedDetector{kind: req.Kind, det: det}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"name": req.Name, "kind": req.Kind})
}

func (s *Server) lookup(name string) (*managedDetector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.detectors[name]
	return md, ok
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	md, ok := s.lookup(name)
	if !ok {
		http.Error(w, "Detector not found", http.StatusNotFound)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	data := &api.Dataset{Columns: req.Columns, Rows: req.Rows}

	md.mu.Lock()
	defer md.mu.Unlock()
	if err := md.det.SetReference(data, nil); err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	// A rebuilt reference invalidates every cached export.
	s.exportCache.Clear()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	// Rate limiting
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.metrics.IngestTotal.Inc()
	start := time.Now()

	md, ok := s.lookup(name)
	if !ok {
		http.Error(w, "Detector not found", http.StatusNotFound)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	// Append to WAL BEFORE parsing (fault tolerance)
	if err := s.ingestWAL.Append(body); err != nil {
		log.Printf("WAL append error: %v", err)
		s.metrics.WALErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	data := &api.Dataset{Columns: req.Columns, Rows: req.Rows}

	ctx, span := otel.StartSpan(r.Context(), "driftwatch/server", "detector.update",
		otel.BatchAttributes("", len(req.Rows), len(req.Columns))...)
	defer span.End()

	md.mu.Lock()
	defer md.mu.Unlock()

	// Idempotent replay: a client retrying a seq it already submitted
	// gets the stored report back without re-running the update.
	if req.Seq != 0 && req.Seq <= md.seq {
		reportID := api.ComputeReportID(name, req.Seq)
		existing, err := s.resultStore.Get(ctx, reportID)
		if err != nil {
			log.Printf("Result store error: %v", err)
			s.metrics.StoreErrors.Inc()
		}
		if existing != nil {
			s.metrics.DedupHits.Inc()
			respondWithReport(w, existing)
			return
		}
	}

	if err := md.det.Update(data, nil); err != nil {
		otel.RecordError(span, err, "update failed")
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	md.seq++

	report := &api.DriftReport{
		ReportID:   api.ComputeReportID(name, md.seq),
		Detector:   name,
		Seq:        md.seq,
		State:      md.det.State(),
		Divergence: md.det.Divergence(),
		Threshold:  md.det.Threshold(),
		NumRows:    len(req.Rows),
		ComputedAt: time.Now().UTC(),
	}

	// Store report (first write wins)
	if err := s.resultStore.Set(ctx, report.ReportID, report, s.reportTTL); err != nil {
		log.Printf("Failed to store report: %v", err)
		s.metrics.StoreErrors.Inc()
		// Continue anyway - this is not fatal
	}

	// Update metrics
	s.metrics.UpdatesByDetector.WithLabelValues(name).Inc()
	s.metrics.Divergence.WithLabelValues(name).Observe(report.Divergence)
	s.metrics.UpdateLatency.Observe(time.Since(start).Seconds())
	if report.State == api.StateDrift {
		s.metrics.DriftTotal.Inc()
		s.metrics.DriftByDetector.WithLabelValues(name).Inc()
	}

	span.SetAttributes(otel.VerdictAttributes(string(report.State), report.Divergence, report.Threshold)...)

	respondWithReport(w, report)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	md, ok := s.lookup(name)
	if !ok {
		http.Error(w, "Detector not found", http.StatusNotFound)
		return
	}

	md.mu.Lock()
	resp := map[string]interface{}{
		"name":       name,
		"kind":       md.kind,
		"seq":        md.seq,
		"state":      md.det.State(),
		"divergence": md.det.Divergence(),
		"threshold":  md.det.Threshold(),
	}
	md.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	md, ok := s.lookup(name)
	if !ok {
		http.Error(w, "Detector not found", http.StatusNotFound)
		return
	}

	maxDepth := 0
	if v := r.URL.Query().Get("max_depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid max_depth", http.StatusBadRequest)
			return
		}
		maxDepth = d
	}

	// Keying by seq makes stale entries unreachable after each update.
	md.mu.Lock()
	cacheKey := fmt.Sprintf("%s:%d:%d", name, md.seq, maxDepth)
	if rows, hit := s.exportCache.Get(cacheKey); hit {
		md.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
		return
	}
	rows, err := md.det.Export(maxDepth)
	md.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	s.exportCache.Set(cacheKey, rows)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.resultStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		log.Printf("Result store error: %v", err)
		s.metrics.StoreErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	respondWithReport(w, report)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondWithReport(w http.ResponseWriter, report *api.DriftReport) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, api.ErrShape), errors.Is(err, api.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
