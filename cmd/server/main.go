package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/predictions/config"
	"github.com/liamcoop/predictions/internal/logger"
	"github.com/liamcoop/predictions/oracle"
	"github.com/liamcoop/predictions/predictions"
	"github.com/liamcoop/predictions/schema"
	"github.com/liamcoop/predictions/store"
)

const (
	// maxBodyBytes caps request bodies on write endpoints
	maxBodyBytes = 1 << 20

	defaultRequestTimeout = 60 * time.Second

	// writeGrace is how long the connection outlives the handler timeout
	writeGrace = 5 * time.Second
)

// ModelInfo describes the loaded artifact on /health
type ModelInfo interface {
	Name() string
	Heads() map[string]string
}

// Options tunes the HTTP layer
type Options struct {
	RequestTimeout time.Duration
	SlowRequest    time.Duration
}

type Server struct {
	service *predictions.Service
	model   ModelInfo
	opts    Options
	router  *chi.Mux
}

func NewServer(service *predictions.Service, model ModelInfo, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	s := &Server{
		service: service,
		model:   model,
		opts:    opts,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.opts.SlowRequest))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	// Operational endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/schema", s.handleGetSchema)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Prediction
	r.Post("/predict", s.handlePredict)

	// Record management
	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.handleListRecords)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRecord)
			r.Put("/", s.handleUpdateRecord)
			r.Delete("/", s.handleDeleteRecord)
		})
	})

	r.Get("/summary/{column}", s.handleSummary)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Store().Ping(r.Context()); err != nil {
		logger.Error("health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Model:  s.model.Name(),
		})
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Model:   s.model.Name(),
		Outputs: s.model.Heads(),
	})
}

// Schema handler
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	sc := s.service.Schema()
	respondJSON(w, http.StatusOK, SchemaResponse{
		Table:     sc.Table,
		Fields:    sc.Fields,
		Outputs:   sc.Outputs,
		Updatable: nonNil(sc.AllowList()),
		Indexed:   nonNil(sc.IndexedColumns()),
	})
}

// Predict handler
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	payload, err := schema.DecodePayload(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	rec, err := s.service.PredictAndSave(r.Context(), payload)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, rec)
}

// List records handler
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q, err := s.service.ParseQuery(r.URL.Query())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	recs, err := s.service.List(r.Context(), q)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, recs)
}

// Get record handler
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	rec, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// Update record handler
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	payload, err := schema.DecodePayload(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	changes, err := predictions.ParseUpdate(payload)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	rec, err := s.service.Update(r.Context(), id, changes)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// Delete record handler
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	if err := s.service.Delete(r.Context(), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, DeleteResponse{Status: "deleted", ID: id})
}

// Summary handler
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	column := chi.URLParam(r, "column")

	buckets, err := s.service.Summary(r.Context(), column)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, SummaryResponse{Column: column, Buckets: buckets})
}

// respondServiceError maps the error taxonomy onto status codes. Storage and
// unexpected failures are logged with the request id and never echoed to the client.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, store.ErrInvalidColumn), errors.Is(err, oracle.ErrSchemaMismatch):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Record not found")
	default:
		logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "record id must be a positive integer")
		return 0, false
	}
	return id, true
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		logger.Error("failed to encode response", "status", status, "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: "internal server error"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

// writeTimeout keeps the server's write deadline past the handler timeout so the
// 503 from middleware.Timeout reaches the client
func writeTimeout(requestTimeout time.Duration) time.Duration {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return requestTimeout + writeGrace
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	if err := logger.Configure(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		SampleRate: cfg.Log.SampleRate,
	}); err != nil {
		logger.Fatal("failed to configure logging", "error", err)
	}

	// The artifact is loaded once; any failure here is fatal
	model, err := oracle.Load(cfg.Model.Path)
	if err != nil {
		logger.Fatal("failed to load model artifact", "path", cfg.Model.Path, "error", err)
	}
	logger.Info("model loaded", "name", model.Name(), "schema", model.Schema().String(), "outputs", model.Heads())

	sqlStore, err := store.Open(cfg.Database.Driver, cfg.Database.URL, model.Schema(), cfg.Database.Timeout)
	if err != nil {
		logger.Fatal("failed to open database", "driver", cfg.Database.Driver, "error", err)
	}

	if cfg.Database.CreateTable {
		if err := sqlStore.EnsureTable(context.Background()); err != nil {
			logger.Fatal("failed to create table", "table", model.Schema().Table, "error", err)
		}
	}

	var backend store.Store = sqlStore
	if cfg.Cache.Size > 0 {
		cache, err := store.NewLRURecordCache(store.CacheConfig{Size: cfg.Cache.Size, TTL: cfg.Cache.TTL})
		if err != nil {
			logger.Fatal("failed to create record cache", "error", err)
		}
		backend = store.NewCached(sqlStore, cache)
	}
	defer backend.Close()

	service := predictions.NewService(model, backend)
	server := NewServer(service, model, Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		SlowRequest:    cfg.Server.SlowRequest,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg.Server.RequestTimeout),
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr, "driver", cfg.Database.Driver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	_ = logger.Shutdown(ctx)
}
