package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type batchReader interface {
	GetBatch(ctx context.Context, batchID string) (*domain.OrderBatch, error)
	ListBatches(ctx context.Context, clientID string, status domain.BatchStatus, limit int) ([]*domain.OrderBatch, error)
}

// Server exposes health, metrics and read-only batch endpoints.
type Server struct {
	Addr    string
	Batches batchReader
	Metrics http.Handler
	l       *zap.Logger
}

// NewServer creates a new ops server instance. metrics may be nil.
func NewServer(addr string, batches batchReader, metrics http.Handler, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{Addr: addr, Batches: batches, Metrics: metrics, l: l}
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
	mux.HandleFunc("GET /batches", s.handleListBatches)
	mux.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("ops server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with ACME certificates. A plain HTTP
// server on :80 answers the HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme server stopped", zap.Error(err))
		}
	}()

	s.l.Info("ops server listening with automatic TLS", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Batches.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status domain.BatchStatus
	if raw := q.Get("status"); raw != "" {
		parsed, err := domain.ParseBatchStatus(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, domain.Failure{Error: "bad_request", Details: err.Error()})
			return
		}
		status = parsed
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, domain.Failure{Error: "bad_request", Details: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := s.Batches.ListBatches(r.Context(), q.Get("client_id"), status, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if list == nil {
		list = []*domain.OrderBatch{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	f := domain.NewFailure(err)
	code := http.StatusInternalServerError
	switch f.Error {
	case domain.FailureBatchNotFound:
		code = http.StatusNotFound
	case domain.FailureInvalidBatchState:
		code = http.StatusConflict
	default:
		s.l.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, code, f)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Warn("encode response", zap.Error(err))
	}
}
