package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/config"
	"github.com/seoharvest/webminer/internal/metrics"
	"github.com/seoharvest/webminer/internal/miner"
	"github.com/seoharvest/webminer/internal/mining"
	"github.com/seoharvest/webminer/internal/node"
	"github.com/seoharvest/webminer/internal/optimizer"
)

// Server wires HTTP handlers to the node manager, optimizer, miner and crawl
// registry.
type Server struct {
	router    chi.Router
	manager   *node.Manager
	optimizer *optimizer.Optimizer
	miner     *miner.Miner
	crawls    *CrawlRegistry
	idGen     mining.IDGenerator
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes. The optimizer,
// miner and crawl registry are optional; their routes answer 503 when absent.
func NewServer(
	manager *node.Manager,
	opt *optimizer.Optimizer,
	jobMiner *miner.Miner,
	crawls *CrawlRegistry,
	httpMetrics *metrics.HTTP,
	gatherer prometheus.Gatherer,
	idGen mining.IDGenerator,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:   manager,
		optimizer: opt,
		miner:     jobMiner,
		crawls:    crawls,
		idGen:     idGen,
		logger:    logger,
		cfg:       cfg,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware)
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey, s.logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", s.createNode)
			r.Get("/", s.listNodes)
			r.Route("/{node_id}", func(r chi.Router) {
				r.Get("/", s.getNode)
				r.Post("/targets", s.addTarget)
				r.Post("/optimize", s.optimizeNode)
			})
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.createCrawl)
			r.Route("/{crawl_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Get("/pages", s.listCrawlPages)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.manager == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "node manager unavailable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDomainError maps domain error types onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var notFound *mining.NotFoundError
	var invalidState *mining.InvalidStateError
	var noNodes *mining.NoAvailableNodesError
	switch {
	case errors.As(err, &notFound):
		writeError(s.logger, w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidState):
		writeError(s.logger, w, http.StatusConflict, err.Error())
	case errors.As(err, &noNodes):
		writeError(s.logger, w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			s.logger.Warn("request id generation failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
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
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(logger, w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
