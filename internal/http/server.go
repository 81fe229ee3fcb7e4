// Package http exposes the budget ledger as a JSON API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tesorero/internal/cache"
	"tesorero/internal/core"
	"tesorero/internal/middleware/ratelimit"
	"tesorero/internal/middleware/security"
	"tesorero/internal/middleware/trace"
	"tesorero/internal/services"
)

type Server struct {
	http.Server
	svc *services.BudgetService

	limiter  *ratelimit.Limiter
	detector *security.Detector

	// Year summaries are the hot read; entries invalidate on every write.
	summaryCache *cache.LRUCache[core.YearSummary]
	cacheManager *cache.Manager

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, svc *services.BudgetService) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		svc:          svc,
		limiter:      ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector:     security.NewDetector(),
		summaryCache: cache.NewLRUCache[core.YearSummary](50, 5*time.Minute),
		cacheManager: cache.NewManager(),
	}

	s.cacheManager.Register(s.summaryCache)
	s.cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("POST /api/entries", s.handleCreateEntry)
	mux.HandleFunc("PUT /api/entries/{id}", s.handleUpdateEntry)
	mux.HandleFunc("POST /api/entries/{id}/archive", s.handleArchiveEntry)
	mux.HandleFunc("POST /api/entries/{id}/restore", s.handleRestoreEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)
	mux.HandleFunc("GET /api/entries", s.handleListEntries)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/particulars", s.handleListParticulars)
	mux.HandleFunc("POST /api/particulars", s.handleDefineParticular)
	mux.HandleFunc("GET /api/audit", s.handleListAuditRecords)
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	tracer := trace.NewMiddleware(s.detector.ExtractClientIP)
	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	limited := s.limiter.Middleware(s.detector.ExtractClientIP, nil)

	s.Handler = tracer.Middleware(headers.Middleware(s.flagSuspicious(limited(mux))))
	return s
}

// flagSuspicious logs probe-looking requests. They are served normally;
// the signal is for operators watching the logs.
func (s *Server) flagSuspicious(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.detector.DetectSuspiciousRequest(r) {
			slog.WarnContext(r.Context(), "Suspicious request pattern",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", s.detector.ExtractClientIP(r))
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops the server and all background cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.cacheManager.Stop()
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) summaryCacheKey(year int) string {
	return strconv.Itoa(year)
}

// invalidateSummary drops the cached summary after any ledger write.
func (s *Server) invalidateSummary(year int) {
	s.summaryCache.Delete(s.summaryCacheKey(year))
}

func (s *Server) yearSummary(ctx context.Context, year int) (core.YearSummary, error) {
	key := s.summaryCacheKey(year)
	if sum, found := s.summaryCache.Get(key); found {
		return sum, nil
	}

	cctx, cancel := context.WithTimeout(ctx, 7*time.Second)
	defer cancel()
	sum, err := s.svc.YearSummary(cctx, year)
	if err != nil {
		return core.YearSummary{}, err
	}
	s.summaryCache.Set(key, sum)
	return sum, nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
