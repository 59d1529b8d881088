// Package httpapi exposes the operational status surface: process
// counters, per-protocol connection statistics, log retrieval and the
// Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/logger"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	serverPkg "github.com/mismo-messaging/mismo/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP status API server
type Server struct {
	addr           string
	hostname       string
	allowedHosts   []string
	logDir         string
	database       *db.Database
	counters       *metrics.Counters
	limiters       []*serverPkg.ConnectionLimiter
	metricsEnabled bool
	metricsPath    string
	server         *http.Server
}

// ServerOptions holds configuration options for the HTTP status API
type ServerOptions struct {
	Addr           string
	Hostname       string
	AllowedHosts   []string
	LogDir         string
	Limiters       []*serverPkg.ConnectionLimiter
	MetricsEnabled bool
	MetricsPath    string
}

func New(database *db.Database, counters *metrics.Counters, options ServerOptions) *Server {
	metricsPath := options.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Server{
		addr:           options.Addr,
		hostname:       options.Hostname,
		allowedHosts:   options.AllowedHosts,
		logDir:         options.LogDir,
		database:       database,
		counters:       counters,
		limiters:       options.Limiters,
		metricsEnabled: options.MetricsEnabled,
		metricsPath:    metricsPath,
	}
}

// Start runs the HTTP API server until ctx is cancelled.
func Start(ctx context.Context, database *db.Database, counters *metrics.Counters, options ServerOptions, errChan chan error) {
	server := New(database, counters, options)

	logger.Info("HTTP API server listening", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/status/detail", s.handleStatusDetail).Methods("GET")
	router.HandleFunc("/logs", s.handleLogs).Methods("GET")

	if s.metricsEnabled {
		router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	}

	// Anything else is refused outright rather than described.
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusForbidden, "Forbidden")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Handler functions

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname": s.hostname,
		"status":   "ok",
		"counters": s.counters.Snapshot(),
	})
}

func (s *Server) handleStatusDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	connections := make([]serverPkg.ConnectionStats, 0, len(s.limiters))
	for _, limiter := range s.limiters {
		connections = append(connections, limiter.GetStats())
	}

	detail := map[string]interface{}{
		"hostname":    s.hostname,
		"counters":    s.counters.Snapshot(),
		"connections": connections,
	}

	if s.database != nil {
		storeDetail := map[string]interface{}{}
		if depth, err := s.database.QueueDepth(ctx); err == nil {
			storeDetail["queue_depth"] = depth
		}
		if domains, err := s.database.CountDomains(ctx); err == nil {
			storeDetail["domains"] = domains
			metrics.DomainsTotal.Set(float64(domains))
		}
		if mailboxes, err := s.database.CountMailboxes(ctx); err == nil {
			storeDetail["mailboxes"] = mailboxes
			metrics.MailboxesTotal.Set(float64(mailboxes))
		}
		detail["store"] = storeDetail
	}

	s.writeJSON(w, http.StatusOK, detail)
}

// handleLogs serves one named log file from the configured log
// directory. The name is flattened to its base so requests cannot walk
// out of the directory.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logDir == "" {
		s.writeError(w, http.StatusNotFound, "Log directory not configured")
		return
	}

	name := r.URL.Query().Get("log")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "Missing log parameter")
		return
	}

	path := filepath.Join(s.logDir, filepath.Base(name))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound, "No such log")
			return
		}
		logger.Error("HTTP API: error reading log file", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
