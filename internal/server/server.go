// Package server is the HTTP surface a supervisor watches: health,
// current run status, and a manual trigger.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/voterd/voterd/internal/orchestrator"
)

// StatusSource is the orchestrator surface the handlers read.
type StatusSource interface {
	Status() orchestrator.Status
}

// Trigger is the scheduler surface the manual run route drives.
type Trigger interface {
	TriggerNow() error
	Running() bool
}

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. "127.0.0.1:8643"
	// UnhealthyAfter is how long the agent may sit without a state
	// transition before the health endpoint reports unhealthy.
	UnhealthyAfter time.Duration
	// FastTransitionBelow classifies a transition gap as "fast", a hint
	// to the supervisor that the agent may be thrashing through states.
	FastTransitionBelow time.Duration
}

// Server serves the agent's observability endpoints.
type Server struct {
	config  Config
	status  StatusSource
	trigger Trigger
	httpSrv *http.Server
	logger  *log.Logger
	started time.Time
	now     func() time.Time
}

// New creates a new Server watching the given orchestrator and scheduler.
func New(cfg Config, status StatusSource, trigger Trigger, logger *log.Logger) *Server {
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 15 * time.Minute
	}
	if cfg.FastTransitionBelow <= 0 {
		cfg.FastTransitionBelow = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[voterd-server] ", log.LstdFlags)
	}
	s := &Server{
		config:  cfg,
		status:  status,
		trigger: trigger,
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /runs", s.handleTriggerRun)

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// ListenAndServe starts the server and blocks until Shutdown or a
// listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.config.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve is ListenAndServe on an existing listener; tests use it to bind
// port 0.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
