// Package server exposes the generation client over HTTP: generation
// and upscale endpoints, the login session lifecycle, the screen relay,
// and local re-hosting of downloaded images.
package server

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pixelbard/bardgen/internal/api"
	"github.com/pixelbard/bardgen/internal/auth"
	"github.com/pixelbard/bardgen/internal/cookies"
)

// Server wires the HTTP surface together.
type Server struct {
	api      *api.Client
	sessions *auth.SessionManager
	store    *cookies.Store
	imageDir string
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithImageDir sets the directory downloaded images are re-hosted from.
func WithImageDir(dir string) Option {
	return func(s *Server) { s.imageDir = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the server and its routes.
func New(client *api.Client, sessions *auth.SessionManager, store *cookies.Store, opts ...Option) *Server {
	s := &Server{
		api:      client,
		sessions: sessions,
		store:    store,
		imageDir: "images",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/upscale", s.handleUpscale)
	mux.HandleFunc("POST /auth/start", s.handleAuthStart)
	mux.HandleFunc("POST /auth/stop", s.handleAuthStop)
	mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	mux.HandleFunc("GET /auth/relay", s.sessions.ServeRelay)
	mux.Handle("GET /images/", http.StripPrefix("/images/", http.FileServer(http.Dir(s.imageDir))))
	s.mux = mux
	return s
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"dur", time.Since(start).Round(time.Millisecond),
		)
	})
}

type loggingWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *loggingWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Hijack is required for the relay's WebSocket upgrade.
func (w *loggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func jsonResp(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, err error) {
	jsonResp(w, status, map[string]string{"error": err.Error()})
}
