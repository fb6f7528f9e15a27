// Package httpapi is the HTTP boundary: it enqueues catalog jobs,
// reports task status, and exposes the announcement and delivery
// operations. Identity arrives as an X-User-ID header set by the
// fronting auth layer; this package only enforces ownership.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"coursed/internal/blob"
	"coursed/internal/jobs"
	"coursed/internal/notices"
	"coursed/internal/storage"
	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

// Config controls the API server.
type Config struct {
	Addr string

	// BaseURL overrides the request host when absolutizing URLs in task
	// payloads. Useful behind a reverse proxy.
	BaseURL string

	CORSOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the router and the underlying http.Server.
type Server struct {
	cfg Config
	log logx.Logger

	runner  *jobs.Runner
	notices *notices.Service
	tasks   tstore.Store
	db      storage.Store
	blobs   blob.Store

	// mediaDir is the blob root served under /media/.
	mediaDir string

	srv *http.Server
}

func New(cfg Config, runner *jobs.Runner, svc *notices.Service, tasks tstore.Store, db storage.Store, blobs blob.Store, mediaDir string, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		runner:   runner,
		notices:  svc,
		tasks:    tasks,
		db:       db,
		blobs:    blobs,
		mediaDir: mediaDir,
	}
}

// Handler builds the chi router. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoverer)
	r.Use(s.accessLog)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/courses/exports", s.handleExport)
		r.Post("/courses/imports", s.handleImport)
		r.Get("/courses", s.handleListCourses)

		r.Get("/tasks/{id}", s.handleTaskStatus)

		r.Post("/announcements", s.handleCreateAnnouncement)
		r.Get("/announcements", s.handleListAnnouncements)
		r.Post("/announcements/{id}/publish", s.handlePublish)
		r.Post("/announcements/{id}/withdraw", s.handleWithdraw)
		r.Get("/announcements/{id}/stats", s.handleStats)
		r.Post("/announcements/{id}/remind", s.handleRemind)

		r.Get("/deliveries", s.handleListDeliveries)
		r.Get("/deliveries/unread-count", s.handleUnreadCount)
		r.Post("/deliveries/{id}/delivered", s.handleDelivered)
		r.Post("/deliveries/{id}/ack", s.handleAck)
	})

	if s.mediaDir != "" {
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir)))
		r.Get("/media/*", fs.ServeHTTP)
	}

	return r
}

// Start binds the listener and serves until Stop or a listener error.
// It blocks; run it under the supervisor.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Duration("dur", time.Since(start)))
	})
}
