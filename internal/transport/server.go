package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	chitrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/go-chi/chi.v5"
)

// Server is responsible for the transport layer of the API.
type Server struct {
	Logger            zerolog.Logger
	AsyncErrorHandler func(error)
	TraceExtractor    traceExtractor
	ReviewService     handlerReviewService
	Addr              string

	writer writer
	server http.Server
	router chi.Mux
	routed bool
}

// Init the server internal state.
func (s *Server) Init() error {
	if s.AsyncErrorHandler == nil {
		return errors.New("missing 'AsyncErrorHandler'")
	}
	if s.TraceExtractor == nil {
		return errors.New("missing TraceExtractor")
	}
	if s.ReviewService == nil {
		return errors.New("missing ReviewService")
	}
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	return nil
}

// Start the server.
func (s *Server) Start() {
	if !s.routed {
		s.initRouter()
	}

	// The HTTP server uses a static configuration. In the case that we need to change this setting in the future, we
	// could consider moving it to a configuration file.
	s.server = http.Server{
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    maxBodySize,
		Addr:              s.Addr,
		Handler:           &s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.AsyncErrorHandler(fmt.Errorf("fail to start the http server: %w", err))
		}
	}()
}

// Stop the server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("fail to close the http server: %w", err)
	}
	return nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	if !s.routed {
		s.initRouter()
	}
	return &s.router
}

func (s *Server) initRouter() {
	s.router = *chi.NewRouter()
	s.writer.logger = s.Logger
	s.writer.traceExtractor = s.TraceExtractor
	s.initMiddleware()
	s.initHandler()
	s.routed = true
}

func (s *Server) initMiddleware() {
	m := middleware{log: s.Logger, writer: s.writer, traceExtractor: s.TraceExtractor}
	s.router.Use(m.recoverer)
	s.router.Use(chitrace.Middleware())
	s.router.Use(chiMiddleware.NoCache)
	s.router.Use(chiMiddleware.RealIP)
	s.router.Use(chiMiddleware.RequestID)
	s.router.Use(chiMiddleware.StripSlashes)
	s.router.Use(chiMiddleware.NewCompressor(5).Handler)
	s.router.Use(m.logger)
	s.router.Use(m.limitReader(maxBodySize))
}

func (s *Server) initHandler() {
	h := handler{
		writer:         s.writer,
		logger:         s.Logger,
		traceExtractor: s.TraceExtractor,
		reviewService:  s.ReviewService,
	}

	s.router.MethodNotAllowed(h.methodNotAllowed)
	s.router.NotFound(h.notFound)
	s.router.Get("/health", h.health)
	s.router.Post("/sessions", h.open)
	s.router.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Delete("/", h.close)
		r.Put("/submission", h.switchSubmission)
		r.Put("/mode", h.setMode)
		r.Put("/image", h.setImage)
		r.Put("/viewport", h.setViewport)
		r.Put("/visibility", h.setVisibility)
		r.Put("/comment", h.setComment)
		r.Post("/pointer", h.pointer)
		r.Post("/pins/{number}/edit", h.beginEdit)
		r.Delete("/pins/{number}", h.deletePin)
		r.Put("/edit", h.setEditBuffer)
		r.Post("/edit/commit", h.commitEdit)
		r.Post("/edit/cancel", h.cancelEdit)
		r.Post("/save", h.save)
		r.Get("/blobs/{blob}", h.blob)
	})
}
