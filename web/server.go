// Package web exposes the chunked upload HTTP API.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/web/handlers"
	"github.com/gosom/meeting-transcriber/web/middleware"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	Logger         *zap.Logger
	Deps           handlers.Dependencies
}

type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewRouter builds the routed and middleware wrapped handler
func NewRouter(cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = log
	}

	router := mux.NewRouter()
	handlers.NewHandlerGroup(cfg.Deps).Register(router)

	return middleware.Chain(router,
		middleware.Recover(log),
		middleware.RequestLogger(log),
		middleware.CORS(cfg.AllowedOrigins),
		middleware.SecurityHeaders,
	)
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			// chunks of up to a few MiB over slow links
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  2 * time.Minute,
		},
		log: log,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		s.log.Info("http server listening", zap.String("addr", s.srv.Addr))

		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		errc <- err
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errc
}
