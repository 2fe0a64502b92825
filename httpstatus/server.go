// Package httpstatus exposes a read-only status view and a command
// surface over the battleye engine's event and request/response API. It
// is a collaborator, not part of the protocol engine: nothing under
// battleye/ imports this package.
package httpstatus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"battleye-rcon/battleye"
)

// Server serves the connection list, per-connection SSE event stream,
// and a POST endpoint to issue a command, over the Connections a
// Multiplexer holds.
type Server struct {
	port       int
	mux        *battleye.Multiplexer
	router     *mux.Router
	httpServer *http.Server
}

func New(port int, m *battleye.Multiplexer) *Server {
	s := &Server{
		port:   port,
		mux:    m,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/connections").Subrouter()
	api.HandleFunc("", s.handleListConnections).Methods("GET")
	api.HandleFunc("/{id}/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/{id}/commands", s.handleCommand).Methods("POST")
	log.Info("Registered route: /connections/{id}/events")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Infof("httpstatus: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until ctx is done or the
// listener fails, in the manner of net/http's ListenAndServe.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("httpstatus: context done, shutting down")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("httpstatus: listening on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
