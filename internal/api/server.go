// Package api exposes the engine's HTTP surface: the signed unsubscribe
// endpoint recipients hit from email footers, and read-only views for
// operators inspecting the queue and enrollments.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/primehaul/mailflow/internal/automation"
	"github.com/primehaul/mailflow/internal/mailing"
)

// Server bundles the handlers' dependencies.
type Server struct {
	store   *mailing.Store
	signer  *mailing.Signer
	manager *automation.Manager
}

// NewServer creates the HTTP server facade.
func NewServer(store *mailing.Store, signer *mailing.Signer, manager *automation.Manager) *Server {
	return &Server{store: store, signer: signer, manager: manager}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/email/unsubscribe", s.handleUnsubscribe)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleListQueue)
		r.Get("/enrollments", s.handleListEnrollments)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
