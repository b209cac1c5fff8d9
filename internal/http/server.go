package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-core/internal/ride"
	"github.com/example/rider-core/internal/routing"
)

// Server is the local control surface for the ride core: the UI shell (or a
// curl session) drives drafts, booking, and cancellation through it and
// reads the live session state back.
type Server struct {
	machine *ride.Machine
	pool    *ride.NearbyDriverPool
	router  routing.Router
	places  *routing.PlacesClient
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(machine *ride.Machine, pool *ride.NearbyDriverPool, router routing.Router, places *routing.PlacesClient, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		machine: machine,
		pool:    pool,
		router:  router,
		places:  places,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/session", s.handleSession).Methods("GET")
	s.mux.HandleFunc("/api/v1/draft", s.handleDraft).Methods("PUT")
	s.mux.HandleFunc("/api/v1/ride", s.handleBook).Methods("POST")
	s.mux.HandleFunc("/api/v1/ride", s.handleCancel).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/ride/ack", s.handleAcknowledge).Methods("POST")
	s.mux.HandleFunc("/api/v1/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/location", s.handleRiderLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/places", s.handlePlaces).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
