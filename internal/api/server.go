// Package api serves the node's diagnostics and operational controls over
// HTTP, plus a websocket stream of DMX frames.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/services/bridge"
	"github.com/bbernstein/lacylights-node/internal/services/dmx"
	"github.com/bbernstein/lacylights-node/internal/services/pubsub"
)

// ParamStore reads and replaces persisted parameter documents.
type ParamStore interface {
	Document(name string) (config.Properties, error)
	// UpdateDocument validates, persists and applies a document.
	UpdateDocument(ctx context.Context, name string, props config.Properties) error
}

// Deps are the components the API reads and controls.
type Deps struct {
	DMX *dmx.Service
	// Outputs receives port start and stop so every sink follows the port.
	Outputs bridge.Output
	Bridge  *bridge.Bridge
	Params  ParamStore
	// RDM may be nil; the RDM endpoint then answers 503.
	RDM Transactor
	Bus *pubsub.PubSub
	Log logrus.FieldLogger
}

// Options tune the HTTP surface.
type Options struct {
	CORSOrigin  string
	Development bool
	// KeepAlive is the websocket ping interval.
	KeepAlive time.Duration
}

// Server holds the router and its dependencies.
type Server struct {
	deps    Deps
	opts    Options
	log     logrus.FieldLogger
	started time.Time
	router  chi.Router
}

// New builds the router.
func New(deps Deps, opts Options) *Server {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 10 * time.Second
	}
	s := &Server{
		deps:    deps,
		opts:    opts,
		log:     deps.Log.WithField("component", "api"),
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	router.Use(middleware.Recoverer)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   []string{s.opts.CORSOrigin, "http://localhost:3000", "http://localhost:4000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		Debug:            s.opts.Development,
	})
	router.Use(corsMiddleware.Handler)

	router.Get("/health", s.health)
	router.Get("/ws/frames", s.frames)

	router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/ports", s.listPorts)
		r.Route("/ports/{port}", func(r chi.Router) {
			r.Get("/stats", s.portStats)
			r.Delete("/stats", s.clearPortStats)
			r.Post("/start", s.startPort)
			r.Post("/stop", s.stopPort)
			r.Put("/direction", s.setDirection)
			r.Post("/rdm", s.rdmTransact)
		})
		r.Post("/blackout", s.blackout)
		r.Post("/fullon", s.fullOn)
		r.Get("/universes/{universe}/sources", s.sources)
		r.Get("/bridge/counters", s.counters)
		r.Get("/params/{name}", s.getParams)
		r.Put("/params/{name}", s.putParams)
		r.Get("/interfaces", s.interfaces)
		r.Get("/version", s.version)
	})

	return router
}
