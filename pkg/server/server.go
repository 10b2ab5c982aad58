// Package server is the HTTP front door: project registry CRUD, lifecycle
// operations, workspace scanning, port usage, log history and one-way event
// streaming over SSE.
package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/omayhemo/debughost/pkg/bus"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/lifecycle"
	"github.com/omayhemo/debughost/pkg/logs"
	"github.com/omayhemo/debughost/pkg/ports"
	"github.com/omayhemo/debughost/pkg/registry"
	"github.com/omayhemo/debughost/pkg/scan"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server serves the API over the configured listen address.
type Server struct {
	Log *logrus.Entry

	Registry *registry.Registry
	Manager  *lifecycle.Manager
	Scanner  *scan.Scanner
	Ports    *ports.Registry
	Logs     *logs.Collector
	Bus      *bus.Bus

	config  *config.AppConfig
	httpSrv *http.Server
}

func NewServer(
	log *logrus.Entry,
	appConfig *config.AppConfig,
	projectRegistry *registry.Registry,
	manager *lifecycle.Manager,
	scanner *scan.Scanner,
	portRegistry *ports.Registry,
	collector *logs.Collector,
	eventBus *bus.Bus,
) *Server {
	s := &Server{
		Log:      log,
		Registry: projectRegistry,
		Manager:  manager,
		Scanner:  scanner,
		Ports:    portRegistry,
		Logs:     collector,
		Bus:      eventBus,
		config:   appConfig,
	}
	s.httpSrv = &http.Server{
		Addr:              appConfig.UserConfig.Server.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can drive the handlers through
// httptest without a listener.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan", s.handleScan)
		r.Get("/ports", s.handlePortUsage)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.handleRegister)
			r.Get("/", s.handleList)
			r.Post("/clear-inactive", s.handleClearInactive)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Patch("/", s.handleUpdate)
				r.Delete("/", s.handleRemove)
				r.Post("/start", s.handleStart)
				r.Post("/stop", s.handleStop)
				r.Post("/restart", s.handleRestart)
				r.Get("/status", s.handleStatus)
				r.Get("/logs", s.handleLogs)
				r.Get("/events", s.handleEvents)
			})
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.Log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  wrapped.Status(),
			"elapsed": time.Since(began).String(),
		}).Debug("request handled")
	})
}

// Run serves until ctx is cancelled, then drains with the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Log.WithField("addr", s.httpSrv.Addr).Info("listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		timeout := time.Duration(s.config.UserConfig.Server.ShutdownTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.config.Version,
	})
}

func (s *Server) handlePortUsage(w http.ResponseWriter, r *http.Request) {
	if tech := r.URL.Query().Get("tech"); tech != "" {
		writeJSON(w, http.StatusOK, s.Ports.Usage(tech))
		return
	}

	techs := make([]string, 0, len(s.config.UserConfig.PortRanges))
	for tech := range s.config.UserConfig.PortRanges {
		techs = append(techs, tech)
	}
	sort.Strings(techs)

	usages := make([]ports.Usage, 0, len(techs))
	for _, tech := range techs {
		usages = append(usages, s.Ports.Usage(tech))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": usages})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(s.Log, w, err)
		return
	}

	result, err := s.Scanner.Scan(req.Path)
	if err != nil {
		writeError(s.Log, w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
