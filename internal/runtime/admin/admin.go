// Package admin serves the HTTP administration surface: adapter status,
// statistics, recent events, start/stop commands, pipeline graphs, process
// resources, registered transports and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/pipeflow/internal/runtime/adapter"
	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
	"github.com/drblury/pipeflow/transport"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 8081

// Config configures the admin server.
type Config struct {
	Port               int
	CORSAllowedOrigins []string
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log logging.ServiceLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithGatherer serves g on /metrics. Without it the default registry is
// served.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithTransports lists the transports of reg on /api/transports.
func WithTransports(reg *transport.Registry) Option {
	return func(s *Server) { s.transports = reg }
}

// Server exposes registered adapters over HTTP.
type Server struct {
	cfg        Config
	log        logging.ServiceLogger
	gatherer   prometheus.Gatherer
	transports *transport.Registry
	resources  *resourceTracker

	mu       sync.RWMutex
	adapters []*adapter.Adapter
	byName   map[string]*adapter.Adapter

	router *httprouter.Router
	srv    *http.Server
}

// New builds a Server. Adapters are added with Register.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		gatherer:   prometheus.DefaultGatherer,
		transports: transport.DefaultRegistry,
		resources:  newResourceTracker(),
		byName:     make(map[string]*adapter.Adapter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.ForComponent(s.log, "admin", "http")
	s.router = s.routes()
	return s
}

// Register exposes a.
func (s *Server) Register(a *adapter.Adapter) error {
	if a == nil {
		return errpkg.ErrNilAdapter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[a.Name()]; ok {
		return fmt.Errorf("%w: %s", errpkg.ErrDuplicateAdapter, a.Name())
	}
	s.byName[a.Name()] = a
	s.adapters = append(s.adapters, a)
	return nil
}

// Handler returns the root handler including CORS handling.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router)
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	port := s.cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("pipeflow: admin listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("pipeflow: admin server already running")
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("starting admin server", logging.LogFields{"address": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server stopped", err, logging.LogFields{"address": ln.Addr().String()})
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()
	r.GET("/api/adapters", s.listAdapters)
	r.GET("/api/adapters/:name", s.withAdapter(s.getAdapter))
	r.GET("/api/adapters/:name/statistics", s.withAdapter(s.getStatistics))
	r.GET("/api/adapters/:name/messages", s.withAdapter(s.getMessages))
	r.GET("/api/adapters/:name/graph", s.withAdapter(s.getGraph))
	r.POST("/api/adapters/:name/start", s.withAdapter(s.startAdapter))
	r.POST("/api/adapters/:name/stop", s.withAdapter(s.stopAdapter))
	r.GET("/api/runtime", s.getRuntime)
	r.GET("/api/transports", s.listTransports)
	r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.PanicHandler = func(w http.ResponseWriter, _ *http.Request, v any) {
		s.log.Error("admin handler panicked", fmt.Errorf("%v", v), nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
	return r
}

type adapterHandle func(w http.ResponseWriter, r *http.Request, a *adapter.Adapter)

func (s *Server) withAdapter(next adapterHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		name := ps.ByName("name")
		s.mu.RLock()
		a, ok := s.byName[name]
		s.mu.RUnlock()
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("adapter %q not found", name))
			return
		}
		next(w, r, a)
	}
}

func (s *Server) listAdapters(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.RLock()
	list := make([]adapter.Status, 0, len(s.adapters))
	for _, a := range s.adapters {
		list = append(list, a.Status())
	}
	s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) getAdapter(w http.ResponseWriter, _ *http.Request, a *adapter.Adapter) {
	s.writeJSON(w, http.StatusOK, a.Status())
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request, a *adapter.Adapter) {
	action, err := statistics.ParseAction(r.URL.Query().Get("action"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	tree, err := statistics.Collect(a, action)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tree)
}

func (s *Server) getMessages(w http.ResponseWriter, _ *http.Request, a *adapter.Adapter) {
	s.writeJSON(w, http.StatusOK, a.Messages().Events())
}

func (s *Server) getGraph(w http.ResponseWriter, _ *http.Request, a *adapter.Adapter) {
	if !a.Configured() {
		s.writeError(w, http.StatusConflict, errpkg.ErrNotConfigured)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if err := a.Pipeline().WriteDOT(w); err != nil {
		s.log.Error("failed to write pipeline graph", err, logging.LogFields{"adapter": a.Name()})
	}
}

func (s *Server) startAdapter(w http.ResponseWriter, r *http.Request, a *adapter.Adapter) {
	a.StartRunning(r.Context())
	s.writeJSON(w, http.StatusAccepted, a.Status())
}

func (s *Server) stopAdapter(w http.ResponseWriter, r *http.Request, a *adapter.Adapter) {
	a.StopRunning(r.Context())
	s.writeJSON(w, http.StatusAccepted, a.Status())
}

func (s *Server) getRuntime(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, s.resources.Snapshot())
}

func (s *Server) listTransports(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.transports == nil {
		s.writeJSON(w, http.StatusOK, []transport.Capabilities{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.transports.All())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// cors sets the CORS headers for allowed origins and answers preflight
// requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(requestOrigin string) string {
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
