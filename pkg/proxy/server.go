package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/duckbridge/pkg/assets"
	"github.com/lkarlslund/duckbridge/pkg/bridge"
	"github.com/lkarlslund/duckbridge/pkg/config"
	"github.com/lkarlslund/duckbridge/pkg/duckchat"
	"github.com/lkarlslund/duckbridge/pkg/logstore"
	"github.com/lkarlslund/duckbridge/pkg/logutil"
	"github.com/lkarlslund/duckbridge/pkg/metrics"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
	"github.com/lkarlslund/duckbridge/pkg/toolsim"
	"github.com/lkarlslund/duckbridge/pkg/vpn"
	"golang.org/x/crypto/acme/autocert"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 8 << 20
)

type Option func(*Server)

// WithUpstreamFactory replaces the duckchat client built from the upstream
// config section. It is called again whenever the config changes.
func WithUpstreamFactory(fn func(config.UpstreamConfig, *pacing.Coordinator, func(string)) bridge.Upstream) Option {
	return func(s *Server) {
		if fn != nil {
			s.newUpstream = fn
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogStore serves recent log lines from st at /api/logs.
func WithLogStore(st *logstore.Store) Option {
	return func(s *Server) {
		if st != nil {
			s.logs = st
		}
	}
}

func WithRegistry(r *toolsim.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

type Server struct {
	store       *config.ServerConfigStore
	pacing      *pacing.Coordinator
	janitor     *pacing.Janitor
	metrics     *metrics.Collector
	registry    *toolsim.Registry
	vpn         *vpn.Manager
	logs        *logstore.Store
	hub         *statusHub
	templates   *template.Template
	newUpstream func(config.UpstreamConfig, *pacing.Coordinator, func(string)) bridge.Upstream
	bridge      atomic.Pointer[bridge.Bridge]
	handler     http.Handler
	httpServer  *http.Server

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func defaultUpstream(cfg config.UpstreamConfig, coord *pacing.Coordinator, onOutcome func(string)) bridge.Upstream {
	return duckchat.NewClient(cfg, duckchat.WithPacing(coord), duckchat.WithOutcomeHook(onOutcome))
}

// NewServer wires the bridge, pacing coordinator and HTTP surface. The pacing
// store is owned by the caller.
func NewServer(store *config.ServerConfigStore, pacingStore pacing.Store, opts ...Option) (*Server, error) {
	cfg := store.Snapshot()
	tpl, err := assets.ParseTemplates()
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:       store,
		registry:    toolsim.Builtins(),
		vpn:         vpn.NewManager(cfg.VPN.ConfigPath),
		logs:        logstore.NewStore(logstore.DefaultMaxLines),
		hub:         newStatusHub(),
		templates:   tpl,
		newUpstream: defaultUpstream,
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewCollector(nil)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pacing = pacing.NewCoordinator(pacingStore,
		append(pacing.OptionsFromConfig(cfg.Pacing), pacing.WithObserver(s.onPacingStatus))...,
	)
	s.janitor = pacing.NewJanitor(s.pacing, time.Duration(cfg.Pacing.PruneIntervalSeconds)*time.Second)
	s.applyConfig(cfg)
	store.OnChange(s.applyConfig)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(serverHeader)
	r.Use(corsMiddleware)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(requestLogger)
	r.Use(s.metrics.Middleware)
	r.Use(recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", errTypeInvalidRequest)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s not allowed", r.Method), errTypeInvalidRequest)
	})

	r.Get("/", s.handleDashboard)
	r.Get("/dashboard", s.handleDashboard)
	r.Get("/static/{name}", handleStatic)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Get("/tools", s.handleTools)
		v1.Post("/tools/execute", s.handleToolExecute)
		v1.Get("/rate-limit", s.handleRateLimit)
		v1.Get("/rate-limit/ws", s.handleRateLimitWS)
	})
	r.Route("/api/vpn", func(api chi.Router) {
		api.Get("/status", s.handleVPNStatus)
		api.Post("/config", s.handleVPNConfig)
		api.Post("/connect", s.handleVPNConnect)
	})
	r.Get("/api/logs", s.handleLogs)
	r.Delete("/api/logs", s.handleClearLogs)

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.hub.closeAll)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Bridge() *bridge.Bridge {
	return s.bridge.Load()
}

func (s *Server) Pacing() *pacing.Coordinator {
	return s.pacing
}

// applyConfig rebuilds the upstream client and bridge from cfg. Requests in
// flight keep the bridge they started with.
func (s *Server) applyConfig(cfg config.ServerConfig) {
	if err := logutil.Configure(cfg.LogLevel); err != nil {
		log.Warn("ignoring log level", "err", err)
	}
	up := s.newUpstream(cfg.Upstream, s.pacing, s.metrics.RecordUpstream)
	b := bridge.New(up,
		bridge.WithPacing(s.pacing),
		bridge.WithRegistry(s.registry),
		bridge.WithDefaultModel(cfg.Upstream.DefaultModel),
		bridge.WithToolCallHook(s.metrics.RecordToolCalls),
	)
	s.bridge.Store(b)
	log.Debug("bridge configured", "upstream", cfg.Upstream.BaseURL, "default_model", cfg.Upstream.DefaultModel)
}

func (s *Server) onPacingStatus(st pacing.Status) {
	s.metrics.SetPacingWindow(st.Count)
	s.hub.publish(st)
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 3)

	if err := s.janitor.Start(ctx); err != nil {
		return err
	}
	defer s.janitor.Stop()
	go func() {
		if err := s.store.Watch(ctx); err != nil {
			log.Warn("config watch stopped", "err", err)
		}
	}()
	go s.vpn.AutoConnect()

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			log.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		s.awaitShutdown(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Info("duckbridge listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	s.awaitShutdown(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// awaitShutdown blocks until ctx is done or a listener failed, then drains
// in-flight /v1 requests for at most shutdownTimeout.
func (s *Server) awaitShutdown(ctx context.Context, errCh chan error) {
	select {
	case <-ctx.Done():
	case err := <-errCh:
		errCh <- err
	}
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.waitForProxyIdle(drainCtx)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

// proxyRequestLifecycleMiddleware counts in-flight /v1 requests and refuses
// new ones once shutdown started. The status websocket is long-lived and is
// closed by the server instead.
func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/") && r.URL.Path != "/v1/rate-limit/ws"
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, "Server shutting down", errTypeUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: drain timed out", "active", active)
			return
		case <-t.C:
		}
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
