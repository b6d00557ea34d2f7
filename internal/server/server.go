package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/config"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/middleware"
	"github.com/newsdigest/watchtower/internal/models"
	"github.com/newsdigest/watchtower/internal/monitor"
)

// Operations is what the HTTP surface needs from the monitor.
type Operations interface {
	AcknowledgeAlert(ctx context.Context, id, actor string) (models.Alert, error)
	ResolveAlert(ctx context.Context, id, actor string) (models.Alert, error)
	ReopenAlert(ctx context.Context, id, actor string) (models.Alert, error)
	GetActiveAlerts(ctx context.Context, filter alerting.Filter) []models.Alert
	GetAlert(ctx context.Context, id string) (monitor.AlertDetail, error)

	GetThreshold(ctx context.Context, metric string) (models.ThresholdState, error)
	Thresholds(ctx context.Context) []models.ThresholdState
	SetBaseThreshold(ctx context.Context, metric string, base float64, actor string) (models.ThresholdState, error)
	ThresholdHistory(ctx context.Context, metric string, limit int) ([]models.ThresholdHistory, error)

	GetRecentFindings(ctx context.Context, minutes int) ([]models.Finding, error)
	Patterns(ctx context.Context) []models.PatternRecord

	IngestSample(ctx context.Context, name string, value float64, ts time.Time) error
	IngestLog(ctx context.Context, line string) error

	Health(ctx context.Context) monitor.Health
	Subscribe(fn func(alerting.Event))
}

// Server serves the watchtower REST API, the alert stream and /metrics.
type Server struct {
	config *config.Config
	ops    Operations
	logger *zap.Logger

	hub     *Hub
	limiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server
	addr       string

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server over ops. It subscribes the alert stream hub to
// ops immediately.
func NewServer(cfg *config.Config, ops Operations, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if ops == nil {
		return nil, fmt.Errorf("operations cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		ops:    ops,
		logger: logger.Named("http"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.hub = NewHub(s.logger)
	ops.Subscribe(s.hub.Publish)
	if cfg.Server.RateLimitPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.RateLimitPerMinute)
	}
	return s, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.registerHandlers(router)

	router.Use(middleware.Correlation)
	router.Use(middleware.RequestLogger(s.logger))
	router.Use(middleware.Recovery(s.logger))
	return router
}

// registerHandlers wires every route.
//
//	GET  /healthz
//	GET  /metrics
//	POST /api/v1/metrics                       push samples
//	POST /api/v1/logs                          push log lines
//	GET  /api/v1/alerts                        ?status=&severity=&limit=
//	GET  /api/v1/alerts/{id}
//	POST /api/v1/alerts/{id}/acknowledge
//	POST /api/v1/alerts/{id}/resolve
//	POST /api/v1/alerts/{id}/reopen
//	GET  /api/v1/thresholds
//	GET  /api/v1/thresholds/{metric}
//	PUT  /api/v1/thresholds/{metric}
//	GET  /api/v1/thresholds/{metric}/history   ?limit=
//	GET  /api/v1/findings                      ?minutes=
//	GET  /api/v1/patterns
//	GET  /api/v1/stream                        websocket
func (s *Server) registerHandlers(router *mux.Router) {
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKey(s.config.Server.APIKey))
	api.Use(middleware.MaxBodySize(s.config.Server.MaxBodyBytes))
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}

	api.HandleFunc("/metrics", s.handleIngestMetrics).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleIngestLogs).Methods(http.MethodPost)

	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAlertAction(s.ops.AcknowledgeAlert)).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleAlertAction(s.ops.ResolveAlert)).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/reopen", s.handleAlertAction(s.ops.ReopenAlert)).Methods(http.MethodPost)

	api.HandleFunc("/thresholds", s.handleListThresholds).Methods(http.MethodGet)
	api.HandleFunc("/thresholds/{metric}", s.handleGetThreshold).Methods(http.MethodGet)
	api.HandleFunc("/thresholds/{metric}", s.handleSetThreshold).Methods(http.MethodPut)
	api.HandleFunc("/thresholds/{metric}/history", s.handleThresholdHistory).Methods(http.MethodGet)

	api.HandleFunc("/findings", s.handleFindings).Methods(http.MethodGet)
	api.HandleFunc("/patterns", s.handlePatterns).Methods(http.MethodGet)

	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := net.JoinHostPort(s.config.Server.Host, fmt.Sprint(s.config.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("http server started", zap.String("addr", s.addr))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop gracefully stops the server and closes every stream client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down http server: %w", shutdownErr)
		}
	}

	// Cancel context
	s.cancel()
	s.hub.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	// Wait for goroutines
	s.wg.Wait()

	s.logger.Info("http server stopped")
	return err
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
