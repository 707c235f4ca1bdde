package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"positionwatch/config"
	"positionwatch/internal/metrics"
	"positionwatch/logger"
	"positionwatch/models"
	"positionwatch/reader"
)

// Backend exposes the live monitor state and the reload trigger to the
// status API.
type Backend interface {
	Sessions() []reader.SessionStatus
	Positions(account string) []models.PositionSnapshot
	RequestReload() bool
}

// Server hosts the gin status API of the monitor.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	backend         Backend
	metricStore     *metricStore
	logStore        *logStore
	summaryStore    *summaryStore
	stopSamples     func()
	httpServer      *http.Server
	resourceSampler *resourceSampler
	startedAt       time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, backend Backend) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if backend == nil {
		return nil, errors.New("dashboard backend is required")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if cfg.SummaryHistory <= 0 {
		cfg.SummaryHistory = 100
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	stopSamples := metrics.Listen(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		backend:         backend,
		metricStore:     metricStore,
		logStore:        logStore,
		summaryStore:    newSummaryStore(cfg.SummaryHistory),
		stopSamples:     stopSamples,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
		startedAt:       time.Now(),
	}, nil
}

// Consume records every summary received on ch until it is closed.
func (s *Server) Consume(ch <-chan models.SummaryEvent) {
	if s == nil {
		return
	}
	go func() {
		for summary := range ch {
			s.summaryStore.add(summary)
		}
	}()
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.stopSamples()
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"started_at":          s.startedAt.Format(time.RFC3339),
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		sessions := s.backend.Sessions()
		connected := 0
		for _, st := range sessions {
			if st.State == reader.StateConnected.String() {
				connected++
			}
		}
		status, code := "ok", http.StatusOK
		switch {
		case connected == 0:
			status, code = "down", http.StatusServiceUnavailable
		case connected < len(sessions):
			status = "degraded"
		}
		c.JSON(code, gin.H{
			"status":    status,
			"connected": connected,
			"sessions":  len(sessions),
		})
	})

	router.GET("/api/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.backend.Sessions()})
	})

	router.GET("/api/positions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"positions": s.backend.Positions(c.Query("account"))})
	})

	router.GET("/api/summaries", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"summaries": s.summaryStore.snapshot()})
	})

	router.POST("/api/reload", func(c *gin.Context) {
		if !s.backend.RequestReload() {
			c.JSON(http.StatusConflict, gin.H{"status": "shutdown already in progress"})
			return
		}
		s.log.WithComponent("dashboard").WithField("remote", c.ClientIP()).Warn("reload requested over http")
		c.JSON(http.StatusAccepted, gin.H{"status": "reloading"})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"source":    m.Source,
				"name":      m.Name,
				"value":     m.Value,
				"gauge":     m.Gauge,
				"account":   m.Account,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "127.0.0.1:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
