package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"prio-governor/internal/config"
	"prio-governor/internal/governor"
	"prio-governor/internal/host"
	"prio-governor/internal/logging"
)

// Governor is what the API reads and controls.
type Governor interface {
	Stats() governor.Stats
	Last() *governor.Report
	Decisions() []governor.Record
	Decision(groupID string) (governor.Record, bool)
	RequestReload(reason string) bool
}

type Server struct {
	gov     Governor
	host    *host.HostConfig
	engine  *gin.Engine
	limiter *RateLimiter
	http    *http.Server
	logger  *logrus.Logger
}

// New builds the router. reg may be nil, in which case /metrics is not served.
func New(cfg config.APIConfig, gov Governor, hc *host.HostConfig, reg *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		gov:    gov,
		host:   hc,
		engine: gin.New(),
		logger: logging.GetLogger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
		s.engine.Use(s.limiter.Middleware())
	}

	s.engine.GET("/healthz", s.health)
	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/stats", s.stats)
		v1.GET("/report", s.report)
		v1.GET("/decisions", s.decisions)
		v1.GET("/decisions/:id", s.decision)
		v1.GET("/host", s.hostInfo)
		v1.POST("/reload", s.reload)
	}
	if reg != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves in the background. Listener errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("listen", s.http.Addr).Info("API listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("API server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("API request")
	}
}
