package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"freightd/internal/config"
	"freightd/internal/domain"
	"freightd/internal/infra/metrics"
	"freightd/internal/usecase"
)

// Server exposes the shipment event log over HTTP. It owns no pipeline
// state: recording goes through the Recorder, and the anchor columns it
// serves are read straight from the outbox repository.
type Server struct {
	cfg config.Config
	r   *gin.Engine
	log *logrus.Entry

	recorder  *usecase.Recorder
	shipments domain.ShipmentRepository
	locations domain.LocationRepository
	outbox    domain.AnchorRequestRepository

	rateLimiter       domain.RateLimiter
	rateLimitRequests int
	rateLimitWindow   time.Duration

	metrics  *metrics.Set
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

type ServerDeps struct {
	Recorder    *usecase.Recorder
	Shipments   domain.ShipmentRepository
	Locations   domain.LocationRepository
	Outbox      domain.AnchorRequestRepository
	RateLimiter domain.RateLimiter
	Metrics     *metrics.Set
	Gatherer    prometheus.Gatherer
	Log         *logrus.Entry
}

func NewServer(cfg config.Config, deps ServerDeps) (*Server, error) {
	if deps.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if deps.Shipments == nil {
		return nil, errors.New("shipment repository is required")
	}
	if deps.Outbox == nil {
		return nil, errors.New("outbox repository is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewSet(nil)
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:               cfg,
		r:                 r,
		log:               deps.Log,
		recorder:          deps.Recorder,
		shipments:         deps.Shipments,
		locations:         deps.Locations,
		outbox:            deps.Outbox,
		rateLimiter:       deps.RateLimiter,
		rateLimitRequests: cfg.RateLimitRequests,
		rateLimitWindow:   cfg.RateLimitWindow(),
		metrics:           deps.Metrics,
		gatherer:          deps.Gatherer,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)

	if s.gatherer != nil {
		s.r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	shipments := s.r.Group("/shipments")
	{
		shipments.POST("", s.handleCreateShipment)
		shipments.POST("/:id/status", s.handleRecordStatus)
		shipments.POST("/:id/pings", s.handleRecordPing)
		shipments.GET("/:id/history", s.handleHistory)
		shipments.GET("/:id/current-status", s.handleCurrentStatus)
		shipments.GET("/:id/anchors", s.handleAnchors)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.r }

func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.r,
	}
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
