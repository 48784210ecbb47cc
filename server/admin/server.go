// Package admin serves the node's admin API: health and readiness probes,
// Prometheus metrics and the node status.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/pkg/middleware"
	"github.com/andydunstall/mesh/pkg/status"
)

type Server struct {
	// node is nil when serving only the probe and metrics routes.
	node     *mesh.Node
	registry *prometheus.Registry

	httpServer *http.Server

	// streams is closed on shutdown to end event streams, which the HTTP
	// server does not track once hijacked.
	streams chan struct{}

	logger log.Logger
}

// NewServer creates an admin server for the node. If node is nil only the
// probe and metrics routes are registered.
func NewServer(
	node *mesh.Node,
	registry *prometheus.Registry,
	conf Config,
	tlsConfig *tls.Config,
	logger log.Logger,
) *Server {
	s := &Server{
		node:     node,
		registry: registry,
		streams:  make(chan struct{}),
		logger:   logger.WithSubsystem("admin"),
	}

	router := gin.New()
	router.Use(gin.CustomRecoveryWithWriter(nil, s.recoverRoute))
	router.Use(middleware.NewLogger(conf.AccessLog, s.logger))
	if registry != nil {
		metrics := middleware.NewMetrics("admin")
		metrics.Register(registry)
		router.Use(metrics.Handler())

		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{Registry: registry},
		)))
	}

	router.GET("/health", s.healthRoute)
	router.GET("/ready", s.readyRoute)
	if node != nil {
		newStatusHandler(node, s.streams, s.logger).Register(router.Group("/status"))
	}

	s.httpServer = &http.Server{
		Handler:   router,
		TLSConfig: tlsConfig,
		ErrorLog:  s.logger.StdLogger(zapcore.WarnLevel),
	}
	return s
}

// Serve serves admin requests on the listener until shutdown, using TLS if
// the server was created with a TLS config.
func (s *Server) Serve(ln net.Listener) error {
	if s.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	s.logger.Info(
		"starting admin server",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.httpServer.TLSConfig != nil),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown ends any event streams then waits for pending requests to
// complete.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.streams:
	default:
		close(s.streams)
	}
	return s.httpServer.Shutdown(ctx)
}

// healthRoute reports the process is alive.
func (s *Server) healthRoute(c *gin.Context) {
	c.Status(http.StatusOK)
}

// readyRoute reports whether the node can reach a quorum of the mesh, since
// writes made while partitioned are provisional.
func (s *Server) readyRoute(c *gin.Context) {
	if s.node == nil || !s.node.Partition().Partitioned() {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(
		http.StatusServiceUnavailable,
		status.NewErrorInfo(http.StatusServiceUnavailable, "node partitioned"),
	)
}

func (s *Server) recoverRoute(c *gin.Context, err any) {
	s.logger.Error(
		"handler panic",
		zap.String("path", c.FullPath()),
		zap.Any("err", err),
	)
	c.AbortWithStatus(http.StatusInternalServerError)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
