package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter serves the wire counters on GET /metrics.
func NewRouter(logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.GET("/metrics", gin.WrapH(Handler()))
	return r
}

// MetricsServer is a running /metrics endpoint.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// StartMetricsServer listens on addr and serves NewRouter in the background.
func StartMetricsServer(addr string, logger zerolog.Logger) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen (%s): %w", addr, err)
	}
	m := &MetricsServer{
		srv: &http.Server{
			Handler:           NewRouter(logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", m.Addr()).Msg("serving metrics")
	return m, nil
}

func (m *MetricsServer) Addr() string {
	return m.ln.Addr().String()
}

// Stop shuts the server down, waiting at most a second for open scrapes.
func (m *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("metrics shutdown")
	}
}
