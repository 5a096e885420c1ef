package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes /metrics over HTTP. A zero address disables it.
type MetricsServer struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

// NewMetricsServer creates the metrics endpoint for addr.
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   addr,
		logger: logger,
	}
}

// Start listens and serves in the background. It returns the bound address.
func (m *MetricsServer) Start() (string, error) {
	if m.addr == "" {
		return "", nil
	}
	lis, err := net.Listen("tcp", m.addr)
	if err != nil {
		return "", err
	}
	m.logger.Info("metrics server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := m.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return lis.Addr().String(), nil
}

// Stop shuts the endpoint down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if m.addr == "" {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
