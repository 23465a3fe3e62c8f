package reporter

import (
	"context"
	"net"

	logger "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TEENet-io/zenz-bridge/listener"
)

// HealthReporter publishes one grpc health service per listener. A listener
// is SERVING only while it is listening.
type HealthReporter struct {
	server *health.Server
}

func NewHealthReporter(names ...string) *HealthReporter {
	h := &HealthReporter{server: health.NewServer()}
	for _, name := range names {
		h.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// OnStateChange has the signature of listener.Listener.OnStateChange.
func (h *HealthReporter) OnStateChange(name string, _, to listener.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == listener.StateListening {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(name, status)
}

func (h *HealthReporter) Server() healthpb.HealthServer {
	return h.server
}

// Serve runs the grpc health endpoint on lis until ctx is done.
func (h *HealthReporter) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.server)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("grpc health listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	h.server.Shutdown()
	srv.GracefulStop()
	return <-errCh
}
