package rpc

import (
	"context"
	"net"

	"UniRide/logger"
	"UniRide/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceGateway is the health service name load balancers check.
const ServiceGateway = "uniride.rt.Gateway"

// HealthServer exposes grpc.health.v1 for the gateway. The overall ("")
// status follows the gateway service.
type HealthServer struct {
	srv *grpc.Server
	hs  *health.Server
	lis net.Listener
	log *zap.Logger
}

func NewHealthServer(addr string, log *zap.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.WrapMsg(err, "grpc listen", "addr", addr)
	}
	h := &HealthServer{
		srv: grpc.NewServer(),
		hs:  health.NewServer(),
		lis: lis,
		log: logger.Or(log).Named("grpc-health"),
	}
	grpc_health_v1.RegisterHealthServer(h.srv, h.hs)
	h.SetServing(false)
	return h, nil
}

func (h *HealthServer) Addr() string {
	return h.lis.Addr().String()
}

func (h *HealthServer) SetServing(ok bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceGateway, st)
}

// Serve blocks until Stop.
func (h *HealthServer) Serve() error {
	h.log.Info("grpc health listening", zap.String("addr", h.Addr()))
	if err := h.srv.Serve(h.lis); err != nil && err != grpc.ErrServerStopped {
		return errs.WrapMsg(err, "grpc serve")
	}
	return nil
}

// Stop reports NOT_SERVING to watchers, then stops gracefully unless ctx
// ends first.
func (h *HealthServer) Stop(ctx context.Context) error {
	h.hs.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.srv.Stop()
		return ctx.Err()
	}
}
