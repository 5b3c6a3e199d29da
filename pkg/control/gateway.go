package control

import (
	"context"
	"io"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// Gateway is the client side of the health service, used by the CLI
type Gateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) *Gateway {
	return &Gateway{
		grpcClient: healthpb.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

// Status returns the serving status of a unit, or of the whole run for OverallService
func (gw *Gateway) Status(ctx context.Context, unitID string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: unitID})
	if err != nil {
		gw.logger.Errorf("Status client gateway: %v", err)
		return healthpb.HealthCheckResponse_UNKNOWN, errors.NewNetworkError("health check failed", err).WithContext("unit_id", unitID)
	}
	gw.logger.Debugf("Status client gateway done, unit: %q, status: %s", unitID, response.GetStatus())
	return response.GetStatus(), nil
}

// Watch calls onStatus for every status change of unitID until ctx is done or the stream ends
func (gw *Gateway) Watch(ctx context.Context, unitID string, onStatus func(healthpb.HealthCheckResponse_ServingStatus)) error {
	stream, err := gw.grpcClient.Watch(ctx, &healthpb.HealthCheckRequest{Service: unitID})
	if err != nil {
		return errors.NewNetworkError("health watch failed", err).WithContext("unit_id", unitID)
	}

	for {
		response, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.NewNetworkError("health watch stream failed", err).WithContext("unit_id", unitID)
		}
		onStatus(response.GetStatus())
	}
}
