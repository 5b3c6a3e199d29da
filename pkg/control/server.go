package control

import (
	"context"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// Server is the orchestrator's gRPC control endpoint: the hsu-core service
// answering pings plus the health service publishing unit states
type Server struct {
	server coreControl.Server
	health *HealthHandler
	logger logging.Logger
}

func NewServer(port int, health *HealthHandler, logger logging.Logger) (*Server, error) {
	coreLogger := logging.ToCore(logger)

	server, err := coreControl.NewServer(coreControl.ServerOptions{Port: port}, coreLogger)
	if err != nil {
		return nil, errors.NewNetworkError("failed to create gRPC server", err).WithContext("port", port)
	}

	// Register core services
	coreHandler := coreDomain.NewDefaultHandler(coreLogger)
	coreControl.RegisterGRPCServerHandler(server.GRPC(), coreHandler, coreLogger)

	// Register unit health
	RegisterGRPCServerHandler(server.GRPC(), health)

	return &Server{
		server: server,
		health: health,
		logger: logger,
	}, nil
}

// Start begins serving in the background
func (s *Server) Start(ctx context.Context) {
	s.logger.Infof("Starting gRPC control server...")
	s.server.Start(ctx)
}

// Shutdown marks every health service NOT_SERVING so watchers see the
// orchestrator going away, then stops the server
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	s.server.Shutdown(ctx)
	s.logger.Infof("gRPC control server stopped")
}

// Connect attaches to a control server on the local port and waits until it answers pings
func Connect(ctx context.Context, port int, ping coreDomain.RetryPingOptions, logger logging.Logger) (*Gateway, error) {
	coreLogger := logging.ToCore(logger)

	connection, err := coreControl.NewConnection(coreControl.ConnectionOptions{AttachPort: port}, coreLogger)
	if err != nil {
		return nil, errors.NewNetworkError("failed to create core connection", err).WithContext("port", port)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(connection.GRPC(), coreLogger)
	if err := coreDomain.RetryPing(ctx, coreClientGateway, ping, coreLogger); err != nil {
		return nil, errors.NewNetworkError("orchestrator did not answer ping", err).WithContext("port", port)
	}

	return NewGRPCClientGateway(connection.GRPC(), logger), nil
}
