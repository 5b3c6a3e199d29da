package control

import (
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// OverallService is the health service name reporting the run as a whole
const OverallService = ""

// HealthHandler publishes unit states through the standard gRPC health
// service: one service name per unit id plus the overall service.
type HealthHandler struct {
	server *health.Server
	logger logging.Logger

	mutex sync.Mutex
	runID string
	units map[string]scheduler.State
}

func NewHealthHandler(logger logging.Logger) *HealthHandler {
	h := &HealthHandler{
		server: health.NewServer(),
		logger: logger,
		units:  make(map[string]scheduler.State),
	}
	h.server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_UNKNOWN)
	return h
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler *HealthHandler) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, handler.server)
}

// ServingStatus maps a unit state to a health status
func ServingStatus(state scheduler.State) healthpb.HealthCheckResponse_ServingStatus {
	switch {
	case state.IsSuccess():
		return healthpb.HealthCheckResponse_SERVING
	case state == scheduler.StateFailed:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// RunStarted switches the handler to a new run. Units of the previous run
// that are not part of it go back to UNKNOWN.
func (h *HealthHandler) RunStarted(snapshot scheduler.Snapshot) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	next := make(map[string]scheduler.State, len(snapshot.Units))
	for _, u := range snapshot.Units {
		next[u.ID] = u.State
	}
	for id := range h.units {
		if _, ok := next[id]; !ok {
			h.server.SetServingStatus(id, healthpb.HealthCheckResponse_UNKNOWN)
		}
	}

	h.runID = snapshot.RunID
	h.units = next
	for id, state := range next {
		h.server.SetServingStatus(id, ServingStatus(state))
	}
	h.updateOverallLocked()
	h.logger.Debugf("Health handler tracking run, id: %s, units: %d", snapshot.RunID, len(next))
}

func (h *HealthHandler) UnitTransition(runID, unitID string, kind units.Kind, from, to scheduler.State) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if runID != h.runID {
		return
	}
	h.units[unitID] = to
	h.server.SetServingStatus(unitID, ServingStatus(to))
	h.updateOverallLocked()
}

func (h *HealthHandler) ProbeAttempt(runID, unitID string, attempt int, result probe.Result) {}

// RunFinished leaves unit statuses as they were; the overall service reports
// SERVING only for a run that succeeded.
func (h *HealthHandler) RunFinished(runID string, mode scheduler.Mode, phase scheduler.Phase, duration time.Duration) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if runID != h.runID {
		return
	}
	if phase == scheduler.PhaseSucceeded {
		h.server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_SERVING)
	} else {
		h.server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// updateOverallLocked: SERVING once every unit is succeeded or ready,
// NOT_SERVING as soon as one failed, UNKNOWN otherwise
func (h *HealthHandler) updateOverallLocked() {
	status := healthpb.HealthCheckResponse_SERVING
	for _, state := range h.units {
		if state == scheduler.StateFailed {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
		if !state.IsSuccess() {
			status = healthpb.HealthCheckResponse_UNKNOWN
		}
	}
	h.server.SetServingStatus(OverallService, status)
}

// Shutdown sets every service to NOT_SERVING and ignores later updates
func (h *HealthHandler) Shutdown() {
	h.server.Shutdown()
}
