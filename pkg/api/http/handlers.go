package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string          `json:"status"`
	State  string          `json:"state"`
	Phase  scheduler.Phase `json:"phase,omitempty"`
	Failed []string        `json:"failed,omitempty"`
}

type StatusResponse struct {
	State       string              `json:"state"`
	Run         *scheduler.Snapshot `json:"run,omitempty"`
	Supervision *reactive.Report    `json:"supervision,omitempty"`
}

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// handleHealth is 200 while the current run is in progress with no failed unit and 503 otherwise
func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{State: s.orchestrator.State()}

	snapshot, ok := s.orchestrator.CurrentRun()
	if !ok {
		response.Status = "not_running"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Phase = snapshot.Phase
	for _, u := range snapshot.Units {
		if u.State == scheduler.StateFailed {
			response.Failed = append(response.Failed, u.ID)
		}
	}

	if snapshot.Degraded || snapshot.Phase == scheduler.PhaseFailed {
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	if snapshot.Phase.IsFinal() {
		response.Status = "finished"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Status = "healthy"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleStatus(c *gin.Context) {
	response := StatusResponse{State: s.orchestrator.State()}
	if snapshot, ok := s.orchestrator.CurrentRun(); ok {
		response.Run = &snapshot
	}
	if report, ok := s.orchestrator.Supervision(); ok {
		response.Supervision = &report
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleGetUnit(c *gin.Context) {
	unitID := c.Param("id")

	snapshot, ok := s.orchestrator.CurrentRun()
	if !ok {
		errorResponse(c, http.StatusNotFound, "NO_RUN", "no run in progress")
		return
	}
	unit, ok := snapshot.Unit(unitID)
	if !ok {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "unit not found: "+unitID)
		return
	}
	c.JSON(http.StatusOK, unit)
}

// handleStop blocks until teardown is done
func (s *Server) handleStop(c *gin.Context) {
	if err := s.orchestrator.Stop(c.Request.Context()); err != nil {
		s.logger.Errorf("Stop requested over HTTP failed: %v", err)
		code := http.StatusInternalServerError
		if errors.IsConflictError(err) {
			code = http.StatusConflict
		}
		errorResponse(c, code, "STOP_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.orchestrator.State()})
}
