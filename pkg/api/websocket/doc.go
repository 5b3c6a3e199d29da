// Package websocket streams orchestrator status to clients connected on
// /api/v1/status/ws.
package websocket
