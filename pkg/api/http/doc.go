// Package http serves orchestrator status over HTTP: health, run and unit
// status, an explicit stop, Prometheus metrics and the websocket status stream.
package http
