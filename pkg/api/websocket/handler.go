package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
)

const (
	DefaultInterval = 500 * time.Millisecond
	writeTimeout    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Source is what the stream reports on
type Source interface {
	State() string
	CurrentRun() (scheduler.Snapshot, bool)
}

// Message is one frame of the status stream
type Message struct {
	State string              `json:"state"`
	Run   *scheduler.Snapshot `json:"run,omitempty"`
}

// Handler streams status snapshots to websocket clients. A frame is sent on
// connect and then whenever the status changed since the last frame.
type Handler struct {
	source   Source
	interval time.Duration
	logger   logging.Logger
}

func NewHandler(source Source, interval time.Duration, logger logging.Logger) *Handler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Handler{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

func (h *Handler) message() Message {
	m := Message{State: h.source.State()}
	if snapshot, ok := h.source.CurrentRun(); ok {
		m.Run = &snapshot
	}
	return m
}

// HandleStatusStream upgrades the request and streams until the client goes away
func (h *Handler) HandleStatusStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("Failed to upgrade connection: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Infof("Status stream connected, client: %s", c.ClientIP())

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only serve to notice the client closing the connection
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for {
		data, err := json.Marshal(h.message())
		if err != nil {
			h.logger.Errorf("Failed to marshal status: %v", err)
			return
		}
		if !bytes.Equal(data, last) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warnf("Status stream write failed, closing: %v", err)
				return
			}
			last = data
		}

		select {
		case <-ctx.Done():
			h.logger.Infof("Status stream closed, client: %s", c.ClientIP())
			return
		case <-ticker.C:
		}
	}
}
