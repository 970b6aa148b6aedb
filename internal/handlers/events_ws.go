package handlers

import (
	"net/http"
	"time"

	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API sits behind auth middleware; origin checks are
	// enforced by the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventStreamHandler streams live dispatch outcomes over a websocket.
type EventStreamHandler struct {
	hub    *services.ExecutionHub
	logger *logrus.Logger
}

func NewEventStreamHandler(hub *services.ExecutionHub, logger *logrus.Logger) *EventStreamHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventStreamHandler{hub: hub, logger: logger}
}

func (h *EventStreamHandler) Stream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("events ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe()
	defer cancel()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

// RegisterEventStreamRoutes wires the websocket feed.
func RegisterEventStreamRoutes(r *gin.RouterGroup, handler *EventStreamHandler) {
	r.GET("/events/ws", handler.Stream)
}
