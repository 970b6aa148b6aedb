package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestEventStreamHandler_StreamsExecutions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := services.NewExecutionHub()

	r := gin.New()
	api := r.Group("/api")
	RegisterEventStreamRoutes(api, NewEventStreamHandler(hub, testHandlerLogger()))

	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription.
	deadline := time.Now().Add(2 * time.Second)
	var delivered bool
	for time.Now().Before(deadline) && !delivered {
		hub.Publish(services.ExecutionEvent{RuleID: "r1", Outcome: "executed"})

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var evt services.ExecutionEvent
		if err := conn.ReadJSON(&evt); err == nil {
			if evt.RuleID != "r1" || evt.Outcome != "executed" {
				t.Fatalf("event = %+v", evt)
			}
			delivered = true
		}
	}
	if !delivered {
		t.Fatal("no execution event received over the websocket")
	}
}
