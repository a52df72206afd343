// README: WebSocket relay of driver and passenger notification topics.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"arkdispatch/internal/notify"
	"arkdispatch/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type StreamHandler struct {
	bus notify.Subscriber
	log *slog.Logger
}

func NewStreamHandler(bus notify.Subscriber, log *slog.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, log: log}
}

// Stream handles GET /ws/:kind/:id. Every event published on the caller's
// topic is written as one JSON text frame until either side closes.
func (h *StreamHandler) Stream(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var topic string
	switch c.Param("kind") {
	case "driver":
		topic = notify.DriverTopic(types.ID(id))
	case "passenger":
		topic = notify.PassengerTopic(types.ID(id))
	default:
		writeError(c, http.StatusNotFound, "unknown stream")
		return
	}

	ctx := c.Request.Context()
	sub, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		h.log.Error("subscribe failed", "topic", topic, "error", err)
		writeError(c, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "topic", topic, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("websocket write failed", "topic", topic, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
