package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxReadBytes = 512
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	upgrader := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if allowsAnyOrigin(allowedOrigins) {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSuffix(strings.TrimSpace(origin), "/")] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return upgrader
}

// handleStream serves the SSE live channel. Each message is written as
// "event: <topic>" with the JSON message as data.
func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	messages, unsubscribe := h.realtime.Subscribe(ctx, userID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(string(message.Topic), message)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(string(realtime.TopicHeartbeat), realtime.NotificationMessage{
				Topic:     realtime.TopicHeartbeat,
				EmittedAt: tick.UTC(),
			})
			return true
		}
	})
}

// handleWebSocket serves the WebSocket live channel. Inbound frames are read
// only to notice the peer going away.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	messages, unsubscribe := h.realtime.Subscribe(ctx, userID)
	defer unsubscribe()

	pongWait := 2 * h.heartbeat
	go func() {
		defer cancel()
		conn.SetReadLimit(wsMaxReadBytes)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writePump(ctx, conn, messages)
}

func (h *httpHandler) writePump(ctx context.Context, conn *websocket.Conn, messages <-chan realtime.NotificationMessage) {
	ping := time.NewTicker(h.heartbeat)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(message); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", message.UserID), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
