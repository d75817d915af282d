package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ecoalerta/monitor-ambiental/services/api/realtime"
)

const (
	maxClientMessageSize = 4096
	maxBroadcastBodySize = 1 << 20
)

// handleWebSocket upgrades the connection and registers it with the hub.
// Inbound frames are read only to detect disconnects.
// GET /ws
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Info("websocket upgrade failed", "error", err)
		return
	}

	id, err := s.hub.Add(conn)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, realtime.ErrMaxConnectionsReached) {
			code = websocket.CloseTryAgainLater
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(maxClientMessageSize)
	go func() {
		defer s.hub.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleMessage broadcasts the JSON request body verbatim to every connected
// client.
// POST /mensaje
func (s *Server) handleMessage(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBroadcastBodySize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxBroadcastBodySize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be valid JSON"})
		return
	}

	delivered := s.hub.Broadcast(body)
	c.JSON(http.StatusOK, gin.H{
		"enviados": delivered,
		"clientes": s.hub.Count(),
	})
}
