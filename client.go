// client.go
// The read goroutine decodes frames from the browser and hands them to the manager loop.
// The write goroutine drains the client's send channel back to the browser and keeps it alive with pings.
// Separating read/write avoids head-of-line blocking when a browser is slow.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat-relay/internal/registry"
	"chat-relay/internal/router"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

func (m *ClientManager) serveWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("userId"))
	username := strings.TrimSpace(query.Get("username"))
	if userID == "" || username == "" {
		m.log.Debug("handshake rejected", "remote", r.RemoteAddr)
		http.Error(w, registry.ErrInvalidHandshake.Error(), http.StatusBadRequest)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		m.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		id:       registry.ConnID(uuid.NewString()),
		userID:   userID,
		username: username,
		socket:   conn,
		send:     make(chan []byte, m.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(m.cfg.FramesPerSecond), m.cfg.FrameBurst),
		manager:  m,
	}

	select {
	case m.register <- client:
	case <-m.done:
		_ = conn.Close()
		return
	}

	go client.read()
	go client.write()
}

func (c *Client) read() {
	m := c.manager
	defer func() {
		m.leave(c)
		_ = c.socket.Close()
	}()

	c.socket.SetReadLimit(m.cfg.MaxFrameBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Debug("read failed", "conn", c.id, "error", err)
			}
			return
		}

		in := inboundFrame{client: c}
		if err := json.Unmarshal(data, &in.frame); err != nil {
			in.err = fmt.Errorf("%w: %v", router.ErrMalformedPayload, err)
		} else if !c.limiter.Allow() {
			in.err = errRateLimited
		}
		if !m.submit(in) {
			return
		}
	}
}

func (c *Client) write() {
	m := c.manager
	ticker := time.NewTicker(m.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				m.log.Debug("write failed", "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
