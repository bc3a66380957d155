// manager.go

// Central event loop. The manager registers and unregisters clients and feeds
// their frames to the router one at a time, so the router's fan-out always
// sees a consistent client table. It is also the router's Dispatcher.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"chat-relay/internal/config"
	"chat-relay/internal/event"
	"chat-relay/internal/message"
	"chat-relay/internal/registry"
	"chat-relay/internal/router"
	"chat-relay/internal/telemetry"

	"github.com/gorilla/websocket"
)

func newClientManager(cfg config.Config, logger *slog.Logger, metrics *telemetry.Metrics) *ClientManager {
	m := &ClientManager{
		cfg:        cfg,
		log:        logger,
		clients:    make(map[registry.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, cfg.SendBuffer),
		done:       make(chan struct{}),
	}
	m.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	m.router = router.New(m, router.Options{
		Tracker: message.NewTracker(message.Options{
			MaxTextRunes: cfg.MaxTextRunes,
			Track:        cfg.TrackMessages,
			TrackedLimit: cfg.TrackedMessageLimit,
		}),
		Logger:  logger,
		Metrics: metrics,
	})
	return m
}

func (m *ClientManager) start(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("client manager stopping", "clients", len(m.clients))
			for id, c := range m.clients {
				delete(m.clients, id)
				close(c.send)
			}
			return

		case c := <-m.register:
			m.clients[c.id] = c
			if err := m.router.Connect(ctx, c.id, c.userID, c.username); err != nil {
				delete(m.clients, c.id)
				close(c.send)
			}

		case c := <-m.unregister:
			if _, ok := m.clients[c.id]; ok {
				delete(m.clients, c.id)
				close(c.send)
			}
			m.router.Disconnect(ctx, c.id)

		case in := <-m.inbound:
			if _, ok := m.clients[in.client.id]; !ok {
				continue
			}
			if in.err != nil {
				m.refuse(in)
				continue
			}
			_ = m.router.Handle(ctx, in.client.id, in.frame)
		}
	}
}

// Dispatch queues out on the client's send buffer. A client whose buffer is
// full is dropped; its read pump then reports the disconnect.
func (m *ClientManager) Dispatch(conn registry.ConnID, out event.Outbound) {
	c, ok := m.clients[conn]
	if !ok {
		return
	}

	payload, err := json.Marshal(out)
	if err != nil {
		m.log.Error("encode frame", "conn", conn, "event", out.Name, "error", err)
		return
	}

	select {
	case c.send <- payload:
	default:
		m.log.Warn("send buffer full, dropping client", "conn", conn, "user", c.userID)
		delete(m.clients, conn)
		close(c.send)
	}
}

func (m *ClientManager) refuse(in inboundFrame) {
	code := router.Code(in.err)
	if errors.Is(in.err, errRateLimited) {
		code = event.CodeResourceExhausted
	}
	m.log.Debug("frame refused", "conn", in.client.id, "event", in.frame.Name, "error", in.err)

	if in.frame.AckID != "" {
		m.Dispatch(in.client.id, event.AckFrame(in.frame.AckID, event.AckResult{
			OK:    false,
			Error: in.err.Error(),
			Code:  code,
		}))
		return
	}
	m.Dispatch(in.client.id, event.FailureFrame(in.frame.Name, code, in.err.Error()))
}

// submit hands a frame to the loop. It gives up once the manager has stopped.
func (m *ClientManager) submit(in inboundFrame) bool {
	select {
	case m.inbound <- in:
		return true
	case <-m.done:
		return false
	}
}

// leave reports a closed client to the loop.
func (m *ClientManager) leave(c *Client) {
	select {
	case m.unregister <- c:
	case <-m.done:
	}
}

// wait blocks until the loop has stopped or ctx expires.
func (m *ClientManager) wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
