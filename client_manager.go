// client_manager.go
package main

import (
	"errors"
	"log/slog"

	"chat-relay/internal/config"
	"chat-relay/internal/event"
	"chat-relay/internal/registry"
	"chat-relay/internal/router"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("rate limit exceeded")

// ClientManager owns the live clients and serialises every transport event
// onto a single goroutine before handing it to the router.
type ClientManager struct {
	cfg      config.Config
	log      *slog.Logger
	router   *router.Router
	upgrader websocket.Upgrader

	clients    map[registry.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	done       chan struct{}
}

// Client represents a single WebSocket connection.
type Client struct {
	id       registry.ConnID
	userID   string
	username string
	socket   *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	manager  *ClientManager
}

// inboundFrame is a frame read from a client, or the reason it was refused.
type inboundFrame struct {
	client *Client
	frame  event.Inbound
	err    error
}
