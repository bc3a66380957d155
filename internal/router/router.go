// Package router is the single entry point for relay events.
//
// The transport hands the router connection lifecycle calls (Connect,
// Disconnect) and decoded inbound frames (Handle). The router updates the
// connection registry, room index and message tracker it owns, and emits
// outbound frames through the transport's Dispatcher.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"chat-relay/internal/event"
	"chat-relay/internal/message"
	"chat-relay/internal/presence"
	"chat-relay/internal/registry"
	"chat-relay/internal/rooms"
	"chat-relay/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotRegistered is returned for frames from a connection that never
	// completed its handshake or has already disconnected.
	ErrNotRegistered = errors.New("connection is not registered")
	// ErrUnknownEvent is returned for unsupported event names.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformedPayload is returned when a frame's data cannot be decoded or
	// lacks a required field.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// State is the lifecycle state of a connection as seen by the router.
type State int

const (
	// Disconnected connections are unknown to the router.
	Disconnected State = iota
	// Registered connections completed the handshake.
	Registered
	// Joined connections joined at least one conversation.
	Joined
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Options configures a Router.
type Options struct {
	// Tracker defaults to a permissive tracker with default limits.
	Tracker *message.Tracker
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
	// Metrics defaults to no-op instruments.
	Metrics *telemetry.Metrics
}

// Router routes inbound events. It is safe for concurrent use.
type Router struct {
	registry *registry.Registry
	rooms    *rooms.Index
	tracker  *message.Tracker
	presence *presence.Broadcaster
	out      event.Dispatcher
	log      *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	mu     sync.Mutex
	joined map[registry.ConnID]map[string]struct{} // conn -> conversations joined from it
}

// New creates a router that emits frames through out.
func New(out event.Dispatcher, opts Options) *Router {
	if opts.Tracker == nil {
		opts.Tracker = message.NewTracker(message.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics()
	}

	reg := registry.New()
	return &Router{
		registry: reg,
		rooms:    rooms.NewIndex(),
		tracker:  opts.Tracker,
		presence: presence.NewBroadcaster(reg, out),
		out:      out,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer(telemetry.ServiceName + "/router"),
		joined:   make(map[registry.ConnID]map[string]struct{}),
	}
}

// Connect registers conn for the user named in the handshake. It fails with
// registry.ErrInvalidHandshake when userID or username is missing, in which
// case the transport must close the connection.
func (r *Router) Connect(ctx context.Context, conn registry.ConnID, userID, username string) error {
	tr, err := r.registry.Register(userID, username, conn)
	if err != nil {
		r.metrics.EventRejected(ctx, "connect", Code(err))
		r.log.Warn("handshake rejected", "conn", conn, "user", userID, "error", err)
		return fmt.Errorf("connect %s: %w", conn, err)
	}

	r.mu.Lock()
	_, known := r.joined[conn]
	if !known {
		r.joined[conn] = make(map[string]struct{})
	}
	r.mu.Unlock()
	if !known {
		r.metrics.ConnectionOpened(ctx)
	}

	r.log.Debug("connection registered", "conn", conn, "user", tr.User.ID)
	if tr.Kind == registry.Online {
		r.log.Info("user online", "user", tr.User.ID, "username", tr.User.Username)
		r.metrics.PresenceTransition(ctx, tr.Kind.String())
		r.presence.Announce(tr)
		return nil
	}
	r.presence.Greet(conn)
	return nil
}

// Disconnect unregisters conn. Unknown connections are ignored.
func (r *Router) Disconnect(ctx context.Context, conn registry.ConnID) {
	r.mu.Lock()
	_, known := r.joined[conn]
	delete(r.joined, conn)
	r.mu.Unlock()

	tr := r.registry.Unregister(conn)
	if !known {
		return
	}
	r.metrics.ConnectionClosed(ctx)
	r.log.Debug("connection unregistered", "conn", conn, "user", tr.User.ID)

	if tr.Kind == registry.Offline {
		r.log.Info("user offline", "user", tr.User.ID, "username", tr.User.Username)
		r.metrics.PresenceTransition(ctx, tr.Kind.String())
		r.presence.Announce(tr)
	}
}

// State returns the lifecycle state of conn.
func (r *Router) State(conn registry.ConnID) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	conversations, ok := r.joined[conn]
	switch {
	case !ok:
		return Disconnected
	case len(conversations) > 0:
		return Joined
	default:
		return Registered
	}
}

// Handle routes one inbound frame from conn. When the frame carries an ack id
// the ack is always resolved, with ok=false on failure. Failures of frames
// without an ack id are reported to conn as an error frame. The returned
// error is informational; the connection stays open.
func (r *Router) Handle(ctx context.Context, conn registry.ConnID, in event.Inbound) error {
	ctx, span := r.tracer.Start(ctx, "relay."+in.Name, trace.WithAttributes(
		attribute.String("relay.conn", string(conn)),
		attribute.String("relay.event", in.Name),
	))
	defer span.End()

	result, err := r.route(ctx, conn, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.reject(ctx, conn, in, err)
		return err
	}

	if in.AckID != "" {
		if result == nil {
			result = &event.AckResult{OK: true}
		}
		r.out.Dispatch(conn, event.AckFrame(in.AckID, *result))
	}
	return nil
}

func (r *Router) route(ctx context.Context, conn registry.ConnID, in event.Inbound) (*event.AckResult, error) {
	user, ok := r.registry.Owner(conn)
	if !ok {
		return nil, ErrNotRegistered
	}

	switch in.Name {
	case event.JoinConversation:
		return nil, r.handleJoin(conn, user, in)
	case event.LeaveConversation:
		return nil, r.handleLeave(conn, user, in)
	case event.Typing, event.StopTyping:
		return nil, r.handleTyping(user, in)
	case event.SendMessage:
		return r.handleSend(ctx, user, in)
	case event.MessageDelivered, event.MessageSeen:
		return nil, r.handleReceipt(ctx, user, in)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, in.Name)
	}
}

func (r *Router) reject(ctx context.Context, conn registry.ConnID, in event.Inbound, err error) {
	code := Code(err)
	r.metrics.EventRejected(ctx, in.Name, code)
	r.log.Debug("event rejected", "conn", conn, "event", in.Name, "code", code, "error", err)

	if in.AckID != "" {
		r.out.Dispatch(conn, event.AckFrame(in.AckID, event.AckResult{
			OK:    false,
			Error: err.Error(),
			Code:  code,
		}))
		return
	}
	r.out.Dispatch(conn, event.FailureFrame(in.Name, code, err.Error()))
}

func (r *Router) handleJoin(conn registry.ConnID, user registry.User, in event.Inbound) error {
	conversationID, err := decodeConversation(in)
	if err != nil {
		return err
	}

	r.rooms.Join(conversationID, user.ID)

	r.mu.Lock()
	if conversations, ok := r.joined[conn]; ok {
		conversations[conversationID] = struct{}{}
	}
	r.mu.Unlock()

	r.log.Debug("joined conversation", "conn", conn, "user", user.ID, "conversation", conversationID)
	return nil
}

func (r *Router) handleLeave(conn registry.ConnID, user registry.User, in event.Inbound) error {
	conversationID, err := decodeConversation(in)
	if err != nil {
		return err
	}

	r.rooms.Leave(conversationID, user.ID)

	r.mu.Lock()
	delete(r.joined[conn], conversationID)
	r.mu.Unlock()

	r.log.Debug("left conversation", "conn", conn, "user", user.ID, "conversation", conversationID)
	return nil
}

func (r *Router) handleTyping(user registry.User, in event.Inbound) error {
	conversationID, err := decodeConversation(in)
	if err != nil {
		return err
	}

	notice := event.Outbound{
		Name: in.Name,
		Data: event.TypingNotice{
			ConversationID: conversationID,
			UserID:         user.ID,
			Username:       user.Username,
		},
	}
	r.fanOutToRoom(conversationID, notice, user.ID)
	return nil
}

func (r *Router) handleSend(ctx context.Context, user registry.User, in event.Inbound) (*event.AckResult, error) {
	payload, err := event.Decode[event.Send](in)
	switch {
	case errors.Is(err, event.ErrMissingData):
		return nil, message.ErrEmptyPayload
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	msg, err := r.tracker.Send(string(payload.ConversationID), user.ID, payload.Text, payload.TempID)
	if err != nil {
		return nil, err
	}
	r.metrics.MessageSent(ctx)
	r.log.Debug("message sent", "user", user.ID, "conversation", msg.ConversationID, "message", msg.ID)

	r.fanOutToRoom(msg.ConversationID, event.Outbound{Name: event.MessageReceived, Data: msg}, "")
	return &event.AckResult{OK: true, Message: &msg}, nil
}

func (r *Router) handleReceipt(ctx context.Context, user registry.User, in event.Inbound) error {
	payload, err := event.Decode[event.ReceiptRequest](in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var (
		receipt message.Receipt
		out     event.Outbound
	)
	if in.Name == event.MessageDelivered {
		receipt, err = r.tracker.MarkDelivered(payload.MessageID, user.ID)
		out = event.Outbound{Name: event.MessageDelivered, Data: event.Delivered{
			MessageID:   receipt.MessageID,
			DeliveredTo: receipt.UserID,
		}}
	} else {
		receipt, err = r.tracker.MarkSeen(payload.MessageID, user.ID)
		out = event.Outbound{Name: event.MessageSeen, Data: event.Seen{
			MessageID: receipt.MessageID,
			SeenBy:    receipt.UserID,
		}}
	}
	if err != nil {
		return err
	}
	r.metrics.ReceiptRelayed(ctx, in.Name)

	if receipt.ConversationID != "" {
		r.fanOutToRoom(receipt.ConversationID, out, "")
		return nil
	}
	for _, conn := range r.registry.AllConnections() {
		r.out.Dispatch(conn, out)
	}
	return nil
}

// fanOutToRoom dispatches out to every connection of every member of the
// conversation except those of excludeUserID.
func (r *Router) fanOutToRoom(conversationID string, out event.Outbound, excludeUserID string) {
	for _, member := range r.rooms.MembersOf(conversationID) {
		if member == excludeUserID {
			continue
		}
		for _, conn := range r.registry.ConnectionsFor(member) {
			r.out.Dispatch(conn, out)
		}
	}
}

func decodeConversation(in event.Inbound) (string, error) {
	payload, err := event.Decode[event.Conversation](in)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ConversationID == "" {
		return "", fmt.Errorf("%w: conversationId is required", ErrMalformedPayload)
	}
	return string(payload.ConversationID), nil
}

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, registry.ErrInvalidHandshake):
		return event.CodeInvalidHandshake
	case errors.Is(err, message.ErrEmptyPayload):
		return event.CodeEmptyPayload
	case errors.Is(err, message.ErrMessageNotFound):
		return event.CodeNotFound
	case errors.Is(err, ErrNotRegistered):
		return event.CodeFailedPrecondition
	case errors.Is(err, message.ErrTextTooLong),
		errors.Is(err, ErrUnknownEvent),
		errors.Is(err, ErrMalformedPayload):
		return event.CodeInvalidArgument
	default:
		return event.CodeInternal
	}
}
