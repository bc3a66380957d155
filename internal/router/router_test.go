package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/event"
	"chat-relay/internal/message"
	"chat-relay/internal/registry"
	"chat-relay/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type frame struct {
	conn registry.ConnID
	out  event.Outbound
}

// outbox records dispatched frames.
type outbox struct {
	mu     sync.Mutex
	frames []frame
}

func (o *outbox) Dispatch(conn registry.ConnID, out event.Outbound) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frame{conn: conn, out: out})
}

func (o *outbox) to(conn registry.ConnID, name string) []event.Outbound {
	o.mu.Lock()
	defer o.mu.Unlock()
	var result []event.Outbound
	for _, f := range o.frames {
		if f.conn == conn && f.out.Name == name {
			result = append(result, f.out)
		}
	}
	return result
}

func (o *outbox) named(name string) []frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	var result []frame
	for _, f := range o.frames {
		if f.out.Name == name {
			result = append(result, f)
		}
	}
	return result
}

func (o *outbox) reset() {
	o.mu.Lock()
	o.frames = nil
	o.mu.Unlock()
}

func newTestRouter(t *testing.T, opts message.Options) (*Router, *outbox) {
	t.Helper()
	opts.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	if opts.IDs == nil {
		opts.IDs = message.NewIDGenerator(100)
	}
	box := &outbox{}
	return New(box, Options{Tracker: message.NewTracker(opts)}), box
}

func inbound(t *testing.T, name, ackID string, data any) event.Inbound {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return event.Inbound{Name: name, AckID: ackID, Data: raw}
}

func connect(t *testing.T, r *Router, conn registry.ConnID, userID, username string) {
	t.Helper()
	require.NoError(t, r.Connect(context.Background(), conn, userID, username))
}

func join(t *testing.T, r *Router, conn registry.ConnID, conversationID string) {
	t.Helper()
	err := r.Handle(context.Background(), conn, inbound(t, event.JoinConversation, "", event.Conversation{ConversationID: event.ConversationID(conversationID)}))
	require.NoError(t, err)
}

func TestRouter_ConnectRejectsInvalidHandshake(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		username string
	}{
		{name: "missing user id", username: "alice"},
		{name: "missing username", userID: "u1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, box := newTestRouter(t, message.Options{})
			err := r.Connect(context.Background(), "c1", tt.userID, tt.username)
			require.ErrorIs(t, err, registry.ErrInvalidHandshake)
			assert.Equal(t, Disconnected, r.State("c1"))
			assert.Empty(t, box.frames)
		})
	}
}

func TestRouter_PresenceOncePerUser(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	ctx := context.Background()

	connect(t, r, "b1", "u2", "bob")
	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "a2", "u1", "alice")
	assert.Len(t, box.to("b1", event.UserOnline), 2)
	// The second device still receives a snapshot.
	assert.Len(t, box.to("a2", event.UsersList), 1)
	assert.Empty(t, box.to("a2", event.UserOnline))

	r.Disconnect(ctx, "a1")
	assert.Empty(t, box.named(event.UserOffline))

	r.Disconnect(ctx, "a2")
	r.Disconnect(ctx, "a2")
	assert.Len(t, box.to("b1", event.UserOffline), 1)
	assert.Len(t, box.named(event.UserOffline), 1)
}

func TestRouter_OfflineScenario(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	ctx := context.Background()

	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "a2", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")
	box.reset()

	r.Disconnect(ctx, "a1")
	r.Disconnect(ctx, "a2")

	offline := box.named(event.UserOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, registry.ConnID("b1"), offline[0].conn)
	assert.Equal(t, event.Presence{UserID: "u1", Username: "alice"}, offline[0].out.Data)

	lists := box.to("b1", event.UsersList)
	require.Len(t, lists, 1)
	assert.Equal(t, []event.ListedUser{{Username: "bob"}}, lists[0].Data)
}

func TestRouter_SendMessageScenario(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	ctx := context.Background()

	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")
	join(t, r, "a1", "1")
	join(t, r, "b1", "1")
	box.reset()

	err := r.Handle(ctx, "a1", inbound(t, event.SendMessage, "ack-1", map[string]any{
		"conversationId": "1",
		"text":           "hello",
		"tempId":         42,
	}))
	require.NoError(t, err)

	acks := box.to("a1", event.Ack)
	require.Len(t, acks, 1)
	assert.Equal(t, "ack-1", acks[0].AckID)
	ack := acks[0].Data.(event.AckResult)
	require.True(t, ack.OK)
	require.NotNil(t, ack.Message)
	assert.Equal(t, "hello", ack.Message.Text)
	assert.Equal(t, "u1", ack.Message.SenderID)
	assert.Equal(t, "1", ack.Message.ConversationID)
	assert.JSONEq(t, `42`, string(ack.Message.TempID))
	assert.NotZero(t, ack.Message.ID)

	received := box.to("b1", event.MessageReceived)
	require.Len(t, received, 1)
	got := received[0].Data.(message.Message)
	assert.Equal(t, ack.Message.ID, got.ID)
	assert.Equal(t, "hello", got.Text)

	// The sender's own connection sees the fan-out too.
	assert.Len(t, box.to("a1", event.MessageReceived), 1)
}

func TestRouter_SendReachesEveryDeviceOfMembers(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	ctx := context.Background()

	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")
	connect(t, r, "b2", "u2", "bob")
	connect(t, r, "c1", "u3", "carol")
	join(t, r, "a1", "1")
	join(t, r, "b1", "1")
	box.reset()

	err := r.Handle(ctx, "a1", inbound(t, event.SendMessage, "", event.Send{ConversationID: "1", Text: "hi"}))
	require.NoError(t, err)

	assert.Len(t, box.to("b1", event.MessageReceived), 1)
	assert.Len(t, box.to("b2", event.MessageReceived), 1)
	assert.Empty(t, box.to("c1", event.MessageReceived))
	assert.Empty(t, box.named(event.Ack))
}

func TestRouter_SendAcceptsLooseInput(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	ctx := context.Background()
	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")

	for _, conn := range []registry.ConnID{"a1", "b1"} {
		in := event.Inbound{Name: event.JoinConversation, Data: json.RawMessage(`{"conversationId":7}`)}
		require.NoError(t, r.Handle(ctx, conn, in))
	}
	box.reset()

	in := event.Inbound{Name: event.SendMessage, AckID: "s1", Data: json.RawMessage(`{"conversationId":7,"text":"   "}`)}
	require.NoError(t, r.Handle(ctx, "a1", in))

	acks := box.to("a1", event.Ack)
	require.Len(t, acks, 1)
	result := acks[0].Data.(event.AckResult)
	require.True(t, result.OK)
	assert.Equal(t, "7", result.Message.ConversationID)
	assert.Equal(t, "   ", result.Message.Text)
	assert.Len(t, box.to("b1", event.MessageReceived), 1)
}

func TestRouter_SendValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantErr  error
		wantCode string
	}{
		{name: "empty text", data: `{"conversationId":"1","text":""}`, wantErr: message.ErrEmptyPayload, wantCode: event.CodeEmptyPayload},
		{name: "missing conversation", data: `{"text":"hi"}`, wantErr: message.ErrEmptyPayload, wantCode: event.CodeEmptyPayload},
		{name: "no data", data: ``, wantErr: message.ErrEmptyPayload, wantCode: event.CodeEmptyPayload},
		{name: "bad json", data: `{"text":1}`, wantErr: ErrMalformedPayload, wantCode: event.CodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, box := newTestRouter(t, message.Options{})
			connect(t, r, "a1", "u1", "alice")
			connect(t, r, "b1", "u2", "bob")
			join(t, r, "a1", "1")
			join(t, r, "b1", "1")
			box.reset()

			in := event.Inbound{Name: event.SendMessage, AckID: "9", Data: json.RawMessage(tt.data)}
			err := r.Handle(context.Background(), "a1", in)
			require.ErrorIs(t, err, tt.wantErr)

			acks := box.to("a1", event.Ack)
			require.Len(t, acks, 1)
			ack := acks[0].Data.(event.AckResult)
			assert.False(t, ack.OK)
			assert.Nil(t, ack.Message)
			assert.Equal(t, tt.wantCode, ack.Code)
			assert.NotEmpty(t, ack.Error)

			assert.Empty(t, box.named(event.MessageReceived))
		})
	}
}

func TestRouter_TypingExcludesSender(t *testing.T) {
	for _, name := range []string{event.Typing, event.StopTyping} {
		t.Run(name, func(t *testing.T) {
			r, box := newTestRouter(t, message.Options{})
			connect(t, r, "a1", "u1", "alice")
			connect(t, r, "a2", "u1", "alice")
			connect(t, r, "b1", "u2", "bob")
			connect(t, r, "c1", "u3", "carol")
			join(t, r, "a1", "1")
			join(t, r, "b1", "1")
			box.reset()

			err := r.Handle(context.Background(), "a1", inbound(t, name, "", event.Conversation{ConversationID: "1"}))
			require.NoError(t, err)

			got := box.named(name)
			require.Len(t, got, 1)
			assert.Equal(t, registry.ConnID("b1"), got[0].conn)
			assert.Equal(t, event.TypingNotice{ConversationID: "1", UserID: "u1", Username: "alice"}, got[0].out.Data)
		})
	}
}

func TestRouter_JoinIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t, message.Options{})
	connect(t, r, "a1", "u1", "alice")
	assert.Equal(t, Registered, r.State("a1"))

	for i := 0; i < 3; i++ {
		join(t, r, "a1", "1")
	}
	assert.Equal(t, []string{"u1"}, r.rooms.MembersOf("1"))
	assert.Equal(t, Joined, r.State("a1"))
}

func TestRouter_Leave(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	ctx := context.Background()
	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")
	join(t, r, "a1", "1")
	join(t, r, "b1", "1")

	err := r.Handle(ctx, "b1", inbound(t, event.LeaveConversation, "l1", event.Conversation{ConversationID: "1"}))
	require.NoError(t, err)
	assert.Equal(t, Registered, r.State("b1"))
	assert.Equal(t, []string{"u1"}, r.rooms.MembersOf("1"))

	acks := box.to("b1", event.Ack)
	require.Len(t, acks, 1)
	assert.Equal(t, event.AckResult{OK: true}, acks[0].Data)

	box.reset()
	err = r.Handle(ctx, "a1", inbound(t, event.SendMessage, "", event.Send{ConversationID: "1", Text: "still here?"}))
	require.NoError(t, err)
	assert.Empty(t, box.to("b1", event.MessageReceived))
}

func TestRouter_ReceiptsArePermissiveAndGlobal(t *testing.T) {
	r, box := newTestRouter(t, message.Options{})
	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")
	box.reset()

	err := r.Handle(context.Background(), "b1", inbound(t, event.MessageDelivered, "", map[string]any{"messageId": 123}))
	require.NoError(t, err)

	delivered := box.named(event.MessageDelivered)
	require.Len(t, delivered, 2)
	for _, f := range delivered {
		assert.Equal(t, event.Delivered{MessageID: 123, DeliveredTo: "u2"}, f.out.Data)
	}
	assert.Len(t, box.to("b1", event.MessageDelivered), 1)

	box.reset()
	err = r.Handle(context.Background(), "a1", inbound(t, event.MessageSeen, "", map[string]any{"messageId": "123"}))
	require.NoError(t, err)
	seen := box.to("b1", event.MessageSeen)
	require.Len(t, seen, 1)
	assert.Equal(t, event.Seen{MessageID: 123, SeenBy: "u1"}, seen[0].Data)
}

func TestRouter_ReceiptsInTrackingMode(t *testing.T) {
	r, box := newTestRouter(t, message.Options{Track: true})
	ctx := context.Background()
	connect(t, r, "a1", "u1", "alice")
	connect(t, r, "b1", "u2", "bob")
	connect(t, r, "c1", "u3", "carol")
	join(t, r, "a1", "1")
	join(t, r, "b1", "1")

	err := r.Handle(ctx, "b1", inbound(t, event.MessageDelivered, "r1", map[string]any{"messageId": 999}))
	require.ErrorIs(t, err, message.ErrMessageNotFound)
	acks := box.to("b1", event.Ack)
	require.Len(t, acks, 1)
	assert.Equal(t, event.CodeNotFound, acks[0].Data.(event.AckResult).Code)
	assert.Empty(t, box.named(event.MessageDelivered))

	require.NoError(t, r.Handle(ctx, "a1", inbound(t, event.SendMessage, "s1", event.Send{ConversationID: "1", Text: "hi"})))
	sent := box.to("a1", event.Ack)[0].Data.(event.AckResult).Message
	box.reset()

	require.NoError(t, r.Handle(ctx, "b1", inbound(t, event.MessageSeen, "", map[string]any{"messageId": sent.ID})))
	assert.Len(t, box.to("a1", event.MessageSeen), 1)
	assert.Len(t, box.to("b1", event.MessageSeen), 1)
	assert.Empty(t, box.to("c1", event.MessageSeen))
}

func TestRouter_Failures(t *testing.T) {
	tests := []struct {
		name     string
		conn     registry.ConnID
		in       event.Inbound
		wantErr  error
		wantCode string
	}{
		{
			name:     "unknown event",
			conn:     "a1",
			in:       event.Inbound{Name: "dance"},
			wantErr:  ErrUnknownEvent,
			wantCode: event.CodeInvalidArgument,
		},
		{
			name:     "join without conversation",
			conn:     "a1",
			in:       event.Inbound{Name: event.JoinConversation, Data: json.RawMessage(`{}`)},
			wantErr:  ErrMalformedPayload,
			wantCode: event.CodeInvalidArgument,
		},
		{
			name:     "typing with bad payload",
			conn:     "a1",
			in:       event.Inbound{Name: event.Typing, Data: json.RawMessage(`[]`)},
			wantErr:  ErrMalformedPayload,
			wantCode: event.CodeInvalidArgument,
		},
		{
			name:     "receipt with bad id",
			conn:     "a1",
			in:       event.Inbound{Name: event.MessageSeen, Data: json.RawMessage(`{"messageId":"abc"}`)},
			wantErr:  ErrMalformedPayload,
			wantCode: event.CodeInvalidArgument,
		},
		{
			name:     "unregistered connection",
			conn:     "ghost",
			in:       event.Inbound{Name: event.JoinConversation, Data: json.RawMessage(`{"conversationId":"1"}`)},
			wantErr:  ErrNotRegistered,
			wantCode: event.CodeFailedPrecondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, box := newTestRouter(t, message.Options{})
			connect(t, r, "a1", "u1", "alice")
			box.reset()

			err := r.Handle(context.Background(), tt.conn, tt.in)
			require.ErrorIs(t, err, tt.wantErr)

			failures := box.to(tt.conn, event.Error)
			require.Len(t, failures, 1)
			failure := failures[0].Data.(event.Failure)
			assert.Equal(t, tt.wantCode, failure.Code)
			assert.Equal(t, tt.in.Name, failure.Event)
		})
	}
}

func TestRouter_StateAfterDisconnect(t *testing.T) {
	r, _ := newTestRouter(t, message.Options{})
	connect(t, r, "a1", "u1", "alice")
	join(t, r, "a1", "1")
	require.Equal(t, Joined, r.State("a1"))

	r.Disconnect(context.Background(), "a1")
	assert.Equal(t, Disconnected, r.State("a1"))

	err := r.Handle(context.Background(), "a1", inbound(t, event.Typing, "", event.Conversation{ConversationID: "1"}))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestCode(t *testing.T) {
	assert.Equal(t, event.CodeInvalidHandshake, Code(registry.ErrInvalidHandshake))
	assert.Equal(t, event.CodeEmptyPayload, Code(message.ErrEmptyPayload))
	assert.Equal(t, event.CodeInvalidArgument, Code(message.ErrTextTooLong))
	assert.Equal(t, event.CodeNotFound, Code(message.ErrMessageNotFound))
	assert.Equal(t, event.CodeInternal, Code(assert.AnError))
}

func TestRouter_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := telemetry.NewMetricsWithMeter(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	box := &outbox{}
	r := New(box, Options{Tracker: message.NewTracker(message.Options{}), Metrics: metrics})
	ctx := context.Background()

	connect(t, r, "a1", "u1", "alice")
	join(t, r, "a1", "1")
	require.NoError(t, r.Handle(ctx, "a1", inbound(t, event.SendMessage, "s1", event.Send{ConversationID: "1", Text: "hi"})))
	require.Error(t, r.Handle(ctx, "a1", inbound(t, event.SendMessage, "s2", event.Send{ConversationID: "1"})))
	require.NoError(t, r.Handle(ctx, "a1", inbound(t, event.MessageSeen, "", map[string]any{"messageId": 5})))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["relay_connections"])
	assert.Equal(t, int64(1), sums["relay_presence_transitions_total"])
	assert.Equal(t, int64(1), sums["relay_messages_sent_total"])
	assert.Equal(t, int64(1), sums["relay_receipts_total"])
	assert.Equal(t, int64(1), sums["relay_rejected_events_total"])

	r.Disconnect(ctx, "a1")
	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(ctx, &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "relay_connections" {
				continue
			}
			sum := m.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1)
			assert.Zero(t, sum.DataPoints[0].Value)
		}
	}
}
