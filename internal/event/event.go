// Package event defines the frames exchanged between the relay and its
// clients.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"chat-relay/internal/message"
	"chat-relay/internal/registry"
)

// Inbound event names.
const (
	JoinConversation  = "join_conversation"
	LeaveConversation = "leave_conversation"
	SendMessage       = "send_message"
)

// Outbound event names.
const (
	UsersList       = "users_list"
	UserOnline      = "user_online"
	UserOffline     = "user_offline"
	MessageReceived = "message_received"
	Ack             = "ack"
	Error           = "error"
)

// Event names used in both directions.
const (
	Typing           = "typing"
	StopTyping       = "stop_typing"
	MessageDelivered = "message_delivered"
	MessageSeen      = "message_seen"
)

// Wire error codes.
const (
	CodeInvalidHandshake   = "INVALID_HANDSHAKE"
	CodeEmptyPayload       = "EMPTY_PAYLOAD"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeFailedPrecondition = "FAILED_PRECONDITION"
	CodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	CodeInternal           = "INTERNAL"
)

// ErrMissingData is returned by Decode for frames without data.
var ErrMissingData = errors.New("missing event data")

// Inbound is a frame received from a client. AckID is set when the client
// expects an acknowledgment.
type Inbound struct {
	Name  string          `json:"event"`
	AckID string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Name  string `json:"event"`
	AckID string `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Dispatcher delivers outbound frames to connections. Delivery is
// fire-and-forget.
type Dispatcher interface {
	Dispatch(conn registry.ConnID, out Outbound)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(conn registry.ConnID, out Outbound)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(conn registry.ConnID, out Outbound) {
	f(conn, out)
}

// ConversationID names a conversation in inbound payloads. Clients may send
// it as a string or a number; numbers keep their literal form.
type ConversationID string

// UnmarshalJSON accepts "1" and 1.
func (c *ConversationID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = ConversationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("conversation id: %w", err)
	}
	*c = ConversationID(n.String())
	return nil
}

// Conversation is the payload of join, leave and typing frames.
type Conversation struct {
	ConversationID ConversationID `json:"conversationId"`
}

// Send is the payload of send_message.
type Send struct {
	ConversationID ConversationID  `json:"conversationId"`
	Text           string          `json:"text"`
	TempID         json.RawMessage `json:"tempId,omitempty"`
}

// ReceiptRequest is the payload of inbound message_delivered and message_seen.
type ReceiptRequest struct {
	MessageID message.ID `json:"messageId"`
}

// Presence is the payload of user_online and user_offline.
type Presence struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ListedUser is one entry of users_list.
type ListedUser struct {
	Username string `json:"username"`
}

// TypingNotice is the payload of outbound typing and stop_typing.
type TypingNotice struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
}

// Delivered is the payload of outbound message_delivered.
type Delivered struct {
	MessageID   message.ID `json:"messageId"`
	DeliveredTo string     `json:"deliveredTo"`
}

// Seen is the payload of outbound message_seen.
type Seen struct {
	MessageID message.ID `json:"messageId"`
	SeenBy    string     `json:"seenBy"`
}

// AckResult resolves a client acknowledgment.
type AckResult struct {
	OK      bool             `json:"ok"`
	Message *message.Message `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
}

// Failure is the payload of error frames.
type Failure struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode unmarshals the frame data into T.
func Decode[T any](in Inbound) (T, error) {
	var v T
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return v, ErrMissingData
	}
	if err := json.Unmarshal(in.Data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// UsersListFrame builds a users_list frame from a registry snapshot.
func UsersListFrame(users []registry.User) Outbound {
	list := make([]ListedUser, 0, len(users))
	for _, u := range users {
		list = append(list, ListedUser{Username: u.Username})
	}
	return Outbound{Name: UsersList, Data: list}
}

// AckFrame builds an ack frame for ackID.
func AckFrame(ackID string, result AckResult) Outbound {
	return Outbound{Name: Ack, AckID: ackID, Data: result}
}

// FailureFrame builds an error frame.
func FailureFrame(eventName, code, msg string) Outbound {
	return Outbound{Name: Error, Data: Failure{Event: eventName, Code: code, Message: msg}}
}
