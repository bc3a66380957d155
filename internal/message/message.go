// Package message builds chat messages and relays their delivery receipts.
//
// A message moves through sent → delivered → seen. Only the sent step creates
// state; delivered and seen are relayed as receipts. When tracking is enabled
// the tracker remembers a bounded window of sent messages so receipts for
// unknown ids can be rejected and scoped to the right conversation.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// DefaultMaxTextRunes bounds the length of a message body.
const DefaultMaxTextRunes = 2000

// DefaultTrackedLimit is the number of sent messages remembered in tracking mode.
const DefaultTrackedLimit = 1024

var (
	// ErrEmptyPayload is returned when a message has no text or no conversation.
	ErrEmptyPayload = errors.New("message text and conversation id are required")
	// ErrTextTooLong is returned when a message body exceeds the rune limit.
	ErrTextTooLong = errors.New("message text exceeds maximum length")
	// ErrMessageNotFound is returned by receipts for ids the tracker never issued.
	ErrMessageNotFound = errors.New("message not found")
)

// ID identifies a message. It is encoded as a JSON number and also accepts
// numeric strings on input.
type ID int64

// UnmarshalJSON accepts 123 and "123".
func (id *ID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		n = json.Number(strings.TrimSpace(s))
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = ID(v)
	return nil
}

// Message is an immutable chat message.
type Message struct {
	ID             ID              `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Text           string          `json:"text"`
	CreatedAt      time.Time       `json:"createdAt"`
	TempID         json.RawMessage `json:"tempId,omitempty"`
}

// Receipt records that a user received or read a message.
type Receipt struct {
	MessageID ID
	UserID    string
	// ConversationID is only known in tracking mode.
	ConversationID string
}

// IDGenerator issues process-unique message ids.
type IDGenerator struct {
	last atomic.Int64
}

// NewIDGenerator seeds a generator with seed. Ids start at seed+1.
func NewIDGenerator(seed int64) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(seed)
	return g
}

// Next returns the next id.
func (g *IDGenerator) Next() ID {
	return ID(g.last.Add(1))
}

// Options configures a Tracker.
type Options struct {
	// MaxTextRunes defaults to DefaultMaxTextRunes.
	MaxTextRunes int
	// Track enables the sent-message store.
	Track bool
	// TrackedLimit defaults to DefaultTrackedLimit.
	TrackedLimit int
	// Now defaults to time.Now.
	Now func() time.Time
	// IDs defaults to a generator seeded with the current unix milliseconds.
	IDs *IDGenerator
}

// Tracker assigns ids to outgoing messages and relays receipts. It is safe for
// concurrent use.
type Tracker struct {
	maxTextRunes int
	now          func() time.Time
	ids          *IDGenerator
	store        *store
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.MaxTextRunes <= 0 {
		opts.MaxTextRunes = DefaultMaxTextRunes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDs == nil {
		opts.IDs = NewIDGenerator(time.Now().UnixMilli())
	}
	t := &Tracker{
		maxTextRunes: opts.MaxTextRunes,
		now:          opts.Now,
		ids:          opts.IDs,
	}
	if opts.Track {
		if opts.TrackedLimit <= 0 {
			opts.TrackedLimit = DefaultTrackedLimit
		}
		t.store = newStore(opts.TrackedLimit)
	}
	return t
}

// Tracking reports whether sent messages are remembered.
func (t *Tracker) Tracking() bool {
	return t.store != nil
}

// Send builds a new message from senderID to conversationID.
func (t *Tracker) Send(conversationID, senderID, text string, tempID json.RawMessage) (Message, error) {
	if conversationID == "" || text == "" {
		return Message{}, ErrEmptyPayload
	}
	if utf8.RuneCountInString(text) > t.maxTextRunes {
		return Message{}, ErrTextTooLong
	}

	msg := Message{
		ID:             t.ids.Next(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      t.now().UTC(),
		TempID:         cloneRaw(tempID),
	}
	if t.store != nil {
		t.store.put(msg)
	}
	return msg, nil
}

// Lookup returns a tracked message. It always misses when tracking is off.
func (t *Tracker) Lookup(id ID) (Message, bool) {
	if t.store == nil {
		return Message{}, false
	}
	return t.store.get(id)
}

// MarkDelivered records that userID received the message.
func (t *Tracker) MarkDelivered(id ID, userID string) (Receipt, error) {
	return t.receipt(id, userID)
}

// MarkSeen records that userID read the message.
func (t *Tracker) MarkSeen(id ID, userID string) (Receipt, error) {
	return t.receipt(id, userID)
}

func (t *Tracker) receipt(id ID, userID string) (Receipt, error) {
	r := Receipt{MessageID: id, UserID: userID}
	if t.store == nil {
		return r, nil
	}
	msg, ok := t.store.get(id)
	if !ok {
		return Receipt{}, fmt.Errorf("message %d: %w", id, ErrMessageNotFound)
	}
	r.ConversationID = msg.ConversationID
	return r, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
