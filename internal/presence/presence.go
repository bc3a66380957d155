// Package presence announces users going online and offline.
package presence

import (
	"chat-relay/internal/event"
	"chat-relay/internal/registry"
)

// Source is the registry view the broadcaster needs.
type Source interface {
	AllUsers() []registry.User
	AllConnections() []registry.ConnID
}

// Broadcaster turns registry transitions into presence frames.
type Broadcaster struct {
	source Source
	out    event.Dispatcher
}

// NewBroadcaster creates a broadcaster reading from source and writing to out.
func NewBroadcaster(source Source, out event.Dispatcher) *Broadcaster {
	return &Broadcaster{source: source, out: out}
}

// Announce emits user_online or user_offline followed by a users_list
// snapshot to every live connection. Transitions of kind None are ignored.
func (b *Broadcaster) Announce(tr registry.Transition) {
	var name string
	switch tr.Kind {
	case registry.Online:
		name = event.UserOnline
	case registry.Offline:
		name = event.UserOffline
	default:
		return
	}

	conns := b.source.AllConnections()
	notice := event.Outbound{
		Name: name,
		Data: event.Presence{UserID: tr.User.ID, Username: tr.User.Username},
	}
	for _, conn := range conns {
		b.out.Dispatch(conn, notice)
	}

	list := event.UsersListFrame(b.source.AllUsers())
	for _, conn := range conns {
		b.out.Dispatch(conn, list)
	}
}

// Greet sends the current users_list to a single connection.
func (b *Broadcaster) Greet(conn registry.ConnID) {
	b.out.Dispatch(conn, event.UsersListFrame(b.source.AllUsers()))
}
