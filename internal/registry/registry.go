// Package registry tracks which connections belong to which online user.
//
// A user is online while it holds at least one live connection. Register and
// Unregister report the 0→1 and 1→0 transitions so callers can announce
// presence exactly once per user, however many devices it connects from.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidHandshake is returned when a connection arrives without a user id,
// a username or a handle.
var ErrInvalidHandshake = errors.New("invalid handshake: user id and username are required")

// ConnID is an opaque, transport-provided connection handle.
type ConnID string

// User is an online user.
type User struct {
	ID       string `json:"userId"`
	Username string `json:"username"`
}

// TransitionKind describes how a mutation changed a user's presence.
type TransitionKind int

const (
	// None means the user's online state did not change.
	None TransitionKind = iota
	// Online means the user's connection count went from zero to one.
	Online
	// Offline means the user's connection count went from one to zero.
	Offline
)

func (k TransitionKind) String() string {
	switch k {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "none"
	}
}

// Transition is the presence outcome of a Register or Unregister call.
type Transition struct {
	Kind TransitionKind
	User User
}

type entry struct {
	user  User
	conns map[ConnID]struct{}
}

// Registry maps users to their live connections. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*entry // userID -> entry
	owners map[ConnID]string // conn -> userID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		users:  make(map[string]*entry),
		owners: make(map[ConnID]string),
	}
}

// Register adds conn to the user's connection set, creating the user if absent.
func (r *Registry) Register(userID, username string, conn ConnID) (Transition, error) {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	if userID == "" || username == "" || conn == "" {
		return Transition{}, ErrInvalidHandshake
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[conn]; ok {
		return Transition{Kind: None, User: r.users[owner].user}, nil
	}

	e, ok := r.users[userID]
	if !ok {
		e = &entry{
			user:  User{ID: userID, Username: username},
			conns: make(map[ConnID]struct{}),
		}
		r.users[userID] = e
	}
	e.conns[conn] = struct{}{}
	r.owners[conn] = userID

	if len(e.conns) == 1 {
		return Transition{Kind: Online, User: e.user}, nil
	}
	return Transition{Kind: None, User: e.user}, nil
}

// Unregister removes conn from its owner. Unknown handles are ignored.
func (r *Registry) Unregister(conn ConnID) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[conn]
	if !ok {
		return Transition{Kind: None}
	}
	delete(r.owners, conn)

	e := r.users[userID]
	delete(e.conns, conn)
	if len(e.conns) > 0 {
		return Transition{Kind: None, User: e.user}
	}
	delete(r.users, userID)
	return Transition{Kind: Offline, User: e.user}
}

// ConnectionsFor returns the live connections of userID.
func (r *Registry) ConnectionsFor(userID string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]ConnID, 0, len(e.conns))
	for conn := range e.conns {
		conns = append(conns, conn)
	}
	return conns
}

// AllConnections returns every live connection.
func (r *Registry) AllConnections() []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]ConnID, 0, len(r.owners))
	for conn := range r.owners {
		conns = append(conns, conn)
	}
	return conns
}

// AllUsers returns a snapshot of online users ordered by user id.
func (r *Registry) AllUsers() []User {
	r.mu.RLock()
	users := make([]User, 0, len(r.users))
	for _, e := range r.users {
		users = append(users, e.user)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Owner returns the user holding conn.
func (r *Registry) Owner(conn ConnID) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.owners[conn]
	if !ok {
		return User{}, false
	}
	return r.users[userID].user, true
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
