package message

import "sync"

// store keeps the most recent sent messages, evicting the oldest first.
type store struct {
	mu    sync.Mutex
	limit int
	byID  map[ID]Message
	order []ID
}

func newStore(limit int) *store {
	return &store{
		limit: limit,
		byID:  make(map[ID]Message, limit),
		order: make([]ID, 0, limit),
	}
}

func (s *store) put(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	if len(s.order) > s.limit {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, evict)
	}
}

func (s *store) get(id ID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	return msg, ok
}
