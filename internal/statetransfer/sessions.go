package statetransfer

import (
	"sync"

	"github.com/dreamware/replicache/internal/storage"
)

// Sessions holds one Corresponder per requesting member.
type Sessions struct {
	store storage.InternalCache
	opts  []Option

	mu       sync.Mutex
	sessions map[string]*Corresponder
}

// NewSessions returns an empty session table serving from store. opts apply
// to every session it creates.
func NewSessions(store storage.InternalCache, opts ...Option) *Sessions {
	return &Sessions{
		store:    store,
		opts:     opts,
		sessions: make(map[string]*Corresponder),
	}
}

// GetData returns the next chunk for requester, opening a session on the
// first call. The session is dropped once it completes, so a later call
// from the same member starts a fresh transfer.
func (s *Sessions) GetData(requester string) (*Chunk, error) {
	s.mu.Lock()
	c, ok := s.sessions[requester]
	if !ok {
		c = NewCorresponder(s.store, requester, s.opts...)
		s.sessions[requester] = c
	}
	s.mu.Unlock()

	chunk, err := c.GetData()
	if err == nil && chunk.Completed {
		s.mu.Lock()
		if s.sessions[requester] == c {
			delete(s.sessions, requester)
		}
		s.mu.Unlock()
	}
	return chunk, err
}

// Dispose ends the session of requester, if any.
func (s *Sessions) Dispose(requester string) bool {
	s.mu.Lock()
	c, ok := s.sessions[requester]
	delete(s.sessions, requester)
	s.mu.Unlock()
	if ok {
		c.Dispose()
	}
	return ok
}

// DisposeAll ends every session.
func (s *Sessions) DisposeAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*Corresponder)
	s.mu.Unlock()
	for _, c := range all {
		c.Dispose()
	}
}

// Active returns the number of open sessions.
func (s *Sessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
