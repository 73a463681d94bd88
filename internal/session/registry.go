package session

import (
	"sort"
	"sync"
	"time"
)

// Info is the introspection view of a live session.
type Info struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Codespace   string `json:"codespace,omitempty"`
	CreatedAt   string `json:"created_at"`
	ConnectedAt string `json:"connected_at,omitempty"`
}

// Registry owns the live sessions, keyed by session ID. Connection handlers
// add a session on accept and remove it after close; introspection and
// shutdown iterate the registry, never the sockets.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List snapshots all live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	out := make([]Info, 0, len(all))
	for _, s := range all {
		info := Info{
			ID:        s.ID,
			State:     s.State().String(),
			Codespace: s.CodespaceName(),
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		}
		if at := s.ConnectedAt(); !at.IsZero() {
			info.ConnectedAt = at.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out
}

// CloseAll closes every live session and empties the registry. Used on
// server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
