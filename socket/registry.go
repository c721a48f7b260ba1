package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry looks up servers by name. It replaces a process-wide table: create
// one, register servers into it and hand it to whatever needs the lookup.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
	first   string
}

func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]*Server),
	}
}

func (r *Registry) Register(s *Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[s.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, s.Name())
	}
	r.servers[s.Name()] = s
	if r.first == "" {
		r.first = s.Name()
	}
	return nil
}

func (r *Registry) Find(name string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// Default returns the first registered server still present.
func (r *Registry) Default() (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[r.first]
	return s, ok
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, name)
	if r.first == name {
		r.first = ""
	}
}

// Close shuts every registered server down and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	servers := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	r.servers = make(map[string]*Server)
	r.first = ""
	r.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
