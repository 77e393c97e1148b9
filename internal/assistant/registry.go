package assistant

import (
	"sync"

	"github.com/archonhq/archon/internal/errdefs"
)

// Registry holds the available assistant clients keyed by type.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client, replacing any previous client of the same type.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Type()] = c
}

// Get returns the client for the given assistant type.
func (r *Registry) Get(assistantType string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[assistantType]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no assistant client registered for type %q", assistantType)
	}
	return c, nil
}

// Types lists the registered assistant types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.clients))
	for t := range r.clients {
		types = append(types, t)
	}
	return types
}
