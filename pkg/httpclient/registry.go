package httpclient

import (
	"sort"
	"sync"
)

// CircuitBreakerStatus is the health view of one registered client.
type CircuitBreakerStatus struct {
	Name  string              `json:"name"`
	Stats CircuitBreakerStats `json:"stats"`
}

// Registry keeps named clients so their breakers can be reported and reset
// from the status API.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// DefaultRegistry is the process-wide registry used by the serve command.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds a client under its configured name, replacing any previous one.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Name()] = client
}

// Get returns a client by name, or nil if not found.
func (r *Registry) Get(name string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[name]
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns the breaker status of every registered client, sorted by name.
func (r *Registry) Statuses() []CircuitBreakerStatus {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]CircuitBreakerStatus, 0, len(names))
	for _, name := range names {
		if c, ok := r.clients[name]; ok {
			statuses = append(statuses, CircuitBreakerStatus{Name: name, Stats: c.breaker.Stats()})
		}
	}
	return statuses
}

// Reset closes the named client's breaker. It reports false for unknown names.
func (r *Registry) Reset(name string) bool {
	c := r.Get(name)
	if c == nil {
		return false
	}
	c.ResetCircuit()
	return true
}
