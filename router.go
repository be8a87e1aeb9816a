package xsbus

import "sync"

// Router maps a logical message type to the queue that owns it. The mapping
// is supplied at configuration time; there are no wildcards.
type Router interface {
	// Destination returns the queue address owning typeName, or a
	// RoutingError when no mapping exists.
	Destination(typeName string) (string, error)
}

// StaticRouter is the exact-match table Router.
type StaticRouter struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewStaticRouter returns an empty router.
func NewStaticRouter() *StaticRouter {
	return &StaticRouter{routes: make(map[string]string)}
}

// Map binds a message type to a destination queue. Chainable.
func (r *StaticRouter) Map(typeName, address string) *StaticRouter {
	r.mu.Lock()
	r.routes[typeName] = address
	r.mu.Unlock()
	return r
}

// Destination implements Router.
func (r *StaticRouter) Destination(typeName string) (string, error) {
	r.mu.RLock()
	addr, ok := r.routes[typeName]
	r.mu.RUnlock()
	if !ok {
		return "", RoutingError{MessageType: typeName}
	}
	return addr, nil
}
