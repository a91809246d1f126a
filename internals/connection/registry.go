package connection

// Registry tracks every open connection for the administrative broadcast
// channel. It is owned by the broker's dispatch goroutine and must not be
// shared across goroutines.
type Registry struct {
	conns map[*Connection]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[*Connection]struct{}),
	}
}

// Add records a connection at accept time.
func (r *Registry) Add(c *Connection) {
	if c == nil {
		return
	}
	r.conns[c] = struct{}{}
}

// Remove discards a connection. Callers run the topic-level cleanup first so
// no topic retains a reference to a closed connection.
func (r *Registry) Remove(c *Connection) {
	delete(r.conns, c)
}

// Contains reports whether the connection is registered.
func (r *Registry) Contains(c *Connection) bool {
	_, ok := r.conns[c]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// All returns the registered connections in no particular order.
func (r *Registry) All() []*Connection {
	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast delivers a message to every registered connection, independent of
// topic subscriptions. Connections that are closed or whose buffers are full
// are skipped.
func (r *Registry) Broadcast(msg any) (delivered, skipped int) {
	for c := range r.conns {
		if c.SendMessage(msg) {
			delivered++
		} else {
			skipped++
		}
	}
	return delivered, skipped
}
