// Package router provides the in-memory topic routing table for the broker.
package router

import (
	"strings"

	"github.com/kmeetz/stockfeed/internals/connection"
)

// Router maps normalized stock names to the set of subscribed connections.
// It is the single source of truth for who receives a stock's updates right
// now. The broker's dispatch goroutine owns it exclusively; none of its
// methods are safe for concurrent use.
//
// A topic entry exists only when it was created by a publisher in this
// broker's lifetime or confirmed to exist in the durable store. An entry with
// an empty subscriber set is valid and distinct from "topic does not exist".
type Router struct {
	topics map[string]map[*connection.Connection]struct{}
}

// New creates an empty routing table.
func New() *Router {
	return &Router{
		topics: make(map[string]map[*connection.Connection]struct{}),
	}
}

// Normalize canonicalizes a stock name. Topic identity is case-insensitive:
// "ACME" and "acme" address the same topic.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Exists reports whether a topic entry is present in the table.
func (r *Router) Exists(name string) bool {
	_, ok := r.topics[Normalize(name)]
	return ok
}

// Create inserts an empty subscriber set for the normalized name. Creating a
// topic that already exists is a no-op: re-creation must never discard the
// existing subscribers.
func (r *Router) Create(name string) {
	key := Normalize(name)
	if key == "" {
		return
	}
	if _, ok := r.topics[key]; ok {
		return
	}
	r.topics[key] = make(map[*connection.Connection]struct{})
}

// Subscribe adds a connection to the topic's subscriber set. The topic must
// already exist; callers resolve existence against the durable store first.
// Re-subscribing the same connection does not double-count it.
func (r *Router) Subscribe(name string, c *connection.Connection) bool {
	set, ok := r.topics[Normalize(name)]
	if !ok || c == nil {
		return false
	}
	set[c] = struct{}{}
	return true
}

// subscribed reports whether the connection is in the topic's subscriber set.
func (r *Router) subscribed(name string, c *connection.Connection) bool {
	set, ok := r.topics[Normalize(name)]
	if !ok {
		return false
	}
	_, ok = set[c]
	return ok
}

// UnsubscribeAll removes the connection from every topic's set and deletes
// any topic whose set drains to zero as a result. It returns the names of the
// deleted topics.
func (r *Router) UnsubscribeAll(c *connection.Connection) []string {
	var removed []string
	for name, set := range r.topics {
		if _, ok := set[c]; !ok {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(r.topics, name)
			removed = append(removed, name)
		}
	}
	return removed
}

// Broadcast sends a message to every subscriber of the topic whose transport
// is still open. Closed or saturated connections are skipped; their removal
// happens through the close path, never here.
func (r *Router) Broadcast(name string, msg any) (delivered, skipped int) {
	set, ok := r.topics[Normalize(name)]
	if !ok {
		return 0, 0
	}
	for c := range set {
		if c.SendMessage(msg) {
			delivered++
		} else {
			skipped++
		}
	}
	return delivered, skipped
}

// SubscriberCount returns the size of the topic's subscriber set.
func (r *Router) SubscriberCount(name string) int {
	return len(r.topics[Normalize(name)])
}

// TopicCount returns the number of topic entries in the table.
func (r *Router) TopicCount() int {
	return len(r.topics)
}
