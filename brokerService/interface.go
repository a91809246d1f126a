// Package brokerService provides the topic broker: the single actor that owns
// all live connections and routes stock updates to subscribers.
package brokerService

import (
	"context"

	"github.com/kmeetz/stockfeed/internals/connection"
	"github.com/kmeetz/stockfeed/internals/store"
)

// Broker defines the interface the HTTP surface drives. All methods are safe
// to call from any goroutine; they hand work to the broker's single dispatch
// goroutine, which is the only writer to the routing table and the connection
// registry.
type Broker interface {
	// Start launches the dispatch goroutine.
	Start() error

	// Shutdown stops the dispatch goroutine and closes every open
	// connection. The context bounds how long to wait for the dispatch
	// loop to drain.
	Shutdown(ctx context.Context) error

	// Attach registers a freshly accepted connection. The broker sends the
	// welcome notice once registration is processed.
	Attach(c *connection.Connection)

	// Dispatch hands one inbound frame from the connection to the broker.
	// Every frame yields exactly one direct response to the sender, plus
	// zero or more broadcasts to subscribers.
	Dispatch(c *connection.Connection, frame []byte)

	// Detach removes a closed connection: the connection leaves every
	// topic's subscriber set before it is discarded.
	Detach(c *connection.Connection)

	// Announce delivers a message to every open connection, independent of
	// topic subscriptions. A timestamp is stamped onto the payload.
	Announce(payload map[string]any)

	// Gateway returns the durable store the broker reconciles against.
	// HTTP handlers use it for plain queries such as listing stocks.
	Gateway() store.Gateway
}
