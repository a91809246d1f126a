// Package connection provides WebSocket connection management for the broker.
package connection

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents one open WebSocket client, publisher or subscriber.
// It ensures thread-safe message delivery through a dedicated writer goroutine.
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan any
	Done      chan struct{}
	closeOnce sync.Once
}

// New creates a connection with a freshly generated identity.
// The buf parameter sets the buffer size for the Send channel.
func New(conn *websocket.Conn, buf int) *Connection {
	if buf <= 0 {
		buf = 100
	}

	return &Connection{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan any, buf),
		Done: make(chan struct{}),
	}
}

// StartWriter launches a goroutine that continuously reads from the Send
// channel and writes messages as JSON to the WebSocket connection.
//
// CONCURRENCY NOTE: This is the ONLY goroutine that writes to Conn. All other
// code sends messages through the Send channel, never directly to the socket.
//
// The writer closes the Done channel on any write error, signaling that the
// connection should be cleaned up.
func (c *Connection) StartWriter(ctx context.Context, writeTimeout time.Duration) {
	go func() {
		defer close(c.Done)

		for {
			select {
			case <-ctx.Done():
				return

			case msg, ok := <-c.Send:
				if !ok {
					return
				}

				if writeTimeout > 0 {
					if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
						log.Printf("Connection %s: failed to set write deadline: %v", c.ID, err)
						return
					}
				}

				if err := c.Conn.WriteJSON(msg); err != nil {
					log.Printf("Connection %s: failed to write message: %v", c.ID, err)
					return
				}
			}
		}
	}()
}

// SendMessage sends a message to the connection through the Send channel.
// Returns false if the channel is full or the connection is no longer active.
func (c *Connection) SendMessage(msg any) bool {
	if !c.IsActive() {
		return false
	}

	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// IsActive returns true if the connection can still receive messages.
func (c *Connection) IsActive() bool {
	select {
	case <-c.Done:
		return false
	default:
		return true
	}
}

// Close gracefully shuts down the connection by closing the Send channel and
// waiting for the writer goroutine to drain. Safe to call multiple times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.Send)

		<-c.Done

		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}
