// Package models provides the wire-level message types for the stock broker.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Message type values used on the wire.
const (
	TypePublisher   = "publisher"
	TypeSubscriber  = "subscriber"
	TypeSystem      = "system"
	TypeError       = "error"
	TypeSuccess     = "success"
	TypeStockUpdate = "stock-update"
)

// ClientMsg is the inbound envelope sent by publishers and subscribers.
type ClientMsg struct {
	Type       string  `json:"type"`
	ID         string  `json:"id,omitempty"`
	IsNewStock bool    `json:"isNewStock,omitempty"`
	Payload    Payload `json:"payload"`
}

// Payload carries the stock name and, for publisher messages, the price.
// Prices travel as numeric strings.
type Payload struct {
	Stock string `json:"stock"`
	Price string `json:"price,omitempty"`
}

// Command is one of the closed set of validated inbound messages:
// PublisherCreate, PublisherUpdate or SubscriberJoin.
type Command interface {
	isCommand()
}

// PublisherCreate lists a new stock.
type PublisherCreate struct {
	PublisherID string
	Stock       string
	Price       string
}

// PublisherUpdate pushes a price update for an existing stock.
type PublisherUpdate struct {
	PublisherID string
	Stock       string
	Price       string
}

// SubscriberJoin subscribes the sending connection to a stock.
// SubscriberID is empty on a first-time subscribe.
type SubscriberJoin struct {
	SubscriberID string
	Stock        string
}

func (PublisherCreate) isCommand() {}
func (PublisherUpdate) isCommand() {}
func (SubscriberJoin) isCommand()  {}

// Decode parses and validates a raw frame into exactly one Command.
// Validation failures never mutate broker state; callers turn the returned
// error into an error response for the sending connection.
func Decode(raw []byte) (Command, error) {
	var env ClientMsg
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformedMessage
	}

	// A name that is all whitespace is as absent as no name at all.
	stock := strings.TrimSpace(env.Payload.Stock)

	switch env.Type {
	case "":
		return nil, ErrMalformedMessage

	case TypePublisher:
		if stock == "" {
			return nil, ErrMissingStock
		}
		if env.Payload.Price == "" {
			return nil, ErrMissingPrice
		}
		if env.IsNewStock {
			return PublisherCreate{PublisherID: env.ID, Stock: stock, Price: env.Payload.Price}, nil
		}
		return PublisherUpdate{PublisherID: env.ID, Stock: stock, Price: env.Payload.Price}, nil

	case TypeSubscriber:
		if stock == "" {
			return nil, ErrMissingStock
		}
		return SubscriberJoin{SubscriberID: env.ID, Stock: stock}, nil

	default:
		return nil, &UnsupportedTypeError{Value: env.Type}
	}
}

// Notice is the system/error/success response envelope.
type Notice struct {
	Type      string        `json:"type"`
	Payload   NoticePayload `json:"payload"`
	Timestamp int64         `json:"timestamp"`
}

// NoticePayload carries a human-readable message plus optional identifiers
// minted during a subscribe.
type NoticePayload struct {
	Message      string `json:"message"`
	SubscriberID string `json:"subscriber_id,omitempty"`
	TopicID      string `json:"topic_id,omitempty"`
}

// NewSystemNotice builds a system notice such as the welcome message.
func NewSystemNotice(message string) Notice {
	return Notice{
		Type:      TypeSystem,
		Payload:   NoticePayload{Message: message},
		Timestamp: Now(),
	}
}

// NewErrorNotice builds an error response for the originating connection.
func NewErrorNotice(message string) Notice {
	return Notice{
		Type:      TypeError,
		Payload:   NoticePayload{Message: message},
		Timestamp: Now(),
	}
}

// NewSuccessNotice builds a subscriber success acknowledgment.
func NewSuccessNotice(message, subscriberID, topicID string) Notice {
	return Notice{
		Type:      TypeSuccess,
		Payload:   NoticePayload{Message: message, SubscriberID: subscriberID, TopicID: topicID},
		Timestamp: Now(),
	}
}

// StockUpdate is broadcast to every subscriber of a stock on a price update.
type StockUpdate struct {
	Type      string             `json:"type"`
	Payload   StockUpdatePayload `json:"payload"`
	Message   string             `json:"message"`
	Timestamp int64              `json:"timestamp"`
}

// StockUpdatePayload carries the stock name and its new price.
type StockUpdatePayload struct {
	Stock string `json:"stock"`
	Price string `json:"price"`
}

// NewStockUpdate builds the broadcast message for a price update.
func NewStockUpdate(stock, price, message string) StockUpdate {
	return StockUpdate{
		Type:      TypeStockUpdate,
		Payload:   StockUpdatePayload{Stock: stock, Price: price},
		Message:   message,
		Timestamp: Now(),
	}
}

// PublishAck is the direct response to a publisher's create-stock message.
// It mirrors the durable store's result, success or failure.
type PublishAck struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Data      *PublishData `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// PublishData identifies the records written by a successful create.
type PublishData struct {
	TopicID     string `json:"topic_id"`
	PublisherID string `json:"publisher_id"`
}

// UpdateAck is the direct response to a publisher's price update,
// sent regardless of how many subscribers received the broadcast.
type UpdateAck struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Now returns the current time in Unix milliseconds, the timestamp unit used
// on the wire.
func Now() int64 {
	return time.Now().UnixMilli()
}
