// Package store provides the durable record store for stocks, publishers,
// subscribers and subscriptions. The broker consumes the Gateway interface;
// the Postgres implementation is the system of record and the in-memory
// implementation backs tests and store-less runs.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrStockNotFound is returned when no stock with the given name exists.
	ErrStockNotFound = errors.New("stock not found")

	// ErrStockExists is returned when publishing a name that already has a
	// stock record.
	ErrStockExists = errors.New("stock already exists")

	// ErrSubscriberNotFound is returned when no subscriber with the given id exists.
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrMissingSubscriber is returned when a blank subscriber identity
	// reaches a subscription write.
	ErrMissingSubscriber = errors.New("subscriber id is required")
)

// Stock is the canonical persisted identity for a topic.
type Stock struct {
	ID          string `json:"stock_id"`
	Name        string `json:"stock_name"`
	Symbol      string `json:"stock_symbol"`
	Price       string `json:"stock_price"`
	PublisherID string `json:"publisher_id,omitempty"`
}

// Subscriber is an opaque durable subscriber identity.
type Subscriber struct {
	ID string `json:"subscriber_id"`
}

// Subscription links a subscriber to a stock. Existing is true when the link
// was already present and the write was a no-op.
type Subscription struct {
	ID           string `json:"subscription_id"`
	StockID      string `json:"stock_id"`
	SubscriberID string `json:"subscriber_id"`
	Existing     bool   `json:"-"`
}

// PublishRequest carries the fields for listing a new stock.
type PublishRequest struct {
	PublisherID string
	Name        string
	Symbol      string
	Price       string
}

// PublishResult identifies the records written by PublishStock. NewPublisher
// is true when the publisher identity was unknown and a fresh one was minted.
type PublishResult struct {
	StockID      string
	PublisherID  string
	NewPublisher bool
}

// Gateway is the durable store consumed by the broker. Implementations honor
// bounded completion; the broker adds no retries or timeouts of its own.
type Gateway interface {
	// FindStock looks a stock up by name, case-insensitively.
	// Returns ErrStockNotFound when absent.
	FindStock(ctx context.Context, name string) (Stock, error)

	// ListStocks returns every stock record.
	ListStocks(ctx context.Context) ([]Stock, error)

	// PublishStock upserts the publisher identity, minting a fresh one when
	// it is unknown, and inserts a new stock record. Returns ErrStockExists
	// when the name is already taken, case-insensitively.
	PublishStock(ctx context.Context, req PublishRequest) (PublishResult, error)

	// FindSubscriber looks a subscriber up by identity.
	// Returns ErrSubscriberNotFound when absent.
	FindSubscriber(ctx context.Context, id string) (Subscriber, error)

	// CreateSubscriber mints a new durable subscriber identity.
	CreateSubscriber(ctx context.Context) (Subscriber, error)

	// EnsureSubscription links the subscriber to the named stock, creating
	// the link at most once: a duplicate attempt returns the existing link
	// with Existing set. Returns ErrStockNotFound when the stock is unknown
	// and ErrMissingSubscriber when the subscriber id is blank.
	EnsureSubscription(ctx context.Context, subscriberID, stockName string) (Subscription, error)
}

// SymbolFor derives a stock's ticker symbol: the first three characters of
// the name, uppercased.
func SymbolFor(name string) string {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return strings.ToUpper(string(runes))
}
