package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is a map-backed Gateway used by tests and by broker runs without a
// DATABASE_URL. Records live for the process lifetime only.
type Memory struct {
	mu            sync.RWMutex
	stocks        map[string]Stock // keyed by normalized name
	publishers    map[string]struct{}
	subscribers   map[string]struct{}
	subscriptions map[string]Subscription // keyed by stockID + "/" + subscriberID
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		stocks:        make(map[string]Stock),
		publishers:    make(map[string]struct{}),
		subscribers:   make(map[string]struct{}),
		subscriptions: make(map[string]Subscription),
	}
}

func stockKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FindStock looks a stock up by name, case-insensitively.
func (m *Memory) FindStock(_ context.Context, name string) (Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stock, ok := m.stocks[stockKey(name)]
	if !ok {
		return Stock{}, ErrStockNotFound
	}
	return stock, nil
}

// ListStocks returns every stock record.
func (m *Memory) ListStocks(_ context.Context) ([]Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stocks := make([]Stock, 0, len(m.stocks))
	for _, s := range m.stocks {
		stocks = append(stocks, s)
	}
	return stocks, nil
}

// PublishStock upserts the publisher identity and inserts a new stock record.
func (m *Memory) PublishStock(_ context.Context, req PublishRequest) (PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stocks[stockKey(req.Name)]; ok {
		return PublishResult{}, ErrStockExists
	}

	publisherID := req.PublisherID
	newPublisher := false
	if _, ok := m.publishers[publisherID]; !ok {
		publisherID = uuid.NewString()
		newPublisher = true
		m.publishers[publisherID] = struct{}{}
	}

	stock := Stock{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Symbol:      req.Symbol,
		Price:       req.Price,
		PublisherID: publisherID,
	}
	m.stocks[stockKey(req.Name)] = stock

	return PublishResult{StockID: stock.ID, PublisherID: publisherID, NewPublisher: newPublisher}, nil
}

// FindSubscriber looks a subscriber up by identity.
func (m *Memory) FindSubscriber(_ context.Context, id string) (Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.subscribers[id]; !ok {
		return Subscriber{}, ErrSubscriberNotFound
	}
	return Subscriber{ID: id}, nil
}

// CreateSubscriber mints a new durable subscriber identity.
func (m *Memory) CreateSubscriber(_ context.Context) (Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.subscribers[id] = struct{}{}
	return Subscriber{ID: id}, nil
}

// EnsureSubscription links the subscriber to the named stock, idempotently.
func (m *Memory) EnsureSubscription(_ context.Context, subscriberID, stockName string) (Subscription, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return Subscription{}, ErrMissingSubscriber
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stock, ok := m.stocks[stockKey(stockName)]
	if !ok {
		return Subscription{}, ErrStockNotFound
	}

	key := stock.ID + "/" + subscriberID
	if existing, ok := m.subscriptions[key]; ok {
		existing.Existing = true
		return existing, nil
	}

	sub := Subscription{
		ID:           uuid.NewString(),
		StockID:      stock.ID,
		SubscriberID: subscriberID,
	}
	m.subscriptions[key] = sub
	return sub, nil
}

var _ Gateway = (*Memory)(nil)
