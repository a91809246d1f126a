package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the Gateway backed by a PostgreSQL pool. The tables must be
// created with CreateSchema before use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed gateway on the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateSchema creates the durable tables if they do not exist.
func (p *Postgres) CreateSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS publisher (
			publisher_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS stock (
			stock_id TEXT PRIMARY KEY,
			stock_name TEXT NOT NULL,
			stock_symbol TEXT NOT NULL,
			stock_price TEXT NOT NULL,
			publisher_id TEXT NOT NULL REFERENCES publisher (publisher_id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS stock_name_lower_idx ON stock (LOWER(stock_name))`,
		`CREATE TABLE IF NOT EXISTS subscriber (
			subscriber_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS subscription (
			subscription_id TEXT PRIMARY KEY,
			stock_id TEXT NOT NULL REFERENCES stock (stock_id),
			subscriber_id TEXT NOT NULL REFERENCES subscriber (subscriber_id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stock_id, subscriber_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// FindStock looks a stock up by name, case-insensitively.
func (p *Postgres) FindStock(ctx context.Context, name string) (Stock, error) {
	var stock Stock
	err := p.pool.QueryRow(ctx,
		`SELECT stock_id, stock_name, stock_symbol, stock_price, publisher_id
		 FROM stock WHERE LOWER(stock_name) = LOWER($1)`,
		name,
	).Scan(&stock.ID, &stock.Name, &stock.Symbol, &stock.Price, &stock.PublisherID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stock{}, ErrStockNotFound
	}
	if err != nil {
		return Stock{}, fmt.Errorf("finding stock %q: %w", name, err)
	}
	return stock, nil
}

// ListStocks returns every stock record.
func (p *Postgres) ListStocks(ctx context.Context) ([]Stock, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT stock_id, stock_name, stock_symbol, stock_price FROM stock`)
	if err != nil {
		return nil, fmt.Errorf("listing stocks: %w", err)
	}
	defer rows.Close()

	var stocks []Stock
	for rows.Next() {
		var stock Stock
		if err := rows.Scan(&stock.ID, &stock.Name, &stock.Symbol, &stock.Price); err != nil {
			return nil, fmt.Errorf("scanning stock row: %w", err)
		}
		stocks = append(stocks, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing stocks: %w", err)
	}
	return stocks, nil
}

// PublishStock upserts the publisher identity, minting a fresh one when it is
// unknown, and inserts a new stock record.
func (p *Postgres) PublishStock(ctx context.Context, req PublishRequest) (PublishResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publishing stock: %w", err)
	}
	defer tx.Rollback(ctx)

	var taken string
	err = tx.QueryRow(ctx,
		`SELECT stock_id FROM stock WHERE LOWER(stock_name) = LOWER($1)`,
		req.Name,
	).Scan(&taken)
	if err == nil {
		return PublishResult{}, ErrStockExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return PublishResult{}, fmt.Errorf("finding stock %q: %w", req.Name, err)
	}

	publisherID := req.PublisherID
	newPublisher := false

	var found string
	err = tx.QueryRow(ctx,
		`SELECT publisher_id FROM publisher WHERE publisher_id = $1`,
		publisherID,
	).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		publisherID = uuid.NewString()
		newPublisher = true
		if _, err := tx.Exec(ctx,
			`INSERT INTO publisher (publisher_id) VALUES ($1)`, publisherID); err != nil {
			return PublishResult{}, fmt.Errorf("creating publisher: %w", err)
		}
	} else if err != nil {
		return PublishResult{}, fmt.Errorf("finding publisher: %w", err)
	}

	stockID := uuid.NewString()
	if _, err := tx.Exec(ctx,
		`INSERT INTO stock (stock_id, stock_name, stock_symbol, stock_price, publisher_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		stockID, req.Name, req.Symbol, req.Price, publisherID); err != nil {
		return PublishResult{}, fmt.Errorf("creating stock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PublishResult{}, fmt.Errorf("publishing stock: %w", err)
	}

	return PublishResult{StockID: stockID, PublisherID: publisherID, NewPublisher: newPublisher}, nil
}

// FindSubscriber looks a subscriber up by identity.
func (p *Postgres) FindSubscriber(ctx context.Context, id string) (Subscriber, error) {
	var sub Subscriber
	err := p.pool.QueryRow(ctx,
		`SELECT subscriber_id FROM subscriber WHERE subscriber_id = $1`, id,
	).Scan(&sub.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscriber{}, ErrSubscriberNotFound
	}
	if err != nil {
		return Subscriber{}, fmt.Errorf("finding subscriber: %w", err)
	}
	return sub, nil
}

// CreateSubscriber mints a new durable subscriber identity.
func (p *Postgres) CreateSubscriber(ctx context.Context) (Subscriber, error) {
	id := uuid.NewString()
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO subscriber (subscriber_id) VALUES ($1)`, id); err != nil {
		return Subscriber{}, fmt.Errorf("creating subscriber: %w", err)
	}
	return Subscriber{ID: id}, nil
}

// EnsureSubscription links the subscriber to the named stock, idempotently.
func (p *Postgres) EnsureSubscription(ctx context.Context, subscriberID, stockName string) (Subscription, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return Subscription{}, ErrMissingSubscriber
	}

	stock, err := p.FindStock(ctx, stockName)
	if err != nil {
		return Subscription{}, err
	}

	var existing Subscription
	err = p.pool.QueryRow(ctx,
		`SELECT subscription_id, stock_id, subscriber_id
		 FROM subscription WHERE stock_id = $1 AND subscriber_id = $2`,
		stock.ID, subscriberID,
	).Scan(&existing.ID, &existing.StockID, &existing.SubscriberID)
	if err == nil {
		existing.Existing = true
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, fmt.Errorf("finding subscription: %w", err)
	}

	sub := Subscription{
		ID:           uuid.NewString(),
		StockID:      stock.ID,
		SubscriberID: subscriberID,
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO subscription (subscription_id, stock_id, subscriber_id)
		 VALUES ($1, $2, $3)`,
		sub.ID, sub.StockID, sub.SubscriberID); err != nil {
		return Subscription{}, fmt.Errorf("creating subscription: %w", err)
	}
	return sub, nil
}

var _ Gateway = (*Postgres)(nil)
