package brokerService

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/kmeetz/stockfeed/internals/config"
	"github.com/kmeetz/stockfeed/internals/connection"
	"github.com/kmeetz/stockfeed/internals/metrics"
	"github.com/kmeetz/stockfeed/internals/models"
	"github.com/kmeetz/stockfeed/internals/router"
	"github.com/kmeetz/stockfeed/internals/store"
)

type cmdKind int

const (
	cmdAttach cmdKind = iota
	cmdFrame
	cmdDetach
	cmdAnnounce
)

// command is one unit of work for the dispatch goroutine.
type command struct {
	kind    cmdKind
	conn    *connection.Connection
	frame   []byte
	payload map[string]any
}

// BrokerServiceImpl implements the Broker interface. A single dispatch
// goroutine reads the mailbox and is the only writer to the routing table and
// the connection registry, so neither needs locking. Gateway calls run inside
// dispatch: at most one inbound message is processed to completion before the
// next begins.
type BrokerServiceImpl struct {
	cfg     *config.Config
	gateway store.Gateway
	metrics *metrics.Metrics

	// Owned by the dispatch goroutine.
	router *router.Router
	conns  *connection.Registry

	baseCtx  context.Context
	mailbox  chan command
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBrokerService creates a broker with the specified dependencies. Start
// must be called before any connection is attached.
func NewBrokerService(cfg *config.Config, gateway store.Gateway, m *metrics.Metrics) *BrokerServiceImpl {
	mailbox := cfg.MailboxSize
	if mailbox <= 0 {
		mailbox = 1024
	}

	return &BrokerServiceImpl{
		cfg:     cfg,
		gateway: gateway,
		metrics: m,
		router:  router.New(),
		conns:   connection.NewRegistry(),
		baseCtx: context.Background(),
		mailbox: make(chan command, mailbox),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (b *BrokerServiceImpl) Start() error {
	log.Println("Starting broker...")
	go b.run()
	return nil
}

// Shutdown stops the dispatch goroutine, drains the mailbox and closes every
// open connection.
func (b *BrokerServiceImpl) Shutdown(ctx context.Context) error {
	log.Println("Shutting down broker...")
	b.stopOnce.Do(func() {
		close(b.quit)
	})

	select {
	case <-b.done:
		log.Println("Broker shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a freshly accepted connection.
func (b *BrokerServiceImpl) Attach(c *connection.Connection) {
	b.enqueue(command{kind: cmdAttach, conn: c})
}

// Dispatch hands one inbound frame to the broker.
func (b *BrokerServiceImpl) Dispatch(c *connection.Connection, frame []byte) {
	b.enqueue(command{kind: cmdFrame, conn: c, frame: frame})
}

// Detach removes a closed connection.
func (b *BrokerServiceImpl) Detach(c *connection.Connection) {
	b.enqueue(command{kind: cmdDetach, conn: c})
}

// Announce delivers a message to every open connection.
func (b *BrokerServiceImpl) Announce(payload map[string]any) {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["timestamp"] = models.Now()
	b.enqueue(command{kind: cmdAnnounce, payload: msg})
}

// Gateway returns the durable store the broker reconciles against.
func (b *BrokerServiceImpl) Gateway() store.Gateway {
	return b.gateway
}

// enqueue blocks until the mailbox accepts the command or the broker stops.
// Back-pressure lands on the calling connection's reader, never on dispatch.
func (b *BrokerServiceImpl) enqueue(cmd command) {
	select {
	case b.mailbox <- cmd:
	case <-b.quit:
	}
}

func (b *BrokerServiceImpl) run() {
	defer close(b.done)

	for {
		select {
		case cmd := <-b.mailbox:
			b.handle(cmd)
		case <-b.quit:
			for {
				select {
				case cmd := <-b.mailbox:
					b.handle(cmd)
				default:
					b.closeAll()
					return
				}
			}
		}
	}
}

func (b *BrokerServiceImpl) handle(cmd command) {
	switch cmd.kind {
	case cmdAttach:
		b.handleAttach(cmd.conn)
	case cmdFrame:
		b.handleFrame(cmd.conn, cmd.frame)
	case cmdDetach:
		b.handleDetach(cmd.conn)
	case cmdAnnounce:
		b.handleAnnounce(cmd.payload)
	}
}

func (b *BrokerServiceImpl) handleAttach(c *connection.Connection) {
	b.conns.Add(c)
	b.metrics.ConnOpened()
	c.SendMessage(models.NewSystemNotice("Connected to server"))
	log.Printf("Client %s connected, %d active", c.ID, b.conns.Len())
}

func (b *BrokerServiceImpl) handleDetach(c *connection.Connection) {
	if !b.conns.Contains(c) {
		return
	}

	removed := b.router.UnsubscribeAll(c)
	b.conns.Remove(c)
	b.metrics.ConnClosed()
	b.metrics.SetTopics(b.router.TopicCount())
	c.Close()

	if len(removed) > 0 {
		log.Printf("Client %s disconnected, removed drained topics: %v", c.ID, removed)
	} else {
		log.Printf("Client %s disconnected, %d active", c.ID, b.conns.Len())
	}
}

func (b *BrokerServiceImpl) handleAnnounce(payload map[string]any) {
	delivered, skipped := b.conns.Broadcast(payload)
	log.Printf("Broadcast to all clients: %d delivered, %d skipped", delivered, skipped)
}

// handleFrame validates one inbound frame and dispatches it down the
// publisher or subscriber path. Every path sends exactly one direct response
// to the sender; validation failures mutate nothing.
func (b *BrokerServiceImpl) handleFrame(c *connection.Connection, frame []byte) {
	cmd, err := models.Decode(frame)
	if err != nil {
		b.respondError(c, err.Error())
		return
	}

	switch msg := cmd.(type) {
	case models.PublisherCreate:
		b.handleCreate(c, msg)
	case models.PublisherUpdate:
		b.handleUpdate(c, msg)
	case models.SubscriberJoin:
		b.handleJoin(c, msg)
	}
}

// handleCreate lists a new stock: the gateway upserts the publisher and
// inserts the durable record, then the topic is materialized in the router.
// The ack always carries the gateway result; a name that is already listed is
// rejected, and the existing topic keeps its subscribers.
func (b *BrokerServiceImpl) handleCreate(c *connection.Connection, msg models.PublisherCreate) {
	res, err := b.gateway.PublishStock(b.baseCtx, store.PublishRequest{
		PublisherID: msg.PublisherID,
		Name:        msg.Stock,
		Symbol:      store.SymbolFor(msg.Stock),
		Price:       msg.Price,
	})
	if err != nil {
		b.metrics.IncError()
		ackMsg := fmt.Sprintf("An error occurred while publishing stock: %v", err)
		if errors.Is(err, store.ErrStockExists) {
			ackMsg = "Stock already exists"
		}
		c.SendMessage(models.PublishAck{
			Success:   false,
			Message:   ackMsg,
			Timestamp: models.Now(),
		})
		return
	}

	b.router.Create(msg.Stock)
	b.metrics.SetTopics(b.router.TopicCount())

	ackMsg := "Stock published successfully."
	if res.NewPublisher {
		ackMsg = "Publisher didn't exist. Created new publisher and published stock."
	}
	c.SendMessage(models.PublishAck{
		Success:   true,
		Message:   ackMsg,
		Data:      &models.PublishData{TopicID: res.StockID, PublisherID: res.PublisherID},
		Timestamp: models.Now(),
	})
	log.Printf("Publisher %s listed stock %s", res.PublisherID, msg.Stock)
}

// handleUpdate broadcasts a price update to the stock's subscribers and then
// always acks the publisher, whether or not anyone was listening.
func (b *BrokerServiceImpl) handleUpdate(c *connection.Connection, msg models.PublisherUpdate) {
	name, ok := b.ensureTopic(c, msg.Stock)
	if !ok {
		return
	}

	update := models.NewStockUpdate(msg.Stock, msg.Price, fmt.Sprintf("Price update for %s", msg.Stock))
	delivered, skipped := b.router.Broadcast(name, update)
	b.metrics.RecordUpdate(name, delivered, skipped)

	c.SendMessage(models.UpdateAck{
		Success:   true,
		Message:   fmt.Sprintf("Update for %s delivered to %d subscribers", msg.Stock, delivered),
		Timestamp: models.Now(),
	})
}

// handleJoin subscribes the connection to a stock. The connection is added to
// the router only after the durable subscription write succeeds: in-memory
// and durable state never diverge in the success direction.
func (b *BrokerServiceImpl) handleJoin(c *connection.Connection, msg models.SubscriberJoin) {
	name, ok := b.ensureTopic(c, msg.Stock)
	if !ok {
		return
	}

	subscriberID := msg.SubscriberID
	if subscriberID != "" {
		_, err := b.gateway.FindSubscriber(b.baseCtx, subscriberID)
		if errors.Is(err, store.ErrSubscriberNotFound) {
			subscriberID = ""
		} else if err != nil {
			b.respondError(c, err.Error())
			return
		}
	}
	if subscriberID == "" {
		sub, err := b.gateway.CreateSubscriber(b.baseCtx)
		if err != nil {
			b.respondError(c, err.Error())
			return
		}
		subscriberID = sub.ID
	}

	subscription, err := b.gateway.EnsureSubscription(b.baseCtx, subscriberID, msg.Stock)
	if err != nil {
		b.respondError(c, err.Error())
		return
	}

	if !b.router.Subscribe(name, c) {
		b.respondError(c, fmt.Sprintf("Stock %s not listed by publisher", msg.Stock))
		return
	}
	c.SendMessage(models.NewSuccessNotice(
		fmt.Sprintf("Subscribed to the stock: %s", msg.Stock),
		subscriberID,
		subscription.StockID,
	))
	log.Printf("Subscriber %s subscribed to %s (%d live)", subscriberID, name, b.router.SubscriberCount(name))
}

// ensureTopic resolves topic existence, reconciling the router against the
// durable store on a cache miss. A stock found durably but missing from the
// router is materialized with an empty subscriber set. Returns the normalized
// name and whether dispatch should proceed; on failure the sender has already
// received its error response.
func (b *BrokerServiceImpl) ensureTopic(c *connection.Connection, stock string) (string, bool) {
	name := router.Normalize(stock)
	if b.router.Exists(name) {
		return name, true
	}

	_, err := b.gateway.FindStock(b.baseCtx, stock)
	if errors.Is(err, store.ErrStockNotFound) {
		b.respondError(c, fmt.Sprintf("Stock %s not listed by publisher", stock))
		return name, false
	}
	if err != nil {
		b.respondError(c, err.Error())
		return name, false
	}

	b.router.Create(name)
	b.metrics.SetTopics(b.router.TopicCount())
	return name, true
}

func (b *BrokerServiceImpl) respondError(c *connection.Connection, message string) {
	b.metrics.IncError()
	c.SendMessage(models.NewErrorNotice(message))
}

func (b *BrokerServiceImpl) closeAll() {
	for _, c := range b.conns.All() {
		b.router.UnsubscribeAll(c)
		b.conns.Remove(c)
		b.metrics.ConnClosed()
		c.Close()
	}
	b.metrics.SetTopics(b.router.TopicCount())
	log.Println("Broker closed all connections")
}

var _ Broker = (*BrokerServiceImpl)(nil)
