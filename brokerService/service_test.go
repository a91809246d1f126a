package brokerService

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kmeetz/stockfeed/internals/config"
	"github.com/kmeetz/stockfeed/internals/connection"
	"github.com/kmeetz/stockfeed/internals/metrics"
	"github.com/kmeetz/stockfeed/internals/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func testConfig() *config.Config {
	return &config.Config{
		MailboxSize:    64,
		SendBufferSize: 16,
		WriteTimeout:   time.Second,
		ReadTimeout:    5 * time.Second,
	}
}

func newTestBroker(t *testing.T, gateway store.Gateway) *BrokerServiceImpl {
	t.Helper()

	broker := NewBrokerService(testConfig(), gateway, metrics.NewMetrics())
	if err := broker.Start(); err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		broker.Shutdown(ctx)
	})
	return broker
}

// attachClient connects a WebSocket pair, attaches the server side to the
// broker and consumes the welcome message on the client side.
func attachClient(t *testing.T, broker *BrokerServiceImpl) (*connection.Connection, *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "WebSocket upgrade failed", http.StatusInternalServerError)
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[4:], nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var serverWS *websocket.Conn
	select {
	case serverWS = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for server-side connection")
	}

	conn := connection.New(serverWS, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	conn.StartWriter(ctx, time.Second)

	broker.Attach(conn)

	welcome := readResponse(t, client)
	if welcome["type"] != "system" {
		t.Fatalf("Expected a system welcome, got %v", welcome)
	}
	payload := welcome["payload"].(map[string]any)
	if payload["message"] != "Connected to server" {
		t.Fatalf("Unexpected welcome message: %v", payload["message"])
	}

	return conn, client
}

func readResponse(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return msg
}

func expectNoMessage(t *testing.T, client *websocket.Conn) {
	t.Helper()

	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := client.ReadMessage(); err == nil {
		t.Errorf("Expected no further messages, got %s", raw)
	}
}

func seedStock(t *testing.T, gateway store.Gateway, name, price string) store.PublishResult {
	t.Helper()

	result, err := gateway.PublishStock(context.Background(), store.PublishRequest{
		Name:   name,
		Symbol: store.SymbolFor(name),
		Price:  price,
	})
	if err != nil {
		t.Fatalf("Failed to seed stock %s: %v", name, err)
	}
	return result
}

func TestBroker_PublishNewStock(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"publisher","isNewStock":true,"payload":{"stock":"ACME","price":"10"}}`))

	ack := readResponse(t, client)
	if ack["success"] != true {
		t.Fatalf("Expected a successful ack, got %v", ack)
	}
	if ack["message"] != "Publisher didn't exist. Created new publisher and published stock." {
		t.Errorf("Unexpected ack message: %v", ack["message"])
	}

	data, ok := ack["data"].(map[string]any)
	if !ok {
		t.Fatalf("Expected ack data, got %v", ack)
	}
	if data["topic_id"] == "" || data["publisher_id"] == "" {
		t.Errorf("Expected minted identifiers, got %v", data)
	}
	if ack["timestamp"] == nil {
		t.Error("Expected a timestamp on the ack")
	}
}

func TestBroker_PublishKnownPublisher(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"publisher","isNewStock":true,"payload":{"stock":"ACME","price":"10"}}`))
	first := readResponse(t, client)
	publisherID := first["data"].(map[string]any)["publisher_id"].(string)

	broker.Dispatch(conn, []byte(`{"type":"publisher","id":"`+publisherID+`","isNewStock":true,"payload":{"stock":"GLOBEX","price":"20"}}`))
	second := readResponse(t, client)
	if second["message"] != "Stock published successfully." {
		t.Errorf("Unexpected ack message: %v", second["message"])
	}
	if second["data"].(map[string]any)["publisher_id"] != publisherID {
		t.Error("Known publisher identity must be reused")
	}
}

func TestBroker_PublishDuplicateStock(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	conn, client := attachClient(t, broker)
	subConn, subClient := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"publisher","isNewStock":true,"payload":{"stock":"ACME","price":"10"}}`))
	first := readResponse(t, client)
	if first["success"] != true {
		t.Fatalf("Expected the first publish to succeed, got %v", first)
	}

	broker.Dispatch(subConn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))
	readResponse(t, subClient)

	broker.Dispatch(conn, []byte(`{"type":"publisher","isNewStock":true,"payload":{"stock":"acme","price":"99"}}`))
	second := readResponse(t, client)
	if second["success"] != false {
		t.Fatalf("Re-listing an existing name should fail, got %v", second)
	}
	if second["message"] != "Stock already exists" {
		t.Errorf("Unexpected rejection message: %v", second["message"])
	}
	if second["data"] != nil {
		t.Errorf("Rejected publish should carry no identifiers, got %v", second["data"])
	}

	// The existing topic and its subscribers are untouched.
	broker.Dispatch(conn, []byte(`{"type":"publisher","payload":{"stock":"ACME","price":"12"}}`))
	update := readResponse(t, subClient)
	if update["type"] != "stock-update" {
		t.Fatalf("Subscriber should survive a rejected re-listing, got %v", update)
	}
	ack := readResponse(t, client)
	if ack["message"] != "Update for ACME delivered to 1 subscribers" {
		t.Errorf("Unexpected update ack: %v", ack["message"])
	}
}

func TestBroker_FirstTimeSubscribe(t *testing.T) {
	gateway := store.NewMemory()
	seeded := seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))

	resp := readResponse(t, client)
	if resp["type"] != "success" {
		t.Fatalf("Expected a success notice, got %v", resp)
	}
	payload := resp["payload"].(map[string]any)
	if payload["message"] != "Subscribed to the stock: ACME" {
		t.Errorf("Unexpected message: %v", payload["message"])
	}
	if payload["subscriber_id"] == nil || payload["subscriber_id"] == "" {
		t.Error("First-time subscribe should mint a subscriber identity")
	}
	if payload["topic_id"] != seeded.StockID {
		t.Errorf("Expected topic id %s, got %v", seeded.StockID, payload["topic_id"])
	}
}

func TestBroker_ResubscribeKeepsIdentity(t *testing.T) {
	gateway := store.NewMemory()
	seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))
	first := readResponse(t, client)
	subscriberID := first["payload"].(map[string]any)["subscriber_id"].(string)

	broker.Dispatch(conn, []byte(`{"type":"subscriber","id":"`+subscriberID+`","payload":{"stock":"acme"}}`))
	second := readResponse(t, client)
	if second["type"] != "success" {
		t.Fatalf("Re-subscribe should succeed, got %v", second)
	}
	if second["payload"].(map[string]any)["subscriber_id"] != subscriberID {
		t.Error("Known subscriber identity must be kept on re-subscribe")
	}
}

func TestBroker_SubscribeUnknownIdentityMintsFresh(t *testing.T) {
	gateway := store.NewMemory()
	seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"subscriber","id":"no-such-subscriber","payload":{"stock":"ACME"}}`))

	resp := readResponse(t, client)
	if resp["type"] != "success" {
		t.Fatalf("Expected a success notice, got %v", resp)
	}
	minted := resp["payload"].(map[string]any)["subscriber_id"]
	if minted == "no-such-subscriber" {
		t.Error("Unknown subscriber identity should be replaced with a fresh one")
	}
	if minted == nil || minted == "" {
		t.Error("Expected a minted subscriber identity")
	}
}

func TestBroker_SubscribeUnknownStock(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"subscriber","payload":{"stock":"UNKNOWN"}}`))

	resp := readResponse(t, client)
	if resp["type"] != "error" {
		t.Fatalf("Expected an error notice, got %v", resp)
	}
	if resp["payload"].(map[string]any)["message"] != "Stock UNKNOWN not listed by publisher" {
		t.Errorf("Unexpected error message: %v", resp["payload"])
	}
}

func TestBroker_UpdateBroadcast(t *testing.T) {
	gateway := store.NewMemory()
	seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	pubConn, pubClient := attachClient(t, broker)
	subConn, subClient := attachClient(t, broker)

	broker.Dispatch(subConn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))
	readResponse(t, subClient)

	broker.Dispatch(pubConn, []byte(`{"type":"publisher","payload":{"stock":"ACME","price":"12"}}`))

	update := readResponse(t, subClient)
	if update["type"] != "stock-update" {
		t.Fatalf("Expected a stock update, got %v", update)
	}
	payload := update["payload"].(map[string]any)
	if payload["stock"] != "ACME" || payload["price"] != "12" {
		t.Errorf("Unexpected update payload: %v", payload)
	}
	if update["message"] != "Price update for ACME" {
		t.Errorf("Unexpected update message: %v", update["message"])
	}

	ack := readResponse(t, pubClient)
	if ack["success"] != true {
		t.Fatalf("Expected a successful update ack, got %v", ack)
	}
	if ack["message"] != "Update for ACME delivered to 1 subscribers" {
		t.Errorf("Unexpected ack message: %v", ack["message"])
	}
}

func TestBroker_UpdateWithoutSubscribers(t *testing.T) {
	gateway := store.NewMemory()
	seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"publisher","payload":{"stock":"ACME","price":"12"}}`))

	ack := readResponse(t, client)
	if ack["success"] != true {
		t.Fatalf("Update without subscribers must still ack, got %v", ack)
	}
	if ack["message"] != "Update for ACME delivered to 0 subscribers" {
		t.Errorf("Unexpected ack message: %v", ack["message"])
	}
}

func TestBroker_CaseInsensitiveTopics(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	pubConn, pubClient := attachClient(t, broker)
	subConn, subClient := attachClient(t, broker)

	broker.Dispatch(pubConn, []byte(`{"type":"publisher","isNewStock":true,"payload":{"stock":"ACME","price":"10"}}`))
	readResponse(t, pubClient)

	broker.Dispatch(subConn, []byte(`{"type":"subscriber","payload":{"stock":"acme"}}`))
	resp := readResponse(t, subClient)
	if resp["type"] != "success" {
		t.Fatalf("Subscribe under different casing should succeed, got %v", resp)
	}

	broker.Dispatch(pubConn, []byte(`{"type":"publisher","payload":{"stock":"AcMe","price":"12"}}`))

	update := readResponse(t, subClient)
	if update["type"] != "stock-update" {
		t.Fatalf("Expected a stock update across casings, got %v", update)
	}
}

func TestBroker_DoubleSubscribeDeliversOnce(t *testing.T) {
	gateway := store.NewMemory()
	seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	pubConn, pubClient := attachClient(t, broker)
	subConn, subClient := attachClient(t, broker)

	broker.Dispatch(subConn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))
	first := readResponse(t, subClient)
	subscriberID := first["payload"].(map[string]any)["subscriber_id"].(string)

	broker.Dispatch(subConn, []byte(`{"type":"subscriber","id":"`+subscriberID+`","payload":{"stock":"ACME"}}`))
	readResponse(t, subClient)

	broker.Dispatch(pubConn, []byte(`{"type":"publisher","payload":{"stock":"ACME","price":"12"}}`))
	readResponse(t, pubClient)

	update := readResponse(t, subClient)
	if update["type"] != "stock-update" {
		t.Fatalf("Expected a stock update, got %v", update)
	}
	expectNoMessage(t, subClient)
}

func TestBroker_DetachCollectsDrainedTopics(t *testing.T) {
	gateway := store.NewMemory()
	seedStock(t, gateway, "ACME", "10")

	broker := newTestBroker(t, gateway)
	pubConn, pubClient := attachClient(t, broker)
	subConn, subClient := attachClient(t, broker)

	broker.Dispatch(subConn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))
	readResponse(t, subClient)

	broker.Detach(subConn)

	// The topic drained and was collected, but the durable record remains:
	// updates re-materialize the topic and still ack, with no one listening.
	broker.Dispatch(pubConn, []byte(`{"type":"publisher","payload":{"stock":"ACME","price":"12"}}`))
	ack := readResponse(t, pubClient)
	if ack["message"] != "Update for ACME delivered to 0 subscribers" {
		t.Errorf("Unexpected ack after subscriber disconnect: %v", ack["message"])
	}
}

func TestBroker_InvalidFrames(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	conn, client := attachClient(t, broker)

	cases := []struct {
		frame   string
		message string
	}{
		{`not json`, "invalid message format"},
		{`{"payload":{"stock":"ACME"}}`, "invalid message format"},
		{`{"type":"publisher","payload":{"price":"10"}}`, "payload.stock is required"},
		{`{"type":"publisher","payload":{"stock":"ACME"}}`, "payload.price is required"},
		{`{"type":"subscriber","payload":{}}`, "payload.stock is required"},
		{`{"type":"subscriber","payload":{"stock":"   "}}`, "payload.stock is required"},
		{`{"type":"publisher","isNewStock":true,"payload":{"stock":"   ","price":"10"}}`, "payload.stock is required"},
		{`{"type":"observer","payload":{"stock":"ACME"}}`, `unsupported message type: "observer"`},
	}

	for _, tc := range cases {
		broker.Dispatch(conn, []byte(tc.frame))

		resp := readResponse(t, client)
		if resp["type"] != "error" {
			t.Fatalf("Dispatch(%s): expected an error notice, got %v", tc.frame, resp)
		}
		if got := resp["payload"].(map[string]any)["message"]; got != tc.message {
			t.Errorf("Dispatch(%s): expected %q, got %q", tc.frame, tc.message, got)
		}
	}
}

// failingGateway rejects every store operation.
type failingGateway struct{}

var errStoreDown = errors.New("store unavailable")

func (failingGateway) FindStock(context.Context, string) (store.Stock, error) {
	return store.Stock{}, errStoreDown
}

func (failingGateway) ListStocks(context.Context) ([]store.Stock, error) {
	return nil, errStoreDown
}

func (failingGateway) PublishStock(context.Context, store.PublishRequest) (store.PublishResult, error) {
	return store.PublishResult{}, errStoreDown
}

func (failingGateway) FindSubscriber(context.Context, string) (store.Subscriber, error) {
	return store.Subscriber{}, errStoreDown
}

func (failingGateway) CreateSubscriber(context.Context) (store.Subscriber, error) {
	return store.Subscriber{}, errStoreDown
}

func (failingGateway) EnsureSubscription(context.Context, string, string) (store.Subscription, error) {
	return store.Subscription{}, errStoreDown
}

func TestBroker_StoreFailureSurfacesAndKeepsServing(t *testing.T) {
	broker := newTestBroker(t, failingGateway{})
	conn, client := attachClient(t, broker)

	broker.Dispatch(conn, []byte(`{"type":"publisher","isNewStock":true,"payload":{"stock":"ACME","price":"10"}}`))

	ack := readResponse(t, client)
	if ack["success"] != false {
		t.Fatalf("Expected a failed ack, got %v", ack)
	}
	if ack["message"] != "An error occurred while publishing stock: store unavailable" {
		t.Errorf("Unexpected failure message: %v", ack["message"])
	}

	broker.Dispatch(conn, []byte(`{"type":"subscriber","payload":{"stock":"ACME"}}`))
	resp := readResponse(t, client)
	if resp["type"] != "error" {
		t.Fatalf("Expected an error notice, got %v", resp)
	}
	if resp["payload"].(map[string]any)["message"] != "store unavailable" {
		t.Errorf("Unexpected error message: %v", resp["payload"])
	}
}

func TestBroker_Announce(t *testing.T) {
	broker := newTestBroker(t, store.NewMemory())
	_, client1 := attachClient(t, broker)
	_, client2 := attachClient(t, broker)

	broker.Announce(map[string]any{"type": "announcement", "message": "maintenance at noon"})

	for _, client := range []*websocket.Conn{client1, client2} {
		msg := readResponse(t, client)
		if msg["type"] != "announcement" {
			t.Errorf("Expected an announcement, got %v", msg)
		}
		if msg["message"] != "maintenance at noon" {
			t.Errorf("Unexpected announcement body: %v", msg)
		}
		if msg["timestamp"] == nil {
			t.Error("Announcement should be stamped")
		}
	}
}

func TestBroker_ShutdownClosesConnections(t *testing.T) {
	broker := NewBrokerService(testConfig(), store.NewMemory(), metrics.NewMetrics())
	if err := broker.Start(); err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}

	_, client := attachClient(t, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := broker.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("Client read should fail after broker shutdown")
	}
}
