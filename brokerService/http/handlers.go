// Package http provides the HTTP and WebSocket surface for the broker.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kmeetz/stockfeed/brokerService"
	"github.com/kmeetz/stockfeed/internals/config"
	"github.com/kmeetz/stockfeed/internals/connection"
	"github.com/kmeetz/stockfeed/internals/metrics"
)

// Handler serves the websocket upgrade endpoint and the thin administrative
// queries around the broker.
type Handler struct {
	broker    brokerService.Broker
	cfg       *config.Config
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewHandler creates a handler around the given broker.
func NewHandler(broker brokerService.Broker, cfg *config.Config, m *metrics.Metrics) *Handler {
	return &Handler{
		broker:  broker,
		cfg:     cfg,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // TLS termination and origin policy live in the hosting layer
			},
		},
		startTime: time.Now(),
	}
}

// HandleWebSocket upgrades the HTTP request, attaches the connection to the
// broker and feeds inbound frames to its mailbox until the client goes away.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := connection.New(ws, h.cfg.SendBufferSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn.StartWriter(ctx, h.cfg.WriteTimeout)

	h.broker.Attach(conn)
	defer h.broker.Detach(conn)

	for {
		if h.cfg.ReadTimeout > 0 {
			if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
				break
			}
		}

		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Client %s read error: %v", conn.ID, err)
			}
			break
		}

		h.broker.Dispatch(conn, frame)
	}
}

// StocksResponse is the JSON body for GET /stocks.
type StocksResponse struct {
	Success bool  `json:"success"`
	Message string `json:"message"`
	Data    any   `json:"data"`
}

// HandleStocks serves GET /stocks: every durable stock record.
func (h *Handler) HandleStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.broker.Gateway().ListStocks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, StocksResponse{
			Success: false,
			Message: "An error occurred while retrieving all stocks.",
		})
		return
	}

	writeJSON(w, http.StatusOK, StocksResponse{
		Success: true,
		Message: "All stocks retrieved successfully",
		Data:    stocks,
	})
}

// HandleBroadcast serves POST /broadcast: deliver one message to every open
// connection, independent of topic subscriptions.
func (h *Handler) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message format"})
		return
	}

	h.broker.Announce(payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthResponse is the JSON body for GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Topics        int64   `json:"topics"`
	Connections   int64   `json:"connections"`
	Timestamp     string  `json:"timestamp"`
}

// HandleHealth serves GET / and GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Topics:        h.metrics.Topics(),
		Connections:   h.metrics.Connections(),
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

// HandleStats serves GET /stats: the metrics snapshot.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     h.metrics.Snapshot(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}
