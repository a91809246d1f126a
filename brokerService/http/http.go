package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kmeetz/stockfeed/brokerService"
	"github.com/kmeetz/stockfeed/internals/config"
	"github.com/kmeetz/stockfeed/internals/metrics"
)

// RegisterBrokerRoutes registers the broker's HTTP surface with the provided
// chi router:
//   - GET  {cfg.WSPath} - WebSocket endpoint for publishers and subscribers
//   - GET  /stocks      - list all durable stock records
//   - POST /broadcast   - administrative broadcast to every connection
//   - GET  /, /health   - liveness and counters
//   - GET  /stats       - metrics snapshot
func RegisterBrokerRoutes(r chi.Router, broker brokerService.Broker, cfg *config.Config, m *metrics.Metrics) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	handler := NewHandler(broker, cfg, m)

	wsPath := cfg.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}

	r.Get(wsPath, handler.HandleWebSocket)
	r.Get("/stocks", handler.HandleStocks)
	r.Post("/broadcast", handler.HandleBroadcast)
	r.Get("/", handler.HandleHealth)
	r.Get("/health", handler.HandleHealth)
	r.Get("/stats", handler.HandleStats)
}
