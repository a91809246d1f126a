package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kmeetz/stockfeed/brokerService"
	brokerHTTP "github.com/kmeetz/stockfeed/brokerService/http"
	"github.com/kmeetz/stockfeed/internals/config"
	"github.com/kmeetz/stockfeed/internals/metrics"
	"github.com/kmeetz/stockfeed/internals/store"
)

var configFile = flag.String("config", ".env", "Path to configuration file")

func main() {
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(*configFile); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Load configuration
	cfg := config.NewConfig()
	cfg.ParseFlags()

	log.Printf("Starting stock broker on %s:%s", cfg.Host, cfg.Port)

	// Create metrics
	m := metrics.NewMetrics()

	// Create the durable store
	gateway, cleanup, err := newGateway(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer cleanup()

	// Create and start the broker
	broker := brokerService.NewBrokerService(cfg, gateway, m)
	if err := broker.Start(); err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}

	// Create chi router and register routes
	router := chi.NewRouter()
	brokerHTTP.RegisterBrokerRoutes(router, broker, cfg, m)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("HTTP server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Shutdown broker
	if err := broker.Shutdown(ctx); err != nil {
		log.Printf("Broker shutdown error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// newGateway selects the durable store: Postgres when DATABASE_URL is set,
// the in-memory store otherwise.
func newGateway(cfg *config.Config) (store.Gateway, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, using in-memory store; records will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	gateway := store.NewPostgres(pool)
	if err := gateway.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Println("Connected to postgres store")
	return gateway, pool.Close, nil
}
