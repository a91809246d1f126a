package main

import (
	"context"
	"testing"

	"github.com/kmeetz/stockfeed/internals/config"
	"github.com/kmeetz/stockfeed/internals/store"
)

func TestNewGateway_InMemory(t *testing.T) {
	cfg := &config.Config{DatabaseURL: ""}

	gateway, cleanup, err := newGateway(cfg)
	if err != nil {
		t.Fatalf("newGateway failed: %v", err)
	}
	defer cleanup()

	if gateway == nil {
		t.Fatal("Expected a gateway")
	}
	if _, ok := gateway.(*store.Memory); !ok {
		t.Errorf("Expected the in-memory store without DATABASE_URL, got %T", gateway)
	}

	// The gateway should be usable out of the box.
	if _, err := gateway.ListStocks(context.Background()); err != nil {
		t.Errorf("ListStocks on a fresh store failed: %v", err)
	}
}
