// Package metrics provides metrics collection and reporting for the broker.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Metrics tracks broker-wide and per-topic counters. The broker's dispatch
// goroutine writes; the HTTP stats and health handlers read concurrently.
type Metrics struct {
	connections int64
	topics      int64
	delivered   uint64
	skipped     uint64
	errors      uint64

	mu       sync.RWMutex
	perTopic map[string]*TopicMetrics
}

// TopicMetrics tracks counters for a single topic.
type TopicMetrics struct {
	Name      string
	Updates   uint64
	Delivered uint64
	Skipped   uint64
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		perTopic: make(map[string]*TopicMetrics),
	}
}

// ConnOpened increments the open connection gauge.
func (m *Metrics) ConnOpened() {
	atomic.AddInt64(&m.connections, 1)
}

// ConnClosed decrements the open connection gauge.
func (m *Metrics) ConnClosed() {
	atomic.AddInt64(&m.connections, -1)
}

// Connections returns the number of open connections.
func (m *Metrics) Connections() int64 {
	return atomic.LoadInt64(&m.connections)
}

// SetTopics records the current size of the routing table.
func (m *Metrics) SetTopics(n int) {
	atomic.StoreInt64(&m.topics, int64(n))
}

// Topics returns the current size of the routing table.
func (m *Metrics) Topics() int64 {
	return atomic.LoadInt64(&m.topics)
}

// IncError counts a per-message error response.
func (m *Metrics) IncError() {
	atomic.AddUint64(&m.errors, 1)
}

// RecordUpdate counts one price update broadcast and its delivery outcome.
func (m *Metrics) RecordUpdate(topic string, delivered, skipped int) {
	atomic.AddUint64(&m.delivered, uint64(delivered))
	atomic.AddUint64(&m.skipped, uint64(skipped))

	m.mu.Lock()
	tm := m.perTopic[topic]
	if tm == nil {
		tm = &TopicMetrics{Name: topic}
		m.perTopic[topic] = tm
	}
	tm.Updates++
	tm.Delivered += uint64(delivered)
	tm.Skipped += uint64(skipped)
	m.mu.Unlock()
}

// Snapshot returns a copy of the current metrics suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]interface{} {
	snapshot := make(map[string]interface{})

	snapshot["global"] = map[string]interface{}{
		"connections": atomic.LoadInt64(&m.connections),
		"topics":      atomic.LoadInt64(&m.topics),
		"delivered":   atomic.LoadUint64(&m.delivered),
		"skipped":     atomic.LoadUint64(&m.skipped),
		"errors":      atomic.LoadUint64(&m.errors),
	}

	m.mu.RLock()
	topics := make(map[string]map[string]interface{})
	for name, tm := range m.perTopic {
		topics[name] = map[string]interface{}{
			"updates":   tm.Updates,
			"delivered": tm.Delivered,
			"skipped":   tm.Skipped,
		}
	}
	m.mu.RUnlock()

	snapshot["topics"] = topics
	return snapshot
}
