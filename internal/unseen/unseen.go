// Package unseen computes per-sender counts of messages the viewer has
// not yet opened. The Aggregator answers from the store; Counters is
// the in-memory tally a conversation client keeps between snapshots.
package unseen

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetherchat/tether/internal/metrics"
	"github.com/tetherchat/tether/internal/store"
)

// Aggregator answers unseen-count snapshots from the message store.
type Aggregator struct {
	store   store.Store
	metrics *metrics.Metrics
}

// NewAggregator creates an Aggregator. metrics may be nil in tests.
func NewAggregator(st store.Store, m *metrics.Metrics) *Aggregator {
	return &Aggregator{store: st, metrics: m}
}

// Snapshot returns unseen counts for viewerID keyed by sender. Senders
// with nothing unseen are absent from the result.
func (a *Aggregator) Snapshot(ctx context.Context, viewerID string) (map[string]int, error) {
	counts, err := a.store.UnseenBySender(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("unseen snapshot: %w", err)
	}
	if a.metrics != nil {
		a.metrics.UnseenSnapshots.Inc()
	}
	return counts, nil
}

// Counters is a concurrency-safe per-sender tally. Increment and Reset
// apply last-write-wins; there is no ordering between them beyond the
// caller's own sequencing.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounters returns an empty tally.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int)}
}

// Increment bumps the count for senderID by one.
func (c *Counters) Increment(senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[senderID]++
}

// Reset zeroes the count for senderID.
func (c *Counters) Reset(senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, senderID)
}

// Get returns the current count for senderID.
func (c *Counters) Get(senderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[senderID]
}

// Snapshot returns a copy of all non-zero counts.
func (c *Counters) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Load replaces the tally with counts, typically a server snapshot.
func (c *Counters) Load(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int, len(counts))
	for k, v := range counts {
		c.counts[k] = v
	}
}
