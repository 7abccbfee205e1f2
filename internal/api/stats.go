package api

import (
	"sync"
	"sync/atomic"
)

// Stats tracks live and lifetime connection counts for the API surface.
type Stats struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewStats creates an empty Stats instance.
func NewStats() *Stats {
	return &Stats{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of active connections.
func (s *Stats) ConnectionCount() int {
	return int(s.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for a specific IP.
func (s *Stats) ConnectionCountForIP(ip string) int {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	return s.ipConnections[ip]
}

// TryIncrementConnections atomically checks limits and increments counters.
// Returns "" on success, or a reason string if the limit was hit.
func (s *Stats) TryIncrementConnections(ip string, maxGlobal, maxPerIP int) string {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()

	// Read the atomic under the lock to prevent TOCTOU
	current := int(s.activeConnections.Load())
	if current >= maxGlobal {
		return "max_connections"
	}

	if s.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	s.ipConnections[ip]++
	return ""
}

// DecrementConnections decrements both global and per-IP connection counters.
func (s *Stats) DecrementConnections(ip string) {
	s.activeConnections.Add(-1)
	s.ipMu.Lock()
	s.ipConnections[ip]--
	if s.ipConnections[ip] <= 0 {
		delete(s.ipConnections, ip)
	}
	s.ipMu.Unlock()
}

// IncrementMessages increments the total messages counter.
func (s *Stats) IncrementMessages() {
	s.totalMessages.Add(1)
}

// TotalConnections returns the total number of connections handled since start.
func (s *Stats) TotalConnections() int64 {
	return s.totalConnections.Load()
}

// TotalMessages returns the total number of messages sent since start.
func (s *Stats) TotalMessages() int64 {
	return s.totalMessages.Load()
}
