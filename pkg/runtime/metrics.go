package runtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// NodeStats holds the counters of one node.
type NodeStats struct {
	URN      string
	Received int64
	Emitted  int64
	Errors   int64
	Duration time.Duration
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	Received       int64
	Emitted        int64
	Errors         int64
	ProcessingTime time.Duration
	// Nodes in the order they first processed a message.
	Nodes []NodeStats
}

// Metrics counts messages flowing through Registry.Process.
type Metrics struct {
	received  atomic.Int64
	emitted   atomic.Int64
	errors    atomic.Int64
	totalTime atomic.Int64

	mu    sync.Mutex
	order []string
	nodes map[string]*NodeStats
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{nodes: make(map[string]*NodeStats)}
}

func (m *Metrics) node(urn string) *NodeStats {
	s, ok := m.nodes[urn]
	if !ok {
		s = &NodeStats{URN: urn}
		m.nodes[urn] = s
		m.order = append(m.order, urn)
	}
	return s
}

// RecordReceived records a message handed to a node.
func (m *Metrics) RecordReceived(urn string) {
	m.received.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node(urn).Received++
}

// RecordEmitted records a message produced by a node.
func (m *Metrics) RecordEmitted(urn string) {
	m.emitted.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node(urn).Emitted++
}

// RecordError records a node failure.
func (m *Metrics) RecordError(urn string) {
	m.errors.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node(urn).Errors++
}

// RecordDuration records the time a node spent on one input, downstream
// work included.
func (m *Metrics) RecordDuration(urn string, d time.Duration) {
	m.totalTime.Add(int64(d))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node(urn).Duration += d
}

// Snapshot returns the current metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make([]NodeStats, 0, len(m.order))
	for _, urn := range m.order {
		nodes = append(nodes, *m.nodes[urn])
	}
	return Snapshot{
		Received:       m.received.Load(),
		Emitted:        m.emitted.Load(),
		Errors:         m.errors.Load(),
		ProcessingTime: time.Duration(m.totalTime.Load()),
		Nodes:          nodes,
	}
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.received.Store(0)
	m.emitted.Store(0)
	m.errors.Store(0)
	m.totalTime.Store(0)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	m.nodes = make(map[string]*NodeStats)
}
