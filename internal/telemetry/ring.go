// Package telemetry periodically samples connection statistics and
// uploads aggregated reports to the backend.
package telemetry

import (
	"sync"
	"time"
)

// Sample is one point-in-time measurement of the session's media path.
type Sample struct {
	Timestamp      time.Time
	BitrateKbps    float64
	RTT            time.Duration
	PacketLossRate float64
}

// Ring stores the most recent samples in a fixed-capacity circular
// buffer. When full, adding evicts the oldest sample.
type Ring struct {
	mu       sync.RWMutex
	data     []Sample
	capacity int
	size     int
	head     int
	tail     int
}

func NewRing(capacity int) *Ring {
	return &Ring{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

// Add appends a sample, evicting the oldest when at capacity.
func (r *Ring) Add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// All returns the buffered samples in chronological order. The buffer is
// not drained; uploads aggregate over everything currently retained.
func (r *Ring) All() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	out := make([]Sample, r.size)
	pos := r.tail
	for i := 0; i < r.size; i++ {
		out[i] = r.data[pos]
		pos = (pos + 1) % r.capacity
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
