// Package load tracks in-flight request pressure and reports it as a 0..1
// fraction consumed by the adaptive timeout calculator.
package load

import (
	"sync"
)

// Tracker counts in-flight requests against a configured capacity
type Tracker struct {
	mu sync.RWMutex

	// Configuration
	capacity int // requests considered "full load"

	// State
	inFlight int
	peak     int
}

// NewTracker creates a new load tracker with the given capacity
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 100
	}
	return &Tracker{capacity: capacity}
}

// Begin marks one request entering the governed path
func (t *Tracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight++
	if t.inFlight > t.peak {
		t.peak = t.inFlight
	}
}

// End marks one request leaving the governed path
func (t *Tracker) End() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inFlight > 0 {
		t.inFlight--
	}
}

// Load returns the current load fraction, clamped to [0, 1]
func (t *Tracker) Load() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	load := float64(t.inFlight) / float64(t.capacity)
	if load > 1 {
		return 1
	}
	return load
}

// InFlight returns the current number of in-flight requests
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inFlight
}

// Peak returns the highest in-flight count seen
func (t *Tracker) Peak() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peak
}

// Reset clears the tracker state
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight = 0
	t.peak = 0
}
