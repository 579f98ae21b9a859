// Package annotations provides a low-overhead event system for tracking
// transactions, rule evaluation and dispatch phases.
package annotations

import (
	"sync"
	"time"
)

// Event name constants following hierarchical naming pattern
const (
	// Transaction lifecycle
	TxBegin    = "tx/begin"
	TxFlush    = "tx/flush"
	TxCommit   = "tx/commit"
	TxRollback = "tx/rollback"

	// Rule evaluation
	RuleEvaluated = "rule/evaluated"
	LevelApplied  = "level/applied"

	// Stage operations
	StageJoin     = "stage/join"
	StageAntijoin = "stage/antijoin"

	// Dispatch protocol
	DispatchPhase     = "dispatch/phase"
	DispatchCompleted = "dispatch/completed"

	// Errors
	ErrorRule = "error/rule"
)

// Event represents a single annotation event.
type Event struct {
	Name    string                 // Event name using hierarchical constants above
	Start   time.Time              // Start timestamp
	End     time.Time              // End timestamp
	Latency time.Duration          // Duration (End - Start)
	Data    map[string]interface{} // Additional event-specific data
}

// Handler processes annotation events as they occur.
type Handler func(event Event)

// Collector accumulates events. A nil *Collector is valid and drops
// everything, so callers never need to check before emitting.
type Collector struct {
	handler Handler
	keep    bool
	events  []Event
	mu      sync.Mutex
}

// NewCollector creates a collector forwarding events to handler.
// A nil handler disables the collector.
func NewCollector(handler Handler) *Collector {
	if handler == nil {
		return nil
	}
	return &Collector{handler: handler}
}

// NewRecorder creates a collector that keeps every event for Events()
func NewRecorder() *Collector {
	return &Collector{keep: true, events: make([]Event, 0, 64)}
}

// Enabled reports whether events are consumed
func (c *Collector) Enabled() bool {
	return c != nil
}

// Add records a new event.
// Thread-safe for concurrent access.
func (c *Collector) Add(event Event) {
	if c == nil {
		return
	}

	if c.keep {
		c.mu.Lock()
		c.events = append(c.events, event)
		c.mu.Unlock()
	}

	// Call handler outside the lock to avoid deadlocks
	if c.handler != nil {
		c.handler(event)
	}
}

// AddTiming records an event that started at start and ends now.
func (c *Collector) AddTiming(name string, start time.Time, data map[string]interface{}) {
	if c == nil {
		return
	}

	end := time.Now()
	c.Add(Event{
		Name:    name,
		Start:   start,
		End:     end,
		Latency: end.Sub(start),
		Data:    data,
	})
}

// Events returns all kept events.
func (c *Collector) Events() []Event {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	eventsCopy := make([]Event, len(c.events))
	copy(eventsCopy, c.events)
	return eventsCopy
}

// Names returns the names of kept events in order
func (c *Collector) Names() []string {
	events := c.Events()
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

// Reset clears kept events.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}

// Tee fans an event out to several handlers
func Tee(handlers ...Handler) Handler {
	return func(event Event) {
		for _, h := range handlers {
			if h != nil {
				h(event)
			}
		}
	}
}
