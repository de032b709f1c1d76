package log

import "sync"

// MemoryLogger keeps events in memory, bounded to the most recent Limit
// events when Limit > 0. It is safe for concurrent use.
type MemoryLogger struct {
	Limit int

	mu     sync.Mutex
	events []Event
}

// Log records the event.
func (m *MemoryLogger) Log(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if m.Limit > 0 && len(m.events) > m.Limit {
		m.events = append(m.events[:0], m.events[len(m.events)-m.Limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*MemoryLogger)(nil)
