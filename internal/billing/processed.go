package billing

import (
	"context"
	"sync"
)

// ClaimResult is the outcome of claiming an event id for processing.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns the event and must Complete or Release it.
	ClaimAcquired ClaimResult = iota
	// ClaimDuplicate means the event was already applied.
	ClaimDuplicate
	// ClaimInFlight means another delivery of the same event is being applied.
	ClaimInFlight
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ProcessedEvents is a bounded record of applied event ids. Once it holds
// more than its limit, the oldest entries are evicted in one batch.
type ProcessedEvents interface {
	Claim(ctx context.Context, eventID string) (ClaimResult, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
	Len(ctx context.Context) (int, error)
}

// Default bounds for the processed-event record.
const (
	DefaultProcessedLimit = 1000
	DefaultProcessedEvict = 500
)

// MemoryProcessedEvents keeps the record in process memory in insertion order.
type MemoryProcessedEvents struct {
	mu       sync.Mutex
	limit    int
	evict    int
	done     map[string]struct{}
	order    []string
	inFlight map[string]struct{}
}

// NewMemoryProcessedEvents returns a record that evicts the oldest evict ids
// whenever it grows past limit. Non-positive values select the defaults.
func NewMemoryProcessedEvents(limit, evict int) *MemoryProcessedEvents {
	limit, evict = normalizeBounds(limit, evict)
	return &MemoryProcessedEvents{
		limit:    limit,
		evict:    evict,
		done:     make(map[string]struct{}, limit+1),
		order:    make([]string, 0, limit+1),
		inFlight: make(map[string]struct{}),
	}
}

func normalizeBounds(limit, evict int) (int, int) {
	if limit <= 0 {
		limit = DefaultProcessedLimit
	}
	if evict <= 0 || evict > limit {
		evict = limit / 2
		if evict == 0 {
			evict = 1
		}
	}
	return limit, evict
}

// Claim implements ProcessedEvents.
func (m *MemoryProcessedEvents) Claim(_ context.Context, eventID string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.done[eventID]; ok {
		return ClaimDuplicate, nil
	}
	if _, ok := m.inFlight[eventID]; ok {
		return ClaimInFlight, nil
	}
	m.inFlight[eventID] = struct{}{}
	return ClaimAcquired, nil
}

// Complete implements ProcessedEvents.
func (m *MemoryProcessedEvents) Complete(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inFlight, eventID)
	if _, ok := m.done[eventID]; ok {
		return nil
	}
	m.done[eventID] = struct{}{}
	m.order = append(m.order, eventID)

	if len(m.order) > m.limit {
		for _, id := range m.order[:m.evict] {
			delete(m.done, id)
		}
		kept := make([]string, len(m.order)-m.evict, m.limit+1)
		copy(kept, m.order[m.evict:])
		m.order = kept
	}
	return nil
}

// Release implements ProcessedEvents.
func (m *MemoryProcessedEvents) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, eventID)
	return nil
}

// Len implements ProcessedEvents.
func (m *MemoryProcessedEvents) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order), nil
}

// Has reports whether eventID is currently recorded as applied.
func (m *MemoryProcessedEvents) Has(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.done[eventID]
	return ok
}
