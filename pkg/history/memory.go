package history

import "sync"

// MemorySink keeps round records in memory. It is the default sink and the
// one tests use.
type MemorySink struct {
	mu      sync.RWMutex
	records []*RoundRecord
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements the Sink interface.
func (s *MemorySink) Append(record *RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.records = append(s.records, &copied)
	return nil
}

// Records implements the Sink interface.
func (s *MemorySink) Records() ([]*RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RoundRecord, len(s.records))
	for i, r := range s.records {
		copied := *r
		out[i] = &copied
	}
	return out, nil
}
